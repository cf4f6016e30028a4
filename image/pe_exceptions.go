package image

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/xyproto/patternsleuth/memtrait"
)

// RuntimeFunction is one RUNTIME_FUNCTION entry from a PE's exception
// directory: the address range it covers, and the address of its unwind
// info.
type RuntimeFunction struct {
	Start, End uint64
	Unwind     uint64
}

func (rf RuntimeFunction) contains(addr uint64) bool {
	return addr >= rf.Start && addr < rf.End
}

// exceptionIndex is the PE exception-directory cache: every RUNTIME_FUNCTION
// entry sorted by start address, plus a child->parent-edges-inverted cache
// (parent address -> its chained children) built once at load time exactly
// as the original's populate_exception_cache does.
type exceptionIndex struct {
	functions []RuntimeFunction
	children  map[uint64][]RuntimeFunction // keyed by parent start address
	parent    map[uint64]uint64            // child start address -> parent start address
}

const runtimeFunctionSize = 12

// buildExceptionIndex parses the exception-directory bytes directly (they
// need not be backed by a mapped, readable section of mem) but resolves
// every unwind-info and chain-info lookup through mem, the image's full
// section-addressed memory, since unwind data lives in whatever section
// the linker placed it (.pdata/.rdata), not inside the exception directory
// blob itself.
func buildExceptionIndex(mem *memtrait.Memory, data []byte, baseAddr uint64) (*exceptionIndex, error) {
	count := len(data) / runtimeFunctionSize
	idx := &exceptionIndex{
		functions: make([]RuntimeFunction, 0, count),
		children:  make(map[uint64][]RuntimeFunction),
		parent:    make(map[uint64]uint64),
	}

	for i := 0; i < count; i++ {
		rf := readRuntimeFunctionBytes(data, i*runtimeFunctionSize, baseAddr)
		idx.functions = append(idx.functions, rf)
		if _, ok := idx.children[rf.Start]; !ok {
			idx.children[rf.Start] = nil
		}

		chainTarget, isChained := chainInfoTarget(mem, rf, baseAddr)
		if isChained {
			idx.children[chainTarget] = append(idx.children[chainTarget], rf)
			idx.parent[rf.Start] = chainTarget
		}
	}

	sort.Slice(idx.functions, func(i, j int) bool { return idx.functions[i].Start < idx.functions[j].Start })
	return idx, nil
}

// readRuntimeFunctionBytes reads the three consecutive little-endian uint32
// fields of a RUNTIME_FUNCTION entry directly out of the exception-directory
// byte slice at off, each relative to baseAddr.
func readRuntimeFunctionBytes(data []byte, off int, baseAddr uint64) RuntimeFunction {
	start := binary.LittleEndian.Uint32(data[off:])
	end := binary.LittleEndian.Uint32(data[off+4:])
	unwind := binary.LittleEndian.Uint32(data[off+8:])
	return RuntimeFunction{
		Start:  baseAddr + uint64(start),
		End:    baseAddr + uint64(end),
		Unwind: baseAddr + uint64(unwind),
	}
}

// readRuntimeFunction reads the same three fields through mem, used when
// following a chain-info pointer into the image's regular sections.
func readRuntimeFunction(mem *memtrait.Memory, entryAddr, baseAddr uint64) (RuntimeFunction, error) {
	start, err := mem.U32LE(entryAddr)
	if err != nil {
		return RuntimeFunction{}, err
	}
	end, err := mem.U32LE(entryAddr + 4)
	if err != nil {
		return RuntimeFunction{}, err
	}
	unwind, err := mem.U32LE(entryAddr + 8)
	if err != nil {
		return RuntimeFunction{}, err
	}
	return RuntimeFunction{
		Start:  baseAddr + uint64(start),
		End:    baseAddr + uint64(end),
		Unwind: baseAddr + uint64(unwind),
	}, nil
}

// chainInfoTarget inspects rf's unwind info for a chained-unwind-info
// record (version/flags byte high bits == 0x4) and, if present, returns the
// RUNTIME_FUNCTION it chains to. The lookup is bounded by the section
// containing the chain-info address, matching the original's
// section.address()+section.data().len() > unwind_addr+12 check.
func chainInfoTarget(mem *memtrait.Memory, rf RuntimeFunction, baseAddr uint64) (uint64, bool) {
	unwindAddr := rf.Unwind
	flagsByte, err := mem.U8(unwindAddr)
	if err != nil {
		return 0, false
	}
	if flagsByte>>3 != 0x4 {
		return 0, false
	}
	codeCount, err := mem.U8(unwindAddr + 2)
	if err != nil {
		return 0, false
	}
	chainInfoAddr := unwindAddr + 4 + 2*uint64(codeCount)
	if chainInfoAddr%4 != 0 {
		chainInfoAddr += 2
	}
	section, ok := mem.SectionContaining(chainInfoAddr)
	if !ok || section.End() <= chainInfoAddr+12 {
		return 0, false
	}
	target, err := readRuntimeFunction(mem, chainInfoAddr, baseAddr)
	if err != nil {
		return 0, false
	}
	return target.Start, true
}

// GetFunction returns the RUNTIME_FUNCTION entry whose range contains addr,
// found via binary search over the sorted exception directory.
func (img *Image) GetFunction(addr uint64) (RuntimeFunction, bool) {
	if img.exceptions == nil {
		return RuntimeFunction{}, false
	}
	fns := img.exceptions.functions
	i := sort.Search(len(fns), func(i int) bool { return fns[i].Start > addr })
	if i == 0 {
		return RuntimeFunction{}, false
	}
	candidate := fns[i-1]
	if candidate.contains(addr) {
		return candidate, true
	}
	return RuntimeFunction{}, false
}

// GetRootFunction follows f's chain-info pointers (if any) until it reaches
// the entry with no further chain, which the original calls the function's
// root. Invalid or out-of-bounds chain pointers are treated as "no further
// chain" rather than an error, matching the original's silent-skip
// behavior.
func (img *Image) GetRootFunction(f RuntimeFunction) RuntimeFunction {
	if img.exceptions == nil {
		return f
	}
	current := f
	visited := map[uint64]bool{current.Start: true}
	for {
		target, ok := img.parentOf(current)
		if !ok || visited[target.Start] {
			return current
		}
		visited[target.Start] = true
		current = target
	}
}

// parentOf returns the RUNTIME_FUNCTION rf chains to, if any.
func (img *Image) parentOf(rf RuntimeFunction) (RuntimeFunction, bool) {
	parentStart, ok := img.exceptions.parent[rf.Start]
	if !ok {
		return RuntimeFunction{}, false
	}
	return img.GetFunction(parentStart)
}

// GetChildFunctions performs a breadth-first walk of root's chained
// children (functions whose chain-info points back to root, directly or
// transitively) and returns the full set including root itself.
func (img *Image) GetChildFunctions(root RuntimeFunction) []RuntimeFunction {
	if img.exceptions == nil {
		return []RuntimeFunction{root}
	}
	seen := map[uint64]bool{root.Start: true}
	all := []RuntimeFunction{root}
	queue := []uint64{root.Start}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range img.exceptions.children[next] {
			if seen[child.Start] {
				continue
			}
			seen[child.Start] = true
			all = append(all, child)
			queue = append(queue, child.Start)
		}
	}
	return all
}

// GetRootFunctionRange resolves addr to its containing function, follows it
// to its root, collects every chained child, and returns the convex hull
// [start,end) of the whole group. Returns a Misaligned error if addr isn't
// exactly the start of that root function (so the start of a chained child
// entry is rejected too) — matching the original's MisalginedAddress check.
func (img *Image) GetRootFunctionRange(addr uint64) (start, end uint64, err error) {
	f, ok := img.GetFunction(addr)
	if !ok {
		return 0, 0, fmt.Errorf("image: no function containing 0x%X", addr)
	}
	root := img.GetRootFunction(f)
	if root.Start != addr {
		return 0, 0, &memtrait.AccessError{Kind: memtrait.Misaligned, Address: addr, Expected: root.Start}
	}
	children := img.GetChildFunctions(root)
	start, end = children[0].Start, children[0].End
	for _, c := range children[1:] {
		if c.Start < start {
			start = c.Start
		}
		if c.End > end {
			end = c.End
		}
	}
	return start, end, nil
}

// GetRootFunctions returns every entry in the exception directory that is
// not itself chained as someone else's child — i.e. the keys of the
// children cache minus every function that appears as a value anywhere in
// it.
func (img *Image) GetRootFunctions() []RuntimeFunction {
	if img.exceptions == nil {
		return nil
	}
	isChild := make(map[uint64]bool)
	for _, kids := range img.exceptions.children {
		for _, k := range kids {
			isChild[k.Start] = true
		}
	}
	var roots []RuntimeFunction
	for _, f := range img.exceptions.functions {
		if !isChild[f.Start] {
			roots = append(roots, f)
		}
	}
	return roots
}
