package image

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/xyproto/patternsleuth/memtrait"
)

// fakeView is a minimal ObjectView for exercising the exception-directory
// cache without a real PE file.
type fakeView struct {
	base    uint64
	secs    []SectionView
	excData []byte
	excAddr uint64
	hasExc  bool
}

func (f *fakeView) Format() Format          { return FormatPE }
func (f *fakeView) BaseAddress() uint64     { return f.base }
func (f *fakeView) Sections() []SectionView { return f.secs }
func (f *fakeView) ExceptionDirectory() ([]byte, uint64, bool) {
	return f.excData, f.excAddr, f.hasExc
}
func (f *fakeView) Imports() map[string]map[string]uint64 { return nil }
func (f *fakeView) Symbols() map[string]uint64            { return nil }

func putRuntimeFunction(buf []byte, off int, start, end, unwind uint32) {
	binary.LittleEndian.PutUint32(buf[off:], start)
	binary.LittleEndian.PutUint32(buf[off+4:], end)
	binary.LittleEndian.PutUint32(buf[off+8:], unwind)
}

func TestExceptionCacheRootAndChildren(t *testing.T) {
	const base = 0x140000000

	// Two entries: a root function at RVA 0x1000-0x1010, and a chained
	// sibling at 0x1010-0x1020 whose unwind info chains back to the root.
	unwindData := make([]byte, 0x40)
	// Root's unwind info at RVA 0x2000: plain (non-chained) unwind info.
	// Chained sibling's unwind info at RVA 0x2010: chain-info flag set
	// (version/flags byte >> 3 == 0x4), 0 unwind codes, chain info
	// immediately follows (aligned to 4) pointing at the root's
	// RUNTIME_FUNCTION entry (RVA 0x1000).
	unwindData[0x10] = 0x4 << 3
	unwindData[0x12] = 0 // code count
	putRuntimeFunction(unwindData, 0x14, 0x1000, 0x1010, 0x2000)

	excData := make([]byte, 24)
	putRuntimeFunction(excData, 0, 0x1000, 0x1010, 0x2000)
	putRuntimeFunction(excData, 12, 0x1010, 0x1020, 0x2010)

	view := &fakeView{
		base: base,
		secs: []SectionView{
			{Name: ".text", Address: base + 0x1000, Data: make([]byte, 0x1000), Scannable: true},
			{Name: ".rdata", Address: base + 0x2000, Data: unwindData, Scannable: false},
		},
		excData: excData,
		excAddr: base + 0x3000, // the exception directory's own load address, unrelated to the RVAs it contains
		hasExc:  true,
	}

	img, err := New(context.Background(), view)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	root, ok := img.GetFunction(base + 0x1005)
	if !ok {
		t.Fatalf("expected to find function containing base+0x1005")
	}
	if root.Start != base+0x1000 {
		t.Fatalf("expected root start base+0x1000, got 0x%X", root.Start)
	}

	child, ok := img.GetFunction(base + 0x1015)
	if !ok {
		t.Fatalf("expected to find function containing base+0x1015")
	}
	resolvedRoot := img.GetRootFunction(child)
	if resolvedRoot.Start != root.Start {
		t.Fatalf("expected chained child's root to be 0x%X, got 0x%X", root.Start, resolvedRoot.Start)
	}

	kids := img.GetChildFunctions(root)
	if len(kids) != 2 {
		t.Fatalf("expected 2 functions in root's group, got %d", len(kids))
	}

	roots := img.GetRootFunctions()
	if len(roots) != 1 || roots[0].Start != root.Start {
		t.Fatalf("expected exactly one root function, got %v", roots)
	}
}

func TestGetFunctionMiss(t *testing.T) {
	view := &fakeView{base: 0x1000, hasExc: false}
	img, err := New(context.Background(), view)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := img.GetFunction(0x5000); ok {
		t.Fatalf("expected no function for image with no exception directory")
	}
}

func TestSymbolAndImportLookup(t *testing.T) {
	img := &Image{
		Memory:  memtrait.New(nil),
		Symbols: map[string]uint64{"DoThing": 0x401000},
		Imports: map[string]map[string]uint64{
			"kernel32.dll": {"CreateFileW": 0x402000},
		},
	}
	addr, ok := img.SymbolAddress("DoThing")
	if !ok || addr != 0x401000 {
		t.Errorf("unexpected symbol lookup: %v ok=%v", addr, ok)
	}
	addr, ok = img.ImportAddress("KERNEL32.DLL", "CreateFileW")
	if !ok || addr != 0x402000 {
		t.Errorf("unexpected import lookup: %v ok=%v", addr, ok)
	}
}
