// Package scanner implements the parallel multi-pattern and multi-xref byte
// scan that the pattern package's compiled signatures are matched with.
//
// Both ScanPatterns and ScanXrefs split data into one chunk per available
// worker (sized via runtime.GOMAXPROCS, overridable through
// PATTERNSLEUTH_SCAN_WORKERS — see internal/envcfg) and scan each chunk
// concurrently with golang.org/x/sync/errgroup. In ScanPatterns a final
// single-threaded pass covers the last maxPatternLen-1 bytes of data, so no
// chunk starts a candidate whose template runs past the data; each candidate
// is still bounds-checked by Pattern.IsMatch.
package scanner

import (
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/xyproto/patternsleuth/internal/envcfg"
	"github.com/xyproto/patternsleuth/pattern"
)

// workerCount returns the number of goroutines to fan a scan out across.
func workerCount() int {
	if n := envcfg.ScanWorkers(); n > 0 {
		return n
	}
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 4
}

// ScanPatterns scans data (addressed starting at baseAddress) for every
// pattern in patterns, returning one slice of match indices (into data) per
// pattern, in the same order as patterns. Each pattern's match indices are
// sorted in ascending order.
func ScanPatterns(patterns []*pattern.Pattern, baseAddress uint64, data []byte) [][]int {
	results := make([][]int, len(patterns))
	if len(patterns) == 0 || len(data) == 0 {
		return results
	}

	maxLen := 0
	for _, p := range patterns {
		if l := p.Len(); l > maxLen {
			maxLen = l
		}
	}
	if maxLen == 0 {
		return results
	}

	tailLen := maxLen - 1
	bodyLen := len(data) - tailLen
	if bodyLen < 0 {
		bodyLen = 0
	}

	workers := workerCount()
	if workers < 1 {
		workers = 1
	}
	chunkSize := bodyLen / workers
	if chunkSize == 0 {
		chunkSize = bodyLen
	}

	type partial struct {
		matches [][]int
	}
	partials := make([]partial, 0, workers+1)
	var mtx = make(chan partial, workers+1)

	g := new(errgroup.Group)
	pos := 0
	for pos < bodyLen {
		start := pos
		end := start + chunkSize
		if end > bodyLen || bodyLen-end < chunkSize {
			end = bodyLen
		}
		pos = end
		g.Go(func() error {
			local := scanRange(patterns, baseAddress, data, start, end)
			mtx <- partial{matches: local}
			return nil
		})
	}
	_ = g.Wait()
	close(mtx)
	for p := range mtx {
		partials = append(partials, p)
	}

	// Single-threaded tail pass over [bodyLen, len(data)), bounds-checked.
	tail := scanRangeChecked(patterns, baseAddress, data, bodyLen, len(data))

	for i := range patterns {
		var all []int
		for _, p := range partials {
			all = append(all, p.matches[i]...)
		}
		all = append(all, tail[i]...)
		sort.Ints(all)
		results[i] = all
	}
	return results
}

// scanRange scans data[start:end) for every pattern, testing each candidate
// with IsMatch, which bounds-checks the template against len(data). Chunk
// callers pass end <= len(data)-tailLen, so every chunk candidate has room
// for the longest pattern. baseAddress is the address
// data[0] is mapped at, so xref constraints resolve against real addresses
// rather than against data's own offset.
func scanRange(patterns []*pattern.Pattern, baseAddress uint64, data []byte, start, end int) [][]int {
	out := make([][]int, len(patterns))
	for idx, p := range patterns {
		// Prefilter on data[i] only when the byte at offset 0 is fully
		// specified; FirstByte may report a byte at a later offset.
		fb, ok := p.Sig()[0], p.Mask()[0] == 0xFF
		var matches []int
		if ok {
			for i := start; i < end; i++ {
				if data[i] != fb {
					continue
				}
				if p.IsMatch(data, baseAddress, i) {
					matches = append(matches, i)
				}
			}
		} else {
			for i := start; i < end; i++ {
				if p.IsMatch(data, baseAddress, i) {
					matches = append(matches, i)
				}
			}
		}
		out[idx] = matches
	}
	return out
}

// scanRangeChecked is the same as scanRange but used for the tail region,
// where a pattern's template may run past len(data); IsMatch already
// performs that bounds check.
func scanRangeChecked(patterns []*pattern.Pattern, baseAddress uint64, data []byte, start, end int) [][]int {
	return scanRange(patterns, baseAddress, data, start, end)
}

// ScanXrefs scans data (addressed starting at baseAddress) for 4-byte
// RIP-relative displacements that resolve to one of targets, i.e. positions i
// such that baseAddress+i+4+int32(data[i:i+4]) equals a target. Returns one
// slice of match addresses (baseAddress+i, ascending) per target, in the
// same order as targets; duplicate target values each get their own
// (identical) result slice.
func ScanXrefs(targets []uint64, baseAddress uint64, data []byte) [][]uint64 {
	results := make([][]uint64, len(targets))
	if len(targets) == 0 || len(data) < 4 {
		return results
	}

	sorted := make([]sortedTarget, len(targets))
	for i, t := range targets {
		sorted[i] = sortedTarget{addr: t, orig: i}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].addr < sorted[j].addr })

	n := len(data) - 3
	workers := workerCount()
	if workers < 1 {
		workers = 1
	}
	chunkSize := n / workers
	if chunkSize == 0 {
		chunkSize = n
	}

	type found struct {
		addr   uint64
		target uint64
	}
	var collected []found
	ch := make(chan []found, workers+1)

	g := new(errgroup.Group)
	pos := 0
	for pos < n {
		start := pos
		end := start + chunkSize
		if end > n || n-end < chunkSize {
			end = n
		}
		pos = end
		g.Go(func() error {
			var local []found
			for i := start; i < end; i++ {
				disp := int32(uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24)
				target := uint64(int64(baseAddress) + int64(i) + 4 + int64(disp))
				if hasTarget(sorted, target) {
					local = append(local, found{addr: baseAddress + uint64(i), target: target})
				}
			}
			ch <- local
			return nil
		})
	}
	_ = g.Wait()
	close(ch)
	for local := range ch {
		collected = append(collected, local...)
	}

	byTarget := make(map[uint64][]uint64, len(sorted))
	for _, f := range collected {
		byTarget[f.target] = append(byTarget[f.target], f.addr)
	}
	for i, t := range targets {
		m := append([]uint64(nil), byTarget[t]...)
		sort.Slice(m, func(a, b int) bool { return m[a] < m[b] })
		results[i] = m
	}
	return results
}

// sortedTarget pairs a scan target with its original index, so results can
// be expanded back out per duplicate target value after a sorted search.
type sortedTarget struct {
	addr uint64
	orig int
}

// hasTarget reports whether sorted (ascending by addr) contains target,
// via binary search — the Go equivalent of binary_search_by_key. Duplicate
// target values in the caller's original targets slice are expanded back out
// afterwards via the byTarget map, so no outward walk is needed here.
func hasTarget(sorted []sortedTarget, target uint64) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].addr >= target })
	return i < len(sorted) && sorted[i].addr == target
}
