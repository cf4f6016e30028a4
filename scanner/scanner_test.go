package scanner

import (
	"testing"

	"github.com/xyproto/patternsleuth/pattern"
)

func must(t *testing.T, s string) *pattern.Pattern {
	t.Helper()
	p, err := pattern.New(s)
	if err != nil {
		t.Fatalf("pattern.New(%q): %v", s, err)
	}
	return p
}

// TestScanChunkBoundaryIndependence mirrors the original scanner's
// chunk-boundary test: a single-byte pattern must match at every position
// regardless of where chunk boundaries fall.
func TestScanChunkBoundaryIndependence(t *testing.T) {
	const length = 64
	const base = 123
	data := make([]byte, length)
	for i := range data {
		data[i] = 0x01
	}
	p := must(t, "01")
	results := ScanPatterns([]*pattern.Pattern{p}, base, data)
	if len(results[0]) != length {
		t.Fatalf("expected %d matches, got %d", length, len(results[0]))
	}
	for i, idx := range results[0] {
		if idx != i {
			t.Errorf("match %d: expected index %d, got %d", i, i, idx)
		}
	}
}

// TestScanPeriodicPattern mirrors the original's test_scan_algo: a
// multi-byte pattern over a repeating buffer should match at every position
// congruent to the pattern's offset within the period, independent of where
// the worker-pool chunk boundaries land.
func TestScanPeriodicPattern(t *testing.T) {
	const reps = 32
	data := make([]byte, 0, reps*3)
	for i := 0; i < reps; i++ {
		data = append(data, 1, 2, 3)
	}
	p := must(t, "01 02")
	results := ScanPatterns([]*pattern.Pattern{p}, 0, data)
	var want []int
	for i := 0; i+1 < len(data); i++ {
		if data[i] == 1 && data[i+1] == 2 {
			want = append(want, i)
		}
	}
	if len(results[0]) != len(want) {
		t.Fatalf("expected %d matches, got %d", len(want), len(results[0]))
	}
	for i := range want {
		if results[0][i] != want[i] {
			t.Errorf("match %d: expected %d, got %d", i, want[i], results[0][i])
		}
	}
}

func TestScanMultiplePatternsIndependentResults(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC, 0xAA, 0xBB}
	pAA := must(t, "AA")
	pBB := must(t, "BB")
	results := ScanPatterns([]*pattern.Pattern{pAA, pBB}, 0, data)
	if len(results[0]) != 2 || results[0][0] != 0 || results[0][1] != 3 {
		t.Errorf("unexpected AA matches: %v", results[0])
	}
	if len(results[1]) != 2 || results[1][0] != 1 || results[1][1] != 4 {
		t.Errorf("unexpected BB matches: %v", results[1])
	}
}

// TestScanXrefs mirrors the original's test_scan_xref: four identical xref
// targets should each resolve to the same single address after sorting: the
// displacement at data index 1 targets 0x504030a, reported as base+1 = 4.
func TestScanXrefs(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	const base = 3
	const target = 0x504030a
	targets := []uint64{target, target, target, target}
	results := ScanXrefs(targets, base, data)
	for i, m := range results {
		if len(m) != 1 || m[0] != 4 {
			t.Errorf("target %d: expected [4], got %v", i, m)
		}
	}
}

// TestScanPatternsXrefUsesBaseAddress ensures an xref-bearing pattern is
// validated against real addresses (baseAddress+index), not against
// data's own offset — a pattern for a call to 0x1000+9 only matches when
// ScanPatterns is actually told the section's base address.
func TestScanPatternsXrefUsesBaseAddress(t *testing.T) {
	const base = 0x1000
	// E8 <rel32> where rel32 makes the call target base+9: call at index 4,
	// next instruction at index 4+5=9, so disp = (base+9) - (base+9) = 0.
	data := []byte{0x90, 0x90, 0x90, 0x90, 0xE8, 0x00, 0x00, 0x00, 0x00, 0x90}
	p := must(t, "E8 X0x1009")

	results := ScanPatterns([]*pattern.Pattern{p}, base, data)
	if len(results[0]) != 1 || results[0][0] != 4 {
		t.Fatalf("expected a single match at index 4 with base 0x%X, got %v", base, results[0])
	}

	// At base 0, the same bytes' call target is 0x9, not 0x1009: the xref
	// constraint must correctly reject it.
	results = ScanPatterns([]*pattern.Pattern{p}, 0, data)
	if len(results[0]) != 0 {
		t.Fatalf("expected no match at base 0, got %v", results[0])
	}
}

func TestScanXrefsNoMatch(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	results := ScanXrefs([]uint64{0xDEADBEEF}, 0, data)
	if len(results[0]) != 0 {
		t.Errorf("expected no matches, got %v", results[0])
	}
}
