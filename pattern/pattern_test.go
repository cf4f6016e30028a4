package pattern

import "testing"

func TestNewBasicHex(t *testing.T) {
	p, err := New("12 34 ??")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Len() != 3 {
		t.Fatalf("expected len 3, got %d", p.Len())
	}
}

func TestNewRejectsBadWord(t *testing.T) {
	if _, err := New("12 zz"); err == nil {
		t.Fatalf("expected error for bad pattern word")
	}
}

func TestNewRejectsUnbalancedCapture(t *testing.T) {
	if _, err := New("12 [ 34"); err == nil {
		t.Fatalf("expected error for unclosed capture")
	}
	if _, err := New("12 34 ]"); err == nil {
		t.Fatalf("expected error for unbalanced ']'")
	}
}

func TestDisplayRoundTrip(t *testing.T) {
	cases := []string{
		"12 34 | 56",
		"12 ?? 34",
		"12 34 |",
	}
	for _, c := range cases {
		p, err := New(c)
		if err != nil {
			t.Fatalf("New(%q): %v", c, err)
		}
		if got := p.String(); got != c {
			t.Errorf("round trip mismatch: New(%q).String() = %q", c, got)
		}
	}
}

func TestCaptures(t *testing.T) {
	p, err := New("10 20 30 [ ?? ]")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte{0x10, 0x20, 0x30, 0x99}
	if !p.IsMatch(data, 100, 0) {
		t.Fatalf("expected match")
	}
	caps := p.ExtractCaptures(data, 100, 0)
	if len(caps) != 1 {
		t.Fatalf("expected 1 capture, got %d", len(caps))
	}
	if caps[0].Address != 103 {
		t.Errorf("expected capture address 103, got %d", caps[0].Address)
	}
	if len(caps[0].Data) != 1 || caps[0].Data[0] != 0x99 {
		t.Errorf("expected capture data [0x99], got %v", caps[0].Data)
	}
}

func TestXrefMatch(t *testing.T) {
	p, err := New("X0x1009")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// base_address=0x1000, index=1: target = base+1+0+4+disp = 0x1005+disp
	// want target == 0x1009 => disp = 4
	data := []byte{0x00, 0x04, 0x00, 0x00, 0x00}
	if !p.IsMatch(data, 0x1000, 1) {
		t.Fatalf("expected xref match")
	}
	if p.ComputeResult(0x1000, 1) != 0x1001 {
		t.Errorf("unexpected result address: %x", p.ComputeResult(0x1000, 1))
	}
}

func TestCustomOffset(t *testing.T) {
	p, err := New("12 34 | 56 78")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.CustomOffset != 2 {
		t.Fatalf("expected custom offset 2, got %d", p.CustomOffset)
	}
	if p.ComputeResult(100, 0) != 102 {
		t.Errorf("unexpected result: %d", p.ComputeResult(100, 0))
	}
}

func TestNibbleWildcard(t *testing.T) {
	p, err := New("1?")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.IsMatch([]byte{0x15}, 0, 0) {
		t.Fatalf("expected 0x15 to match 1?")
	}
	if p.IsMatch([]byte{0x25}, 0, 0) {
		t.Fatalf("expected 0x25 to not match 1?")
	}
}
