package pattern_test

import (
	"fmt"

	"github.com/xyproto/patternsleuth/pattern"
)

func ExampleNew() {
	p, err := pattern.New("48 89 5C 24 ?? | 57 48 83 EC ??")
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	data := []byte{0x48, 0x89, 0x5C, 0x24, 0x08, 0x57, 0x48, 0x83, 0xEC, 0x20}
	const base = 0x1400
	if p.IsMatch(data, base, 0) {
		fmt.Printf("matched at 0x%X\n", p.ComputeResult(base, 0))
	}
	// Output:
	// matched at 0x1405
}
