package resolve_test

import (
	"context"
	"fmt"

	"github.com/xyproto/patternsleuth/image"
	"github.com/xyproto/patternsleuth/memtrait"
	"github.com/xyproto/patternsleuth/pattern"
	"github.com/xyproto/patternsleuth/resolve"
)

func ExampleEval() {
	data := make([]byte, 32)
	data[8], data[9] = 0xCC, 0xCC
	img := &image.Image{
		Memory: memtrait.New([]*memtrait.Section{
			{Name: ".text", Address: 0x1000, Data: data, Scannable: true},
		}),
		BaseAddress: 0x1000,
	}

	p, err := pattern.New("CC CC")
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	addr, err := resolve.Eval(context.Background(), img, func(c *resolve.Context) (uint64, error) {
		matches, err := c.ScanOne(p)
		if err != nil {
			return 0, err
		}
		return resolve.EnsureOne(matchAddresses(matches))
	})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("found at 0x%X\n", addr)
	// Output:
	// found at 0x1008
}

func matchAddresses(matches []pattern.Match) []uint64 {
	out := make([]uint64, len(matches))
	for i, m := range matches {
		out[i] = m.Address
	}
	return out
}
