// Package image is the Image/Memory abstraction: a loaded binary's address
// space plus whatever auxiliary indices (PE exception directory, symbols,
// imports) the resolve package's resolvers need to locate and walk
// functions. Image is built once, from an ObjectView, and is read-only for
// the rest of its lifetime — nothing in this engine mutates it after
// construction.
package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/xyproto/patternsleuth/internal/obslog"
	"github.com/xyproto/patternsleuth/memtrait"
)

// Image is a loaded binary: its section-addressed Memory, base address, and
// format-specific auxiliary data needed to resolve symbols and walk
// function metadata.
type Image struct {
	Memory      *memtrait.Memory
	BaseAddress uint64
	Format      Format
	Symbols     map[string]uint64
	Imports     map[string]map[string]uint64

	exceptions *exceptionIndex // nil for non-PE images or PEs with no table
}

// New builds an Image from an ObjectView, populating the PE exception-
// directory cache (if the view has one) eagerly so later lookups never pay
// the parse cost.
func New(ctx context.Context, view ObjectView) (*Image, error) {
	sections := view.Sections()
	memSections := make([]*memtrait.Section, len(sections))
	for i, s := range sections {
		memSections[i] = &memtrait.Section{
			Name:      s.Name,
			Kind:      s.Kind,
			Address:   s.Address,
			Data:      s.Data,
			Scannable: s.Scannable,
		}
	}

	img := &Image{
		Memory:      memtrait.New(memSections),
		BaseAddress: view.BaseAddress(),
		Format:      view.Format(),
		Symbols:     view.Symbols(),
		Imports:     view.Imports(),
	}

	if data, _, ok := view.ExceptionDirectory(); ok {
		idx, err := buildExceptionIndex(img.Memory, data, img.BaseAddress)
		if err != nil {
			return nil, fmt.Errorf("image: populate exception cache: %w", err)
		}
		img.exceptions = idx
		obslog.ExceptionCache(ctx, len(idx.functions))
	}

	return img, nil
}

// SymbolAddress looks up a named export/dynamic symbol.
func (img *Image) SymbolAddress(name string) (uint64, bool) {
	addr, ok := img.Symbols[name]
	return addr, ok
}

// ImportAddress looks up the IAT address of symbol imported from lib
// (case-insensitive library name, matching the original's lowercased map
// key).
func (img *Image) ImportAddress(lib, symbol string) (uint64, bool) {
	libSyms, ok := img.Imports[strings.ToLower(lib)]
	if !ok {
		return 0, false
	}
	addr, ok := libSyms[symbol]
	return addr, ok
}
