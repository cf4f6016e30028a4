package objectview

import (
	"debug/elf"
	"fmt"

	"github.com/xyproto/patternsleuth/image"
	"github.com/xyproto/patternsleuth/memtrait"
)

// elfView implements image.ObjectView over a debug/elf.File. ELF images
// never carry a PE-style exception directory or import-address table in the
// sense this engine needs, so ExceptionDirectory and Imports are empty —
// resolvers that need unwind-table walking on ELF targets are out of scope,
// matching the Non-goals for this format in the specification.
type elfView struct {
	base     uint64
	sections []image.SectionView
	symbols  map[string]uint64
}

func (v *elfView) Format() image.Format          { return image.FormatELF }
func (v *elfView) BaseAddress() uint64           { return v.base }
func (v *elfView) Sections() []image.SectionView { return v.sections }
func (v *elfView) ExceptionDirectory() ([]byte, uint64, bool) { return nil, 0, false }
func (v *elfView) Imports() map[string]map[string]uint64     { return nil }
func (v *elfView) Symbols() map[string]uint64                { return v.symbols }

// FromELFFile reads path as an ELF image and returns an image.ObjectView
// over it, using the standard library's debug/elf for section and symbol
// table parsing.
func FromELFFile(path string) (image.ObjectView, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objectview: open %s: %w", path, err)
	}
	defer f.Close()

	v := &elfView{base: baseAddressOf(f)}

	for _, sec := range f.Sections {
		if sec.Type == elf.SHT_NOBITS {
			// NOBITS (.bss) occupies address space but has no file
			// contents; represent it as zero-filled rather than reading.
			v.sections = append(v.sections, image.SectionView{
				Name:      sec.Name,
				Address:   sec.Addr,
				Data:      make([]byte, sec.Size),
				Scannable: isELFSectionScannable(sec.Flags),
				Kind:      elfSectionKind(sec.Flags),
			})
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		v.sections = append(v.sections, image.SectionView{
			Name:      sec.Name,
			Address:   sec.Addr,
			Data:      data,
			Scannable: isELFSectionScannable(sec.Flags),
			Kind:      elfSectionKind(sec.Flags),
		})
	}

	v.symbols = make(map[string]uint64)
	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Name != "" && s.Value != 0 {
				v.symbols[s.Name] = s.Value
			}
		}
	}
	if dynSyms, err := f.DynamicSymbols(); err == nil {
		for _, s := range dynSyms {
			if s.Name != "" && s.Value != 0 {
				v.symbols[s.Name] = s.Value
			}
		}
	}

	return v, nil
}

// baseAddressOf returns the lowest virtual address of any PT_LOAD program
// header, the conventional ELF "base address" for a position-independent
// executable or shared object; for a non-PIE executable this is simply its
// fixed load address.
func baseAddressOf(f *elf.File) uint64 {
	var base uint64
	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || p.Vaddr < base {
			base = p.Vaddr
			first = false
		}
	}
	return base
}

func isELFSectionScannable(flags elf.SectionFlag) bool {
	return flags&elf.SHF_ALLOC != 0
}

func elfSectionKind(flags elf.SectionFlag) memtrait.SectionKind {
	switch {
	case flags&elf.SHF_EXECINSTR != 0:
		return memtrait.KindCode
	case flags&elf.SHF_WRITE != 0:
		return memtrait.KindData
	default:
		return memtrait.KindRData
	}
}
