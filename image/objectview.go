package image

import "github.com/xyproto/patternsleuth/memtrait"

// Format identifies the binary container format an Image was built from.
type Format int

const (
	FormatUnknown Format = iota
	FormatPE
	FormatELF
)

func (f Format) String() string {
	switch f {
	case FormatPE:
		return "PE"
	case FormatELF:
		return "ELF"
	default:
		return "unknown"
	}
}

// SectionView is one section as reported by an ObjectView, already carrying
// the scannable-section predicate result computed by the format-specific
// loader (PE: MEM_READ set and uninitialized-data bit clear; ELF: SHF_ALLOC
// set).
type SectionView struct {
	Name      string
	Address   uint64
	Data      []byte
	Scannable bool
	Kind      memtrait.SectionKind
}

// ObjectView is the boundary between this engine and whatever parsed an
// on-disk object into memory — the Go analogue of the `object` crate
// collaborator named in the design notes. internal/objectview implements it
// on top of the teacher's PE header reader and the standard library's
// debug/elf; callers may also implement it directly (e.g. over an
// already-mapped process image) without this module ever touching a
// filesystem.
type ObjectView interface {
	Format() Format
	BaseAddress() uint64
	Sections() []SectionView

	// ExceptionDirectory returns the raw bytes of the PE exception
	// directory (the RUNTIME_FUNCTION table) and its loaded address, and
	// false if the format has none (ELF, or a PE with no such directory).
	ExceptionDirectory() (data []byte, address uint64, ok bool)

	// Imports returns, for PE images, a map from lowercased imported
	// library name to a map from imported symbol name to its IAT address.
	// Returns nil for formats without an import table or when none was
	// requested.
	Imports() map[string]map[string]uint64

	// Symbols returns every named symbol this view could resolve (PE
	// export table entries, or ELF dynamic/static symbol table entries)
	// mapped to their address.
	Symbols() map[string]uint64
}
