// Package objectview adapts on-disk PE and ELF files into the image package's
// ObjectView contract. The PE loader is grounded on a hand-rolled PE header
// reader (DOS/COFF/Optional header, section table, export/import directory
// parsing by walking data directories and RVA tables); the ELF loader is
// grounded on the standard library's debug/elf package.
package objectview

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xyproto/patternsleuth/image"
	"github.com/xyproto/patternsleuth/internal/envcfg"
	"github.com/xyproto/patternsleuth/memtrait"
)

const (
	imageDirectoryEntryExport    = 0
	imageDirectoryEntryImport    = 1
	imageDirectoryEntryException = 3

	sectionMemExecute = 0x20000000
	sectionMemRead    = 0x40000000
	sectionMemWrite   = 0x80000000
	sectionCntUninit  = 0x00000080
)

type dosHeader struct {
	Magic    uint16
	peOffset uint32
}

type coffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type optionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [16]dataDirectory
}

type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

func (sh *sectionHeader) name() string {
	name := string(sh.Name[:])
	if idx := strings.IndexByte(name, 0); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

// peView implements image.ObjectView over a fully-read PE file.
type peView struct {
	base           uint64
	sections       []image.SectionView
	exceptions     []byte
	exceptionsAddr uint64
	hasExceptions  bool
	imports        map[string]map[string]uint64
	symbols        map[string]uint64
}

func (v *peView) Format() image.Format          { return image.FormatPE }
func (v *peView) BaseAddress() uint64           { return v.base }
func (v *peView) Sections() []image.SectionView { return v.sections }
func (v *peView) ExceptionDirectory() ([]byte, uint64, bool) {
	return v.exceptions, v.exceptionsAddr, v.hasExceptions
}
func (v *peView) Imports() map[string]map[string]uint64 { return v.imports }
func (v *peView) Symbols() map[string]uint64             { return v.symbols }

// FromPEFile reads path as a PE32+ image and returns an image.ObjectView
// over it. Only PE32+ (64-bit) images are supported, matching the
// 64-bit-addressing assumption used throughout this engine.
func FromPEFile(path string) (image.ObjectView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objectview: open %s: %w", path, err)
	}
	defer f.Close()

	dos, err := readDOSHeader(f)
	if err != nil {
		return nil, err
	}
	coff, opt, err := readPEHeaders(f, dos.peOffset)
	if err != nil {
		return nil, err
	}
	sectionOffset := int64(dos.peOffset) + 4 + int64(binary.Size(coff)) + int64(coff.SizeOfOptionalHeader)
	sections, err := readSectionHeaders(f, sectionOffset, int(coff.NumberOfSections))
	if err != nil {
		return nil, err
	}

	v := &peView{base: opt.ImageBase}

	for _, sh := range sections {
		data := make([]byte, sh.SizeOfRawData)
		if sh.SizeOfRawData > 0 {
			if _, err := f.ReadAt(data, int64(sh.PointerToRawData)); err != nil && err != io.EOF {
				return nil, fmt.Errorf("objectview: read section %s: %w", sh.name(), err)
			}
		}
		if uint32(len(data)) < sh.VirtualSize {
			padded := make([]byte, sh.VirtualSize)
			copy(padded, data)
			data = padded
		}
		v.sections = append(v.sections, image.SectionView{
			Name:      sh.name(),
			Address:   v.base + uint64(sh.VirtualAddress),
			Data:      data,
			Scannable: isPESectionScannable(sh.Characteristics),
			Kind:      peSectionKind(sh.Characteristics),
		})
	}

	if excDir := opt.DataDirectory[imageDirectoryEntryException]; excDir.Size > 0 {
		data, err := readRVARange(f, sections, excDir.VirtualAddress, excDir.Size)
		if err == nil {
			v.exceptions = data
			v.exceptionsAddr = v.base + uint64(excDir.VirtualAddress)
			v.hasExceptions = true
		} else if envcfg.Debug() {
			fmt.Fprintf(os.Stderr, "objectview: reading exception directory: %v\n", err)
		}
	}

	if expDir := opt.DataDirectory[imageDirectoryEntryExport]; expDir.Size > 0 {
		syms, err := readExportSymbols(f, sections, v.base, expDir)
		if err == nil {
			v.symbols = syms
		} else if envcfg.Debug() {
			fmt.Fprintf(os.Stderr, "objectview: reading export directory: %v\n", err)
		}
	}

	if impDir := opt.DataDirectory[imageDirectoryEntryImport]; impDir.Size > 0 {
		imports, err := readImports(f, sections, v.base, impDir)
		if err == nil {
			v.imports = imports
		} else if envcfg.Debug() {
			fmt.Fprintf(os.Stderr, "objectview: reading import directory: %v\n", err)
		}
	}

	return v, nil
}

func readDOSHeader(r io.ReadSeeker) (dosHeader, error) {
	var magic uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return dosHeader{}, fmt.Errorf("objectview: read DOS magic: %w", err)
	}
	if magic != 0x5A4D {
		return dosHeader{}, fmt.Errorf("objectview: invalid DOS magic 0x%04X", magic)
	}
	if _, err := r.Seek(0x3C, io.SeekStart); err != nil {
		return dosHeader{}, fmt.Errorf("objectview: seek to PE offset: %w", err)
	}
	var peOffset uint32
	if err := binary.Read(r, binary.LittleEndian, &peOffset); err != nil {
		return dosHeader{}, fmt.Errorf("objectview: read PE offset: %w", err)
	}
	return dosHeader{Magic: magic, peOffset: peOffset}, nil
}

func readPEHeaders(r io.ReadSeeker, peOffset uint32) (coffHeader, optionalHeader64, error) {
	if _, err := r.Seek(int64(peOffset), io.SeekStart); err != nil {
		return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: seek to PE signature: %w", err)
	}
	var sig uint32
	if err := binary.Read(r, binary.LittleEndian, &sig); err != nil {
		return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: read PE signature: %w", err)
	}
	if sig != 0x00004550 {
		return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: invalid PE signature 0x%08X", sig)
	}
	var coff coffHeader
	if err := binary.Read(r, binary.LittleEndian, &coff); err != nil {
		return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: read COFF header: %w", err)
	}
	var opt optionalHeader64
	if coff.SizeOfOptionalHeader > 0 {
		var magic uint16
		if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
			return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: read optional header magic: %w", err)
		}
		if _, err := r.Seek(-2, io.SeekCurrent); err != nil {
			return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: seek back: %w", err)
		}
		switch magic {
		case 0x020B:
			if err := binary.Read(r, binary.LittleEndian, &opt); err != nil {
				return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: read optional header: %w", err)
			}
		case 0x010B:
			return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: PE32 (32-bit) not supported, need PE32+")
		default:
			return coffHeader{}, optionalHeader64{}, fmt.Errorf("objectview: unknown optional header magic 0x%04X", magic)
		}
	}
	return coff, opt, nil
}

func readSectionHeaders(r io.ReadSeeker, offset int64, count int) ([]sectionHeader, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("objectview: seek to section headers: %w", err)
	}
	sections := make([]sectionHeader, count)
	for i := range sections {
		if err := binary.Read(r, binary.LittleEndian, &sections[i]); err != nil {
			return nil, fmt.Errorf("objectview: read section %d: %w", i, err)
		}
	}
	return sections, nil
}

func rvaToSection(sections []sectionHeader, rva uint32) (*sectionHeader, bool) {
	for i := range sections {
		s := &sections[i]
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s, true
		}
	}
	return nil, false
}

func rvaToFileOffset(sections []sectionHeader, rva uint32) (uint32, bool) {
	s, ok := rvaToSection(sections, rva)
	if !ok {
		return 0, false
	}
	return rva - s.VirtualAddress + s.PointerToRawData, true
}

func readRVARange(f *os.File, sections []sectionHeader, rva, size uint32) ([]byte, error) {
	offset, ok := rvaToFileOffset(sections, rva)
	if !ok {
		return nil, fmt.Errorf("objectview: RVA 0x%X not found in any section", rva)
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func readStringAtRVA(f *os.File, sections []sectionHeader, rva uint32) (string, error) {
	offset, ok := rvaToFileOffset(sections, rva)
	if !ok {
		return "", fmt.Errorf("objectview: RVA 0x%X not found in any section", rva)
	}
	var sb bytes.Buffer
	b := make([]byte, 1)
	pos := int64(offset)
	for {
		if _, err := f.ReadAt(b, pos); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		sb.WriteByte(b[0])
		pos++
	}
	return sb.String(), nil
}

func readExportSymbols(f *os.File, sections []sectionHeader, base uint64, dir dataDirectory) (map[string]uint64, error) {
	offset, ok := rvaToFileOffset(sections, dir.VirtualAddress)
	if !ok {
		return nil, fmt.Errorf("objectview: export directory RVA not mapped")
	}

	var hdr struct {
		Characteristics       uint32
		TimeDateStamp         uint32
		MajorVersion          uint16
		MinorVersion          uint16
		Name                  uint32
		Base                  uint32
		NumberOfFunctions     uint32
		NumberOfNames         uint32
		AddressOfFunctions    uint32
		AddressOfNames        uint32
		AddressOfNameOrdinals uint32
	}
	sr := io.NewSectionReader(f, int64(offset), int64(binary.Size(hdr)))
	if err := binary.Read(sr, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("objectview: read export directory: %w", err)
	}

	funcAddrs := make([]uint32, hdr.NumberOfFunctions)
	if err := readRVAArray(f, sections, hdr.AddressOfFunctions, funcAddrs); err != nil {
		return nil, fmt.Errorf("objectview: read export function table: %w", err)
	}
	nameRVAs := make([]uint32, hdr.NumberOfNames)
	if err := readRVAArray(f, sections, hdr.AddressOfNames, nameRVAs); err != nil {
		return nil, fmt.Errorf("objectview: read export name table: %w", err)
	}
	nameOrdinals := make([]uint16, hdr.NumberOfNames)
	if err := readRVAArray(f, sections, hdr.AddressOfNameOrdinals, nameOrdinals); err != nil {
		return nil, fmt.Errorf("objectview: read export ordinal table: %w", err)
	}

	symbols := make(map[string]uint64, hdr.NumberOfNames)
	for i := uint32(0); i < hdr.NumberOfNames; i++ {
		name, err := readStringAtRVA(f, sections, nameRVAs[i])
		if err != nil {
			continue
		}
		ordinal := nameOrdinals[i]
		if uint32(ordinal) >= hdr.NumberOfFunctions {
			continue
		}
		symbols[name] = base + uint64(funcAddrs[ordinal])
	}
	return symbols, nil
}

func readRVAArray(f *os.File, sections []sectionHeader, rva uint32, out interface{}) error {
	offset, ok := rvaToFileOffset(sections, rva)
	if !ok {
		return fmt.Errorf("objectview: RVA 0x%X not found in any section", rva)
	}
	size := binary.Size(out)
	sr := io.NewSectionReader(f, int64(offset), int64(size))
	return binary.Read(sr, binary.LittleEndian, out)
}

// readImports builds lib -> symbol -> IAT address from the PE import
// directory table. Ordinal-only imports (no name) are skipped.
func readImports(f *os.File, sections []sectionHeader, base uint64, dir dataDirectory) (map[string]map[string]uint64, error) {
	offset, ok := rvaToFileOffset(sections, dir.VirtualAddress)
	if !ok {
		return nil, fmt.Errorf("objectview: import directory RVA not mapped")
	}

	type importDescriptor struct {
		OriginalFirstThunk uint32
		TimeDateStamp      uint32
		ForwarderChain     uint32
		Name               uint32
		FirstThunk         uint32
	}

	imports := make(map[string]map[string]uint64)
	descSize := int64(binary.Size(importDescriptor{}))
	for i := int64(0); ; i++ {
		var desc importDescriptor
		sr := io.NewSectionReader(f, int64(offset)+i*descSize, descSize)
		if err := binary.Read(sr, binary.LittleEndian, &desc); err != nil {
			break
		}
		if desc.Name == 0 && desc.FirstThunk == 0 {
			break
		}
		libName, err := readStringAtRVA(f, sections, desc.Name)
		if err != nil {
			continue
		}
		libName = strings.ToLower(libName)
		syms := imports[libName]
		if syms == nil {
			syms = make(map[string]uint64)
			imports[libName] = syms
		}

		thunkRVA := desc.OriginalFirstThunk
		if thunkRVA == 0 {
			thunkRVA = desc.FirstThunk
		}
		iatRVA := desc.FirstThunk
		for j := uint32(0); ; j++ {
			var thunk uint64
			if err := readRVAArray(f, sections, thunkRVA+j*8, &thunk); err != nil {
				break
			}
			if thunk == 0 {
				break
			}
			if thunk&(1<<63) != 0 {
				// Import by ordinal — no name to key the map with.
				continue
			}
			name, err := readStringAtRVA(f, sections, uint32(thunk)+2)
			if err != nil {
				continue
			}
			syms[name] = base + uint64(iatRVA+j*8)
		}
	}
	return imports, nil
}

func isPESectionScannable(characteristics uint32) bool {
	if characteristics&sectionMemRead == 0 {
		return false
	}
	if characteristics&sectionCntUninit != 0 {
		return false
	}
	return true
}

func peSectionKind(characteristics uint32) memtrait.SectionKind {
	switch {
	case characteristics&sectionMemExecute != 0:
		return memtrait.KindCode
	case characteristics&sectionMemWrite != 0:
		return memtrait.KindData
	default:
		return memtrait.KindRData
	}
}
