// Package imgfile reads ELF and PE/COFF executable images and extracts
// the load layout and raw symbol records the symbol database is built
// from. Parse failures are recoverable: a module whose image cannot be
// read simply loads without symbols.
package imgfile

import (
	"errors"
	"fmt"
)

// Format identifies the on-disk executable format of an image.
type Format int

const (
	// FormatUnknown marks a buffer that is not a recognized image.
	FormatUnknown Format = iota
	// FormatPE is a PE32 or PE32+ image.
	FormatPE
	// FormatElf32 is a 32-bit ELF image.
	FormatElf32
	// FormatElf64 is a 64-bit ELF image.
	FormatElf64
)

func (f Format) String() string {
	switch f {
	case FormatPE:
		return "PE"
	case FormatElf32:
		return "ELF32"
	case FormatElf64:
		return "ELF64"
	}
	return "unknown"
}

// Machine identifies the instruction set an image was built for.
type Machine int

const (
	MachineUnknown Machine = iota
	MachineX86
	MachineX64
	MachineArm32
	MachineArm64
)

func (m Machine) String() string {
	switch m {
	case MachineX86:
		return "x86"
	case MachineX64:
		return "x64"
	case MachineArm32:
		return "arm"
	case MachineArm64:
		return "arm64"
	}
	return "unknown"
}

// Errors surfaced by the image reader. All of them are recoverable:
// callers keep the module without symbols and print a warning.
var (
	ErrMagicMismatch      = errors.New("image magic mismatch")
	ErrUnsupportedClass   = errors.New("unsupported image class")
	ErrUnsupportedMachine = errors.New("unsupported machine type")
	ErrHeaderSize         = errors.New("header size mismatch")
	ErrTruncated          = errors.New("image truncated")
	ErrCorruptStringTable = errors.New("corrupt string table")
)

// Section describes one section of a parsed image. Addresses are in the
// image's preferred address space.
type Section struct {
	Name           string
	VirtualAddress uint64
	VirtualSize    uint64
	FileOffset     uint64
	FileSize       uint64
	Flags          uint32
}

// Segment describes one ELF program header entry.
type Segment struct {
	Type       uint32
	Flags      uint32
	FileOffset uint64
	Vaddr      uint64
	FileSize   uint64
	MemSize    uint64
	Align      uint64
}

// SymbolKind distinguishes the raw symbol records an image yields.
type SymbolKind int

const (
	SymbolData SymbolKind = iota
	SymbolFunction
)

// Symbol is a raw symbol record extracted from an image's symbol table.
// Value is in the preferred address space. A record with Defined ==
// false is an unresolved external whose address may be filled in later.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Kind    SymbolKind
	Defined bool
}

// RelocKind identifies the relocation record format used by the PLT.
type RelocKind int

const (
	RelocNone RelocKind = iota
	RelocRel
	RelocRela
)

// HashStyle identifies the dynamic symbol hash table flavor.
type HashStyle int

const (
	HashNone HashStyle = iota
	HashSysV
	HashGnu
)

// DynamicInfo records what the dynamic section of an ELF image declares.
type DynamicInfo struct {
	Needed []string
	RPath  string
	// RunPath supersedes RPath when both are present.
	RunPath string

	SymbolTable     uint64
	SymbolEntrySize uint64
	StringTable     uint64
	StringTableSize uint64
	HashTable       uint64
	HashStyle       HashStyle

	InitFunction  uint64
	FiniFunction  uint64
	InitArray     uint64
	InitArraySize uint64
	FiniArray     uint64
	FiniArraySize uint64

	PltGot        uint64
	PltRelocs     uint64
	PltRelocsSize uint64
	PltRelocKind  RelocKind

	TextRelocations bool
	StaticTLS       bool
	ImageBase       uint64
}

// Image is the parsed view of an executable file.
type Image struct {
	Format  Format
	Machine Machine

	// PreferredLowest is the lowest address of any loadable piece of the
	// image in its preferred address space. For ELF the image base is 0
	// and this may still be nonzero (the lowest PT_LOAD vaddr).
	PreferredLowest uint64
	// Size is highest loaded end minus PreferredLowest.
	Size uint64
	// ImageBase is the preferred base address. Always 0 for ELF.
	ImageBase  uint64
	EntryPoint uint64

	Interpreter string
	Sections    []Section
	Segments    []Segment
	Dynamic     *DynamicInfo
	Symbols     []Symbol
}

// Detect inspects the first bytes of data and reports the image format.
func Detect(data []byte) Format {
	if len(data) >= 2 && data[0] == 'M' && data[1] == 'Z' {
		return FormatPE
	}
	if len(data) >= 5 && data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F' {
		switch data[4] {
		case elfClass32:
			return FormatElf32
		case elfClass64:
			return FormatElf64
		}
	}
	return FormatUnknown
}

// Parse reads the image contained in data.
func Parse(data []byte) (*Image, error) {
	switch Detect(data) {
	case FormatPE:
		return parsePE(data)
	case FormatElf32:
		return parseElf(data, elfClass32)
	case FormatElf64:
		return parseElf(data, elfClass64)
	}
	return nil, ErrMagicMismatch
}

// Section returns the named section, resolving PE long-name indirection
// during parse so lookups here are plain string compares.
func (im *Image) Section(name string) (*Section, bool) {
	for i := range im.Sections {
		if im.Sections[i].Name == name {
			return &im.Sections[i], true
		}
	}
	return nil, false
}

func truncated(what string) error {
	return fmt.Errorf("%w: %s", ErrTruncated, what)
}
