package imgfile

import (
	"encoding/binary"
	"fmt"
)

const (
	elfClass32 = 1
	elfClass64 = 2

	elfDataLittle = 1

	elfMachine386     = 3
	elfMachineArm     = 40
	elfMachineX86_64  = 62
	elfMachineAarch64 = 183

	elfHeaderSize32 = 52
	elfHeaderSize64 = 64

	phdrSize32 = 32
	phdrSize64 = 56
	shdrSize32 = 40
	shdrSize64 = 64

	ptLoad    = 1
	ptDynamic = 2
	ptInterp  = 3

	shtSymtab = 2
	shtDynsym = 11

	symSize32 = 16
	symSize64 = 24

	stbGlobal = 1
	stbWeak   = 2

	sttObject = 1
	sttFunc   = 2

	shnUndef = 0

	dtNull         = 0
	dtNeeded       = 1
	dtPltRelSize   = 2
	dtPltGot       = 3
	dtHash         = 4
	dtStrtab       = 5
	dtSymtab       = 6
	dtRela         = 7
	dtStrSize      = 10
	dtSymEntSize   = 11
	dtInit         = 12
	dtFini         = 13
	dtRpath        = 15
	dtTextRel      = 22
	dtJmpRel       = 23
	dtInitArray    = 25
	dtFiniArray    = 26
	dtInitArraySz  = 27
	dtFiniArraySz  = 28
	dtRunPath      = 29
	dtFlags        = 30
	dtPltRel       = 20
	dtRel     = 17
	dtGnuHash = 0x6ffffef5

	dfTextRel   = 0x4
	dfStaticTLS = 0x10
)

var le = binary.LittleEndian

// elfMachineOf maps an e_machine value to the debugger machine type.
func elfMachineOf(em uint16, class int) (Machine, error) {
	switch em {
	case elfMachine386:
		return MachineX86, nil
	case elfMachineX86_64:
		return MachineX64, nil
	case elfMachineArm:
		return MachineArm32, nil
	case elfMachineAarch64:
		return MachineArm64, nil
	}
	return MachineUnknown, fmt.Errorf("%w: ELF machine %#x", ErrUnsupportedMachine, em)
}

// parseElf reads an ELF image of the given class. Only little-endian
// images are supported; the image base of an ELF image is always 0, and
// the preferred lowest address is the lowest PT_LOAD vaddr.
func parseElf(data []byte, class int) (*Image, error) {
	headerSize := elfHeaderSize32
	if class == elfClass64 {
		headerSize = elfHeaderSize64
	}
	if len(data) < headerSize {
		return nil, truncated("ELF header")
	}
	if int(data[4]) != class {
		return nil, fmt.Errorf("%w: ELF class %d", ErrUnsupportedClass, data[4])
	}
	if data[5] != elfDataLittle {
		return nil, fmt.Errorf("%w: big-endian ELF", ErrUnsupportedClass)
	}

	var (
		machineWord              uint16
		entry                    uint64
		phOff, shOff             uint64
		phEntSize, phNum         int
		shEntSize, shNum, shStrI int
		ehSize                   int
	)
	if class == elfClass32 {
		machineWord = le.Uint16(data[18:])
		entry = uint64(le.Uint32(data[24:]))
		phOff = uint64(le.Uint32(data[28:]))
		shOff = uint64(le.Uint32(data[32:]))
		ehSize = int(le.Uint16(data[40:]))
		phEntSize = int(le.Uint16(data[42:]))
		phNum = int(le.Uint16(data[44:]))
		shEntSize = int(le.Uint16(data[46:]))
		shNum = int(le.Uint16(data[48:]))
		shStrI = int(le.Uint16(data[50:]))
		if ehSize != elfHeaderSize32 || phEntSize != phdrSize32 {
			return nil, fmt.Errorf("%w: ELF32 e_ehsize=%d e_phentsize=%d", ErrHeaderSize, ehSize, phEntSize)
		}
	} else {
		machineWord = le.Uint16(data[18:])
		entry = le.Uint64(data[24:])
		phOff = le.Uint64(data[32:])
		shOff = le.Uint64(data[40:])
		ehSize = int(le.Uint16(data[52:]))
		phEntSize = int(le.Uint16(data[54:]))
		phNum = int(le.Uint16(data[56:]))
		shEntSize = int(le.Uint16(data[58:]))
		shNum = int(le.Uint16(data[60:]))
		shStrI = int(le.Uint16(data[62:]))
		if ehSize != elfHeaderSize64 || phEntSize != phdrSize64 {
			return nil, fmt.Errorf("%w: ELF64 e_ehsize=%d e_phentsize=%d", ErrHeaderSize, ehSize, phEntSize)
		}
	}

	machine, err := elfMachineOf(machineWord, class)
	if err != nil {
		return nil, err
	}

	format := FormatElf32
	if class == elfClass64 {
		format = FormatElf64
	}
	im := &Image{
		Format:     format,
		Machine:    machine,
		EntryPoint: entry,
		ImageBase:  0,
	}

	var (
		lowest       = ^uint64(0)
		highest      uint64
		dynOff       uint64
		dynSize      uint64
		haveLoad     bool
		haveDyn      bool
		segments     []Segment
		interpOffset uint64
		interpSize   uint64
	)
	for i := 0; i < phNum; i++ {
		off := phOff + uint64(i)*uint64(phEntSize)
		if off+uint64(phEntSize) > uint64(len(data)) {
			return nil, truncated("program header table")
		}
		var seg Segment
		if class == elfClass32 {
			seg.Type = le.Uint32(data[off:])
			seg.FileOffset = uint64(le.Uint32(data[off+4:]))
			seg.Vaddr = uint64(le.Uint32(data[off+8:]))
			seg.FileSize = uint64(le.Uint32(data[off+16:]))
			seg.MemSize = uint64(le.Uint32(data[off+20:]))
			seg.Flags = le.Uint32(data[off+24:])
			seg.Align = uint64(le.Uint32(data[off+28:]))
		} else {
			seg.Type = le.Uint32(data[off:])
			seg.Flags = le.Uint32(data[off+4:])
			seg.FileOffset = le.Uint64(data[off+8:])
			seg.Vaddr = le.Uint64(data[off+16:])
			seg.FileSize = le.Uint64(data[off+32:])
			seg.MemSize = le.Uint64(data[off+40:])
			seg.Align = le.Uint64(data[off+48:])
		}
		segments = append(segments, seg)
		switch seg.Type {
		case ptLoad:
			haveLoad = true
			if seg.Vaddr < lowest {
				lowest = seg.Vaddr
			}
			if seg.Vaddr+seg.MemSize > highest {
				highest = seg.Vaddr + seg.MemSize
			}
		case ptInterp:
			interpOffset = seg.FileOffset
			interpSize = seg.FileSize
		case ptDynamic:
			haveDyn = true
			dynOff = seg.FileOffset
			dynSize = seg.FileSize
		}
	}
	im.Segments = segments
	if haveLoad {
		im.PreferredLowest = lowest
		im.Size = highest - lowest
	}
	if interpSize > 0 {
		if interpOffset+interpSize > uint64(len(data)) {
			return nil, truncated("PT_INTERP")
		}
		interp := data[interpOffset : interpOffset+interpSize]
		// The interpreter string is NUL terminated inside the segment.
		for i, b := range interp {
			if b == 0 {
				interp = interp[:i]
				break
			}
		}
		im.Interpreter = string(interp)
	}

	if err := parseElfSections(im, data, class, shOff, shEntSize, shNum, shStrI); err != nil {
		return nil, err
	}

	if haveDyn {
		dyn, err := parseElfDynamic(im, data, class, dynOff, dynSize)
		if err != nil {
			return nil, err
		}
		im.Dynamic = dyn
	}

	if err := parseElfSymbols(im, data, class); err != nil {
		return nil, err
	}
	return im, nil
}

func parseElfSections(im *Image, data []byte, class int, shOff uint64, shEntSize, shNum, shStrI int) error {
	if shNum == 0 {
		return nil
	}
	wantEnt := shdrSize32
	if class == elfClass64 {
		wantEnt = shdrSize64
	}
	if shEntSize != wantEnt {
		return fmt.Errorf("%w: e_shentsize=%d", ErrHeaderSize, shEntSize)
	}
	if shOff+uint64(shNum)*uint64(shEntSize) > uint64(len(data)) {
		return truncated("section header table")
	}

	readShdr := func(i int) (nameOff uint32, typ uint32, addr, off, size, entSize uint64, link uint32) {
		base := shOff + uint64(i)*uint64(shEntSize)
		if class == elfClass32 {
			nameOff = le.Uint32(data[base:])
			typ = le.Uint32(data[base+4:])
			addr = uint64(le.Uint32(data[base+12:]))
			off = uint64(le.Uint32(data[base+16:]))
			size = uint64(le.Uint32(data[base+20:]))
			link = le.Uint32(data[base+24:])
			entSize = uint64(le.Uint32(data[base+36:]))
		} else {
			nameOff = le.Uint32(data[base:])
			typ = le.Uint32(data[base+4:])
			addr = le.Uint64(data[base+16:])
			off = le.Uint64(data[base+24:])
			size = le.Uint64(data[base+32:])
			link = le.Uint32(data[base+40:])
			entSize = le.Uint64(data[base+56:])
		}
		return
	}

	// Locate the section name string table first.
	var strTab []byte
	if shStrI > 0 && shStrI < shNum {
		_, _, _, off, size, _, _ := readShdr(shStrI)
		if off+size > uint64(len(data)) {
			return fmt.Errorf("%w: section name table", ErrCorruptStringTable)
		}
		strTab = data[off : off+size]
	}

	for i := 0; i < shNum; i++ {
		nameOff, _, addr, off, size, _, _ := readShdr(i)
		name, err := cString(strTab, nameOff)
		if err != nil {
			return err
		}
		im.Sections = append(im.Sections, Section{
			Name:           name,
			VirtualAddress: addr,
			VirtualSize:    size,
			FileOffset:     off,
			FileSize:       size,
		})
	}
	return nil
}

// parseElfDynamic walks the PT_DYNAMIC table indexed by tag.
func parseElfDynamic(im *Image, data []byte, class int, off, size uint64) (*DynamicInfo, error) {
	entSize := uint64(8)
	if class == elfClass64 {
		entSize = 16
	}
	if off+size > uint64(len(data)) {
		return nil, truncated("dynamic table")
	}

	dyn := &DynamicInfo{}
	var neededOffsets []uint64
	var rpathOff, runpathOff = ^uint64(0), ^uint64(0)
	for pos := off; pos+entSize <= off+size; pos += entSize {
		var tag int64
		var val uint64
		if class == elfClass32 {
			tag = int64(int32(le.Uint32(data[pos:])))
			val = uint64(le.Uint32(data[pos+4:]))
		} else {
			tag = int64(le.Uint64(data[pos:]))
			val = le.Uint64(data[pos+8:])
		}
		if tag == dtNull {
			break
		}
		switch tag {
		case dtNeeded:
			neededOffsets = append(neededOffsets, val)
		case dtRpath:
			rpathOff = val
		case dtRunPath:
			runpathOff = val
		case dtSymtab:
			dyn.SymbolTable = val
		case dtSymEntSize:
			dyn.SymbolEntrySize = val
		case dtStrtab:
			dyn.StringTable = val
		case dtStrSize:
			dyn.StringTableSize = val
		case dtHash:
			dyn.HashTable = val
			dyn.HashStyle = HashSysV
		case dtGnuHash:
			// The GNU hash wins when both flavors are present.
			dyn.HashTable = val
			dyn.HashStyle = HashGnu
		case dtInit:
			dyn.InitFunction = val
		case dtFini:
			dyn.FiniFunction = val
		case dtInitArray:
			dyn.InitArray = val
		case dtInitArraySz:
			dyn.InitArraySize = val
		case dtFiniArray:
			dyn.FiniArray = val
		case dtFiniArraySz:
			dyn.FiniArraySize = val
		case dtPltGot:
			dyn.PltGot = val
		case dtJmpRel:
			dyn.PltRelocs = val
		case dtPltRelSize:
			dyn.PltRelocsSize = val
		case dtPltRel:
			switch val {
			case dtRel:
				dyn.PltRelocKind = RelocRel
			case dtRela:
				dyn.PltRelocKind = RelocRela
			}
		case dtTextRel:
			dyn.TextRelocations = true
		case dtFlags:
			if val&dfTextRel != 0 {
				dyn.TextRelocations = true
			}
			if val&dfStaticTLS != 0 {
				dyn.StaticTLS = true
			}
		}
	}

	// The dynamic string table pointer is a preferred-space address;
	// convert to a file offset through the section table.
	strData := dynamicBlob(im, data, dyn.StringTable, dyn.StringTableSize)
	if strData != nil {
		for _, no := range neededOffsets {
			s, err := cString(strData, uint32(no))
			if err != nil {
				return nil, err
			}
			dyn.Needed = append(dyn.Needed, s)
		}
		if rpathOff != ^uint64(0) {
			s, err := cString(strData, uint32(rpathOff))
			if err != nil {
				return nil, err
			}
			dyn.RPath = s
		}
		if runpathOff != ^uint64(0) {
			s, err := cString(strData, uint32(runpathOff))
			if err != nil {
				return nil, err
			}
			dyn.RunPath = s
		}
	}
	return dyn, nil
}

// dynamicBlob converts a preferred-space pointer recorded in the
// dynamic section into the file bytes backing it.
func dynamicBlob(im *Image, data []byte, vaddr, size uint64) []byte {
	if vaddr == 0 || size == 0 {
		return nil
	}
	for _, seg := range im.Segments {
		if seg.Type != ptLoad {
			continue
		}
		if vaddr >= seg.Vaddr && vaddr+size <= seg.Vaddr+seg.FileSize {
			off := seg.FileOffset + (vaddr - seg.Vaddr)
			if off+size <= uint64(len(data)) {
				return data[off : off+size]
			}
		}
	}
	return nil
}

// parseElfSymbols walks .symtab (or .dynsym when .symtab was stripped)
// and yields raw function and data symbol records.
func parseElfSymbols(im *Image, data []byte, class int) error {
	entSize := uint64(symSize32)
	if class == elfClass64 {
		entSize = symSize64
	}

	symSec, strSec, ok := elfSymtabSections(im, ".symtab", ".strtab")
	if !ok {
		symSec, strSec, ok = elfSymtabSections(im, ".dynsym", ".dynstr")
	}
	if !ok {
		return nil
	}
	if symSec.FileOffset+symSec.FileSize > uint64(len(data)) {
		return truncated("symbol table")
	}
	if strSec.FileOffset+strSec.FileSize > uint64(len(data)) {
		return fmt.Errorf("%w: symbol string table", ErrCorruptStringTable)
	}
	strTab := data[strSec.FileOffset : strSec.FileOffset+strSec.FileSize]

	for pos := symSec.FileOffset; pos+entSize <= symSec.FileOffset+symSec.FileSize; pos += entSize {
		var (
			nameOff uint32
			value   uint64
			size    uint64
			info    byte
			shndx   uint16
		)
		if class == elfClass32 {
			nameOff = le.Uint32(data[pos:])
			value = uint64(le.Uint32(data[pos+4:]))
			size = uint64(le.Uint32(data[pos+8:]))
			info = data[pos+12]
			shndx = le.Uint16(data[pos+14:])
		} else {
			nameOff = le.Uint32(data[pos:])
			info = data[pos+4]
			shndx = le.Uint16(data[pos+6:])
			value = le.Uint64(data[pos+8:])
			size = le.Uint64(data[pos+16:])
		}
		bind := info >> 4
		typ := info & 0xf
		if bind != stbGlobal && bind != stbWeak {
			continue
		}
		if typ != sttFunc && typ != sttObject {
			continue
		}
		name, err := cString(strTab, nameOff)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		kind := SymbolData
		if typ == sttFunc {
			kind = SymbolFunction
		}
		defined := shndx != shnUndef
		if !defined && kind == SymbolFunction {
			// Undefined function imports resolve through the PLT; they
			// carry no address the debugger can use.
			continue
		}
		im.Symbols = append(im.Symbols, Symbol{
			Name:    name,
			Value:   value,
			Size:    size,
			Kind:    kind,
			Defined: defined,
		})
	}
	return nil
}

func elfSymtabSections(im *Image, symName, strName string) (sym, str *Section, ok bool) {
	sym, ok1 := im.Section(symName)
	str, ok2 := im.Section(strName)
	return sym, str, ok1 && ok2
}

// cString reads the NUL-terminated string at off inside a string table.
func cString(tab []byte, off uint32) (string, error) {
	if tab == nil {
		return "", nil
	}
	if uint64(off) >= uint64(len(tab)) {
		return "", fmt.Errorf("%w: offset %#x beyond table size %#x", ErrCorruptStringTable, off, len(tab))
	}
	end := off
	for end < uint32(len(tab)) && tab[end] != 0 {
		end++
	}
	if end == uint32(len(tab)) {
		return "", fmt.Errorf("%w: unterminated string at %#x", ErrCorruptStringTable, off)
	}
	return string(tab[off:end]), nil
}
