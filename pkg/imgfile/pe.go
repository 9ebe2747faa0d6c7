package imgfile

import (
	"fmt"
	"strconv"
)

const (
	peSignatureOffset = 0x3c

	peMachineI386    = 0x14c
	peMachineArm     = 0x1c0
	peMachineThumb   = 0x1c2
	peMachineArmNT   = 0x1c4
	peMachineAmd64   = 0x8664
	peMachineArm64   = 0xaa64
	peOptionalMagic32 = 0x10b
	peOptionalMagic64 = 0x20b

	peFileHeaderSize   = 20
	peSectionEntrySize = 40
	coffSymbolSize     = 18
)

func peMachineOf(m uint16) (Machine, error) {
	switch m {
	case peMachineI386:
		return MachineX86, nil
	case peMachineAmd64:
		return MachineX64, nil
	case peMachineArm, peMachineThumb, peMachineArmNT:
		return MachineArm32, nil
	case peMachineArm64:
		return MachineArm64, nil
	}
	return MachineUnknown, fmt.Errorf("%w: PE machine %#x", ErrUnsupportedMachine, m)
}

// parsePE reads a PE/COFF image. The preferred lowest address of a PE
// image is its image base, and symbols come from the COFF symbol table
// when the linker kept one.
func parsePE(data []byte) (*Image, error) {
	if len(data) < peSignatureOffset+4 {
		return nil, truncated("DOS header")
	}
	ntOff := uint64(le.Uint32(data[peSignatureOffset:]))
	if ntOff+4+peFileHeaderSize > uint64(len(data)) {
		return nil, truncated("NT headers")
	}
	if data[ntOff] != 'P' || data[ntOff+1] != 'E' || data[ntOff+2] != 0 || data[ntOff+3] != 0 {
		return nil, fmt.Errorf("%w: bad NT signature", ErrMagicMismatch)
	}

	fh := ntOff + 4
	machineWord := le.Uint16(data[fh:])
	sectionCount := int(le.Uint16(data[fh+2:]))
	symTableOff := uint64(le.Uint32(data[fh+8:]))
	symCount := uint64(le.Uint32(data[fh+12:]))
	optSize := int(le.Uint16(data[fh+16:]))

	machine, err := peMachineOf(machineWord)
	if err != nil {
		return nil, err
	}

	opt := fh + peFileHeaderSize
	if opt+uint64(optSize) > uint64(len(data)) {
		return nil, truncated("optional header")
	}
	if optSize < 2 {
		return nil, fmt.Errorf("%w: optional header size %d", ErrHeaderSize, optSize)
	}
	im := &Image{Format: FormatPE, Machine: machine}
	switch le.Uint16(data[opt:]) {
	case peOptionalMagic32:
		if optSize < 0x40 {
			return nil, fmt.Errorf("%w: PE32 optional header size %d", ErrHeaderSize, optSize)
		}
		im.EntryPoint = uint64(le.Uint32(data[opt+16:]))
		im.ImageBase = uint64(le.Uint32(data[opt+28:]))
		im.Size = uint64(le.Uint32(data[opt+56:]))
	case peOptionalMagic64:
		if optSize < 0x70 {
			return nil, fmt.Errorf("%w: PE32+ optional header size %d", ErrHeaderSize, optSize)
		}
		im.EntryPoint = uint64(le.Uint32(data[opt+16:]))
		im.ImageBase = le.Uint64(data[opt+24:])
		im.Size = uint64(le.Uint32(data[opt+56:]))
	default:
		return nil, fmt.Errorf("%w: optional header magic %#x", ErrMagicMismatch, le.Uint16(data[opt:]))
	}
	im.PreferredLowest = im.ImageBase
	im.EntryPoint += im.ImageBase

	// The COFF string table sits immediately after the symbol table.
	var stringTable []byte
	if symTableOff != 0 && symCount != 0 {
		strOff := symTableOff + symCount*coffSymbolSize
		if strOff+4 <= uint64(len(data)) {
			strSize := uint64(le.Uint32(data[strOff:]))
			if strSize >= 4 && strOff+strSize <= uint64(len(data)) {
				stringTable = data[strOff : strOff+strSize]
			}
		}
	}

	secOff := opt + uint64(optSize)
	if secOff+uint64(sectionCount)*peSectionEntrySize > uint64(len(data)) {
		return nil, truncated("section table")
	}
	for i := 0; i < sectionCount; i++ {
		base := secOff + uint64(i)*peSectionEntrySize
		name, err := peSectionName(data[base:base+8], stringTable)
		if err != nil {
			return nil, err
		}
		im.Sections = append(im.Sections, Section{
			Name:           name,
			VirtualSize:    uint64(le.Uint32(data[base+8:])),
			VirtualAddress: im.ImageBase + uint64(le.Uint32(data[base+12:])),
			FileSize:       uint64(le.Uint32(data[base+16:])),
			FileOffset:     uint64(le.Uint32(data[base+20:])),
			Flags:          le.Uint32(data[base+36:]),
		})
	}

	if symTableOff != 0 && symCount != 0 {
		if err := parseCoffSymbols(im, data, symTableOff, symCount, stringTable); err != nil {
			return nil, err
		}
	}
	return im, nil
}

// peSectionName decodes an 8-byte raw section name. Names longer than
// 8 characters are stored as "/<decimal>", an offset into the COFF
// string table.
func peSectionName(raw, stringTable []byte) (string, error) {
	if raw[0] == '/' {
		end := 1
		for end < len(raw) && raw[end] != 0 {
			end++
		}
		off, err := strconv.ParseUint(string(raw[1:end]), 10, 32)
		if err != nil {
			return "", fmt.Errorf("%w: bad long section name %q", ErrCorruptStringTable, raw)
		}
		return cString(stringTable, uint32(off))
	}
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return string(raw[:end]), nil
}
