package imgfile

// COFF symbol-table extraction. PE images built without DWARF still
// carry a COFF symbol table; its external records are the only symbol
// source such an image has.

const (
	coffClassExternal = 2

	coffDtypeFunction = 2
)

// parseCoffSymbols walks the COFF symbol table and appends every
// external record to the image's symbol list. Addresses are mapped
// through the section table into the preferred address space. A single
// leading underscore, the i386 C decoration, is stripped.
func parseCoffSymbols(im *Image, data []byte, tableOff, count uint64, stringTable []byte) error {
	if tableOff+count*coffSymbolSize > uint64(len(data)) {
		return truncated("COFF symbol table")
	}
	var aux int
	for i := uint64(0); i < count; i++ {
		rec := data[tableOff+i*coffSymbolSize:]
		if aux > 0 {
			aux--
			continue
		}
		aux = int(rec[17])

		if rec[16] != coffClassExternal {
			continue
		}

		var name string
		if le.Uint32(rec[0:]) == 0 {
			s, err := cString(stringTable, le.Uint32(rec[4:]))
			if err != nil {
				return err
			}
			name = s
		} else {
			end := 0
			for end < 8 && rec[end] != 0 {
				end++
			}
			name = string(rec[:end])
		}
		if name == "" {
			continue
		}
		if name[0] == '_' {
			name = name[1:]
		}

		value := uint64(le.Uint32(rec[8:]))
		sectionNumber := int(int16(le.Uint16(rec[12:])))
		typ := le.Uint16(rec[14:])

		defined := sectionNumber > 0
		if defined {
			if sectionNumber > len(im.Sections) {
				continue
			}
			value += im.Sections[sectionNumber-1].VirtualAddress
		}

		kind := SymbolData
		if (typ>>4)&0x3 == coffDtypeFunction {
			kind = SymbolFunction
		}
		im.Symbols = append(im.Symbols, Symbol{
			Name:    name,
			Value:   value,
			Kind:    kind,
			Defined: defined,
		})
	}
	return nil
}
