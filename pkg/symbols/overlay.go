package symbols

import (
	"github.com/mindbg/mindbg/pkg/imgfile"
)

// coffFunctionSpan is the placeholder length given to a function
// synthesized from a symbol table that does not record function sizes.
const coffFunctionSpan = 0x20

// FromImage builds a database out of the raw symbol records of a
// parsed image. Function records with a size get their real span;
// sizeless ones get the placeholder span.
func FromImage(moduleName string, im *imgfile.Image) *Database {
	db := NewDatabase(moduleName)
	db.PreferredLowest = im.PreferredLowest
	for _, sym := range im.Symbols {
		switch sym.Kind {
		case imgfile.SymbolFunction:
			if !sym.Defined {
				continue
			}
			end := sym.Value + sym.Size
			if sym.Size == 0 {
				end = sym.Value + coffFunctionSpan
			}
			db.AddFunction(Function{
				Name:       sym.Name,
				Start:      sym.Value,
				End:        end,
				SourceFile: -1,
			})
		case imgfile.SymbolData:
			db.AddData(Data{
				Name:    sym.Name,
				Address: sym.Value,
				Size:    sym.Size,
			})
		}
	}
	return db
}

// ApplyOverlay merges the symbol records of an image into an existing
// database. It is used to enrich a database built from richer debug
// records with the globals only the image's symbol table knows about.
//
// Rules: an existing data symbol whose address is still the
// unresolved-external placeholder 0 gets its address filled in; this
// is the only post-creation mutation of a symbol's address. A function
// is synthesized only when a source file range already covers its
// address, and receives the placeholder span since the symbol table
// lacks function lengths.
func (db *Database) ApplyOverlay(im *imgfile.Image) {
	for _, sym := range im.Symbols {
		switch sym.Kind {
		case imgfile.SymbolData:
			if !sym.Defined {
				continue
			}
			if d, err := db.FindData(sym.Name); err == nil {
				if d.Address == 0 {
					d.Address = sym.Value
				}
				continue
			}
			db.AddData(Data{
				Name:    sym.Name,
				Address: sym.Value,
				Size:    sym.Size,
			})
		case imgfile.SymbolFunction:
			if !sym.Defined {
				continue
			}
			if _, err := db.FindFunctionByAddress(sym.Value); err == nil {
				continue
			}
			fileIndex := db.sourceFileIndex(sym.Value)
			if fileIndex < 0 {
				continue
			}
			end := sym.Value + sym.Size
			if sym.Size == 0 {
				end = sym.Value + coffFunctionSpan
			}
			db.AddFunction(Function{
				Name:       sym.Name,
				Start:      sym.Value,
				End:        end,
				SourceFile: fileIndex,
			})
		}
	}
}
