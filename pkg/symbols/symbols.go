// Package symbols holds the per-module symbol database: functions,
// data symbols, types, source files and source lines, with lookups by
// name, by address and by line. Addresses stored here are always in
// the image's preferred address space; callers working with target
// virtual addresses subtract the module's base difference first.
package symbols

import (
	"path/filepath"
	"strings"

	"github.com/derekparker/trie"
)

// SourceLine maps one address range to a line number. Start is
// inclusive, End exclusive.
type SourceLine struct {
	Start uint64
	End   uint64
	Line  int
}

// SourceFile is one compilation unit's source file with the address
// range its code occupies.
type SourceFile struct {
	Directory string
	Name      string
	Start     uint64
	End       uint64
	Lines     []SourceLine
}

// Path joins the directory and file name, normalizing backslashes.
func (f *SourceFile) Path() string {
	p := f.Name
	if f.Directory != "" {
		p = f.Directory + "/" + f.Name
	}
	return strings.ReplaceAll(p, "\\", "/")
}

// Variable is a named slot with a type: a parameter or a local.
type Variable struct {
	Name string
	Type TypeRef
}

// Function is one function record. Start and End are preferred-space
// addresses with Start <= End.
type Function struct {
	Name       string
	Start      uint64
	End        uint64
	ReturnType TypeRef
	Parameters []Variable
	Locals     []Variable
	// SourceFile indexes the owning database's Files list, -1 when
	// unknown.
	SourceFile int
}

// Data is one global data symbol. An Address of 0 marks an unresolved
// external whose address a later symbol-table overlay may fill in.
type Data struct {
	Name    string
	Address uint64
	Size    uint64
	Type    TypeRef
}

// Database is the symbol database of a single module.
type Database struct {
	// ModuleName is the owner name type references resolve against.
	ModuleName string
	// PreferredLowest is the lowest address of the image in its
	// preferred space.
	PreferredLowest uint64

	Files     []SourceFile
	Functions []Function
	Data      []Data
	Types     []Type

	names *trie.Trie
}

// NewDatabase returns an empty database owned by the named module.
func NewDatabase(moduleName string) *Database {
	return &Database{
		ModuleName: moduleName,
		names:      trie.New(),
	}
}

type nameEntry struct {
	functions []int
	data      []int
}

func (db *Database) index(name string) *nameEntry {
	if db.names == nil {
		db.names = trie.New()
	}
	if node, ok := db.names.Find(name); ok {
		return node.Meta().(*nameEntry)
	}
	e := &nameEntry{}
	db.names.Add(name, e)
	return e
}

// AddFunction appends a function record and indexes its name.
func (db *Database) AddFunction(fn Function) int {
	i := len(db.Functions)
	db.Functions = append(db.Functions, fn)
	e := db.index(fn.Name)
	e.functions = append(e.functions, i)
	return i
}

// AddData appends a data symbol and indexes its name.
func (db *Database) AddData(d Data) int {
	i := len(db.Data)
	db.Data = append(db.Data, d)
	e := db.index(d.Name)
	e.data = append(e.data, i)
	return i
}

// AddType appends a type record.
func (db *Database) AddType(t Type) int {
	db.Types = append(db.Types, t)
	return len(db.Types) - 1
}

// AddSourceFile appends a source file record.
func (db *Database) AddSourceFile(f SourceFile) int {
	db.Files = append(db.Files, f)
	return len(db.Files) - 1
}

// GetType implements TypeStore for this database's own types. The
// empty owner and the database's module name both match.
func (db *Database) GetType(owner string, number int) (*Type, bool) {
	if owner != "" && !strings.EqualFold(owner, db.ModuleName) {
		return nil, false
	}
	for i := range db.Types {
		if db.Types[i].Number == number {
			return &db.Types[i], true
		}
	}
	return nil, false
}

// FindType finds a type by exact name.
func (db *Database) FindType(name string) (*Type, error) {
	for i := range db.Types {
		if db.Types[i].Name == name {
			return &db.Types[i], nil
		}
	}
	return nil, ErrNotFound
}

// FindFunction finds functions by name. The name may contain the
// wildcards '*' and '?'.
func (db *Database) FindFunction(name string) ([]*Function, error) {
	var out []*Function
	for _, name := range db.matchNames(name) {
		node, ok := db.names.Find(name)
		if !ok {
			continue
		}
		for _, i := range node.Meta().(*nameEntry).functions {
			out = append(out, &db.Functions[i])
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// FindFunctionByAddress finds the function whose [Start, End) range
// covers the preferred-space address.
func (db *Database) FindFunctionByAddress(address uint64) (*Function, error) {
	for i := range db.Functions {
		fn := &db.Functions[i]
		if address >= fn.Start && address < fn.End {
			return fn, nil
		}
	}
	return nil, ErrNotFound
}

// FunctionStartAddress returns the entry address of the named
// function. Wildcards are not accepted; an exact name matching more
// than one function is ambiguous.
func (db *Database) FunctionStartAddress(name string) (uint64, error) {
	node, ok := db.names.Find(name)
	if !ok {
		return 0, ErrNotFound
	}
	fns := node.Meta().(*nameEntry).functions
	switch len(fns) {
	case 0:
		return 0, ErrNotFound
	case 1:
		return db.Functions[fns[0]].Start, nil
	}
	return 0, ErrAmbiguous
}

// FindData finds a data symbol by exact name.
func (db *Database) FindData(name string) (*Data, error) {
	node, ok := db.names.Find(name)
	if !ok {
		return nil, ErrNotFound
	}
	ds := node.Meta().(*nameEntry).data
	if len(ds) == 0 {
		return nil, ErrNotFound
	}
	return &db.Data[ds[0]], nil
}

// LookupSourceLine finds the source file and line covering a
// preferred-space address.
func (db *Database) LookupSourceLine(address uint64) (*SourceFile, *SourceLine, error) {
	for i := range db.Files {
		f := &db.Files[i]
		if address < f.Start || address >= f.End {
			continue
		}
		for j := range f.Lines {
			l := &f.Lines[j]
			if address >= l.Start && address < l.End {
				return f, l, nil
			}
		}
	}
	return nil, nil, ErrNotFound
}

// SourceFileForAddress finds the source file whose range covers the
// address, even when no line record does.
func (db *Database) SourceFileForAddress(address uint64) (*SourceFile, bool) {
	if i := db.sourceFileIndex(address); i >= 0 {
		return &db.Files[i], true
	}
	return nil, false
}

func (db *Database) sourceFileIndex(address uint64) int {
	for i := range db.Files {
		if address >= db.Files[i].Start && address < db.Files[i].End {
			return i
		}
	}
	return -1
}

// matchNames expands a possibly wildcarded pattern into the matching
// indexed names. The trie narrows the candidate set to everything
// sharing the literal prefix before the first wildcard.
func (db *Database) matchNames(pattern string) []string {
	wild := strings.IndexAny(pattern, "*?")
	if wild < 0 {
		if _, ok := db.names.Find(pattern); ok {
			return []string{pattern}
		}
		return nil
	}
	var out []string
	for _, name := range db.names.PrefixSearch(pattern[:wild]) {
		if matchWildcard(pattern, name) {
			out = append(out, name)
		}
	}
	return out
}

// matchWildcard reports whether name matches pattern, where '*'
// matches any run of characters and '?' matches exactly one.
func matchWildcard(pattern, name string) bool {
	var pi, ni int
	star, starN := -1, 0
	for ni < len(name) {
		switch {
		case pi < len(pattern) && (pattern[pi] == name[ni] || pattern[pi] == '?'):
			pi++
			ni++
		case pi < len(pattern) && pattern[pi] == '*':
			star, starN = pi, ni
			pi++
		case star >= 0:
			starN++
			pi, ni = star+1, starN
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// FriendlyName derives a module's friendly name from a path: the base
// name with its extension removed.
func FriendlyName(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, "\\", "/"))
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = base[:len(base)-len(ext)]
	}
	return base
}

// ResultKind tags the variants of a symbol search result.
type ResultKind int

const (
	ResultFunction ResultKind = iota
	ResultData
	ResultType
)

// SearchResult is one hit from a combined symbol search.
type SearchResult struct {
	Kind     ResultKind
	Function *Function
	Data     *Data
	Type     *Type
}

// Search looks a pattern up across functions, data and types, in that
// order.
func (db *Database) Search(pattern string) ([]SearchResult, error) {
	var out []SearchResult
	if fns, err := db.FindFunction(pattern); err == nil {
		for _, fn := range fns {
			out = append(out, SearchResult{Kind: ResultFunction, Function: fn})
		}
	}
	for _, name := range db.matchNames(pattern) {
		node, ok := db.names.Find(name)
		if !ok {
			continue
		}
		for _, i := range node.Meta().(*nameEntry).data {
			out = append(out, SearchResult{Kind: ResultData, Data: &db.Data[i]})
		}
	}
	for i := range db.Types {
		if matchWildcard(pattern, db.Types[i].Name) {
			out = append(out, SearchResult{Kind: ResultType, Type: &db.Types[i]})
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
