package symbols

import (
	"errors"
	"fmt"
)

// maxRelationDepth bounds typedef-relation chains. Type graphs can be
// cyclic (a struct holding a pointer to itself), so every chain walk
// gives up after this many hops.
const maxRelationDepth = 50

// TypeKind enumerates the shapes a type record can take.
type TypeKind int

const (
	TypeInvalid TypeKind = iota
	TypeNumeric
	TypeStructure
	TypeEnumeration
	TypeRelation
	TypeFunction
)

func (k TypeKind) String() string {
	switch k {
	case TypeNumeric:
		return "numeric"
	case TypeStructure:
		return "structure"
	case TypeEnumeration:
		return "enumeration"
	case TypeRelation:
		return "relation"
	case TypeFunction:
		return "function"
	}
	return "invalid"
}

// TypeRef names a type by owner module and type number. Types live in
// the module that defined them, so a reference never carries a pointer
// across module boundaries.
type TypeRef struct {
	Owner  string
	Number int
}

// ArrayRange describes the index bounds of an array relation. A range
// with Max < Min means the relation is not an array.
type ArrayRange struct {
	Min int64
	Max int64
}

// IsArray reports whether the range describes at least one element.
func (r ArrayRange) IsArray() bool { return r.Max >= r.Min && (r.Min != 0 || r.Max != 0) }

// Relation is the payload of a TypeRelation record: a typedef,
// pointer, array or function-pointer link to another type. A relation
// that references its own type number with no pointer, array or
// function decoration denotes void.
type Relation struct {
	Pointer  bool
	Array    ArrayRange
	Function bool
	To       TypeRef
}

// Member is one field of a structure or one name of an enumeration.
type Member struct {
	Name string
	// BitOffset and BitSize position a structure member; enumerations
	// use Value instead.
	BitOffset int
	BitSize   int
	Value     int64
	Type      TypeRef
}

// Type is one record in a module's type table.
type Type struct {
	Name   string
	Number int
	Kind   TypeKind

	// Size in bytes for numeric, structure and enumeration kinds.
	Size int

	// Signed and Float qualify numeric kinds.
	Signed bool
	Float  bool

	Relation Relation
	Members  []Member

	// ReturnType applies to function kinds.
	ReturnType TypeRef
}

// IsVoid reports whether t is the self-referential relation used to
// represent void.
func (t *Type) IsVoid(owner string) bool {
	if t.Kind != TypeRelation {
		return false
	}
	r := t.Relation
	if r.Pointer || r.Function || r.Array.IsArray() {
		return false
	}
	return r.To.Number == t.Number && (r.To.Owner == "" || r.To.Owner == owner)
}

// TypeStore resolves type references, possibly across modules. The
// module registry implements it over every loaded database; a single
// Database implements it for its own types.
type TypeStore interface {
	GetType(owner string, number int) (*Type, bool)
}

var (
	// ErrNotFound is returned by name and address lookups that match
	// nothing.
	ErrNotFound = errors.New("symbol not found")
	// ErrAmbiguous is returned when an exact lookup matches more than
	// one symbol.
	ErrAmbiguous = errors.New("symbol is ambiguous")
	// ErrTypeDepth is returned when a relation chain exceeds the hop
	// bound, which in practice means the type graph has a cycle.
	ErrTypeDepth = errors.New("relation chain too deep")
)

// SkipTypedefs follows pure typedef relations until something that is
// not a plain typedef is reached. Pointer, array and function
// relations stop the walk, as do all non-relation kinds and void.
func SkipTypedefs(store TypeStore, owner string, t *Type) (string, *Type, error) {
	for depth := 0; depth < maxRelationDepth; depth++ {
		if t.Kind != TypeRelation {
			return owner, t, nil
		}
		r := t.Relation
		if r.Pointer || r.Function || r.Array.IsArray() || t.IsVoid(owner) {
			return owner, t, nil
		}
		nextOwner := r.To.Owner
		if nextOwner == "" {
			nextOwner = owner
		}
		next, ok := store.GetType(nextOwner, r.To.Number)
		if !ok {
			return "", nil, fmt.Errorf("%w: type (%s, %d)", ErrNotFound, nextOwner, r.To.Number)
		}
		owner, t = nextOwner, next
	}
	return "", nil, ErrTypeDepth
}

// Resolve follows relation chains until a non-relation, a pointer, an
// array, a function or void is reached. Resolving an already-resolved
// type returns it unchanged.
func Resolve(store TypeStore, owner string, t *Type) (string, *Type, error) {
	return SkipTypedefs(store, owner, t)
}
