// Package types implements the mimium type model (spec.md §3): a
// tagged variant over Unit/Int/Float/Bool/String/Function/Tuple/Struct,
// plus the word-size flattening rule that drives state-slot and
// register sizing throughout internal/mir and internal/bytecode.
package types

import (
	"fmt"
	"strings"

	"github.com/mimium-go/mimium/internal/interner"
)

// Kind tags which variant of Type a value holds, following the
// kind-plus-payload-fields idiom the teacher uses for its own TypeInfo.
type Kind int

const (
	Unit Kind = iota
	Int
	Float
	Bool
	String
	Function
	Tuple
	Struct
	// Unresolved marks an inference variable. It must never reach
	// internal/mir; the surface-syntax type inference collaborator
	// (out of scope, spec.md §1) resolves these before handoff.
	Unresolved
)

func (k Kind) String() string {
	switch k {
	case Unit:
		return "unit"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Function:
		return "function"
	case Tuple:
		return "tuple"
	case Struct:
		return "struct"
	case Unresolved:
		return "unresolved"
	default:
		return "?"
	}
}

// Field is a named member of a Struct type.
type Field struct {
	Name interner.Symbol
	Type *Type
}

// Type is a tagged variant, as named in spec.md §3. Only the fields
// relevant to Kind are populated; the rest are zero.
type Type struct {
	Kind Kind

	// Function
	Params    []*Type
	Ret       *Type
	StateSize int // precomputed total state words of the function body

	// Tuple
	Elems []*Type

	// Struct
	Fields []Field
}

// Scalar constructors for the primitive kinds, mirroring how the
// teacher exposes package-level TypeInfo constants for its own
// TypeKind values.
var (
	TUnit   = &Type{Kind: Unit}
	TInt    = &Type{Kind: Int}
	TFloat  = &Type{Kind: Float}
	TBool   = &Type{Kind: Bool}
	TString = &Type{Kind: String}
)

// NewFunction builds a Function type. stateSize is the precomputed
// total state word count of the function's body (spec.md §3's
// `Function(params, ret, state_size)`).
func NewFunction(params []*Type, ret *Type, stateSize int) *Type {
	return &Type{Kind: Function, Params: params, Ret: ret, StateSize: stateSize}
}

// NewTuple builds a Tuple type.
func NewTuple(elems []*Type) *Type {
	return &Type{Kind: Tuple, Elems: elems}
}

// NewStruct builds a Struct type.
func NewStruct(fields []Field) *Type {
	return &Type{Kind: Struct, Fields: fields}
}

// WordSize returns the number of scalar RawVal slots this type
// flattens to. A composite type's word size is the sum of its
// members'; a function value always occupies exactly one slot (a
// closure handle), regardless of its body's state size.
func (t *Type) WordSize() int {
	switch t.Kind {
	case Unit:
		return 0
	case Int, Float, Bool, String, Function:
		return 1
	case Tuple:
		n := 0
		for _, e := range t.Elems {
			n += e.WordSize()
		}
		return n
	case Struct:
		n := 0
		for _, f := range t.Fields {
			n += f.Type.WordSize()
		}
		return n
	default:
		panic(fmt.Sprintf("types: WordSize of unresolved type %v", t.Kind))
	}
}

// IsPrimitive reports whether t is Int, Float or Bool — the set of
// types legal as the feedback type of Feed/Self (spec.md §4.1,
// NonPrimitiveInFeed). String, though one slot wide, is not primitive.
func (t *Type) IsPrimitive() bool {
	switch t.Kind {
	case Int, Float, Bool:
		return true
	default:
		return false
	}
}

func (t *Type) String() string {
	switch t.Kind {
	case Function:
		parts := make([]string, len(t.Params))
		for i, p := range t.Params {
			parts[i] = p.String()
		}
		return fmt.Sprintf("(%s) -> %s", strings.Join(parts, ", "), t.Ret.String())
	case Tuple:
		parts := make([]string, len(t.Elems))
		for i, e := range t.Elems {
			parts[i] = e.String()
		}
		return fmt.Sprintf("(%s)", strings.Join(parts, ", "))
	default:
		return t.Kind.String()
	}
}
