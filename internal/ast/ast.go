// Package ast defines the desugared, type-annotated expression tree
// that internal/mir compiles from. Producing this tree — tokenizing
// source text, parsing it, and running surface-syntax type inference —
// is explicitly out of scope (spec.md §1): this package only fixes the
// contract the external front end hands the MIR generator.
package ast

import (
	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/types"
)

// Kind tags which expression form a Node holds.
type Kind int

const (
	KindLiteralFloat Kind = iota
	KindLiteralInt
	KindLiteralBool
	KindLiteralString
	KindNow
	KindVar
	KindSelf
	KindBlock
	KindLet
	KindLetRec
	KindLambda
	KindApply
	KindIf
	KindTuple
	KindProj
	KindFeed
	// KindMem and KindDelay are the two built-in stateful primitives
	// spec.md §4.1/§4.5 name directly (not ordinary function calls):
	// the atomic unit-delay and the ring-buffered variable-time delay.
	KindMem
	KindDelay
	// KindBinOp and KindUnOp are the primitive arithmetic/comparison/
	// logical/cast operators (spec.md §3's MIR arithmetic instruction
	// set): the front end desugars operator syntax directly into these
	// rather than ordinary function application, since the MIR has
	// dedicated instructions for them.
	KindBinOp
	KindUnOp
)

// BinOp names a binary arithmetic, comparison, or logical operator.
// Float/Int selection happens at MIR-gen time from the operand type,
// not here.
type BinOp int

const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinDiv
	BinMod
	BinPow
	BinLog
	BinEq
	BinNe
	BinGt
	BinGe
	BinLt
	BinLe
	BinAnd
	BinOr
)

// UnOp names a unary arithmetic, logical, or cast operator.
type UnOp int

const (
	UnNeg UnOp = iota
	UnAbs
	UnSqrt
	UnSin
	UnCos
	UnNot
	UnCastFtoI
	UnCastItoF
	UnCastItoB
)

// Node is one expression in the desugared tree. Only the fields
// relevant to Kind are populated. Nodes are immutable once built
// (spec.md §3: "Expression nodes are immutable after construction").
type Node struct {
	Kind Kind
	Span interner.Span
	Type *types.Type // attached by the external inference collaborator

	// KindLiteralFloat / KindLiteralInt / KindLiteralBool
	Float float64
	Int   int64
	Bool  bool
	Str   string

	// KindVar / KindLet / KindLetRec / KindLambda parameter names
	Name interner.Symbol

	// KindLambda
	Params     []interner.Symbol
	ParamTypes []*types.Type
	Body       *Node

	// KindApply
	Callee *Node
	Args   []*Node

	// KindIf
	Cond, Then, Else *Node

	// KindBlock: a sequence of statements whose final expression (if
	// any) is the block's value; an empty block has no Stmts.
	Stmts []*Node

	// KindLet / KindLetRec: Name = Value ; Body
	Value *Node

	// KindTuple
	Elems []*Node

	// KindProj
	Tuple *Node
	Index int

	// KindFeed: introduces a fixed-point binding of Name to the value
	// returned at the previous sample, scoped over Body.

	// KindMem: Value is the input expression.

	// KindDelay: Value is the input expression, Cond is the time
	// expression (reusing KindIf's Cond field rather than adding a
	// single-use one), MaxSize is the ring buffer's
	// capacity in samples (the maximum literal time bound, or a
	// type-provided bound per spec.md §4.1).
	MaxSize int

	// KindBinOp: Left, Right are the operands, BOp selects the operator.
	BOp         BinOp
	Left, Right *Node

	// KindUnOp: Value is the operand (reusing the Let/LetRec field),
	// UOp selects the operator.
	UOp UnOp
}

// Lambda convenience constructor.
func Lambda(params []interner.Symbol, paramTypes []*types.Type, body *Node, span interner.Span, ty *types.Type) *Node {
	return &Node{Kind: KindLambda, Params: params, ParamTypes: paramTypes, Body: body, Span: span, Type: ty}
}

// Apply convenience constructor.
func Apply(callee *Node, args []*Node, span interner.Span, ty *types.Type) *Node {
	return &Node{Kind: KindApply, Callee: callee, Args: args, Span: span, Type: ty}
}

// Var convenience constructor.
func Var(name interner.Symbol, span interner.Span, ty *types.Type) *Node {
	return &Node{Kind: KindVar, Name: name, Span: span, Type: ty}
}

// Float convenience constructor.
func Float(v float64, span interner.Span) *Node {
	return &Node{Kind: KindLiteralFloat, Float: v, Span: span, Type: types.TFloat}
}

// Int convenience constructor.
func Int(v int64, span interner.Span) *Node {
	return &Node{Kind: KindLiteralInt, Int: v, Span: span, Type: types.TInt}
}
