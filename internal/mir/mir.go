// Package mir implements the mid-level IR model (spec.md §3/§4.1): a
// register-oriented, SSA-like representation produced by lowering a
// desugared typed AST, with closure conversion, upvalue resolution and
// state-slot allocation already performed.
package mir

import (
	"fmt"

	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/types"
)

// VReg is an SSA register index: a position in an unbounded register
// file, assigned fresh by every instruction that produces a value.
type VReg uint64

// ValueKind tags which variant of Value a value holds.
type ValueKind int

const (
	VGlobal ValueKind = iota
	VArgument
	VRegister
	VFloat
	VInteger
	VBool
	VFunction
	VExtFunction
	VClosure
	VState
	VFixPoint
	VNone
)

// Value is an SSA-style operand (spec.md §3). Operands are
// referentially shared: a Value produced by one instruction may be
// referenced by many later instructions, so Value is always passed
// around as *Value once constructed by the generator.
type Value struct {
	Kind ValueKind
	Type *types.Type

	Label string // VGlobal, VExtFunction

	Index int // VArgument (argument position), VFunction (proto index)

	Reg VReg // VRegister

	Float   float64 // VFloat
	Integer int64   // VInteger
	Bool    bool    // VBool

	StateSize int // VFunction: state_size of the referenced function

	Closure *FunctionRef // VClosure

	Inner *Value // VState: wraps the pointer/value the state slot was read from
}

func Global(label string, ty *types.Type) *Value { return &Value{Kind: VGlobal, Label: label, Type: ty} }
func Argument(index int, ty *types.Type) *Value   { return &Value{Kind: VArgument, Index: index, Type: ty} }
func Register(r VReg, ty *types.Type) *Value      { return &Value{Kind: VRegister, Reg: r, Type: ty} }
func FloatVal(f float64) *Value                   { return &Value{Kind: VFloat, Float: f, Type: types.TFloat} }
func IntVal(i int64) *Value                       { return &Value{Kind: VInteger, Integer: i, Type: types.TInt} }
func BoolVal(b bool) *Value                       { return &Value{Kind: VBool, Bool: b, Type: types.TBool} }
func FunctionVal(idx int, stateSize int) *Value {
	return &Value{Kind: VFunction, Index: idx, StateSize: stateSize}
}
func ExtFunctionVal(name string) *Value { return &Value{Kind: VExtFunction, Label: name} }
func ClosureVal(ref *FunctionRef) *Value {
	return &Value{Kind: VClosure, Closure: ref}
}
func StateVal(inner *Value) *Value { return &Value{Kind: VState, Inner: inner} }

var FixPoint = &Value{Kind: VFixPoint}
var None = &Value{Kind: VNone}

func (v *Value) String() string {
	switch v.Kind {
	case VGlobal:
		return "g:" + v.Label
	case VArgument:
		return fmt.Sprintf("arg%d", v.Index)
	case VRegister:
		return fmt.Sprintf("%%%d", v.Reg)
	case VFloat:
		return fmt.Sprintf("%gf", v.Float)
	case VInteger:
		return fmt.Sprintf("%di", v.Integer)
	case VBool:
		return fmt.Sprintf("%t", v.Bool)
	case VFunction:
		return fmt.Sprintf("fn#%d", v.Index)
	case VExtFunction:
		return "ext:" + v.Label
	case VClosure:
		return fmt.Sprintf("closure(%s)", v.Closure.Label)
	case VState:
		return "state(" + v.Inner.String() + ")"
	case VFixPoint:
		return "fix"
	case VNone:
		return "none"
	default:
		return "?"
	}
}

// FunctionRef names a Function by its position in Mir.Functions; kept
// distinct from *Function so closures can be built before the target
// function's body has finished compiling (LetRec, mutual recursion).
type FunctionRef struct {
	Label string
	Index int
}

// Op tags which MIR instruction a Stmt performs.
type Op int

const (
	OpUinteger Op = iota
	OpInteger
	OpFloat
	OpAlloc
	OpLoad
	OpStore
	// OpMove is the MIR-level phi: each branch of an If ends by copying
	// its value into the If's single result register, before control
	// reaches the join block.
	OpMove
	OpCall
	OpClosure
	OpGetUpValue
	OpSetUpValue
	OpPushStateOffset
	OpPopStateOffset
	OpGetState
	OpJmpIf
	// OpJmp is an unconditional jump to TargetBlock, emitted at the tail
	// of an If's then-branch to skip its else-branch (spec.md §4.1). The
	// tail is whatever block is current once the then-branch is fully
	// compiled, which is not always the "then" block itself: a nested
	// If inside the branch pushes its own blocks first.
	OpJmp
	OpReturn
	OpReturnFeed

	OpAddF
	OpSubF
	OpMulF
	OpDivF
	OpModF
	OpNegF
	OpAbsF
	OpSqrtF
	OpSinF
	OpCosF
	OpPowF
	OpLogF

	OpAddI
	OpSubI
	OpMulI
	OpDivI
	OpModI
	OpNegI
	OpAbsI
	OpSqrtI
	OpSinI
	OpCosI
	OpPowI
	OpLogI

	OpNot
	OpEq
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpAnd
	OpOr

	OpCastFtoI
	OpCastItoF
	OpCastItoB

	// OpNow yields the current sample time as Float seconds (Open
	// Question decision, see DESIGN.md): sampleCount / sampleRate.
	OpNow

	// OpDelay allocates/uses a ring-buffer delay-line slot in the
	// enclosing function's state (spec.md §4.1 Delay(input,time)).
	OpDelay
	// OpMem is the atomic unit-delay primitive (spec.md §4.5 / DESIGN.md
	// supplemented feature): emit the stored value, then overwrite it.
	OpMem
)

// Instruction is one MIR operation (spec.md §3). Each instruction
// produces a fresh SSA register, paired with it in a Stmt.
type Instruction struct {
	Op Op

	Ty *types.Type // OpAlloc: the type to allocate

	Ptr *Value // OpLoad / OpStore (pointer operand) / OpSetUpValue target descr.
	Val *Value // OpStore (value operand), general unary/RHS operand

	A, B *Value // binary/unary operand slots

	Callee *Value
	Args   []*Value

	Closure *FunctionRef // OpClosure

	UpIndex  uint64 // OpGetUpValue / OpSetUpValue
	UpSize   uint64 // word size of the captured value
	StateOff uint64 // OpPushStateOffset / OpPopStateOffset

	Cond      *Value // OpJmpIf
	ThenName  string
	ElseName  string
	ThenBlock int // index into the owning Function.Body of the then-block
	ElseBlock int // index into the owning Function.Body of the else-block

	TargetBlock int // OpJmp: index into the owning Function.Body to jump to

	Ret *Value // OpReturn / OpReturnFeed

	DelaySite int // OpDelay: index into the function's delay_sizes table
	Time      *Value
	Input     *Value
}

// Stmt pairs a destination register with the instruction that produces
// it, matching spec.md §3's Block = ordered list of (vreg, Instruction).
type Stmt struct {
	Dst  VReg
	Inst Instruction
}

// Block is an ordered list of statements; control flow between blocks
// is explicit via OpJmpIf and fallthrough (spec.md §3).
type Block struct {
	Name  string
	Stmts []Stmt
}

// UpIndexKind distinguishes the two ways a function may promote a free
// variable to an upvalue (spec.md §3).
type UpIndexKind int

const (
	ULocal UpIndexKind = iota
	UUpvalue
)

// UpIndex records how a captured variable is reached from the
// enclosing function: Local(i) captures the i-th local of the
// immediate parent; Upvalue(i) forwards the parent's own i-th upvalue.
type UpIndex struct {
	Kind UpIndexKind
	Idx  int
}

// Function is one compiled MIR function (spec.md §3).
type Function struct {
	Label     string
	Args      []*Value
	UpIndexes []UpIndex
	Body      []*Block
	StateSize uint64

	// DelaySizes mirrors the eventual bytecode FuncProto.delay_sizes
	// table but is accumulated here, at MIR-gen time, one entry per
	// Delay call site textually inside this function.
	DelaySizes []uint64
}

// NewFunction constructs a Function with a single empty entry block,
// matching the teacher's constructor-with-sane-defaults idiom.
func NewFunction(label string, args []*Value) *Function {
	return &Function{
		Label: label,
		Args:  args,
		Body:  []*Block{{Name: "entry"}},
	}
}

// CurrentBlock returns the function's last block — the one new
// instructions are appended to.
func (f *Function) CurrentBlock() *Block {
	return f.Body[len(f.Body)-1]
}

// PushBlock appends and returns a fresh named block.
func (f *Function) PushBlock(name string) *Block {
	b := &Block{Name: name}
	f.Body = append(f.Body, b)
	return b
}

// Mir is the full output of the MIR generator (spec.md §4.1):
// Functions[0] is `_mimium_global`, executed once at program start;
// `dsp`, registered under that exact name, is the per-sample entry
// point.
type Mir struct {
	Functions []*Function
	Globals   []Global
}

// Global is a module-level variable slot initialized by
// `_mimium_global`.
type Global struct {
	Name interner.Symbol
	Type *types.Type
}

// FindFunction returns the index of the function named label, or -1.
func (m *Mir) FindFunction(label string) int {
	for i, f := range m.Functions {
		if f.Label == label {
			return i
		}
	}
	return -1
}
