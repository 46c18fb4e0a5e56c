// Package bytecode implements the register-based instruction set the
// VM executes and the generator that lowers internal/mir into it
// (spec.md §3/§4.2).
package bytecode

import (
	"fmt"

	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/types"
)

// Reg is a physical register index within a function's call frame,
// assigned by the generator's linear-scan allocator.
type Reg uint16

// Op tags one bytecode instruction, matching spec.md §3's "Bytecode
// Instruction" list one-for-one.
type Op int

const (
	OpMove Op = iota
	OpMoveConst
	OpMoveRange

	OpCall
	OpCallCls
	OpCallExtFun
	OpCallExtCls

	OpClosure
	OpClose

	OpReturn0
	OpReturn

	OpGetUpValue
	OpSetUpValue
	OpGetGlobal
	OpSetGlobal

	OpJmp
	OpJmpIfNeg

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

	OpEq
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe

	OpAnd
	OpOr
	OpNot

	OpCastFtoI
	OpCastItoF
	OpCastItoB

	OpGetState
	OpSetState
	OpShiftStatePos

	OpDelay
	OpMem

	// OpNow has no counterpart in spec.md §3's literal bytecode
	// instruction list; it realizes the supplemented `now` primitive
	// (current sample time, see SPEC_FULL.md/DESIGN.md) the same way
	// Delay/Mem realize their MIR ops: one VM-intrinsic instruction
	// writing a single Float into Dst.
	OpNow
)

func (op Op) String() string {
	switch op {
	case OpMove:
		return "Move"
	case OpMoveConst:
		return "MoveConst"
	case OpMoveRange:
		return "MoveRange"
	case OpCall:
		return "Call"
	case OpCallCls:
		return "CallCls"
	case OpCallExtFun:
		return "CallExtFun"
	case OpCallExtCls:
		return "CallExtCls"
	case OpClosure:
		return "Closure"
	case OpClose:
		return "Close"
	case OpReturn0:
		return "Return0"
	case OpReturn:
		return "Return"
	case OpGetUpValue:
		return "GetUpValue"
	case OpSetUpValue:
		return "SetUpValue"
	case OpGetGlobal:
		return "GetGlobal"
	case OpSetGlobal:
		return "SetGlobal"
	case OpJmp:
		return "Jmp"
	case OpJmpIfNeg:
		return "JmpIfNeg"
	case OpAddF:
		return "AddF"
	case OpSubF:
		return "SubF"
	case OpMulF:
		return "MulF"
	case OpDivF:
		return "DivF"
	case OpModF:
		return "ModF"
	case OpNegF:
		return "NegF"
	case OpAbsF:
		return "AbsF"
	case OpSqrtF:
		return "SqrtF"
	case OpSinF:
		return "SinF"
	case OpCosF:
		return "CosF"
	case OpPowF:
		return "PowF"
	case OpLogF:
		return "LogF"
	case OpAddI:
		return "AddI"
	case OpSubI:
		return "SubI"
	case OpMulI:
		return "MulI"
	case OpDivI:
		return "DivI"
	case OpModI:
		return "ModI"
	case OpNegI:
		return "NegI"
	case OpAbsI:
		return "AbsI"
	case OpSqrtI:
		return "SqrtI"
	case OpSinI:
		return "SinI"
	case OpCosI:
		return "CosI"
	case OpPowI:
		return "PowI"
	case OpLogI:
		return "LogI"
	case OpEq:
		return "Eq"
	case OpNe:
		return "Ne"
	case OpGt:
		return "Gt"
	case OpGe:
		return "Ge"
	case OpLt:
		return "Lt"
	case OpLe:
		return "Le"
	case OpAnd:
		return "And"
	case OpOr:
		return "Or"
	case OpNot:
		return "Not"
	case OpCastFtoI:
		return "CastFtoI"
	case OpCastItoF:
		return "CastItoF"
	case OpCastItoB:
		return "CastItoB"
	case OpGetState:
		return "GetState"
	case OpSetState:
		return "SetState"
	case OpShiftStatePos:
		return "ShiftStatePos"
	case OpDelay:
		return "Delay"
	case OpMem:
		return "Mem"
	case OpNow:
		return "Now"
	default:
		return "?"
	}
}

// Instruction is one three-address bytecode operation. Following the
// tagged-kind-plus-payload-fields idiom used throughout this module,
// only the fields relevant to Op are populated; unused fields stay at
// their zero value.
type Instruction struct {
	Op Op

	Dst, Src, A, B Reg

	ConstIdx uint16 // MoveConst: index into the function's constants pool
	N        int    // MoveRange: element count

	FuncPos Reg // Call/CallCls/CallExtFun/CallExtCls: base of the call window
	Nargs   int
	Nret    int

	FnIndex int // Closure: index into Program.GlobalFnTable

	IRet Reg // Return: base register of the return window

	UpIdx     uint16 // GetUpValue/SetUpValue
	GlobalIdx uint16 // GetGlobal/SetGlobal
	Size      uint8  // GetUpValue/SetUpValue/GetGlobal/SetGlobal/GetState/SetState

	Off int32 // Jmp/JmpIfNeg: signed offset in instructions, relative to the jump's own position

	Delta int64 // ShiftStatePos

	// Delay: Dst, A (input), B (time), DelaySite (index into the
	// active closure's FuncProto.DelaySizes, resolved statically at
	// compile time — see DESIGN.md); Mem: Dst, Src
	DelaySite int
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s dst=%d src=%d a=%d b=%d", i.Op, i.Dst, i.Src, i.A, i.B)
}

// OpenUpValue names a not-yet-closed capture, as recorded in a
// FuncProto's upindexes table (spec.md §3): pos is a stack offset
// relative to the capturing call's base pointer, size its word count,
// is_closure whether the captured slot itself holds a closure handle
// (so closing it must also bump that closure's refcount).
type OpenUpValue struct {
	Pos       uint16
	Size      uint8
	IsClosure bool
}

// FuncProto is one compiled function (spec.md §3).
type FuncProto struct {
	Name       string
	Bytecodes  []Instruction
	Constants  []uint64
	UpIndexes  []OpenUpValue
	StateSize  uint64
	DelaySizes []uint64
	// Nargs is the number of leading physical registers pre-assigned to
	// arguments (spec.md §4.2): the callee's frame base sits just past
	// the last one.
	Nargs int
}

// FnEntry pairs a global function table slot with the Symbol it's bound
// under at the top level.
type FnEntry struct {
	Name  interner.Symbol
	Proto *FuncProto
}

// ExtEntry names one extern slot (a pure function or a closure-shaped
// value) a host program installs before running the VM.
type ExtEntry struct {
	Name interner.Symbol
	Type *types.Type
}

// Program is the full output of the bytecode generator (spec.md §3).
type Program struct {
	GlobalFnTable []FnEntry
	ExtFunTable   []ExtEntry
	ExtClsTable   []ExtEntry
	GlobalVals    []uint64
}

// FindFunction returns the index of the FnEntry bound to name, or -1.
func (p *Program) FindFunction(name interner.Symbol) int {
	for i, e := range p.GlobalFnTable {
		if e.Name == name {
			return i
		}
	}
	return -1
}
