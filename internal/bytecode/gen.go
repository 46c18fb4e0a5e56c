package bytecode

import (
	"math"

	"go.uber.org/zap"

	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/ir0err"
	"github.com/mimium-go/mimium/internal/mir"
)

// allocator is the per-function linear-scan-like register allocator
// (spec.md §4.2): each SSA register gets a physical register on first
// definition, and its physical register is returned to a free list
// once its last use within the function has been emitted.
type allocator struct {
	assign  map[mir.VReg]Reg
	lastUse map[mir.VReg]int
	free    []Reg
	next    Reg
}

func newAllocator(nargs int) *allocator {
	a := &allocator{assign: map[mir.VReg]Reg{}, lastUse: map[mir.VReg]int{}}
	for i := 0; i < nargs; i++ {
		a.assign[mir.VReg(i)] = Reg(i)
	}
	a.next = Reg(nargs)
	return a
}

func (a *allocator) alloc(v mir.VReg) Reg {
	if r, ok := a.assign[v]; ok {
		return r
	}
	var r Reg
	if n := len(a.free); n > 0 {
		r = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		r = a.next
		a.next++
	}
	a.assign[v] = r
	return r
}

// fresh allocates a physical register not tied to any SSA value, for
// materializing immediates and other transient operands.
func (a *allocator) fresh() Reg {
	if n := len(a.free); n > 0 {
		r := a.free[n-1]
		a.free = a.free[:n-1]
		return r
	}
	r := a.next
	a.next++
	return r
}

func (a *allocator) reg(v mir.VReg) (Reg, bool) {
	r, ok := a.assign[v]
	return r, ok
}

// release returns v's physical register to the free list once v's
// final use (per the pre-computed liveness pass) has been reached.
func (a *allocator) release(v mir.VReg, atIdx int) {
	if a.lastUse[v] != atIdx {
		return
	}
	if r, ok := a.assign[v]; ok {
		a.free = append(a.free, r)
		delete(a.assign, v)
	}
}

type pendingJump struct {
	instrIdx    int
	targetBlock int
}

// fnCtx holds the working state for compiling one mir.Function.
type fnCtx struct {
	proto        *FuncProto
	alloc        *allocator
	constIdx     map[uint64]uint16
	blockStart   []int
	pending      []pendingJump
	openClosures []Reg
	globalIdx    map[interner.Symbol]int

	// extFunIdx/extFunOrder are shared across every function compiled by
	// one Generate call: an extern symbol gets the same ext_fun_table
	// slot no matter which function references it first.
	extFunIdx   map[string]int
	extFunOrder *[]string
}

func (c *fnCtx) constIndex(bits uint64) (uint16, error) {
	if idx, ok := c.constIdx[bits]; ok {
		return idx, nil
	}
	if len(c.proto.Constants) >= 256 {
		return 0, errTooManyConstants
	}
	idx := uint16(len(c.proto.Constants))
	c.proto.Constants = append(c.proto.Constants, bits)
	c.constIdx[bits] = idx
	return idx, nil
}

var errTooManyConstants = ir0err.New(ir0err.TooManyConstants, interner.Span{}, "constant pool overflows 256 entries")

// Generator lowers a complete mir.Mir into a Program, one function at
// a time (spec.md §4.2).
type Generator struct {
	errs ir0err.List
	log  *zap.SugaredLogger
}

// NewGenerator constructs a Generator. log may be nil, in which case a
// no-op logger is used.
func NewGenerator(log *zap.SugaredLogger) *Generator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Generator{log: log}
}

// Generate lowers m into a Program. symtab resolves each mir.Function's
// string label back to the interner.Symbol its FnEntry is bound under
// (the empty label, for anonymous lambdas, yields the zero Symbol).
func (g *Generator) Generate(m *mir.Mir, symtab *interner.Table) (*Program, *ir0err.List) {
	prog := &Program{}

	globalIdx := map[interner.Symbol]int{}
	for i, gl := range m.Globals {
		globalIdx[gl.Name] = i
	}
	prog.GlobalVals = make([]uint64, len(m.Globals))

	extFunIdx := map[string]int{}
	var extFunOrder []string

	for _, fn := range m.Functions {
		proto := g.compileFunction(fn, globalIdx, extFunIdx, &extFunOrder)
		name := interner.Symbol(0)
		if fn.Label != "" && symtab != nil {
			name = symtab.Intern(fn.Label)
		}
		prog.GlobalFnTable = append(prog.GlobalFnTable, FnEntry{Name: name, Proto: proto})
	}

	for _, label := range extFunOrder {
		sym := interner.Symbol(0)
		if symtab != nil {
			sym = symtab.Intern(label)
		}
		prog.ExtFunTable = append(prog.ExtFunTable, ExtEntry{Name: sym})
	}

	return prog, &g.errs
}

func (g *Generator) compileFunction(fn *mir.Function, globalIdx map[interner.Symbol]int, extFunIdx map[string]int, extFunOrder *[]string) *FuncProto {
	proto := &FuncProto{
		Name:       fn.Label,
		StateSize:  fn.StateSize,
		DelaySizes: append([]uint64(nil), fn.DelaySizes...),
		Nargs:      len(fn.Args),
	}
	ctx := &fnCtx{
		proto:       proto,
		alloc:       newAllocator(len(fn.Args)),
		constIdx:    map[uint64]uint16{},
		blockStart:  make([]int, len(fn.Body)),
		globalIdx:   globalIdx,
		extFunIdx:   extFunIdx,
		extFunOrder: extFunOrder,
	}

	computeLastUse(fn, ctx.alloc.lastUse)

	idx := 0
	for bi, blk := range fn.Body {
		ctx.blockStart[bi] = len(proto.Bytecodes)
		for _, stmt := range blk.Stmts {
			g.compileStmt(ctx, stmt, idx)
			idx++
		}
	}

	for _, pj := range ctx.pending {
		target := ctx.blockStart[pj.targetBlock]
		instr := proto.Bytecodes[pj.instrIdx]
		instr.Off = int32(target - (pj.instrIdx + 1))
		proto.Bytecodes[pj.instrIdx] = instr
	}

	return proto
}

// computeLastUse runs a flat pre-pass over fn's blocks to find, for
// every SSA register, the global statement index of its final use,
// so the allocator can free physical registers as soon as possible.
func computeLastUse(fn *mir.Function, lastUse map[mir.VReg]int) {
	idx := 0
	note := func(v *mir.Value) {
		if v != nil && v.Kind == mir.VRegister {
			lastUse[v.Reg] = idx
		}
	}
	for _, blk := range fn.Body {
		for _, stmt := range blk.Stmts {
			in := stmt.Inst
			note(in.Ptr)
			note(in.Val)
			note(in.A)
			note(in.B)
			note(in.Callee)
			for _, a := range in.Args {
				note(a)
			}
			note(in.Cond)
			note(in.Ret)
			note(in.Time)
			note(in.Input)
			idx++
		}
	}
}

// operandReg resolves a mir.Value to the physical register holding it,
// materializing immediates into a fresh register via MoveConst and
// globals via GetGlobal as needed.
func (g *Generator) operandReg(ctx *fnCtx, v *mir.Value) Reg {
	if v == nil {
		return 0
	}
	switch v.Kind {
	case mir.VRegister:
		if r, ok := ctx.alloc.reg(v.Reg); ok {
			return r
		}
		g.errs.Add(ir0err.New(ir0err.VariableNotFound, interner.Span{}, "register used before definition"))
		return 0
	case mir.VArgument:
		return Reg(v.Index)
	case mir.VFloat:
		r := ctx.alloc.fresh()
		idx, err := ctx.constIndex(math.Float64bits(v.Float))
		if err != nil {
			g.errs.Add(err.(*ir0err.Diagnostic))
			return r
		}
		ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: OpMoveConst, Dst: r, ConstIdx: idx})
		return r
	case mir.VInteger:
		r := ctx.alloc.fresh()
		idx, err := ctx.constIndex(uint64(v.Integer))
		if err != nil {
			g.errs.Add(err.(*ir0err.Diagnostic))
			return r
		}
		ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: OpMoveConst, Dst: r, ConstIdx: idx})
		return r
	case mir.VBool:
		r := ctx.alloc.fresh()
		bits := uint64(0)
		if v.Bool {
			bits = 1
		}
		idx, err := ctx.constIndex(bits)
		if err != nil {
			g.errs.Add(err.(*ir0err.Diagnostic))
			return r
		}
		ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: OpMoveConst, Dst: r, ConstIdx: idx})
		return r
	case mir.VGlobal:
		r := ctx.alloc.fresh()
		gi, ok := ctx.globalIdx[symbolOf(v.Label)]
		if !ok {
			gi = 0
		}
		ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: OpGetGlobal, Dst: r, GlobalIdx: uint16(gi), Size: 1})
		return r
	case mir.VFunction:
		// A direct reference to a top-level function by its proto index
		// (recursive self-calls, or a named sibling function used as a
		// value). Materialize the index itself as the call-window word
		// OpCall reads back via getReg(FuncPos).
		r := ctx.alloc.fresh()
		idx, err := ctx.constIndex(uint64(v.Index))
		if err != nil {
			g.errs.Add(err.(*ir0err.Diagnostic))
			return r
		}
		ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: OpMoveConst, Dst: r, ConstIdx: idx})
		return r
	case mir.VExtFunction:
		// mimium's MIR model has a single extern Value kind (VExtFunction):
		// nothing at this layer distinguishes a pure extern function from
		// an extern closure, so every extern reference is assigned a slot
		// in ext_fun_table and dispatched via OpCallExtFun. ext_cls_table
		// and OpCallExtCls exist in internal/vm for parity with vm.rs's
		// two-table design (see DESIGN.md) but this generator never emits
		// them.
		r := ctx.alloc.fresh()
		idx, ok := ctx.extFunIdx[v.Label]
		if !ok {
			idx = len(*ctx.extFunOrder)
			ctx.extFunIdx[v.Label] = idx
			*ctx.extFunOrder = append(*ctx.extFunOrder, v.Label)
		}
		idxBits, err := ctx.constIndex(uint64(idx))
		if err != nil {
			g.errs.Add(err.(*ir0err.Diagnostic))
			return r
		}
		ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: OpMoveConst, Dst: r, ConstIdx: idxBits})
		return r
	default:
		return ctx.alloc.fresh()
	}
}

// symbolOf maps every label to the zero Symbol: VGlobal carries only a
// display label, not an interner.Symbol, so a VGlobal operand reads the
// global bound to Symbol 0 (slot 0 if none is). Nothing later in the
// pipeline remaps global labels.
func symbolOf(string) interner.Symbol { return 0 }

func (g *Generator) compileStmt(ctx *fnCtx, stmt mir.Stmt, idx int) {
	in := stmt.Inst
	proto := ctx.proto
	emit := func(i Instruction) { proto.Bytecodes = append(proto.Bytecodes, i) }

	switch in.Op {
	case mir.OpFloat:
		dst := ctx.alloc.alloc(stmt.Dst)
		idxC, err := ctx.constIndex(math.Float64bits(in.Val.Float))
		if err != nil {
			g.errs.Add(err.(*ir0err.Diagnostic))
			return
		}
		emit(Instruction{Op: OpMoveConst, Dst: dst, ConstIdx: idxC})

	case mir.OpInteger, mir.OpUinteger:
		dst := ctx.alloc.alloc(stmt.Dst)
		idxC, err := ctx.constIndex(uint64(in.Val.Integer))
		if err != nil {
			g.errs.Add(err.(*ir0err.Diagnostic))
			return
		}
		emit(Instruction{Op: OpMoveConst, Dst: dst, ConstIdx: idxC})

	case mir.OpAlloc:
		ctx.alloc.alloc(stmt.Dst)

	case mir.OpLoad:
		src := g.operandReg(ctx, in.Ptr)
		dst := ctx.alloc.alloc(stmt.Dst)
		emit(Instruction{Op: OpMove, Dst: dst, Src: src})

	case mir.OpStore:
		src := g.operandReg(ctx, in.Val)
		dst := g.operandReg(ctx, in.Ptr)
		emit(Instruction{Op: OpMove, Dst: dst, Src: src})

	case mir.OpMove:
		src := g.operandReg(ctx, in.Val)
		var dst Reg
		if in.Ptr == nil {
			dst = ctx.alloc.alloc(stmt.Dst)
		} else {
			dst = g.operandReg(ctx, in.Ptr)
			ctx.alloc.assign[stmt.Dst] = dst
		}
		emit(Instruction{Op: OpMove, Dst: dst, Src: src})

	case mir.OpCall:
		g.compileCall(ctx, stmt, in)

	case mir.OpClosure:
		dst := ctx.alloc.alloc(stmt.Dst)
		emit(Instruction{Op: OpClosure, Dst: dst, FnIndex: in.Closure.Index})
		ctx.openClosures = append(ctx.openClosures, dst)

	case mir.OpGetUpValue:
		dst := ctx.alloc.alloc(stmt.Dst)
		emit(Instruction{Op: OpGetUpValue, Dst: dst, UpIdx: uint16(in.UpIndex), Size: uint8(in.UpSize)})

	case mir.OpSetUpValue:
		src := g.operandReg(ctx, in.Val)
		emit(Instruction{Op: OpSetUpValue, Src: src, UpIdx: uint16(in.UpIndex), Size: uint8(in.UpSize)})

	case mir.OpPushStateOffset:
		emit(Instruction{Op: OpShiftStatePos, Delta: int64(in.StateOff)})

	case mir.OpPopStateOffset:
		emit(Instruction{Op: OpShiftStatePos, Delta: -int64(in.StateOff)})

	case mir.OpGetState:
		dst := ctx.alloc.alloc(stmt.Dst)
		emit(Instruction{Op: OpGetState, Dst: dst, Size: 1})

	case mir.OpJmpIf:
		cond := g.operandReg(ctx, in.Cond)
		instrIdx := len(proto.Bytecodes)
		emit(Instruction{Op: OpJmpIfNeg, A: cond})
		ctx.pending = append(ctx.pending, pendingJump{instrIdx: instrIdx, targetBlock: in.ElseBlock})

	case mir.OpJmp:
		instrIdx := len(proto.Bytecodes)
		emit(Instruction{Op: OpJmp})
		ctx.pending = append(ctx.pending, pendingJump{instrIdx: instrIdx, targetBlock: in.TargetBlock})

	case mir.OpReturn:
		for _, r := range ctx.openClosures {
			emit(Instruction{Op: OpClose, Src: r})
		}
		ret := g.operandReg(ctx, in.Ret)
		emit(Instruction{Op: OpReturn, IRet: ret, Nret: 1})

	case mir.OpReturnFeed:
		src := g.operandReg(ctx, in.Ret)
		emit(Instruction{Op: OpSetState, Src: src, Size: 1})

	case mir.OpNow:
		dst := ctx.alloc.alloc(stmt.Dst)
		emit(Instruction{Op: OpNow, Dst: dst})

	case mir.OpDelay:
		dst := ctx.alloc.alloc(stmt.Dst)
		input := g.operandReg(ctx, in.Input)
		time := g.operandReg(ctx, in.Time)
		emit(Instruction{Op: OpDelay, Dst: dst, A: input, B: time, DelaySite: in.DelaySite})

	case mir.OpMem:
		dst := ctx.alloc.alloc(stmt.Dst)
		src := g.operandReg(ctx, in.Input)
		emit(Instruction{Op: OpMem, Dst: dst, Src: src})

	default:
		if op, ok := arithOpMap[in.Op]; ok {
			g.compileArith(ctx, stmt, in, op)
		} else {
			g.errs.Add(ir0err.Newf(ir0err.NotApplicable, interner.Span{}, "unhandled mir op %d", in.Op))
		}
	}

	release := func(v *mir.Value) {
		if v != nil && v.Kind == mir.VRegister {
			ctx.alloc.release(v.Reg, idx)
		}
	}
	release(in.Ptr)
	release(in.Val)
	release(in.A)
	release(in.B)
	release(in.Callee)
	for _, a := range in.Args {
		release(a)
	}
	release(in.Cond)
	release(in.Ret)
	release(in.Time)
	release(in.Input)
}

// arithOpMap maps every mir arithmetic/comparison/logical/cast Op onto
// its bytecode equivalent 1:1 (spec.md §3's instruction sets mirror
// each other exactly for this group).
var arithOpMap = map[mir.Op]Op{
	mir.OpAddF: OpAddF, mir.OpSubF: OpSubF, mir.OpMulF: OpMulF, mir.OpDivF: OpDivF, mir.OpModF: OpModF,
	mir.OpNegF: OpNegF, mir.OpAbsF: OpAbsF, mir.OpSqrtF: OpSqrtF, mir.OpSinF: OpSinF, mir.OpCosF: OpCosF,
	mir.OpPowF: OpPowF, mir.OpLogF: OpLogF,
	mir.OpAddI: OpAddI, mir.OpSubI: OpSubI, mir.OpMulI: OpMulI, mir.OpDivI: OpDivI, mir.OpModI: OpModI,
	mir.OpNegI: OpNegI, mir.OpAbsI: OpAbsI, mir.OpSqrtI: OpSqrtI, mir.OpSinI: OpSinI, mir.OpCosI: OpCosI,
	mir.OpPowI: OpPowI, mir.OpLogI: OpLogI,
	mir.OpNot: OpNot, mir.OpEq: OpEq, mir.OpNe: OpNe, mir.OpGt: OpGt, mir.OpGe: OpGe,
	mir.OpLt: OpLt, mir.OpLe: OpLe, mir.OpAnd: OpAnd, mir.OpOr: OpOr,
	mir.OpCastFtoI: OpCastFtoI, mir.OpCastItoF: OpCastItoF, mir.OpCastItoB: OpCastItoB,
}

// unaryOps take a single operand (A only); everything else in
// arithOpMap is binary (A, B).
var unaryOps = map[Op]bool{
	OpNegF: true, OpAbsF: true, OpSqrtF: true, OpSinF: true, OpCosF: true,
	OpNegI: true, OpAbsI: true, OpSqrtI: true, OpSinI: true, OpCosI: true,
	OpNot: true, OpCastFtoI: true, OpCastItoF: true, OpCastItoB: true,
}

func (g *Generator) compileArith(ctx *fnCtx, stmt mir.Stmt, in mir.Instruction, op Op) {
	dst := ctx.alloc.alloc(stmt.Dst)
	a := g.operandReg(ctx, in.A)
	if unaryOps[op] {
		ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: op, Dst: dst, A: a})
		return
	}
	b := g.operandReg(ctx, in.B)
	ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: op, Dst: dst, A: a, B: b})
}

// compileCall lowers a mir.OpCall into the contiguous call-window form
// spec.md §4.2 describes: callee and arguments are moved into fresh,
// adjacent registers starting at func_pos before the Call/CallCls
// instruction, and the return value lands back at func_pos.
func (g *Generator) compileCall(ctx *fnCtx, stmt mir.Stmt, in mir.Instruction) {
	calleeReg := g.operandReg(ctx, in.Callee)
	argRegs := make([]Reg, len(in.Args))
	for i, a := range in.Args {
		argRegs[i] = g.operandReg(ctx, a)
	}

	// The window is taken from the top of the register file, never from
	// the free list, so its slots are adjacent.
	funcPos := ctx.alloc.next
	ctx.alloc.next += Reg(1 + len(argRegs))
	ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: OpMove, Dst: funcPos, Src: calleeReg})
	for i, r := range argRegs {
		ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: OpMove, Dst: funcPos + 1 + Reg(i), Src: r})
	}

	op := OpCallCls
	switch in.Callee.Kind {
	case mir.VFunction:
		op = OpCall
	case mir.VExtFunction:
		op = OpCallExtFun
	}
	ctx.proto.Bytecodes = append(ctx.proto.Bytecodes, Instruction{Op: op, FuncPos: funcPos, Nargs: len(in.Args), Nret: 1})

	ctx.alloc.assign[stmt.Dst] = funcPos
}
