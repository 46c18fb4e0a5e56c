package mir

import (
	"go.uber.org/zap"

	"github.com/mimium-go/mimium/internal/ast"
	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/ir0err"
	"github.com/mimium-go/mimium/internal/types"
)

// local is one entry of a function-local scope: a source name bound to
// the register currently holding its value.
type local struct {
	name interner.Symbol
	reg  VReg
	ty   *types.Type
}

// funcGen tracks generation state for one MIR function being built,
// chained to its lexically enclosing function for upvalue resolution
// (spec.md §4.1's "free variables resolved first against the current
// function's locals, then as upvalues").
type funcGen struct {
	index  int
	fn     *Function
	parent *funcGen

	locals     []local
	scopeMarks []int

	nextReg      VReg
	upvalueIdx   map[interner.Symbol]int // dedup: name -> already-promoted UpIndexes slot
	upvalueTypes []*types.Type           // parallel to fn.UpIndexes; descriptors carry size only, not Type

	// selfUsed/selfSlotOff/selfType track whether `self` occurred
	// anywhere in this function's body: the function's own state slot
	// for it is allocated once, on first use, and its value is written
	// back when the function's body value is produced (see evalLambda).
	selfUsed    bool
	selfSlotOff uint64
	selfType    *types.Type
}

func newFuncGen(index int, fn *Function, parent *funcGen) *funcGen {
	return &funcGen{index: index, fn: fn, parent: parent, upvalueIdx: map[interner.Symbol]int{}}
}

func (g *funcGen) pushScope() { g.scopeMarks = append(g.scopeMarks, len(g.locals)) }

func (g *funcGen) popScope() {
	mark := g.scopeMarks[len(g.scopeMarks)-1]
	g.scopeMarks = g.scopeMarks[:len(g.scopeMarks)-1]
	g.locals = g.locals[:mark]
}

func (g *funcGen) bind(name interner.Symbol, reg VReg, ty *types.Type) {
	g.locals = append(g.locals, local{name: name, reg: reg, ty: ty})
}

func (g *funcGen) findLocal(name interner.Symbol) (local, bool) {
	for i := len(g.locals) - 1; i >= 0; i-- {
		if g.locals[i].name == name {
			return g.locals[i], true
		}
	}
	return local{}, false
}

func (g *funcGen) newReg() VReg {
	r := g.nextReg
	g.nextReg++
	return r
}

// Generator lowers a desugared, type-annotated ast.Node tree to MIR
// (spec.md §4.1). It performs closure conversion, upvalue promotion,
// and state-slot assignment in a single environment-passing traversal.
type Generator struct {
	mir  *Mir
	cur  *funcGen
	errs ir0err.List
	log  *zap.SugaredLogger
}

// NewGenerator constructs a Generator. log may be nil, in which case a
// no-op logger is used.
func NewGenerator(log *zap.SugaredLogger) *Generator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Generator{mir: &Mir{}, log: log}
}

// Generate lowers root (the body of `_mimium_global`, which must
// eventually assign a closure to `dsp`) into a complete Mir. The
// caller is expected to have already bound `dsp` inside root via a
// LetRec or Let, per spec.md §4.1.
func (g *Generator) Generate(root *ast.Node) (*Mir, *ir0err.List) {
	global := NewFunction("_mimium_global", nil)
	g.mir.Functions = append(g.mir.Functions, global)
	g.cur = newFuncGen(0, global, nil)
	g.cur.pushScope()

	g.evalExpr(root)

	g.cur.popScope()
	return g.mir, &g.errs
}

func (g *Generator) emit(fg *funcGen, inst Instruction) VReg {
	reg := fg.newReg()
	blk := fg.fn.CurrentBlock()
	blk.Stmts = append(blk.Stmts, Stmt{Dst: reg, Inst: inst})
	return reg
}

func (g *Generator) regVal(r VReg, ty *types.Type) *Value { return Register(r, ty) }

// resolveUpvalue walks fg's ancestor chain looking for name among
// their locals, promoting an UpIndex at every level crossed (spec.md
// §4.1: "On first upvalue use, promote by appending a fresh UpIndex to
// the current function"). Returns the upvalue index in fg and the
// bound type, or ok=false if name is not bound anywhere above fg.
func (g *Generator) resolveUpvalue(fg *funcGen, name interner.Symbol) (int, *types.Type, bool) {
	if idx, ok := fg.upvalueIdx[name]; ok {
		return idx, fg.upvalueTypes[idx], true
	}
	if fg.parent == nil {
		return 0, nil, false
	}
	if l, ok := fg.parent.findLocal(name); ok {
		idx := len(fg.fn.UpIndexes)
		fg.fn.UpIndexes = append(fg.fn.UpIndexes, UpIndex{Kind: ULocal, Idx: int(l.reg)})
		fg.upvalueTypes = append(fg.upvalueTypes, l.ty)
		fg.upvalueIdx[name] = idx
		return idx, l.ty, true
	}
	if pidx, ty, ok := g.resolveUpvalue(fg.parent, name); ok {
		idx := len(fg.fn.UpIndexes)
		fg.fn.UpIndexes = append(fg.fn.UpIndexes, UpIndex{Kind: UUpvalue, Idx: pidx})
		fg.upvalueTypes = append(fg.upvalueTypes, ty)
		fg.upvalueIdx[name] = idx
		return idx, ty, true
	}
	return 0, nil, false
}

// resolveVar implements spec.md §4.1's variable-resolution order:
// current function's locals first, then upvalues.
func (g *Generator) resolveVar(name interner.Symbol, span interner.Span) *Value {
	if l, ok := g.cur.findLocal(name); ok {
		return g.regVal(l.reg, l.ty)
	}
	if idx, ty, ok := g.resolveUpvalue(g.cur, name); ok {
		reg := g.emit(g.cur, Instruction{Op: OpGetUpValue, UpIndex: uint64(idx), UpSize: uint64(wordSizeOf(ty))})
		return g.regVal(reg, ty)
	}
	g.errs.Add(ir0err.Newf(ir0err.VariableNotFound, span, "variable not found"))
	return None
}

func wordSizeOf(t *types.Type) int {
	if t == nil {
		return 1
	}
	return t.WordSize()
}

// stateSlot assigns a contiguous slice of the current function's state
// buffer to a stateful site (Mem, Delay, Feed, or a call into a
// function whose state_size > 0), per spec.md §4.1's state-slot layout
// rule, and returns the offset the slice begins at.
func (g *Generator) stateSlot(fg *funcGen, size uint64) uint64 {
	off := fg.fn.StateSize
	fg.fn.StateSize += size
	return off
}

func (g *Generator) evalExpr(n *ast.Node) *Value {
	switch n.Kind {
	case ast.KindLiteralFloat:
		reg := g.emit(g.cur, Instruction{Op: OpFloat, Val: FloatVal(n.Float)})
		return g.regVal(reg, types.TFloat)
	case ast.KindLiteralInt:
		reg := g.emit(g.cur, Instruction{Op: OpInteger, Val: IntVal(n.Int)})
		return g.regVal(reg, types.TInt)
	case ast.KindLiteralBool:
		return BoolVal(n.Bool)
	case ast.KindNow:
		reg := g.emit(g.cur, Instruction{Op: OpNow})
		return g.regVal(reg, types.TFloat)
	case ast.KindVar:
		return g.resolveVar(n.Name, n.Span)
	case ast.KindSelf:
		return g.evalSelf(n)
	case ast.KindFeed:
		return g.evalFeed(n)
	case ast.KindBlock:
		return g.evalBlock(n)
	case ast.KindLet:
		return g.evalLet(n)
	case ast.KindLetRec:
		return g.evalLetRec(n)
	case ast.KindLambda:
		return g.evalLambda(n)
	case ast.KindApply:
		return g.evalApply(n)
	case ast.KindIf:
		return g.evalIf(n)
	case ast.KindTuple:
		return g.evalTuple(n)
	case ast.KindProj:
		return g.evalProj(n)
	case ast.KindMem:
		return g.evalMem(n)
	case ast.KindDelay:
		return g.evalDelay(n)
	case ast.KindBinOp:
		return g.evalBinOp(n)
	case ast.KindUnOp:
		return g.evalUnOp(n)
	default:
		g.errs.Add(ir0err.Newf(ir0err.NotApplicable, n.Span, "unhandled expression kind %d", n.Kind))
		return None
	}
}

func (g *Generator) evalBlock(n *ast.Node) *Value {
	g.cur.pushScope()
	defer g.cur.popScope()
	var last *Value = None
	for _, s := range n.Stmts {
		last = g.evalExpr(s)
	}
	return last
}

func (g *Generator) evalLet(n *ast.Node) *Value {
	v := g.evalExpr(n.Value)
	if v.Kind == VRegister {
		g.cur.bind(n.Name, v.Reg, v.Type)
	} else {
		// Constant/immediate RHS: materialize into a register so the
		// binding is addressable like any other local.
		reg := g.materialize(v)
		g.cur.bind(n.Name, reg, v.Type)
	}
	return g.evalExpr(n.Body)
}

// materialize forces a Value that isn't already a Register (a literal,
// a function reference, ...) into one, so it can be bound as a local
// or passed through GetUpValue/SetUpValue machinery uniformly.
func (g *Generator) materialize(v *Value) VReg {
	switch v.Kind {
	case VFloat:
		return g.emit(g.cur, Instruction{Op: OpFloat, Val: v})
	case VInteger:
		return g.emit(g.cur, Instruction{Op: OpInteger, Val: v})
	default:
		return g.emit(g.cur, Instruction{Op: OpLoad, Ptr: v})
	}
}

func (g *Generator) evalLetRec(n *ast.Node) *Value {
	// Bind the name before compiling its body so direct self-reference
	// resolves (spec.md §4.1: "LetRec binds the name before compiling
	// its body"). The binding register is a placeholder the lambda's
	// Closure instruction will overwrite once built.
	placeholder := g.cur.newReg()
	g.cur.bind(n.Name, placeholder, n.Value.Type)
	v := g.evalExpr(n.Value)
	if v.Kind == VRegister {
		// Re-point the binding at wherever the lambda actually landed.
		for i := range g.cur.locals {
			if g.cur.locals[i].name == n.Name {
				g.cur.locals[i].reg = v.Reg
			}
		}
	}
	return g.evalExpr(n.Body)
}

func (g *Generator) evalLambda(n *ast.Node) *Value {
	fn := NewFunction("", nil)
	idx := len(g.mir.Functions)
	g.mir.Functions = append(g.mir.Functions, fn)
	fg := newFuncGen(idx, fn, g.cur)

	args := make([]*Value, len(n.Params))
	for i, p := range n.Params {
		pty := types.TFloat
		if i < len(n.ParamTypes) {
			pty = n.ParamTypes[i]
		}
		args[i] = Argument(i, pty)
		fg.bind(p, VReg(i), pty)
	}
	fn.Args = args
	// Reserve VReg(0..len(n.Params)) for the parameters themselves so
	// the body's own newReg() calls never reallocate one of them —
	// internal/bytecode's allocator pre-seeds exactly this range to
	// the matching physical argument registers (newAllocator(nargs)).
	fg.nextReg = VReg(len(n.Params))

	g.cur = fg
	g.cur.pushScope()
	ret := g.evalExpr(n.Body)
	g.cur.popScope()
	if fg.selfUsed {
		// Write the function's own result back into its self-slot
		// before returning, so the next sample's `self` reads it
		// (spec.md §4.1: self is shorthand for a single-argument feed
		// on the enclosing function).
		g.emit(fg, Instruction{Op: OpPushStateOffset, StateOff: fg.selfSlotOff})
		g.emit(fg, Instruction{Op: OpReturnFeed, Ret: ret})
		g.emit(fg, Instruction{Op: OpPopStateOffset, StateOff: fg.selfSlotOff})
	}
	g.emit(g.cur, Instruction{Op: OpReturn, Ret: ret})
	g.cur = fg.parent

	ref := &FunctionRef{Label: fn.Label, Index: idx}
	reg := g.emit(g.cur, Instruction{Op: OpClosure, Closure: ref})
	return g.regVal(reg, types.NewFunction(nil, nil, int(fn.StateSize)))
}

func (g *Generator) evalApply(n *ast.Node) *Value {
	callee := g.evalExpr(n.Callee)
	args := make([]*Value, len(n.Args))
	for i, a := range n.Args {
		args[i] = g.evalExpr(a)
	}

	calleeStateSize := calleeStateSize(n.Callee.Type)
	var stateOff uint64
	hasState := calleeStateSize > 0
	if hasState {
		stateOff = g.stateSlot(g.cur, uint64(calleeStateSize))
		g.emit(g.cur, Instruction{Op: OpPushStateOffset, StateOff: stateOff})
	}
	reg := g.emit(g.cur, Instruction{Op: OpCall, Callee: callee, Args: args})
	if hasState {
		g.emit(g.cur, Instruction{Op: OpPopStateOffset, StateOff: stateOff})
	}
	return g.regVal(reg, n.Type)
}

func calleeStateSize(t *types.Type) int {
	if t != nil && t.Kind == types.Function {
		return t.StateSize
	}
	return 0
}

// evalIf compiles the condition, then each branch into its own block;
// each branch ends by moving its value into one shared result register
// (the phi), and both paths then continue in a join block (spec.md
// §4.1). The condition is truthy when
// strictly greater than zero, matching the VM's JmpIfNeg semantics.
//
// Branch/join block indices cannot be pre-computed: if n.Then or
// n.Else itself contains a nested If, evaluating it pushes that If's
// own then/else/join blocks into fn.Body first, shifting everything
// that follows. So ElseBlock and the then-branch's jump-to-join target
// are only resolved once both branches have been fully compiled.
func (g *Generator) evalIf(n *ast.Node) *Value {
	cond := g.evalExpr(n.Cond)
	thenBlk := g.cur.fn.PushBlock("then")
	thenIdx := len(g.cur.fn.Body) - 1
	g.emit(g.cur, Instruction{
		Op: OpJmpIf, Cond: cond,
		ThenName: thenBlk.Name, ElseName: "else",
		ThenBlock: thenIdx,
	})
	jmpIfIdx := len(thenBlk.Stmts) - 1

	thenVal := g.evalExpr(n.Then)
	// thenTail is where the then-branch's control flow actually ends up
	// once n.Then is fully compiled — thenBlk itself only if n.Then had
	// no nested control flow of its own.
	thenTail := g.cur.fn.CurrentBlock()
	reg := g.emit(g.cur, Instruction{Op: OpMove, Val: thenVal})
	tailJmpIdx := len(thenTail.Stmts)
	g.emit(g.cur, Instruction{Op: OpJmp})

	g.cur.fn.PushBlock("else")
	elseIdx := len(g.cur.fn.Body) - 1
	elseVal := g.evalExpr(n.Else)
	g.emit(g.cur, Instruction{Op: OpMove, Val: elseVal, Ptr: g.regVal(reg, n.Type)})

	g.cur.fn.PushBlock("join")
	joinIdx := len(g.cur.fn.Body) - 1

	thenBlk.Stmts[jmpIfIdx].Inst.ElseBlock = elseIdx
	thenTail.Stmts[tailJmpIdx].Inst.TargetBlock = joinIdx

	return g.regVal(reg, n.Type)
}

func (g *Generator) evalTuple(n *ast.Node) *Value {
	elems := make([]*Value, len(n.Elems))
	for i, e := range n.Elems {
		elems[i] = g.evalExpr(e)
	}
	// A tuple's runtime representation is its flattened scalar slots,
	// contiguous in registers; the last element's register anchors the
	// window (the bytecode generator lays out the actual MoveRange).
	if len(elems) == 0 {
		return None
	}
	return elems[len(elems)-1]
}

func (g *Generator) evalProj(n *ast.Node) *Value {
	tup := g.evalExpr(n.Tuple)
	if n.Tuple.Type == nil || n.Tuple.Type.Kind != types.Tuple {
		g.errs.Add(ir0err.Newf(ir0err.IndexForNonTuple, n.Span, "projection on non-tuple type"))
		return None
	}
	if n.Index < 0 || n.Index >= len(n.Tuple.Type.Elems) {
		g.errs.Add(ir0err.Newf(ir0err.IndexOutOfRange, n.Span, "tuple index %d out of range", n.Index))
		return None
	}
	reg := g.emit(g.cur, Instruction{Op: OpLoad, Ptr: tup})
	return g.regVal(reg, n.Tuple.Type.Elems[n.Index])
}

// evalSelf lowers `self` as shorthand for a single-argument feed on the
// enclosing function (spec.md §4.1): the slot is allocated once, on
// first textual use, and shared by every later `self` in the same
// function; the write-back happens in evalLambda once the function's
// result is known.
func (g *Generator) evalSelf(n *ast.Node) *Value {
	if n.Type != nil && !n.Type.IsPrimitive() {
		g.errs.Add(ir0err.New(ir0err.NonPrimitiveInFeed, n.Span, "self on non-primitive type"))
		return None
	}
	fg := g.cur
	if !fg.selfUsed {
		fg.selfUsed = true
		fg.selfType = n.Type
		fg.selfSlotOff = g.stateSlot(fg, uint64(wordSizeOf(n.Type)))
	}
	g.emit(fg, Instruction{Op: OpPushStateOffset, StateOff: fg.selfSlotOff})
	reg := g.emit(fg, Instruction{Op: OpGetState})
	g.emit(fg, Instruction{Op: OpPopStateOffset, StateOff: fg.selfSlotOff})
	return g.regVal(reg, n.Type)
}

// evalFeed lowers Feed(var, body): var is bound to the value returned
// at the previous sample; body's final value is written back to the
// same slot immediately (Feed has a clear lexical body boundary, unlike
// `self` which defers the write-back to the enclosing function's
// Return — see evalLambda).
func (g *Generator) evalFeed(n *ast.Node) *Value {
	if n.Type != nil && !n.Type.IsPrimitive() {
		g.errs.Add(ir0err.New(ir0err.NonPrimitiveInFeed, n.Span, "feed on non-primitive type"))
		return None
	}
	size := uint64(wordSizeOf(n.Type))
	off := g.stateSlot(g.cur, size)

	g.emit(g.cur, Instruction{Op: OpPushStateOffset, StateOff: off})
	prevReg := g.emit(g.cur, Instruction{Op: OpGetState})
	g.cur.pushScope()
	g.cur.bind(n.Name, prevReg, n.Type)
	result := g.evalExpr(n.Body)
	g.cur.popScope()
	g.emit(g.cur, Instruction{Op: OpReturnFeed, Ret: result})
	g.emit(g.cur, Instruction{Op: OpPopStateOffset, StateOff: off})
	return result
}

// binOpFloat/binOpInt select the MIR instruction for a BinOp once the
// operand type is known (spec.md §3: arithmetic is duplicated per
// Float/Int, comparisons and logical ops are not).
var binOpFloat = map[ast.BinOp]Op{
	ast.BinAdd: OpAddF, ast.BinSub: OpSubF, ast.BinMul: OpMulF,
	ast.BinDiv: OpDivF, ast.BinMod: OpModF, ast.BinPow: OpPowF, ast.BinLog: OpLogF,
}
var binOpInt = map[ast.BinOp]Op{
	ast.BinAdd: OpAddI, ast.BinSub: OpSubI, ast.BinMul: OpMulI,
	ast.BinDiv: OpDivI, ast.BinMod: OpModI, ast.BinPow: OpPowI, ast.BinLog: OpLogI,
}
var binOpShared = map[ast.BinOp]Op{
	ast.BinEq: OpEq, ast.BinNe: OpNe, ast.BinGt: OpGt, ast.BinGe: OpGe,
	ast.BinLt: OpLt, ast.BinLe: OpLe, ast.BinAnd: OpAnd, ast.BinOr: OpOr,
}

func (g *Generator) evalBinOp(n *ast.Node) *Value {
	left := g.evalExpr(n.Left)
	right := g.evalExpr(n.Right)

	if op, ok := binOpShared[n.BOp]; ok {
		reg := g.emit(g.cur, Instruction{Op: op, A: left, B: right})
		return g.regVal(reg, types.TBool)
	}

	isFloat := n.Left.Type == nil || n.Left.Type.Kind != types.Int
	table := binOpFloat
	resultTy := types.TFloat
	if !isFloat {
		table = binOpInt
		resultTy = types.TInt
	}
	op, ok := table[n.BOp]
	if !ok {
		g.errs.Add(ir0err.Newf(ir0err.NotApplicable, n.Span, "unsupported binary operator %d", n.BOp))
		return None
	}
	reg := g.emit(g.cur, Instruction{Op: op, A: left, B: right})
	return g.regVal(reg, resultTy)
}

var unOpFloat = map[ast.UnOp]Op{ast.UnNeg: OpNegF, ast.UnAbs: OpAbsF, ast.UnSqrt: OpSqrtF, ast.UnSin: OpSinF, ast.UnCos: OpCosF}
var unOpInt = map[ast.UnOp]Op{ast.UnNeg: OpNegI, ast.UnAbs: OpAbsI, ast.UnSqrt: OpSqrtI, ast.UnSin: OpSinI, ast.UnCos: OpCosI}

func (g *Generator) evalUnOp(n *ast.Node) *Value {
	operand := g.evalExpr(n.Value)

	switch n.UOp {
	case ast.UnNot:
		reg := g.emit(g.cur, Instruction{Op: OpNot, A: operand})
		return g.regVal(reg, types.TBool)
	case ast.UnCastFtoI:
		reg := g.emit(g.cur, Instruction{Op: OpCastFtoI, A: operand})
		return g.regVal(reg, types.TInt)
	case ast.UnCastItoF:
		reg := g.emit(g.cur, Instruction{Op: OpCastItoF, A: operand})
		return g.regVal(reg, types.TFloat)
	case ast.UnCastItoB:
		reg := g.emit(g.cur, Instruction{Op: OpCastItoB, A: operand})
		return g.regVal(reg, types.TBool)
	}

	isFloat := n.Value.Type == nil || n.Value.Type.Kind != types.Int
	table := unOpFloat
	resultTy := types.TFloat
	if !isFloat {
		table = unOpInt
		resultTy = types.TInt
	}
	op, ok := table[n.UOp]
	if !ok {
		g.errs.Add(ir0err.Newf(ir0err.NotApplicable, n.Span, "unsupported unary operator %d", n.UOp))
		return None
	}
	reg := g.emit(g.cur, Instruction{Op: op, A: operand})
	return g.regVal(reg, resultTy)
}

// evalMem lowers the atomic unit-delay primitive: on each invocation
// it emits the previously stored value, then overwrites the cell with
// the current input (spec.md §4.5).
func (g *Generator) evalMem(n *ast.Node) *Value {
	input := g.evalExpr(n.Value)
	size := uint64(wordSizeOf(n.Value.Type))
	off := g.stateSlot(g.cur, size)
	g.emit(g.cur, Instruction{Op: OpPushStateOffset, StateOff: off})
	reg := g.emit(g.cur, Instruction{Op: OpMem, Input: input})
	g.emit(g.cur, Instruction{Op: OpPopStateOffset, StateOff: off})
	return g.regVal(reg, n.Value.Type)
}

// evalDelay lowers Delay(input, time): allocates a ring-buffer slot in
// the enclosing function's delay_sizes table sized to the maximum
// literal time bound, plus the one-word write index spec.md §4.5
// describes (internal/vm's ring buffer owns both).
func (g *Generator) evalDelay(n *ast.Node) *Value {
	input := g.evalExpr(n.Value)
	time := g.evalExpr(n.Cond)

	site := len(g.cur.fn.DelaySizes)
	g.cur.fn.DelaySizes = append(g.cur.fn.DelaySizes, uint64(n.MaxSize))
	capacity := uint64(n.MaxSize) + 1 // + one-word write index

	off := g.stateSlot(g.cur, capacity)
	g.emit(g.cur, Instruction{Op: OpPushStateOffset, StateOff: off})
	reg := g.emit(g.cur, Instruction{Op: OpDelay, DelaySite: site, Input: input, Time: time})
	g.emit(g.cur, Instruction{Op: OpPopStateOffset, StateOff: off})
	return g.regVal(reg, types.TFloat)
}
