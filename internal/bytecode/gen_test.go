package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/mir"
)

func reg(v mir.VReg) *mir.Value { return mir.Register(v, nil) }

// TestGenerateDedupsConstantsByRawBits confirms two occurrences of the
// same float literal share one constant-pool slot.
func TestGenerateDedupsConstantsByRawBits(t *testing.T) {
	fn := mir.NewFunction("main", nil)
	blk := fn.CurrentBlock()
	blk.Stmts = append(blk.Stmts,
		mir.Stmt{Dst: 0, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(1.5)}},
		mir.Stmt{Dst: 1, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(1.5)}},
		mir.Stmt{Dst: 2, Inst: mir.Instruction{Op: mir.OpAddF, A: reg(0), B: reg(1)}},
		mir.Stmt{Dst: 3, Inst: mir.Instruction{Op: mir.OpReturn, Ret: reg(2)}},
	)
	m := &mir.Mir{Functions: []*mir.Function{fn}}

	g := NewGenerator(nil)
	prog, errs := g.Generate(m, interner.NewTable())
	require.Empty(t, errs.Items())

	proto := prog.GlobalFnTable[0].Proto
	assert.Len(t, proto.Constants, 1, "identical float literal must reuse one constant slot")
}

// TestGenerateBuildsExtFunTableAndDedupsBySymbol confirms two call
// sites referencing the same extern symbol share one ext_fun_table
// slot, and a different symbol gets its own.
func TestGenerateBuildsExtFunTableAndDedupsBySymbol(t *testing.T) {
	fn := mir.NewFunction("main", nil)
	blk := fn.CurrentBlock()
	blk.Stmts = append(blk.Stmts,
		mir.Stmt{Dst: 0, Inst: mir.Instruction{Op: mir.OpCall, Callee: mir.ExtFunctionVal("sin"), Args: nil}},
		mir.Stmt{Dst: 1, Inst: mir.Instruction{Op: mir.OpCall, Callee: mir.ExtFunctionVal("sin"), Args: nil}},
		mir.Stmt{Dst: 2, Inst: mir.Instruction{Op: mir.OpCall, Callee: mir.ExtFunctionVal("cos"), Args: nil}},
		mir.Stmt{Dst: 3, Inst: mir.Instruction{Op: mir.OpReturn, Ret: reg(2)}},
	)
	m := &mir.Mir{Functions: []*mir.Function{fn}}

	g := NewGenerator(nil)
	symtab := interner.NewTable()
	prog, errs := g.Generate(m, symtab)
	require.Empty(t, errs.Items())

	require.Len(t, prog.ExtFunTable, 2, "two distinct extern symbols must produce two ext_fun_table entries")
	assert.Equal(t, symtab.Intern("sin"), prog.ExtFunTable[0].Name)
	assert.Equal(t, symtab.Intern("cos"), prog.ExtFunTable[1].Name)

	proto := prog.GlobalFnTable[0].Proto
	var callExtFun int
	for _, ins := range proto.Bytecodes {
		if ins.Op == OpCallExtFun {
			callExtFun++
		}
	}
	assert.Equal(t, 3, callExtFun, "every OpCall on a VExtFunction callee lowers to OpCallExtFun")
}

// TestGenerateResolvesVFunctionCall confirms a direct call to a named
// top-level function (VFunction) lowers to OpCall, not OpCallCls.
func TestGenerateResolvesVFunctionCall(t *testing.T) {
	callee := mir.NewFunction("callee", nil)
	callee.CurrentBlock().Stmts = append(callee.CurrentBlock().Stmts,
		mir.Stmt{Dst: 0, Inst: mir.Instruction{Op: mir.OpReturn, Ret: mir.FloatVal(0)}},
	)

	main := mir.NewFunction("main", nil)
	main.CurrentBlock().Stmts = append(main.CurrentBlock().Stmts,
		mir.Stmt{Dst: 0, Inst: mir.Instruction{Op: mir.OpCall, Callee: mir.FunctionVal(0, 0)}},
		mir.Stmt{Dst: 1, Inst: mir.Instruction{Op: mir.OpReturn, Ret: reg(0)}},
	)
	m := &mir.Mir{Functions: []*mir.Function{callee, main}}

	g := NewGenerator(nil)
	prog, errs := g.Generate(m, interner.NewTable())
	require.Empty(t, errs.Items())

	proto := prog.GlobalFnTable[1].Proto
	var sawCall bool
	for _, ins := range proto.Bytecodes {
		if ins.Op == OpCall {
			sawCall = true
		}
		assert.NotEqual(t, OpCallCls, ins.Op, "a VFunction callee must never lower to OpCallCls")
	}
	assert.True(t, sawCall)
}

// TestGenerateResolvesBranchOffsets confirms an If lowers to a
// JmpIfNeg into the else block plus an explicit trailing Jmp past it
// (both instructions carried directly in the MIR, not synthesized by
// the bytecode generator from block naming), with correct relative
// offsets once every block's start position is known.
func TestGenerateResolvesBranchOffsets(t *testing.T) {
	fn := mir.NewFunction("main", nil)
	entry := fn.CurrentBlock()
	entry.Stmts = append(entry.Stmts,
		mir.Stmt{Dst: 0, Inst: mir.Instruction{Op: mir.OpJmpIf, Cond: mir.BoolVal(true), ElseBlock: 2}},
	)
	then := fn.PushBlock("then")
	then.Stmts = append(then.Stmts,
		mir.Stmt{Dst: 1, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(1)}},
		mir.Stmt{Dst: 4, Inst: mir.Instruction{Op: mir.OpJmp, TargetBlock: 3}},
	)
	els := fn.PushBlock("else")
	els.Stmts = append(els.Stmts,
		mir.Stmt{Dst: 2, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(2)}},
	)
	join := fn.PushBlock("join")
	join.Stmts = append(join.Stmts,
		mir.Stmt{Dst: 3, Inst: mir.Instruction{Op: mir.OpReturn, Ret: mir.FloatVal(0)}},
	)
	m := &mir.Mir{Functions: []*mir.Function{fn}}

	g := NewGenerator(nil)
	prog, errs := g.Generate(m, interner.NewTable())
	require.Empty(t, errs.Items())

	proto := prog.GlobalFnTable[0].Proto
	require.NotEmpty(t, proto.Bytecodes)
	require.Equal(t, OpJmpIfNeg, proto.Bytecodes[1].Op)

	var jmpIfNegIdx, jmpIdx = -1, -1
	for i, ins := range proto.Bytecodes {
		switch ins.Op {
		case OpJmpIfNeg:
			jmpIfNegIdx = i
		case OpJmp:
			jmpIdx = i
		}
	}
	require.GreaterOrEqual(t, jmpIfNegIdx, 0)
	require.GreaterOrEqual(t, jmpIdx, 0, "the then-block must emit a trailing Jmp past the else block")

	jmpIfNeg := proto.Bytecodes[jmpIfNegIdx]
	elseTarget := jmpIfNegIdx + 1 + int(jmpIfNeg.Off)
	assert.Equal(t, OpMoveConst, proto.Bytecodes[elseTarget].Op, "JmpIfNeg's offset must land on the else block's first instruction")

	jmp := proto.Bytecodes[jmpIdx]
	joinTarget := jmpIdx + 1 + int(jmp.Off)
	assert.Equal(t, OpMoveConst, proto.Bytecodes[joinTarget].Op, "the then-block's Jmp offset must land on the join block's first instruction")
	assert.Equal(t, OpReturn, proto.Bytecodes[joinTarget+1].Op)
}

// TestGenerateResolvesBranchOffsetsWithNestedBlocks confirms branch
// offsets still resolve correctly when extra blocks (standing in for a
// nested If inside the then-branch) are interposed between the then
// block and the outer else/join blocks — the targets are plain block
// indices recorded on each instruction, not derived from position.
func TestGenerateResolvesBranchOffsetsWithNestedBlocks(t *testing.T) {
	fn := mir.NewFunction("main", nil)
	entry := fn.CurrentBlock()
	entry.Stmts = append(entry.Stmts,
		// outer else is now block 4, not block 2, because the nested
		// if's own then/else blocks (2,3) sit in between.
		mir.Stmt{Dst: 0, Inst: mir.Instruction{Op: mir.OpJmpIf, Cond: mir.BoolVal(true), ElseBlock: 4}},
	)
	outerThen := fn.PushBlock("then")
	outerThen.Stmts = append(outerThen.Stmts,
		mir.Stmt{Dst: 1, Inst: mir.Instruction{Op: mir.OpJmpIf, Cond: mir.BoolVal(false), ElseBlock: 3}},
	)
	innerThen := fn.PushBlock("then")
	innerThen.Stmts = append(innerThen.Stmts,
		mir.Stmt{Dst: 2, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(1)}},
		mir.Stmt{Dst: 5, Inst: mir.Instruction{Op: mir.OpJmp, TargetBlock: 4}},
	)
	innerElse := fn.PushBlock("else")
	innerElse.Stmts = append(innerElse.Stmts,
		mir.Stmt{Dst: 3, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(2)}},
	)
	// the outer then-branch's own jump-to-join lands in the innermost
	// block reached by its control flow (innerElse's fallthrough here),
	// not in outerThen itself.
	innerElse.Stmts = append(innerElse.Stmts,
		mir.Stmt{Dst: 6, Inst: mir.Instruction{Op: mir.OpJmp, TargetBlock: 5}},
	)
	outerElse := fn.PushBlock("else")
	outerElse.Stmts = append(outerElse.Stmts,
		mir.Stmt{Dst: 4, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(3)}},
	)
	join := fn.PushBlock("join")
	join.Stmts = append(join.Stmts,
		mir.Stmt{Dst: 7, Inst: mir.Instruction{Op: mir.OpReturn, Ret: mir.FloatVal(0)}},
	)
	m := &mir.Mir{Functions: []*mir.Function{fn}}

	g := NewGenerator(nil)
	prog, errs := g.Generate(m, interner.NewTable())
	require.Empty(t, errs.Items())

	proto := prog.GlobalFnTable[0].Proto

	var jmpIdxs []int
	for i, ins := range proto.Bytecodes {
		if ins.Op == OpJmp {
			jmpIdxs = append(jmpIdxs, i)
		}
	}
	require.Len(t, jmpIdxs, 2, "one Jmp for the inner if's then-branch, one for the outer's")

	for _, idx := range jmpIdxs {
		jmp := proto.Bytecodes[idx]
		target := idx + 1 + int(jmp.Off)
		assert.True(t, target >= 0 && target < len(proto.Bytecodes), "jmp target must land inside the function's bytecode")
	}
	// the outer if's Jmp (lexically last, emitted from innerElse) must
	// land on the outer join block's first instruction, not on
	// outerElse's own body.
	lastJmp := proto.Bytecodes[jmpIdxs[len(jmpIdxs)-1]]
	joinTarget := jmpIdxs[len(jmpIdxs)-1] + 1 + int(lastJmp.Off)
	assert.Equal(t, OpMoveConst, proto.Bytecodes[joinTarget].Op, "the join block's first instruction materializes the returned constant")
	assert.Equal(t, OpReturn, proto.Bytecodes[joinTarget+1].Op)
}

// TestGenerateCallWindowIsContiguous confirms compileCall lays the
// callee and every argument into adjacent fresh registers immediately
// before the Call instruction, per the call-window convention.
func TestGenerateCallWindowIsContiguous(t *testing.T) {
	callee := mir.NewFunction("callee", []*mir.Value{mir.Argument(0, nil), mir.Argument(1, nil)})
	callee.CurrentBlock().Stmts = append(callee.CurrentBlock().Stmts,
		mir.Stmt{Dst: 0, Inst: mir.Instruction{Op: mir.OpReturn, Ret: mir.Argument(0, nil)}},
	)

	main := mir.NewFunction("main", nil)
	main.CurrentBlock().Stmts = append(main.CurrentBlock().Stmts,
		mir.Stmt{Dst: 0, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(3)}},
		mir.Stmt{Dst: 1, Inst: mir.Instruction{Op: mir.OpFloat, Val: mir.FloatVal(4)}},
		mir.Stmt{Dst: 2, Inst: mir.Instruction{
			Op: mir.OpCall, Callee: mir.FunctionVal(0, 0),
			Args: []*mir.Value{reg(0), reg(1)},
		}},
		mir.Stmt{Dst: 3, Inst: mir.Instruction{Op: mir.OpReturn, Ret: reg(2)}},
	)
	m := &mir.Mir{Functions: []*mir.Function{callee, main}}

	g := NewGenerator(nil)
	prog, errs := g.Generate(m, interner.NewTable())
	require.Empty(t, errs.Items())

	proto := prog.GlobalFnTable[1].Proto
	var callIdx = -1
	for i, ins := range proto.Bytecodes {
		if ins.Op == OpCall {
			callIdx = i
		}
	}
	require.GreaterOrEqual(t, callIdx, 2, "Call must be preceded by at least a callee move and one argument move")

	call := proto.Bytecodes[callIdx]
	require.Equal(t, 2, call.Nargs)

	windowStart := callIdx - (1 + call.Nargs)
	funcPosInstr := proto.Bytecodes[windowStart]
	assert.Equal(t, call.FuncPos, funcPosInstr.Dst, "the first window instruction establishes func_pos")
	for i := 1; i <= call.Nargs; i++ {
		argInstr := proto.Bytecodes[windowStart+i]
		assert.Equal(t, call.FuncPos+Reg(i), argInstr.Dst, "argument %d must occupy the register func_pos+%d", i, i)
	}
}
