package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimium-go/mimium/internal/bytecode"
	"github.com/mimium-go/mimium/internal/interner"
)

func constFloat(proto *bytecode.FuncProto, f float64) uint16 {
	bits := math.Float64bits(f)
	for i, c := range proto.Constants {
		if c == bits {
			return uint16(i)
		}
	}
	proto.Constants = append(proto.Constants, bits)
	return uint16(len(proto.Constants) - 1)
}

// callTop runs proto as a top-level call (func_pos 0, no caller frame
// above it) and returns its nret result words. callFunction's copy-back
// always lands a func_pos-0 call's results at stack[caller_base+0..),
// which is exactly where m.basePointer points once the call has
// restored it — regardless of what register the callee's own Return
// used internally.
func callTop(t *testing.T, m *Machine, proto *bytecode.FuncProto, nret int) []uint64 {
	t.Helper()
	require.NoError(t, m.callFunction(0, proto, nret, nil))
	out := make([]uint64, nret)
	copy(out, m.stack[m.basePointer:m.basePointer+uint64(nret)])
	return out
}

// TestDspConstantOutput covers a dsp function that always returns a
// fixed sample value, the simplest of the testable scenarios spec.md
// §8 names.
func TestDspConstantOutput(t *testing.T) {
	dsp := &bytecode.FuncProto{Nargs: 0}
	idx := constFloat(dsp, 0.5)
	dsp.Bytecodes = []bytecode.Instruction{
		{Op: bytecode.OpMoveConst, Dst: 0, ConstIdx: idx},
		{Op: bytecode.OpReturn, IRet: 0, Nret: 1},
	}
	prog := &bytecode.Program{GlobalFnTable: []bytecode.FnEntry{{Proto: dsp}}}

	m := NewMachine(prog, interner.NewTable(), 44100, nil)
	out := callTop(t, m, dsp, 1)
	assert.Equal(t, 0.5, math.Float64frombits(out[0]))
}

// TestMemUnitDelay covers the `mem` primitive end to end through the
// dispatch loop: each call returns the previous call's input.
func TestMemUnitDelay(t *testing.T) {
	proto := &bytecode.FuncProto{Nargs: 1, StateSize: 1}
	proto.Bytecodes = []bytecode.Instruction{
		{Op: bytecode.OpMem, Dst: 1, Src: 0},
		{Op: bytecode.OpReturn, IRet: 1, Nret: 1},
	}
	prog := &bytecode.Program{GlobalFnTable: []bytecode.FnEntry{{Proto: proto}}}
	m := NewMachine(prog, interner.NewTable(), 44100, nil)

	// Drive it directly through the global state context (a top-level
	// stateful function, not behind a closure) by calling it as a pure
	// function repeatedly; currentState() falls back to globalState,
	// which persists across calls on the same Machine. Args must be
	// pre-placed at the callee's eventual frame base (base_pointer+1+0
	// for func_pos 0), matching what compileCall's Move instructions
	// would do ahead of a real Call.
	run := func(input float64) float64 {
		argSlot := m.basePointer + 1
		m.ensureStack(argSlot)
		m.stack[argSlot] = math.Float64bits(input)
		out := callTop(t, m, proto, 1)
		return math.Float64frombits(out[0])
	}

	assert.Equal(t, 0.0, run(1.0))
	assert.Equal(t, 1.0, run(2.0))
	assert.Equal(t, 2.0, run(3.0))
}

// TestClosureCapturesUpvalue builds a closure over a local slot by hand
// (no front end involved) and confirms GetUpValue reads the captured
// value back through the arena.
func TestClosureCapturesUpvalue(t *testing.T) {
	adder := &bytecode.FuncProto{
		Nargs:     0,
		UpIndexes: []bytecode.OpenUpValue{{Pos: 0, Size: 1, IsClosure: false}},
		Bytecodes: []bytecode.Instruction{
			{Op: bytecode.OpGetUpValue, Dst: 0, UpIdx: 0, Size: 1},
			{Op: bytecode.OpReturn, IRet: 0, Nret: 1},
		},
	}
	main := &bytecode.FuncProto{Nargs: 0}
	constIdx := constFloat(main, 7.0)
	main.Bytecodes = []bytecode.Instruction{
		{Op: bytecode.OpMoveConst, Dst: 0, ConstIdx: constIdx}, // captured local
		{Op: bytecode.OpClosure, Dst: 1, FnIndex: 0},
		{Op: bytecode.OpMove, Dst: 2, Src: 1},
		{Op: bytecode.OpCallCls, FuncPos: 2, Nargs: 0, Nret: 1},
		{Op: bytecode.OpReturn, IRet: 2, Nret: 1},
	}
	prog := &bytecode.Program{GlobalFnTable: []bytecode.FnEntry{{Proto: adder}, {Proto: main}}}

	m := NewMachine(prog, interner.NewTable(), 44100, nil)
	out := callTop(t, m, main, 1)
	assert.Equal(t, 7.0, math.Float64frombits(out[0]))
}

// TestReturnDropsUnclosedLocalClosure confirms spec.md §4.4's "on
// return the VM drops every closure created in the frame that is not
// yet closed": a closure built and immediately discarded (never
// explicitly Closed, never returned) must not outlive its frame.
func TestReturnDropsUnclosedLocalClosure(t *testing.T) {
	callee := &bytecode.FuncProto{Nargs: 0, Bytecodes: []bytecode.Instruction{{Op: bytecode.OpReturn0}}}
	main := &bytecode.FuncProto{Nargs: 0}
	main.Bytecodes = []bytecode.Instruction{
		{Op: bytecode.OpClosure, Dst: 0, FnIndex: 0},
		{Op: bytecode.OpReturn0},
	}
	prog := &bytecode.Program{GlobalFnTable: []bytecode.FnEntry{{Proto: callee}, {Proto: main}}}

	m := NewMachine(prog, interner.NewTable(), 44100, nil)
	require.NoError(t, m.callFunction(0, main, 0, nil))

	assert.Empty(t, m.arena.closures, "unclosed local closure must be dropped on return")
}

// TestCloseRetainsClosureAcrossReturn confirms the complementary case:
// once Close has run, the closure is not dropped, so a caller that
// received it as a return value can still use it.
func TestCloseRetainsClosureAcrossReturn(t *testing.T) {
	callee := &bytecode.FuncProto{Nargs: 0, Bytecodes: []bytecode.Instruction{{Op: bytecode.OpReturn0}}}
	main := &bytecode.FuncProto{Nargs: 0}
	main.Bytecodes = []bytecode.Instruction{
		{Op: bytecode.OpClosure, Dst: 0, FnIndex: 0},
		{Op: bytecode.OpClose, Src: 0},
		{Op: bytecode.OpReturn, IRet: 0, Nret: 1},
	}
	prog := &bytecode.Program{GlobalFnTable: []bytecode.FnEntry{{Proto: callee}, {Proto: main}}}

	m := NewMachine(prog, interner.NewTable(), 44100, nil)
	callTop(t, m, main, 1)

	assert.Len(t, m.arena.closures, 1, "closed closure survives its creating frame")
}

// TestBasePointerRestoredAfterNestedCalls exercises nested pure calls
// and confirms base_pointer and the frame stack both fully unwind.
func TestBasePointerRestoredAfterNestedCalls(t *testing.T) {
	inner := &bytecode.FuncProto{Nargs: 0, Bytecodes: []bytecode.Instruction{{Op: bytecode.OpReturn0}}}
	outer := &bytecode.FuncProto{Nargs: 0}
	outer.Bytecodes = []bytecode.Instruction{
		// register 0 is zero-initialized, which already is inner's
		// GlobalFnTable index (0), so no explicit load is needed.
		{Op: bytecode.OpCall, FuncPos: 0, Nargs: 0, Nret: 0},
		{Op: bytecode.OpReturn0},
	}
	prog := &bytecode.Program{GlobalFnTable: []bytecode.FnEntry{{Proto: inner}, {Proto: outer}}}

	m := NewMachine(prog, interner.NewTable(), 44100, nil)
	require.NoError(t, m.callFunction(0, outer, 0, nil))

	assert.Equal(t, uint64(0), m.basePointer)
	assert.Empty(t, m.frames)
}

// TestScheduleAtFiresOnTheRightSample drives the scheduler end to end
// through ExecuteTask: a closure registered via schedule_at must not
// run before its target sample and must run exactly once it arrives.
func TestScheduleAtFiresOnTheRightSample(t *testing.T) {
	callback := &bytecode.FuncProto{Nargs: 0}
	flagIdx := constFloat(callback, 1.0)
	callback.Bytecodes = []bytecode.Instruction{
		{Op: bytecode.OpMoveConst, Dst: 0, ConstIdx: flagIdx},
		{Op: bytecode.OpSetGlobal, Src: 0, GlobalIdx: 0, Size: 1},
		{Op: bytecode.OpReturn0},
	}

	dsp := &bytecode.FuncProto{Nargs: 0}
	dspZero := constFloat(dsp, 0.0)
	dsp.Bytecodes = []bytecode.Instruction{
		{Op: bytecode.OpMoveConst, Dst: 0, ConstIdx: dspZero},
		{Op: bytecode.OpReturn, IRet: 0, Nret: 1},
	}

	setup := &bytecode.FuncProto{Nargs: 0}
	setupTime := constFloat(setup, 5.0)
	setup.Constants = append(setup.Constants, 0) // raw ext_fun_table index 0, not a float bit pattern
	extIdxConst := uint16(len(setup.Constants) - 1)
	setup.Bytecodes = []bytecode.Instruction{
		{Op: bytecode.OpClosure, Dst: 0, FnIndex: 0},            // r0 = closure(callback)
		{Op: bytecode.OpMoveConst, Dst: 1, ConstIdx: setupTime},  // r1 = 5.0
		{Op: bytecode.OpMoveConst, Dst: 2, ConstIdx: extIdxConst}, // r2 = func_pos holds ext index 0
		{Op: bytecode.OpMove, Dst: 3, Src: 0},                     // arg0 = closure handle
		{Op: bytecode.OpMove, Dst: 4, Src: 1},                     // arg1 = time
		{Op: bytecode.OpCallExtFun, FuncPos: 2, Nargs: 2, Nret: 0},
		{Op: bytecode.OpReturn0},
	}

	symtab := interner.NewTable()
	sym := symtab.Intern("schedule_at")
	prog := &bytecode.Program{
		GlobalFnTable: []bytecode.FnEntry{{Proto: callback}, {Proto: dsp}, {Proto: setup}},
		ExtFunTable:   []bytecode.ExtEntry{{Name: sym}},
		GlobalVals:    []uint64{0},
	}

	m := NewMachine(prog, symtab, 44100, nil)
	m.InstallScheduleAt()
	require.NoError(t, m.LinkFunctions())

	require.NoError(t, m.callFunction(0, setup, 0, nil))
	assert.Equal(t, 1, m.Scheduler.Pending())
	assert.Equal(t, uint64(0), m.globalVals[0], "callback must not fire before its scheduled sample")

	var lastOut float64
	var err error
	for i := 0; i < 6; i++ {
		lastOut, err = m.ExecuteTask(1)
		require.NoError(t, err)
	}

	assert.Equal(t, 0.0, lastOut)
	assert.Equal(t, math.Float64bits(1.0), m.globalVals[0], "callback must have fired by sample 5")
	assert.Equal(t, 0, m.Scheduler.Pending())
}
