package vm

import (
	"fmt"
	"math"

	"github.com/mimium-go/mimium/internal/bytecode"
)

// topClosure returns the closure whose state/upvalues the currently
// executing instruction stream should address, or nil for a pure call
// running under its caller's own context.
func (m *Machine) topClosure() *Closure {
	if n := len(m.statesStack); n > 0 {
		return m.statesStack[n-1]
	}
	return nil
}

func (m *Machine) currentFrame() *callFrame { return &m.frames[len(m.frames)-1] }

// run interprets proto's bytecode from pc 0 until a Return/Return0,
// leaving the produced return window in m.lastReturnBase/Count.
func (m *Machine) run(proto *bytecode.FuncProto) error {
	pc := 0
	for pc < len(proto.Bytecodes) {
		ins := proto.Bytecodes[pc]
		jumped := false

		switch ins.Op {
		case bytecode.OpMove:
			m.setReg(ins.Dst, m.getReg(ins.Src))

		case bytecode.OpMoveConst:
			if int(ins.ConstIdx) >= len(proto.Constants) {
				return fmt.Errorf("vm: constant index %d out of range", ins.ConstIdx)
			}
			m.setReg(ins.Dst, proto.Constants[ins.ConstIdx])

		case bytecode.OpMoveRange:
			for i := 0; i < ins.N; i++ {
				m.setReg(ins.Dst+bytecode.Reg(i), m.getReg(ins.Src+bytecode.Reg(i)))
			}

		case bytecode.OpCall:
			fnIdx := m.getReg(ins.FuncPos)
			if int(fnIdx) >= len(m.prog.GlobalFnTable) {
				return fmt.Errorf("vm: call to unknown function index %d", fnIdx)
			}
			target := m.prog.GlobalFnTable[fnIdx].Proto
			if err := m.callFunction(ins.FuncPos, target, ins.Nret, nil); err != nil {
				return err
			}

		case bytecode.OpCallCls:
			id := ClosureID(m.getReg(ins.FuncPos))
			c := m.arena.Get(id)
			target := m.prog.GlobalFnTable[c.FnProtoPos].Proto
			if err := m.callFunction(ins.FuncPos, target, ins.Nret, c); err != nil {
				return err
			}

		case bytecode.OpCallExtFun:
			idx := m.getReg(ins.FuncPos)
			if int(idx) >= len(m.resolvedFns) {
				return fmt.Errorf("vm: extern function index %d not linked", idx)
			}
			m.externBase = m.reg(ins.FuncPos)
			if err := m.resolvedFns[idx](m); err != nil {
				return err
			}

		case bytecode.OpCallExtCls:
			idx := m.getReg(ins.FuncPos)
			if int(idx) >= len(m.resolvedCls) {
				return fmt.Errorf("vm: extern closure index %d not linked", idx)
			}
			m.externBase = m.reg(ins.FuncPos)
			if err := m.resolvedCls[idx](m); err != nil {
				return err
			}

		case bytecode.OpClosure:
			target := m.prog.GlobalFnTable[ins.FnIndex].Proto
			id := m.arena.Alloc(ins.FnIndex, m.basePointer, target.StateSize)
			c := m.arena.Get(id)
			frame := m.currentFrame()
			if frame.localUpvalues == nil {
				frame.localUpvalues = NewLocalUpValueMap()
			}
			for _, oc := range target.UpIndexes {
				c.UpValues = append(c.UpValues, frame.localUpvalues.GetOrInsert(m.basePointer, oc.Pos, oc.Size, oc.IsClosure))
			}
			frame.localClosures = append(frame.localClosures, id)
			m.setReg(ins.Dst, uint64(id))

		case bytecode.OpClose:
			m.arena.Close(ClosureID(m.getReg(ins.Src)), m.stack)

		case bytecode.OpReturn0:
			m.lastReturnBase, m.lastReturnCount = 0, 0
			return nil

		case bytecode.OpReturn:
			m.lastReturnBase, m.lastReturnCount = uint64(ins.IRet), ins.Nret
			return nil

		case bytecode.OpGetUpValue:
			cls := m.topClosure()
			if cls == nil || int(ins.UpIdx) >= len(cls.UpValues) {
				return fmt.Errorf("vm: GetUpValue %d outside any closure context", ins.UpIdx)
			}
			vals := cls.UpValues[ins.UpIdx].resolve(m.stack)
			for i := 0; i < int(ins.Size); i++ {
				m.setReg(ins.Dst+bytecode.Reg(i), vals[i])
			}

		case bytecode.OpSetUpValue:
			cls := m.topClosure()
			if cls == nil || int(ins.UpIdx) >= len(cls.UpValues) {
				return fmt.Errorf("vm: SetUpValue %d outside any closure context", ins.UpIdx)
			}
			vals := make([]uint64, ins.Size)
			for i := range vals {
				vals[i] = m.getReg(ins.Src + bytecode.Reg(i))
			}
			cls.UpValues[ins.UpIdx].write(m.stack, vals)

		case bytecode.OpGetGlobal:
			for i := 0; i < int(ins.Size); i++ {
				m.setReg(ins.Dst+bytecode.Reg(i), m.globalVals[int(ins.GlobalIdx)+i])
			}

		case bytecode.OpSetGlobal:
			for i := 0; i < int(ins.Size); i++ {
				m.globalVals[int(ins.GlobalIdx)+i] = m.getReg(ins.Src + bytecode.Reg(i))
			}

		case bytecode.OpJmp:
			pc = pc + 1 + int(ins.Off)
			jumped = true

		case bytecode.OpJmpIfNeg:
			if toFloat(m.getReg(ins.A)) <= 0 {
				pc = pc + 1 + int(ins.Off)
				jumped = true
			}

		case bytecode.OpAddF:
			m.setReg(ins.Dst, fromFloat(toFloat(m.getReg(ins.A))+toFloat(m.getReg(ins.B))))
		case bytecode.OpSubF:
			m.setReg(ins.Dst, fromFloat(toFloat(m.getReg(ins.A))-toFloat(m.getReg(ins.B))))
		case bytecode.OpMulF:
			m.setReg(ins.Dst, fromFloat(toFloat(m.getReg(ins.A))*toFloat(m.getReg(ins.B))))
		case bytecode.OpDivF:
			m.setReg(ins.Dst, fromFloat(toFloat(m.getReg(ins.A))/toFloat(m.getReg(ins.B))))
		case bytecode.OpModF:
			m.setReg(ins.Dst, fromFloat(math.Mod(toFloat(m.getReg(ins.A)), toFloat(m.getReg(ins.B)))))
		case bytecode.OpNegF:
			m.setReg(ins.Dst, fromFloat(-toFloat(m.getReg(ins.A))))
		case bytecode.OpAbsF:
			m.setReg(ins.Dst, fromFloat(math.Abs(toFloat(m.getReg(ins.A)))))
		case bytecode.OpSqrtF:
			m.setReg(ins.Dst, fromFloat(math.Sqrt(toFloat(m.getReg(ins.A)))))
		case bytecode.OpSinF:
			m.setReg(ins.Dst, fromFloat(math.Sin(toFloat(m.getReg(ins.A)))))
		case bytecode.OpCosF:
			m.setReg(ins.Dst, fromFloat(math.Cos(toFloat(m.getReg(ins.A)))))
		case bytecode.OpPowF:
			m.setReg(ins.Dst, fromFloat(math.Pow(toFloat(m.getReg(ins.A)), toFloat(m.getReg(ins.B)))))
		case bytecode.OpLogF:
			m.setReg(ins.Dst, fromFloat(math.Log(toFloat(m.getReg(ins.A)))))

		case bytecode.OpAddI:
			m.setReg(ins.Dst, fromInt(toInt(m.getReg(ins.A))+toInt(m.getReg(ins.B))))
		case bytecode.OpSubI:
			m.setReg(ins.Dst, fromInt(toInt(m.getReg(ins.A))-toInt(m.getReg(ins.B))))
		case bytecode.OpMulI:
			m.setReg(ins.Dst, fromInt(toInt(m.getReg(ins.A))*toInt(m.getReg(ins.B))))
		case bytecode.OpDivI:
			m.setReg(ins.Dst, fromInt(toInt(m.getReg(ins.A))/toInt(m.getReg(ins.B))))
		case bytecode.OpModI:
			m.setReg(ins.Dst, fromInt(toInt(m.getReg(ins.A))%toInt(m.getReg(ins.B))))
		case bytecode.OpNegI:
			m.setReg(ins.Dst, fromInt(-toInt(m.getReg(ins.A))))
		case bytecode.OpAbsI:
			a := toInt(m.getReg(ins.A))
			if a < 0 {
				a = -a
			}
			m.setReg(ins.Dst, fromInt(a))
		case bytecode.OpSqrtI:
			m.setReg(ins.Dst, fromInt(int64(math.Sqrt(float64(toInt(m.getReg(ins.A)))))))
		case bytecode.OpSinI:
			m.setReg(ins.Dst, fromInt(int64(math.Sin(float64(toInt(m.getReg(ins.A)))))))
		case bytecode.OpCosI:
			m.setReg(ins.Dst, fromInt(int64(math.Cos(float64(toInt(m.getReg(ins.A)))))))
		case bytecode.OpPowI:
			m.setReg(ins.Dst, fromInt(int64(math.Pow(float64(toInt(m.getReg(ins.A))), float64(toInt(m.getReg(ins.B)))))))
		case bytecode.OpLogI:
			m.setReg(ins.Dst, fromInt(int64(math.Log(float64(toInt(m.getReg(ins.A)))))))

		case bytecode.OpEq:
			m.setReg(ins.Dst, fromBool(toFloat(m.getReg(ins.A)) == toFloat(m.getReg(ins.B))))
		case bytecode.OpNe:
			m.setReg(ins.Dst, fromBool(toFloat(m.getReg(ins.A)) != toFloat(m.getReg(ins.B))))
		case bytecode.OpGt:
			m.setReg(ins.Dst, fromBool(toFloat(m.getReg(ins.A)) > toFloat(m.getReg(ins.B))))
		case bytecode.OpGe:
			m.setReg(ins.Dst, fromBool(toFloat(m.getReg(ins.A)) >= toFloat(m.getReg(ins.B))))
		case bytecode.OpLt:
			m.setReg(ins.Dst, fromBool(toFloat(m.getReg(ins.A)) < toFloat(m.getReg(ins.B))))
		case bytecode.OpLe:
			m.setReg(ins.Dst, fromBool(toFloat(m.getReg(ins.A)) <= toFloat(m.getReg(ins.B))))
		case bytecode.OpAnd:
			m.setReg(ins.Dst, fromBool(toBool(m.getReg(ins.A)) && toBool(m.getReg(ins.B))))
		case bytecode.OpOr:
			m.setReg(ins.Dst, fromBool(toBool(m.getReg(ins.A)) || toBool(m.getReg(ins.B))))
		case bytecode.OpNot:
			m.setReg(ins.Dst, fromBool(!toBool(m.getReg(ins.A))))

		case bytecode.OpCastFtoI:
			m.setReg(ins.Dst, fromInt(int64(toFloat(m.getReg(ins.A)))))
		case bytecode.OpCastItoF:
			m.setReg(ins.Dst, fromFloat(float64(toInt(m.getReg(ins.A)))))
		case bytecode.OpCastItoB:
			m.setReg(ins.Dst, fromBool(toInt(m.getReg(ins.A)) != 0))

		case bytecode.OpGetState:
			st := m.currentState()
			vals := st.Slice(uint64(ins.Size))
			for i := 0; i < int(ins.Size); i++ {
				m.setReg(ins.Dst+bytecode.Reg(i), vals[i])
			}
		case bytecode.OpSetState:
			st := m.currentState()
			vals := st.Slice(uint64(ins.Size))
			for i := 0; i < int(ins.Size); i++ {
				vals[i] = m.getReg(ins.Src + bytecode.Reg(i))
			}
		case bytecode.OpShiftStatePos:
			m.currentState().Shift(ins.Delta)

		case bytecode.OpDelay:
			st := m.currentState()
			n := proto.DelaySizes[ins.DelaySite]
			slice := st.raw[st.pos : st.pos+n+1]
			result := ProcessDelay(slice, toFloat(m.getReg(ins.A)), toFloat(m.getReg(ins.B)))
			m.setReg(ins.Dst, fromFloat(result))

		case bytecode.OpMem:
			st := m.currentState()
			slice := st.raw[st.pos : st.pos+1]
			result := ProcessMem(slice, toFloat(m.getReg(ins.Src)))
			m.setReg(ins.Dst, fromFloat(result))

		case bytecode.OpNow:
			m.setReg(ins.Dst, fromFloat(float64(m.sampleCount)/m.sampleRate))

		default:
			return fmt.Errorf("vm: unhandled opcode %s", ins.Op)
		}

		if !jumped {
			pc++
		}
	}
	return nil
}

// ExternArg reads word i of the active extern call's argument window
// (func_pos+1+i). For use by installed ExternFunc/ExternCls.
func (m *Machine) ExternArg(i int) uint64 { return m.stack[m.externBase+1+uint64(i)] }

// SetExternResult writes word i of the active extern call's return
// window (func_pos+i).
func (m *Machine) SetExternResult(i int, v uint64) { m.stack[m.externBase+uint64(i)] = v }
