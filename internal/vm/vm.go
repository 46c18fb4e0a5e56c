// Package vm implements the mimium bytecode interpreter (spec.md
// §4.3-§4.6): a flat-stack register machine with refcounted closures,
// per-closure state storage, ring-buffer delay lines, and a
// sample-ordered task scheduler.
package vm

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/mimium-go/mimium/internal/bytecode"
	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/vm/scheduler"
)

// StateStorage is a flat buffer of a function's own state words with a
// movable cursor (spec.md §3): every state-addressing instruction
// reads/writes raw[pos .. pos+size].
type StateStorage struct {
	pos uint64
	raw []uint64
}

// NewStateStorage allocates a zeroed buffer of size words.
func NewStateStorage(size uint64) *StateStorage {
	return &StateStorage{raw: make([]uint64, size)}
}

// Shift adjusts pos by delta (ShiftStatePos).
func (s *StateStorage) Shift(delta int64) {
	s.pos = uint64(int64(s.pos) + delta)
}

// Slice returns the n words starting at the current cursor.
func (s *StateStorage) Slice(n uint64) []uint64 {
	return s.raw[s.pos : s.pos+n]
}

// ExternFunc is a pure extern function: it reads its arguments from
// and writes its result to the Machine's call window directly
// (spec.md §4.3's "Symbol -> fn(&mut Machine) -> ReturnCode").
type ExternFunc func(m *Machine) error

// ExternCls is an extern closure: same call shape as ExternFunc, but
// registered in the separate ext_cls_table registry and dispatched by
// OpCallExtCls. The scheduler never runs one: it runs arena closures,
// and schedule_at itself is installed as an ExternFunc.
type ExternCls func(m *Machine) error

// callFrame tracks what call_function must restore on return, plus the
// closures allocated in this frame that have not yet been Closed (and
// so must be dropped, per spec.md §4.4's "On return, the VM drops
// every closure created in the frame that is not yet is_closed").
type callFrame struct {
	savedBasePointer uint64
	funcPos          int
	localClosures    []ClosureID
	// localUpvalues dedups shared upvalue cells across every Closure
	// instruction executed within this frame; created lazily on first use.
	localUpvalues *LocalUpValueMap
}

// Machine is the mimium VM (spec.md §4.3-§4.6).
type Machine struct {
	// Program
	prog   *bytecode.Program
	symtab *interner.Table

	// Operand stack: a flat vector of 64-bit raw slots (spec.md §4.3).
	stack       []uint64
	basePointer uint64
	frames      []callFrame

	// Closures
	arena       *Arena
	statesStack []*Closure // LIFO of the active closure's state context
	globalState *StateStorage

	// Last call's produced return window, consumed by callFunction
	// immediately after run() returns.
	lastReturnBase  uint64
	lastReturnCount int

	// Globals
	globalVals []uint64

	// External dispatch (spec.md §4.3's "External dispatch")
	externFns    map[interner.Symbol]ExternFunc
	externCls    map[interner.Symbol]ExternCls
	resolvedFns  []ExternFunc
	resolvedCls  []ExternCls

	// Scheduler (spec.md §4.6)
	Scheduler   *scheduler.Scheduler
	sampleRate  float64
	sampleCount uint64

	// externBase is the absolute stack slot of the active extern call's
	// func_pos, set just before invoking a resolved ExternFunc/ExternCls
	// so ExternArg/SetExternResult can address its call window.
	externBase uint64

	log *zap.SugaredLogger
}

// NewMachine constructs a Machine for prog. symtab is the same symbol
// table used to build prog, needed to resolve entry points and extern
// names by string. sampleRate is the value OpNow divides the VM's
// running sample count by (Open Question decision, DESIGN.md). log
// may be nil.
func NewMachine(prog *bytecode.Program, symtab *interner.Table, sampleRate float64, log *zap.SugaredLogger) *Machine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Machine{
		prog:        prog,
		symtab:      symtab,
		stack:       make([]uint64, 1, 4096),
		arena:       NewArena(),
		globalState: NewStateStorage(0),
		globalVals:  append([]uint64(nil), prog.GlobalVals...),
		externFns:   map[interner.Symbol]ExternFunc{},
		externCls:   map[interner.Symbol]ExternCls{},
		Scheduler:   scheduler.New(),
		sampleRate:  sampleRate,
		log:         log,
	}
}

// InstallExternFn registers a pure extern function under name, for
// later resolution by LinkFunctions.
func (m *Machine) InstallExternFn(name interner.Symbol, fn ExternFunc) {
	m.externFns[name] = fn
}

// InstallExternCls registers an extern closure under name.
func (m *Machine) InstallExternCls(name interner.Symbol, fn ExternCls) {
	m.externCls[name] = fn
}

// LinkFunctions resolves every symbol in prog's ext_fun_table and
// ext_cls_table against the Machine's installed registries (spec.md
// §4.3's `link_functions`), failing fatally (an error, since this repo
// has no process-abort convention to match) on any unresolved symbol.
func (m *Machine) LinkFunctions() error {
	m.resolvedFns = make([]ExternFunc, len(m.prog.ExtFunTable))
	for i, e := range m.prog.ExtFunTable {
		fn, ok := m.externFns[e.Name]
		if !ok {
			return fmt.Errorf("vm: unresolved extern function symbol %d", e.Name)
		}
		m.resolvedFns[i] = fn
	}
	m.resolvedCls = make([]ExternCls, len(m.prog.ExtClsTable))
	for i, e := range m.prog.ExtClsTable {
		fn, ok := m.externCls[e.Name]
		if !ok {
			return fmt.Errorf("vm: unresolved extern closure symbol %d", e.Name)
		}
		m.resolvedCls[i] = fn
	}
	return nil
}

// reg returns the absolute stack slot for register r of the current
// frame.
func (m *Machine) reg(r bytecode.Reg) uint64 { return m.basePointer + uint64(r) }

func (m *Machine) ensureStack(top uint64) {
	for uint64(len(m.stack)) <= top {
		m.stack = append(m.stack, 0)
	}
}

func (m *Machine) setReg(r bytecode.Reg, v uint64) {
	abs := m.reg(r)
	m.ensureStack(abs)
	m.stack[abs] = v
}

func (m *Machine) getReg(r bytecode.Reg) uint64 {
	abs := m.reg(r)
	m.ensureStack(abs)
	return m.stack[abs]
}

func toFloat(bits uint64) float64 { return math.Float64frombits(bits) }
func fromFloat(f float64) uint64  { return math.Float64bits(f) }
func toInt(bits uint64) int64     { return int64(bits) }
func fromInt(i int64) uint64      { return uint64(i) }
func toBool(bits uint64) bool     { return bits != 0 }
func fromBool(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// currentState returns the StateStorage the active instruction stream
// should address: the states-stack top's closure state if one is
// active, otherwise the top-level global state (pure, non-closure
// calls use the caller's own cursor, per spec.md §4.5).
func (m *Machine) currentState() *StateStorage {
	if n := len(m.statesStack); n > 0 && m.statesStack[n-1] != nil {
		return m.statesStack[n-1].State
	}
	return m.globalState
}

// ensureGlobalState grows globalState, if needed, to hold proto's
// total state words. proto.StateSize already accounts for every
// non-closure call nested beneath it (internal/mir's stateSlot
// reserves each callee's window cumulatively in its caller's own
// StateSize), so growing it to the entry proto's own StateSize covers
// every pure call made beneath that entry too — mirroring
// original_source/mimium-lang/src/runtime/vm.rs's global_states.resize
// ahead of execute_idx/execute_main. Growing rather than reallocating
// preserves whatever mem/self/delay state a prior call already left
// behind, since dsp is invoked repeatedly across samples.
func (m *Machine) ensureGlobalState(proto *bytecode.FuncProto) {
	if have := uint64(len(m.globalState.raw)); have < proto.StateSize {
		m.globalState.raw = append(m.globalState.raw, make([]uint64, proto.StateSize-have)...)
	}
}

// callFunction implements spec.md §4.3's call_function: save
// base_pointer, shift it past the call window, run the callee's
// bytecode from pc 0, then copy nret results back down to func_pos and
// restore base_pointer. cls is non-nil only for CallCls: per spec.md
// §4.5, only closure calls push a states-stack entry — a pure Call
// continues to use whatever state context the caller already had
// active.
func (m *Machine) callFunction(funcPos bytecode.Reg, proto *bytecode.FuncProto, nret int, cls *Closure) error {
	callerBase := m.basePointer
	newBase := callerBase + uint64(funcPos) + 1
	m.ensureStack(newBase + uint64(proto.Nargs))

	// A pure call (cls == nil) with no closure state already active
	// (statesStack empty) is about to run against m.globalState, per
	// currentState's own fallback rule — grow it to fit before
	// dispatch, the same way a closure's own state is sized by
	// Arena.Alloc when its Closure instruction runs.
	if cls == nil && len(m.statesStack) == 0 {
		m.ensureGlobalState(proto)
	}

	m.frames = append(m.frames, callFrame{savedBasePointer: callerBase, funcPos: int(funcPos)})
	m.basePointer = newBase

	if cls != nil {
		m.statesStack = append(m.statesStack, cls)
	}
	err := m.run(proto)
	if cls != nil {
		m.statesStack = m.statesStack[:len(m.statesStack)-1]
	}
	if err != nil {
		return err
	}

	produced := m.lastReturnCount
	iret := m.lastReturnBase
	if nret > produced {
		return fmt.Errorf("vm: call requested %d return values, got %d", nret, produced)
	}
	for i := 0; i < nret; i++ {
		m.stack[callerBase+uint64(funcPos)+uint64(i)] = m.stack[m.basePointer+iret+uint64(i)]
	}

	frame := m.frames[len(m.frames)-1]
	for _, id := range frame.localClosures {
		if c := m.arena.closures[id]; c != nil && !c.IsClosed {
			m.arena.DecRef(id)
		}
	}
	m.frames = m.frames[:len(m.frames)-1]
	m.basePointer = callerBase
	return nil
}
