package vm

import (
	"fmt"

	"github.com/mimium-go/mimium/internal/vm/scheduler"
)

// executeIdx runs the function at GlobalFnTable[idx] as a top-level,
// non-closure call with no arguments pre-pushed and discards its
// result (spec.md §6's `execute_idx`, matching vm.rs's entry point of
// the same name).
func (m *Machine) executeIdx(idx int) error {
	if idx < 0 || idx >= len(m.prog.GlobalFnTable) {
		return fmt.Errorf("vm: executeIdx: function index %d out of range", idx)
	}
	proto := m.prog.GlobalFnTable[idx].Proto
	return m.callFunction(0, proto, 0, nil)
}

// executeEntry looks up a top-level function by name and runs it via
// executeIdx (spec.md §6's `execute_entry`).
func (m *Machine) executeEntry(name string) error {
	idx := m.prog.FindFunction(m.symtab.Intern(name))
	if idx < 0 {
		return fmt.Errorf("vm: executeEntry: no top-level function named %q", name)
	}
	return m.executeIdx(idx)
}

// ExecuteMain links externs, runs `_mimium_global` once to register
// top-level bindings, and returns the found dsp entry point's index
// ready for repeated per-sample invocation by ExecuteTask (spec.md
// §6's `execute_main`).
func (m *Machine) ExecuteMain() (dspIdx int, err error) {
	if err := m.LinkFunctions(); err != nil {
		return -1, err
	}
	globalIdx := m.prog.FindFunction(m.symtab.Intern("_mimium_global"))
	if globalIdx < 0 {
		return -1, fmt.Errorf("vm: execute_main: no _mimium_global function in program")
	}
	if err := m.executeIdx(globalIdx); err != nil {
		return -1, err
	}
	dspIdx = m.prog.FindFunction(m.symtab.Intern("dsp"))
	if dspIdx < 0 {
		return -1, fmt.Errorf("vm: execute_main: no dsp function in program")
	}
	return dspIdx, nil
}

// ExecuteTask advances the VM by exactly one sample: it drains every
// scheduled closure whose target time has arrived, then runs dsp and
// returns its single Float result (spec.md §4.6/§6's `execute_task`).
func (m *Machine) ExecuteTask(dspIdx int) (float64, error) {
	var drainErr error
	m.Scheduler.Drain(scheduler.Time(m.sampleCount), func(h scheduler.ClosureHandle) {
		if drainErr != nil {
			return
		}
		id := ClosureID(h)
		c := m.arena.Get(id)
		target := m.prog.GlobalFnTable[c.FnProtoPos].Proto
		drainErr = m.callFunction(0, target, 0, c)
		m.arena.DecRef(id)
	})
	if drainErr != nil {
		return 0, drainErr
	}

	proto := m.prog.GlobalFnTable[dspIdx].Proto
	if err := m.callFunction(0, proto, 1, nil); err != nil {
		return 0, err
	}
	// callFunction always copies a func_pos-0 call's results back to
	// stack[base_pointer+0..), regardless of what register the callee's
	// own Return used internally; lastReturnBase is only meaningful
	// inside the callee's own frame and must not be read here.
	result := toFloat(m.stack[m.basePointer])
	m.sampleCount++
	return result, nil
}

// InstallScheduleAt registers the `schedule_at` builtin (spec.md
// §4.6): it reads a closure handle and a sample time from the active
// call window, bumps the closure's refcount for the scheduler's own
// reference (released again once the task fires, in ExecuteTask), and
// enqueues it on Scheduler. Installed as a pure extern function rather
// than an extern closure: internal/mir has a single extern Value kind
// (VExtFunction, see internal/bytecode/gen.go), so every extern,
// scheduling builtins included, resolves through ext_fun_table. Call
// once after constructing the Machine and before LinkFunctions.
func (m *Machine) InstallScheduleAt() {
	m.InstallExternFn(m.symtab.Intern("schedule_at"), func(m *Machine) error {
		handle := ClosureID(m.ExternArg(0))
		when := toFloat(m.ExternArg(1))
		m.arena.IncRef(handle)
		m.Scheduler.ScheduleAt(scheduler.Time(when), scheduler.ClosureHandle(handle))
		return nil
	})
}
