// Package scheduler implements the sample-accurate task queue
// `execute_task` drains before each invocation of `dsp` (spec.md
// §4.6): a min-heap of (scheduled sample, closure handle) ordered by
// sample, with insertion order breaking ties.
package scheduler

import "container/heap"

// Time is a sample count: the unit every scheduled task and the VM's
// own clock are expressed in.
type Time uint64

// ClosureHandle identifies a closure in the VM's arena without this
// package needing to import internal/vm (which imports this package).
type ClosureHandle uint32

// Task is one pending invocation: run Closure with no arguments once
// the VM's clock reaches Sample.
type Task struct {
	Sample  Time
	Closure ClosureHandle
	seq     uint64
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Sample != h[j].Sample {
		return h[i].Sample < h[j].Sample
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler holds every task registered by `schedule_at` but not yet
// drained, plus the VM's current sample clock.
type Scheduler struct {
	heap taskHeap
	now  Time
	seq  uint64
}

// New constructs an empty Scheduler at sample 0.
func New() *Scheduler {
	return &Scheduler{}
}

// Now returns the scheduler's current sample clock.
func (s *Scheduler) Now() Time { return s.now }

// ScheduleAt enqueues cls to run at sample when (spec.md §4.6's
// `schedule_at`). The caller is responsible for incrementing the
// closure's refcount before calling this — scheduling holds a
// reference for as long as the task is pending.
func (s *Scheduler) ScheduleAt(when Time, cls ClosureHandle) {
	heap.Push(&s.heap, &Task{Sample: when, Closure: cls, seq: s.seq})
	s.seq++
}

// Drain advances the clock to now and, while the heap's earliest task
// is due (sample <= now), invokes run for it and removes it. Tasks
// ScheduleAt adds during run (sample <= now) are visible to the same
// drain, matching spec.md §4.6.
func (s *Scheduler) Drain(now Time, run func(cls ClosureHandle)) {
	s.now = now
	for s.heap.Len() > 0 && s.heap[0].Sample <= now {
		t := heap.Pop(&s.heap).(*Task)
		run(t.Closure)
	}
}

// Pending reports how many tasks are still queued.
func (s *Scheduler) Pending() int { return s.heap.Len() }
