package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUpValueMapDedupsSameSlot(t *testing.T) {
	m := NewLocalUpValueMap()
	a := m.GetOrInsert(10, 2, 1, false)
	b := m.GetOrInsert(10, 2, 1, false)
	c := m.GetOrInsert(10, 3, 1, false)

	assert.Same(t, a, b, "two captures of the same outer slot must share one UpValue")
	assert.NotSame(t, a, c, "different outer slots get distinct UpValues")
}

func TestUpValueWriteVisibleThroughOpenCapture(t *testing.T) {
	stack := make([]uint64, 16)
	uv := &UpValue{Kind: UVOpen, BasePtr: 0, Pos: 5, Size: 1}

	uv.write(stack, []uint64{42})
	assert.Equal(t, []uint64{42}, uv.resolve(stack))
	assert.Equal(t, uint64(42), stack[5], "an open upvalue writes directly through to the captured stack slot")
}

func TestUpValueCloseSnapshotsAndDetachesFromStack(t *testing.T) {
	stack := make([]uint64, 16)
	stack[5] = 99
	uv := &UpValue{Kind: UVOpen, BasePtr: 0, Pos: 5, Size: 1}

	uv.close(stack)
	require.Equal(t, UVClosed, uv.Kind)
	assert.Equal(t, []uint64{99}, uv.Bytes)

	stack[5] = 1000
	assert.Equal(t, []uint64{99}, uv.resolve(stack), "once closed, later writes to the old stack slot must not leak through")
}

func TestArenaAllocStartsAtRefCountOne(t *testing.T) {
	a := NewArena()
	id := a.Alloc(0, 4, 2)
	c := a.Get(id)
	assert.Equal(t, uint64(1), c.RefCount)
	assert.Equal(t, uint64(4), c.BasePtr)
	assert.Len(t, c.State.raw, 2)
}

func TestArenaDecRefRemovesAtZero(t *testing.T) {
	a := NewArena()
	id := a.Alloc(0, 0, 0)
	a.IncRef(id)
	a.DecRef(id)
	assert.NotPanics(t, func() { a.Get(id) }, "refcount 1 after one IncRef and one DecRef, closure still live")

	a.DecRef(id)
	assert.Panics(t, func() { a.Get(id) }, "refcount reaches 0, closure must be dropped from the arena")
}

func TestArenaDecRefRecursesIntoClosedClosureUpvalues(t *testing.T) {
	a := NewArena()
	inner := a.Alloc(0, 0, 0)
	outer := a.Alloc(1, 0, 0)

	stack := make([]uint64, 8)
	stack[0] = uint64(inner)
	outerC := a.Get(outer)
	outerC.UpValues = append(outerC.UpValues, &UpValue{Kind: UVOpen, BasePtr: 0, Pos: 0, Size: 1, IsClosure: true})

	a.Close(outer, stack)
	assert.Equal(t, uint64(2), a.Get(inner).RefCount, "Close must IncRef a captured closure handle before snapshotting it")

	// The creating frame releases its own reference, leaving only the
	// one held by outer's closed upvalue.
	a.DecRef(inner)
	a.DecRef(outer)
	assert.Panics(t, func() { a.Get(outer) })
	assert.Panics(t, func() { a.Get(inner) }, "dropping the outer closure must recursively drop the inner closure it captured")
}

func TestArenaCloseIsIdempotent(t *testing.T) {
	a := NewArena()
	id := a.Alloc(0, 0, 0)
	stack := make([]uint64, 4)

	a.Close(id, stack)
	assert.True(t, a.Get(id).IsClosed)
	assert.NotPanics(t, func() { a.Close(id, stack) }, "closing an already-closed closure must be a no-op, not a double IncRef")
}
