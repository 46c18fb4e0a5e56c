package vm

import "github.com/dolthub/swiss"

// ClosureID is a handle into a Machine's closure arena.
type ClosureID uint32

// UpValueKind tags whether an UpValue still points into a live stack
// frame or has been materialized into owned bytes.
type UpValueKind int

const (
	UVOpen UpValueKind = iota
	UVClosed
)

// UpValue is a SharedUpValue (spec.md §3/§4.4): every sibling closure
// built in the same frame that captures the same source slot holds a
// pointer to the same UpValue, so a write through one is visible
// through all of them.
type UpValue struct {
	Kind UpValueKind

	// Open
	BasePtr   uint64
	Pos       uint16
	Size      uint8
	IsClosure bool

	// Closed
	Bytes []uint64
}

// resolve reads this upvalue's current value, from stack if Open, from
// its owned bytes if Closed.
func (u *UpValue) resolve(stack []uint64) []uint64 {
	if u.Kind == UVClosed {
		return u.Bytes
	}
	off := u.BasePtr + uint64(u.Pos)
	return stack[off : off+uint64(u.Size)]
}

// write stores v back through this upvalue (GetUpValue/SetUpValue,
// spec.md §4.4).
func (u *UpValue) write(stack []uint64, v []uint64) {
	if u.Kind == UVClosed {
		copy(u.Bytes, v)
		return
	}
	off := u.BasePtr + uint64(u.Pos)
	copy(stack[off:off+uint64(u.Size)], v)
}

// close promotes an Open upvalue to Closed by copying the live stack
// slice it currently points at into owned storage (spec.md §4.4's
// `Close(src)`: "for each of the closure's upvalues, if open, copy the
// current outer-frame slice into Closed").
func (u *UpValue) close(stack []uint64) {
	if u.Kind == UVClosed {
		return
	}
	u.Bytes = append([]uint64(nil), u.resolve(stack)...)
	u.Kind = UVClosed
}

// LocalUpValueMap deduplicates upvalue captures within a single call
// frame (spec.md §4.4): if an earlier sibling closure already captured
// the same outer slot, later closures reuse its SharedUpValue instead
// of creating a second one, so writes through either are visible to
// both. Keyed by swiss.Map per DESIGN.md's grounding on
// `mna/nenuphar`'s SwissTable symbol table.
type LocalUpValueMap struct {
	slots *swiss.Map[uint64, *UpValue]
}

// NewLocalUpValueMap constructs an empty map, to be built fresh for
// every Closure-constructing frame.
func NewLocalUpValueMap() *LocalUpValueMap {
	return &LocalUpValueMap{slots: swiss.NewMap[uint64, *UpValue](8)}
}

func slotKey(basePtr uint64, pos uint16) uint64 { return basePtr<<32 | uint64(pos) }

// GetOrInsert returns the SharedUpValue for the outer slot
// (basePtr,pos), creating a fresh Open one on first request.
func (m *LocalUpValueMap) GetOrInsert(basePtr uint64, pos uint16, size uint8, isClosure bool) *UpValue {
	key := slotKey(basePtr, pos)
	if uv, ok := m.slots.Get(key); ok {
		return uv
	}
	uv := &UpValue{Kind: UVOpen, BasePtr: basePtr, Pos: pos, Size: size, IsClosure: isClosure}
	m.slots.Put(key, uv)
	return uv
}

// Closure is a runtime closure value (spec.md §3): a function
// prototype index, the base pointer of the frame that constructed it
// (used to resolve its Open upvalues), its own state storage, and the
// shared upvalues it captured.
type Closure struct {
	FnProtoPos int
	BasePtr    uint64
	IsClosed   bool
	RefCount   uint64
	UpValues   []*UpValue
	State      *StateStorage
}

// Arena owns every live Closure, keyed by ClosureID, with refcounted
// lifetime (spec.md §3's Lifecycles paragraph).
type Arena struct {
	closures map[ClosureID]*Closure
	next     ClosureID
}

// NewArena constructs an empty closure arena.
func NewArena() *Arena {
	return &Arena{closures: map[ClosureID]*Closure{}}
}

// Alloc creates a fresh closure with refcount 1 (spec.md §4.4:
// "Closure(dst, fn_index) allocates ... with refcount 1").
func (a *Arena) Alloc(fnProtoPos int, basePtr uint64, stateSize uint64) ClosureID {
	id := a.next
	a.next++
	a.closures[id] = &Closure{
		FnProtoPos: fnProtoPos,
		BasePtr:    basePtr,
		RefCount:   1,
		State:      NewStateStorage(stateSize),
	}
	return id
}

// Get returns the closure for id. Panics if id is not live: a dangling
// ClosureID indicates a refcounting bug elsewhere in the VM.
func (a *Arena) Get(id ClosureID) *Closure {
	c, ok := a.closures[id]
	if !ok {
		panic("vm: use of dropped closure")
	}
	return c
}

// IncRef bumps id's refcount, for every new reference a closure value
// acquires: being captured as a closed upvalue, being scheduled, or
// being returned into a closed upvalue (spec.md §3 Lifecycles).
func (a *Arena) IncRef(id ClosureID) {
	a.closures[id].RefCount++
}

// DecRef drops one reference to id. At refcount 0 the closure is
// removed from the arena and DecRef recurses into any closure handles
// held by its own closed upvalues (spec.md §4.4: "Drops are recursive").
func (a *Arena) DecRef(id ClosureID) {
	c, ok := a.closures[id]
	if !ok {
		return
	}
	c.RefCount--
	if c.RefCount > 0 {
		return
	}
	delete(a.closures, id)
	for _, uv := range c.UpValues {
		if uv.IsClosure && uv.Kind == UVClosed && len(uv.Bytes) > 0 {
			a.DecRef(ClosureID(uv.Bytes[0]))
		}
	}
}

// Close promotes every still-Open upvalue of id to Closed, copying the
// live stack slice identified by each (spec.md §4.4's `Close(src)`),
// and marks the closure itself closed so the frame that created it can
// safely return without dropping it.
func (a *Arena) Close(id ClosureID, stack []uint64) {
	c := a.Get(id)
	if c.IsClosed {
		return
	}
	for _, uv := range c.UpValues {
		if uv.Kind == UVOpen {
			if uv.IsClosure {
				closed := uv.resolve(stack)
				if len(closed) > 0 {
					a.IncRef(ClosureID(closed[0]))
				}
			}
			uv.close(stack)
		}
	}
	c.IsClosed = true
}
