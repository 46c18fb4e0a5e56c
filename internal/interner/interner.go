// Package interner provides process-wide, append-only storage for
// interned identifiers and for the expression/type node arenas that
// sit beneath the mimium compiler pipeline.
//
// All three tables (symbols, expr nodes, type nodes) share the same
// shape: callers hand in a value, get back a small integer handle, and
// can later trade the handle back for the value in O(1). Nothing is
// ever removed, so handles stay valid for the process lifetime.
package interner

import (
	"fmt"

	"github.com/dolthub/swiss"
)

// Symbol is an interned identifier: a small integer handle into the
// process-wide string table. Equality is integer equality.
type Symbol uint32

// Span is a byte-offset range into the originating source text, carried
// alongside expr/type nodes for diagnostics. The lexer/parser populate
// it; this package only stores it.
type Span struct {
	Start, End uint32
}

// Table is a string interner: Symbol <-> string, O(1) both ways.
type Table struct {
	strings []string
	index   *swiss.Map[string, Symbol]
}

// NewTable constructs an empty symbol table.
func NewTable() *Table {
	return &Table{
		index: swiss.NewMap[string, Symbol](64),
	}
}

// Intern returns the Symbol for s, allocating a fresh one if s has not
// been seen before.
func (t *Table) Intern(s string) Symbol {
	if sym, ok := t.index.Get(s); ok {
		return sym
	}
	sym := Symbol(len(t.strings))
	t.strings = append(t.strings, s)
	t.index.Put(s, sym)
	return sym
}

// String returns the string a Symbol was interned from. Panics on an
// out-of-range handle, which indicates a bug in the caller (handles
// are never synthesized outside Intern).
func (t *Table) String(sym Symbol) string {
	if int(sym) >= len(t.strings) {
		panic(fmt.Sprintf("interner: invalid symbol %d", sym))
	}
	return t.strings[sym]
}

// Len reports how many distinct symbols have been interned.
func (t *Table) Len() int { return len(t.strings) }

// ExprHandle is an opaque handle into an Arena[T] of expression nodes.
type ExprHandle uint32

// TypeHandle is an opaque handle into an Arena[T] of type nodes.
type TypeHandle uint32

// Arena is a generic append-only store keyed by a small integer handle.
// ExprNode and TypeNode (spec.md §3) are both instances of Arena: cheap
// to copy, immutable once constructed (expr nodes immediately; type
// nodes once inference has resolved them), each carrying a Span.
type Arena[T any] struct {
	nodes []T
	spans []Span
}

// NewArena constructs an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Push appends a node with its source span and returns its handle.
func (a *Arena[T]) Push(node T, span Span) uint32 {
	h := uint32(len(a.nodes))
	a.nodes = append(a.nodes, node)
	a.spans = append(a.spans, span)
	return h
}

// Get returns the node stored at h.
func (a *Arena[T]) Get(h uint32) T {
	return a.nodes[h]
}

// Span returns the source span recorded for h.
func (a *Arena[T]) Span(h uint32) Span {
	return a.spans[h]
}

// Len reports the number of nodes held in the arena.
func (a *Arena[T]) Len() int { return len(a.nodes) }
