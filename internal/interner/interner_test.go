package interner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableInternDedupsBySameString(t *testing.T) {
	tab := NewTable()
	a := tab.Intern("foo")
	b := tab.Intern("bar")
	c := tab.Intern("foo")

	assert.Equal(t, a, c, "interning the same string twice must return the same Symbol")
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, tab.Len())
}

func TestTableStringRoundTrips(t *testing.T) {
	tab := NewTable()
	sym := tab.Intern("dsp")
	assert.Equal(t, "dsp", tab.String(sym))
}

func TestTableStringPanicsOnInvalidSymbol(t *testing.T) {
	tab := NewTable()
	assert.Panics(t, func() { tab.String(Symbol(99)) })
}

func TestArenaPushGetSpan(t *testing.T) {
	a := NewArena[string]()
	h1 := a.Push("one", Span{Start: 0, End: 3})
	h2 := a.Push("two", Span{Start: 4, End: 7})

	require.Equal(t, 2, a.Len())
	assert.Equal(t, "one", a.Get(h1))
	assert.Equal(t, "two", a.Get(h2))
	assert.Equal(t, Span{Start: 4, End: 7}, a.Span(h2))
}
