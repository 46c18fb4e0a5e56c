package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWordSizeScalars(t *testing.T) {
	assert.Equal(t, 0, TUnit.WordSize())
	assert.Equal(t, 1, TInt.WordSize())
	assert.Equal(t, 1, TFloat.WordSize())
	assert.Equal(t, 1, TBool.WordSize())
	assert.Equal(t, 1, TString.WordSize())
}

func TestWordSizeFunctionIsAlwaysOneSlot(t *testing.T) {
	fn := NewFunction([]*Type{TFloat, TFloat}, TFloat, 4)
	assert.Equal(t, 1, fn.WordSize(), "a closure handle is one slot regardless of body state size")
}

func TestWordSizeTupleSumsMembers(t *testing.T) {
	tup := NewTuple([]*Type{TFloat, TInt, NewTuple([]*Type{TBool, TBool})})
	assert.Equal(t, 4, tup.WordSize())
}

func TestWordSizeStructSumsFields(t *testing.T) {
	s := NewStruct([]Field{{Type: TFloat}, {Type: TInt}})
	assert.Equal(t, 2, s.WordSize())
}

func TestWordSizePanicsOnUnresolved(t *testing.T) {
	u := &Type{Kind: Unresolved}
	assert.Panics(t, func() { u.WordSize() })
}

func TestIsPrimitive(t *testing.T) {
	assert.True(t, TInt.IsPrimitive())
	assert.True(t, TFloat.IsPrimitive())
	assert.True(t, TBool.IsPrimitive())
	assert.False(t, TString.IsPrimitive())
	assert.False(t, NewFunction(nil, TUnit, 0).IsPrimitive())
	assert.False(t, NewTuple([]*Type{TFloat, TFloat}).IsPrimitive())
}

func TestTypeStringFormatsFunctionAndTuple(t *testing.T) {
	fn := NewFunction([]*Type{TFloat, TInt}, TBool, 0)
	assert.Equal(t, "(float, int) -> bool", fn.String())

	tup := NewTuple([]*Type{TFloat, TBool})
	assert.Equal(t, "(float, bool)", tup.String())

	assert.Equal(t, "int", TInt.String())
}
