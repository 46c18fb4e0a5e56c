package ir0err

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimium-go/mimium/internal/interner"
)

func TestListOKOnEmpty(t *testing.T) {
	var l List
	assert.True(t, l.OK())
	assert.Equal(t, "no errors", l.Error())
}

func TestListAddAccumulatesInReportOrder(t *testing.T) {
	var l List
	l.Add(New(VariableNotFound, interner.Span{Start: 0, End: 1}, "x"))
	l.Add(New(TypeMismatch, interner.Span{Start: 2, End: 3}, "y"))

	require.False(t, l.OK())
	require.Len(t, l.Items(), 2)
	assert.Equal(t, VariableNotFound, l.Items()[0].Kind)
	assert.Equal(t, TypeMismatch, l.Items()[1].Kind)
	assert.Contains(t, l.Error(), "x")
	assert.Contains(t, l.Error(), "y")
}

func TestDiagnosticErrorFormatsSpanAndMessage(t *testing.T) {
	d := Newf(IndexOutOfRange, interner.Span{Start: 5, End: 9}, "index %d out of range", 3)
	assert.Equal(t, "IndexOutOfRange at [5,9): index 3 out of range", d.Error())
}

func TestDiagnosticWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	d := Wrap(NotApplicable, interner.Span{}, cause, "cannot apply")
	assert.True(t, errors.Is(d, cause))
}

func TestKindStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Kind(99).String())
}
