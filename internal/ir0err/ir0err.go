// Package ir0err holds the diagnostic types shared by the MIR and
// bytecode generators (spec.md §4.1/§4.2/§7): a Kind enum covering
// every compile-time failure mode named in the spec, a span-carrying
// Diagnostic, and a List that accumulates diagnostics within a phase.
package ir0err

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/mimium-go/mimium/internal/interner"
)

// Kind enumerates every compile-time error kind named in spec.md.
type Kind int

const (
	VariableNotFound Kind = iota
	TypeMismatch
	CircularType
	IndexOutOfRange
	IndexForNonTuple
	NotApplicable
	NonPrimitiveInFeed
	TooManyConstants
)

func (k Kind) String() string {
	switch k {
	case VariableNotFound:
		return "VariableNotFound"
	case TypeMismatch:
		return "TypeMismatch"
	case CircularType:
		return "CircularType"
	case IndexOutOfRange:
		return "IndexOutOfRange"
	case IndexForNonTuple:
		return "IndexForNonTuple"
	case NotApplicable:
		return "NotApplicable"
	case NonPrimitiveInFeed:
		return "NonPrimitiveInFeed"
	case TooManyConstants:
		return "TooManyConstants"
	default:
		return "Unknown"
	}
}

// Diagnostic is one reported compile-time error, quoting the source
// span it occurred at.
type Diagnostic struct {
	Kind Kind
	Span interner.Span
	Msg  string
	// cause, if non-nil, is wrapped with github.com/pkg/errors so a
	// caller asking for a stack trace (errors.StackTrace) gets one
	// pointing at where the diagnostic was raised, not just reported.
	cause error
}

func (d *Diagnostic) Error() string {
	return fmt.Sprintf("%s at [%d,%d): %s", d.Kind, d.Span.Start, d.Span.End, d.Msg)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As.
func (d *Diagnostic) Unwrap() error { return d.cause }

// New builds a Diagnostic whose cause is a fresh pkg/errors error
// carrying msg and a stack trace taken where New was called.
func New(kind Kind, span interner.Span, msg string) *Diagnostic {
	return &Diagnostic{Kind: kind, Span: span, Msg: msg, cause: errors.New(msg)}
}

// Newf builds a Diagnostic with a formatted message.
func Newf(kind Kind, span interner.Span, format string, args ...any) *Diagnostic {
	return New(kind, span, fmt.Sprintf(format, args...))
}

// Wrap builds a Diagnostic around an existing error, preserving it as
// the Unwrap cause and attaching a stack trace via pkg/errors.
func Wrap(kind Kind, span interner.Span, cause error, msg string) *Diagnostic {
	return &Diagnostic{Kind: kind, Span: span, Msg: msg, cause: errors.Wrap(cause, msg)}
}

// List accumulates diagnostics across a single compiler phase. Per
// spec.md §7, later phases only run once the prior phase's List is
// empty.
type List struct {
	items []*Diagnostic
}

// Add appends a diagnostic.
func (l *List) Add(d *Diagnostic) { l.items = append(l.items, d) }

// OK reports whether the phase produced zero diagnostics.
func (l *List) OK() bool { return len(l.items) == 0 }

// Items returns the accumulated diagnostics in report order.
func (l *List) Items() []*Diagnostic { return l.items }

func (l *List) Error() string {
	if len(l.items) == 0 {
		return "no errors"
	}
	msgs := make([]string, len(l.items))
	for i, d := range l.items {
		msgs[i] = d.Error()
	}
	out := msgs[0]
	for _, m := range msgs[1:] {
		out += "; " + m
	}
	return out
}
