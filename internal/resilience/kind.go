package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure for metrics and control flow.
type Kind string

const (
	KindTransientFetch Kind = "transient_fetch"
	KindFatalFetch     Kind = "fatal_fetch"
	KindParse          Kind = "parse"
	KindValidation     Kind = "validation"
	KindStorage        Kind = "storage"
	KindCancelled      Kind = "cancelled"
	KindUnknown        Kind = "unknown"
)

// Error is a classified pipeline error.
type Error struct {
	Kind      Kind
	Op        string
	Entity    string
	Watermark int64
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Entity != "" {
		fmt.Fprintf(&b, " [%s@%d]", e.Entity, e.Watermark)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E classifies err. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// EntityError classifies err for one entity at a watermark.
func EntityError(kind Kind, op, entity string, watermark int64, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Entity: entity, Watermark: watermark, Err: err}
}

// KindOf returns the outermost classification in err's chain, or
// KindUnknown. Context cancellation is reported as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if isCancellation(err) {
		return KindCancelled
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
