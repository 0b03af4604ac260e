package es

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAggregateNotFound     = errors.New("aggregate not found")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrUnknownEventType      = errors.New("unknown event type")
	ErrUnknownAggregateType  = errors.New("unknown aggregate type")
	ErrUnhandledEventType    = errors.New("unhandled event type")
	ErrDuplicateHandler      = errors.New("duplicate event handler")
	ErrInvalidOperation      = errors.New("invalid operation")
	ErrInvalidStreamName     = errors.New("invalid stream name")
	ErrForeignKeyViolation   = errors.New("foreign key violation")
	ErrNamespaceNotPermitted = errors.New("namespace not permitted")
)

// ForeignKeyViolationError lists every reference of a commit that did not
// resolve to an existing aggregate.
type ForeignKeyViolationError struct {
	StreamName string
	Missing    []ForeignKey
}

func (e *ForeignKeyViolationError) Error() string {
	refs := make([]string, 0, len(e.Missing))
	for _, fk := range e.Missing {
		refs = append(refs, fk.StreamName())
	}
	return fmt.Sprintf(
		"%s: stream %s references missing aggregates [%s]",
		ErrForeignKeyViolation,
		e.StreamName,
		strings.Join(refs, ", "),
	)
}

func (e *ForeignKeyViolationError) Unwrap() error { return ErrForeignKeyViolation }
