package memory

import (
	"errors"
	"fmt"
)

// Code classifies a memory error.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeIO                Code = "IO"
	CodeProvider          Code = "PROVIDER"
	CodeDimensionMismatch Code = "DIMENSION_MISMATCH"
	CodeInvariant         Code = "INVARIANT_VIOLATION"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
)

// Error is the typed error returned by the memory, indexer, retrieval and
// registry packages. Two errors match under errors.Is when their codes match,
// so callers compare against the Err* sentinels below.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same code. An invalid
// transition is also an invariant violation.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	return t.Code == CodeInvariant && e.Code == CodeInvalidTransition
}

var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrIO                = &Error{Code: CodeIO}
	ErrProvider          = &Error{Code: CodeProvider}
	ErrDimensionMismatch = &Error{Code: CodeDimensionMismatch}
	ErrInvariant         = &Error{Code: CodeInvariant}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
)

// NewNotFoundError reports an unknown record or store id.
func NewNotFoundError(op, kind, id string) *Error {
	return &Error{Code: CodeNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// NewIOError wraps a persistence failure.
func NewIOError(op, message string, cause error) *Error {
	return &Error{Code: CodeIO, Op: op, Message: message, Cause: cause}
}

// NewProviderError wraps a vision or embedding call failure.
func NewProviderError(op string, cause error) *Error {
	return &Error{Code: CodeProvider, Op: op, Cause: cause}
}

// NewDimensionMismatchError reports vectors of different sizes.
func NewDimensionMismatchError(op string, want, got int) *Error {
	return &Error{
		Code:    CodeDimensionMismatch,
		Op:      op,
		Message: fmt.Sprintf("expected %d dimensions, got %d", want, got),
	}
}

// NewInvariantError reports an operation that would break a structural invariant.
func NewInvariantError(op, message string) *Error {
	return &Error{Code: CodeInvariant, Op: op, Message: message}
}

// NewInvalidTransitionError reports a status change outside the transition table.
func NewInvalidTransitionError(op, id string, from, to Status) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Op:      op,
		Message: fmt.Sprintf("record %s: %s -> %s", id, from, to),
	}
}
