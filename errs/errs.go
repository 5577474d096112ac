// Package errs defines the error taxonomy shared by every layer of the engine.
//
// Errors are classified by Kind rather than by Go type so that callers can use
// errors.Is against the exported sentinels while internal code can still wrap
// an underlying cause for diagnostics.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation purposes (see the data-plane vs.
// fatal split in the error handling design).
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindDuplicateKey
	KindSchemaMismatch
	KindCorruption
	KindIO
	KindReadOnly
	KindCapacity
	KindConflict
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDuplicateKey:
		return "duplicate_key"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindCorruption:
		return "corruption"
	case KindIO:
		return "io"
	case KindReadOnly:
		return "read_only_violation"
	case KindCapacity:
		return "capacity"
	case KindConflict:
		return "conflict"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Fatal reports whether an error of this kind demotes the engine to a
// read-only, in-memory state (corruption, io, capacity) as opposed to being
// simply returned to the caller for recovery.
func (k Kind) Fatal() bool {
	switch k {
	case KindCorruption, KindIO, KindCapacity:
		return true
	default:
		return false
	}
}

// Error is the concrete error type returned by every package in this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(KindNotFound, "")) style matching by kind,
// ignoring message and cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds a new *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a new *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel values usable directly with errors.Is for the common cases that
// carry no extra context.
var (
	ErrNotFound        = New(KindNotFound, "not found")
	ErrDuplicateKey    = New(KindDuplicateKey, "duplicate key")
	ErrSchemaMismatch  = New(KindSchemaMismatch, "schema mismatch")
	ErrCorruption      = New(KindCorruption, "corruption detected")
	ErrIO              = New(KindIO, "i/o error")
	ErrReadOnly        = New(KindReadOnly, "database is read-only")
	ErrCapacity        = New(KindCapacity, "page file cannot grow further")
	ErrConflict        = New(KindConflict, "transaction conflict")
	ErrClosed          = New(KindClosed, "closed")
)

// KindOf extracts the Kind of err, walking the wrap chain. Returns
// KindUnknown if err does not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
