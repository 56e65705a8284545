// Package bridgeerrors defines the error taxonomy shared by every
// crdtbridge component.
package bridgeerrors

import "fmt"

// Kind identifies which taxonomy entry an Error belongs to.
type Kind string

const (
	// UnsupportedValue: an assigned value is a symbol-like, function-like,
	// arbitrary-precision, non-finite, or unrecognized-class value.
	UnsupportedValue Kind = "UNSUPPORTED_VALUE"
	// AbsentValueInObject: an object contains a key mapped to the
	// absent-value marker.
	AbsentValueInObject Kind = "ABSENT_VALUE_IN_OBJECT"
	// Reparenting: an assigned CRDT node already has a parent.
	Reparenting Kind = "REPARENTING"
	// BootstrapOnNonempty: Bootstrap was called on an already-populated root.
	BootstrapOnNonempty Kind = "BOOTSTRAP_ON_NONEMPTY"
	// InternalInvariantViolation: a should-not-happen path was reached.
	InternalInvariantViolation Kind = "INTERNAL_INVARIANT_VIOLATION"
)

const tag = "crdtbridge"

// Error is the structured error type returned by every core package.
// Kinds 1-3 (UnsupportedValue, AbsentValueInObject, Reparenting) are meant
// to be raised synchronously at the point of assignment; callers that need
// to distinguish kinds should use errors.As and inspect Kind.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s: %s", tag, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s (%s)", tag, e.Kind, e.Message, e.Detail)
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches additional detail (e.g. the offending constructor
// name or path) and returns the receiver for chaining.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// Is reports whether err is a *Error of the given kind, so callers can do
// `bridgeerrors.Is(err, bridgeerrors.Reparenting)` without an import cycle
// through the standard errors package.
func Is(err error, kind Kind) bool {
	be, ok := err.(*Error)
	return ok && be.Kind == kind
}
