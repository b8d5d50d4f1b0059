// Package kernelerr defines the semantic error taxonomy shared by every
// kernel component: validation, storage, transport and auth failures all
// carry a Kind so callers can branch on errors.As without parsing strings.
package kernelerr

import "fmt"

// Kind is a semantic error category, not a type name.
type Kind string

const (
	Validation Kind = "validation"
	NotFound   Kind = "not_found"
	Conflict   Kind = "conflict"
	Auth       Kind = "auth"
	Transient  Kind = "transient"
	Timeout    Kind = "timeout"
	Tool       Kind = "tool"
	Storage    Kind = "storage"
	Internal   Kind = "internal"
)

// Error wraps an underlying cause with a semantic Kind.
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

// New builds an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

// as is a tiny errors.As shim kept local to avoid importing errors twice
// in call sites that already alias the stdlib package.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether an error kind should be retried by the worker
// runtime's retry loop (§4.6): transient, timeout, and storage writes are
// retried; validation, auth, conflict, tool and internal errors are terminal.
func Retryable(kind Kind) bool {
	switch kind {
	case Transient, Timeout, Storage:
		return true
	default:
		return false
	}
}
