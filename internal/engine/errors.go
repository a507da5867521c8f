package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Transports map kinds to status codes.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidTransition   Kind = "invalid_transition"
	KindInvalidOperation    Kind = "invalid_operation"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindInternalConsistency Kind = "internal_consistency"
	KindInvalidInput        Kind = "invalid_input"
	KindUnauthorized        Kind = "unauthorized"
)

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any *Error of the same kind when target carries no message, so
// errors.Is(err, ErrNotFound) works for every not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrInvalidOperation    = &Error{Kind: KindInvalidOperation}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrInternalConsistency = &Error{Kind: KindInternalConsistency}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
