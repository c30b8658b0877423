// Package errors defines the typed failure taxonomy shared across the
// pipeline. Every error carries a Kind so callers can branch with errors.Is
// without depending on message text.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation policy decisions.
type Kind string

const (
	// KindConnection is a transient venue or link failure. Retried with
	// bounded backoff; surfaces as degraded venue health, never a crash.
	KindConnection Kind = "connection"
	// KindValidation is a malformed or invariant-violating quote. Dropped
	// and logged, never retried.
	KindValidation Kind = "validation"
	// KindDataUnavailable means no fresh quotes exist for a requested
	// symbol. Returned to the caller as a typed failure.
	KindDataUnavailable Kind = "data_unavailable"
	// KindBroadcast is a failed send to a single subscriber. Isolated to
	// that connection.
	KindBroadcast Kind = "broadcast"
	// KindAuthentication is a missing or invalid subscriber token.
	KindAuthentication Kind = "authentication"
)

// Error is a kinded error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, ErrDataUnavailable) work regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrConnection      = &Error{Kind: KindConnection, Message: "connection failed"}
	ErrValidation      = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrDataUnavailable = &Error{Kind: KindDataUnavailable, Message: "no fresh market data"}
	ErrBroadcast       = &Error{Kind: KindBroadcast, Message: "broadcast failed"}
	ErrAuthentication  = &Error{Kind: KindAuthentication, Message: "authentication failed"}
)

// Connectionf builds a connection error.
func Connectionf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConnection, Message: fmt.Sprintf(format, args...)}
}

// WrapConnection wraps a cause as a connection error.
func WrapConnection(err error, message string) *Error {
	return &Error{Kind: KindConnection, Message: message, Err: err}
}

// Validationf builds a validation error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// WrapValidation wraps a cause as a validation error.
func WrapValidation(err error, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

// DataUnavailablef builds a data-unavailable error.
func DataUnavailablef(format string, args ...interface{}) *Error {
	return &Error{Kind: KindDataUnavailable, Message: fmt.Sprintf(format, args...)}
}

// Broadcastf builds a broadcast error.
func Broadcastf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBroadcast, Message: fmt.Sprintf(format, args...)}
}

// WrapBroadcast wraps a cause as a broadcast error.
func WrapBroadcast(err error, message string) *Error {
	return &Error{Kind: KindBroadcast, Message: message, Err: err}
}

// Authenticationf builds an authentication error.
func Authenticationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthentication, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err when it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
