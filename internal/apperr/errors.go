// Package apperr defines the failure taxonomy shared by services and transports.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable classification of a failure.
type Kind string

const (
	// KindInvalidCredentials indicates that no identity could be established.
	KindInvalidCredentials Kind = "invalid_credentials"
	// KindUnauthorized indicates an established identity that does not own the resource.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden indicates an established identity whose membership is insufficient.
	KindForbidden Kind = "forbidden"
	// KindNotFound indicates the resource is absent or already deleted.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a uniqueness violation.
	KindConflict Kind = "conflict"
	// KindInvalidInput indicates a malformed request.
	KindInvalidInput Kind = "invalid_input"
	// KindInternal covers storage and infrastructure failures.
	KindInternal Kind = "internal"
)

// Error carries a kind, an "operation.reason" code, a human message and an optional cause.
type Error struct {
	kind    Kind
	code    string
	message string
	err     error
}

// New constructs an Error for the provided operation and reason.
func New(kind Kind, operation, reason, message string, cause error) *Error {
	return &Error{
		kind:    kind,
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the "operation.reason" code.
func (e *Error) Code() string {
	return e.code
}

// Message returns the human readable message.
func (e *Error) Message() string {
	return e.message
}

// KindOf reports the kind of err, defaulting to KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// Is reports whether err carries the provided kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// InvalidCredentials builds a KindInvalidCredentials error.
func InvalidCredentials(operation, reason string, cause error) *Error {
	return New(KindInvalidCredentials, operation, reason, "invalid credentials.", cause)
}

// Unauthorized builds a KindUnauthorized error.
func Unauthorized(operation, reason, message string) *Error {
	return New(KindUnauthorized, operation, reason, message, nil)
}

// Forbidden builds a KindForbidden error.
func Forbidden(operation, reason, message string) *Error {
	return New(KindForbidden, operation, reason, message, nil)
}

// NotFound builds a KindNotFound error.
func NotFound(operation, reason, message string) *Error {
	return New(KindNotFound, operation, reason, message, nil)
}

// Conflict builds a KindConflict error.
func Conflict(operation, reason, message string, cause error) *Error {
	return New(KindConflict, operation, reason, message, cause)
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(operation, reason string, cause error) *Error {
	message := "invalid request."
	if cause != nil {
		message = cause.Error()
	}
	return New(KindInvalidInput, operation, reason, message, cause)
}

// Internal builds a KindInternal error.
func Internal(operation, reason string, cause error) *Error {
	return New(KindInternal, operation, reason, "internal error.", cause)
}
