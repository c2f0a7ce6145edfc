// Package apperr defines the coded error taxonomy shared by the realtime
// and HTTP surfaces. Codes map onto wire payloads and HTTP statuses;
// messages are safe to show to users.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeBanned          Code = "BANNED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeValidation      Code = "VALIDATION"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeInternal        Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Unauthenticated(msg string) error { return New(CodeUnauthenticated, msg) }

// Banned carries the ban reason so callers can surface it verbatim.
func Banned(reason string) error { return New(CodeBanned, reason) }

func Forbidden(msg string) error { return New(CodeForbidden, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Validation(msg string) error { return New(CodeValidation, msg) }

func Unavailable(msg string, cause error) error { return Wrap(CodeUnavailable, msg, cause) }

func Internal(msg string, cause error) error { return Wrap(CodeInternal, msg, cause) }

// CodeOf extracts the taxonomy code from err, or CodeInternal for
// errors raised outside the taxonomy.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
