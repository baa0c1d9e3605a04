// Package apperr carries the service's error taxonomy and maps it onto HTTP
// status codes.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown       Code = "UNKNOWN"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeBadRequest    Code = "BAD_REQUEST"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeIllegalMove   Code = "ILLEGAL_MOVE"
	CodeNotYourTurn   Code = "NOT_YOUR_TURN"
	CodeGameNotActive Code = "GAME_NOT_ACTIVE"
	CodeClockExpired  Code = "CLOCK_EXPIRED"
	CodeStore         Code = "STORE"
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Message returns the client-safe message for err. Errors outside the
// taxonomy collapse to a generic message so store internals never leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeStore && e.Code != CodeUnknown {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps err onto the status code the API reports for it.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeBadRequest, CodeIllegalMove, CodeNotYourTurn, CodeGameNotActive:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeClockExpired:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
