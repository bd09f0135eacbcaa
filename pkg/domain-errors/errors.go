// Package domainerrors carries coded errors across service boundaries.
//
// Services return errors created with New or Wrap; transport layers inspect the
// code with HasCode/CodeOf and map it to a status. Typed errors owned by other
// packages participate by implementing Coder.
package domainerrors

import (
	"errors"
	"net/http"
)

// Code is a stable, client-visible error identifier.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_error"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInvariantViolation Code = "invariant_violation"
	CodeMissingConsent     Code = "missing_consent"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeDecryptionFailure  Code = "decryption_failure"
	CodeTimeout            Code = "timeout"
	CodeRateLimited        Code = "rate_limited"
	CodeUnavailable        Code = "unavailable"
	CodeInternal           Code = "internal_error"
)

// Coder is implemented by any error that carries a Code.
type Coder interface {
	ErrorCode() Code
}

// Error is the generic coded error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode implements Coder.
func (e *Error) ErrorCode() Code { return e.Code }

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code found in the error chain.
func CodeOf(err error) (Code, bool) {
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode(), true
	}
	return "", false
}

// HasCode reports whether any error in the chain carries the code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if c, ok := err.(Coder); ok && c.ErrorCode() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// Message returns the client-safe message of the outermost coded error.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// ToHTTPStatus maps a code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeInvalidInput, CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidTransition:
		return http.StatusConflict
	case CodeMissingConsent:
		return http.StatusPreconditionFailed
	case CodeInvariantViolation:
		return http.StatusUnprocessableEntity
	case CodeDecryptionFailure, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
