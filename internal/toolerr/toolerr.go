// Package toolerr defines the stable machine-readable error taxonomy shared
// by the tool pipelines. Every failure that crosses the tool surface carries
// one of these codes plus a human-readable message and a retryable flag.
package toolerr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeInvalidArgs   Code = "INVALID_ARGS"   // malformed input, never retried
	CodeConsentDenied Code = "CONSENT_DENIED" // authorization failure
	CodeNotFound      Code = "NOT_FOUND"
	CodeHashMismatch  Code = "HASH_MISMATCH" // idempotency key reused with a different payload
	CodeTimeout       Code = "TIMEOUT"       // idempotency poll exceeded its deadline
	CodeInternal      Code = "INTERNAL_ERROR"
)

// Error is a coded tool error.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a coded error with the code's default retryability.
func E(code Code, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(code),
	}
}

// Wrap builds a coded error around a cause, keeping the cause for %w chains.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	e := E(code, format, args...)
	e.cause = cause
	return e
}

// Retryable overrides the default retryability of an error.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeInternal:
		return true
	default:
		return false
	}
}

// From extracts a coded error from err. Unrecognized errors become
// retryable INTERNAL_ERROR so transient storage failures can be retried.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return Wrap(CodeInternal, err, "%s", err.Error())
}

// CodeOf returns the code of err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if te := From(err); te != nil {
		return te.Code
	}
	return CodeInternal
}
