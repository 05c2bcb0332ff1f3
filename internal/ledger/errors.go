package ledger

import (
	"errors"
	"fmt"
)

// Code is the machine-readable part of a ledger failure.
type Code string

const (
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidInput           Code = "INVALID_INPUT"
	CodeInvalidState           Code = "INVALID_STATE"
	CodeNoActivity             Code = "NO_ACTIVITY"
	CodeUnhealthyInvariant     Code = "UNHEALTHY_INVARIANT"
	CodeAccountVersionMismatch Code = "ACCOUNT_VERSION_MISMATCH"
	CodeDatabaseMaxRetries     Code = "DATABASE_MAX_RETRIES_EXHAUSTED"
)

// Error is a typed ledger failure carrying a code and a human message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidInput           = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrInvalidState           = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrNoActivity             = &Error{Code: CodeNoActivity, Message: "office has no open activity"}
	ErrUnhealthyInvariant     = &Error{Code: CodeUnhealthyInvariant, Message: "office invariant does not hold"}
	ErrAccountVersionMismatch = &Error{Code: CodeAccountVersionMismatch, Message: "accounts modified concurrently"}
	ErrDatabaseMaxRetries     = &Error{Code: CodeDatabaseMaxRetries, Message: "database conflict persisted past retry budget"}
)

// Retry signals raised by stores. The guard converts them; callers never see them.
var (
	ErrStaleVersion = errors.New("ledger: stale entity version")
	ErrTransient    = errors.New("ledger: transient database conflict")
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return newError(CodeNotFound, format, args...)
}

func InvalidInput(format string, args ...any) error {
	return newError(CodeInvalidInput, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newError(CodeInvalidState, format, args...)
}

func NoActivity(officeID string) error {
	return newError(CodeNoActivity, "office %s has no open activity", officeID)
}

func UnhealthyInvariant(format string, args ...any) error {
	return newError(CodeUnhealthyInvariant, format, args...)
}

// Wrap attaches a cause to a typed error.
func Wrap(code Code, err error, format string, args ...any) error {
	e := newError(code, format, args...)
	e.Err = err
	return e
}

// CodeOf extracts the code of a typed error, or "" for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether err is a store-level conflict the guard may retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrTransient)
}
