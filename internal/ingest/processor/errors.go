package processor

import (
	"fmt"

	errors "github.com/Laisky/errors/v2"
)

// ErrorCode identifies a machine-stable processing error code.
type ErrorCode string

const (
	ErrCodeUnsupportedMediaType ErrorCode = "UNSUPPORTED_MEDIA_TYPE"
	ErrCodeRead                 ErrorCode = "READ_FAILED"
	ErrCodeExtract              ErrorCode = "EXTRACT_FAILED"
	ErrCodeEmbed                ErrorCode = "EMBED_FAILED"
	ErrCodePersist              ErrorCode = "PERSIST_FAILED"
	ErrCodePanic                ErrorCode = "PANIC"
)

// Error captures a typed processing error. Retryable errors leave the file
// queued for another attempt; the rest stop the worker.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Err       error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e == nil {
		return "processing error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("processing error: %s", e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError constructs a typed processing error.
func NewError(code ErrorCode, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// wrapError attaches code to a retryable cause.
func wrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Retryable: true, Err: cause}
}

// AsError extracts a typed processing error from the error chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// IsCode reports whether the error chain contains the given code.
func IsCode(err error, code ErrorCode) bool {
	if typed, ok := AsError(err); ok {
		return typed.Code == code
	}
	return false
}

// IsFatal reports whether err must stop the worker instead of being retried.
func IsFatal(err error) bool {
	if typed, ok := AsError(err); ok {
		return !typed.Retryable
	}
	return false
}
