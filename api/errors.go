package api

import (
	"errors"
	"fmt"
)

// ErrorCode classifies durable-execution failures surfaced to callers.
type ErrorCode string

const (
	CodeExecutionNotFound       ErrorCode = "execution-not-found"
	CodeCompletedWithoutResult  ErrorCode = "execution-completed-without-result"
	CodeExecutionFailed         ErrorCode = "execution-failed"
	CodeCompensationFailed      ErrorCode = "compensation-failed"
	CodeExecutionCancelled      ErrorCode = "execution-cancelled"
	CodeWaitTimeout             ErrorCode = "wait-timeout"
	CodeSignalTimeout           ErrorCode = "signal-timeout"
	CodeDeterminismViolation    ErrorCode = "determinism-violation"
	CodeIdempotencyNotSupported ErrorCode = "idempotency-not-supported"
	CodeIdempotencyLockFailed   ErrorCode = "idempotency-lock-failed"
	CodeStoreShape              ErrorCode = "store-shape-error"
)

// Error is the coded durable-execution error carried across manager
// boundaries and returned to waiters. It supports errors.Is on the code and
// errors.As for structured inspection.
type Error struct {
	// Code classifies the failure.
	Code ErrorCode
	// ExecutionID identifies the failed execution when known.
	ExecutionID string
	// TaskID identifies the workflow; "unknown" when the row disappeared.
	TaskID string
	// Attempt is the attempt counter observed at failure time.
	Attempt int
	// Message is the human-readable summary.
	Message string
	// Cause links the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s (execution %s)", msg, e.ExecutionID)
	}
	return msg
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Errorf constructs a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given durable-execution error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
