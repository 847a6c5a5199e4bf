package engine

import (
	"errors"
	"fmt"
)

// Stable error codes returned by engine entry points. Activity-provided
// failure codes are forwarded verbatim alongside these.
const (
	CodeWorkflowNotFound    = "WORKFLOW_NOT_FOUND"
	CodeWorkflowInactive    = "WORKFLOW_INACTIVE"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInstanceNotFound    = "INSTANCE_NOT_FOUND"
	CodeDefinitionNotFound  = "DEFINITION_NOT_FOUND"
	CodeLockFailed          = "LOCK_FAILED"
	CodeNotSuspended        = "NOT_SUSPENDED"
	CodeSignalMismatch      = "SIGNAL_MISMATCH"
	CodeActivityNotFound    = "ACTIVITY_NOT_FOUND"
	CodeUnknownActivityType = "UNKNOWN_ACTIVITY_TYPE"
	CodeTimeout             = "TIMEOUT"
	CodeUnexpected          = "UNEXPECTED_ERROR"
)

// Error is the tagged failure returned by engine entry points. Code is one
// of the Code constants or an activity-provided code forwarded verbatim.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Errf builds an Error with a formatted message.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the engine error code from err, or CodeUnexpected when
// err carries none.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpected
}
