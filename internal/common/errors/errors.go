// Package errors provides the typed failure taxonomy for crewd.
// Every failure surfaced on an execution stream or an API response carries
// one of the kinds below.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindNotFound         Kind = "NOT_FOUND"
	KindBusy             Kind = "BUSY"
	KindAtCapacity       Kind = "AT_CAPACITY"
	KindCLIFailed        Kind = "CLI_FAILED"
	KindProtocolError    Kind = "PROTOCOL_ERROR"
	KindStalled          Kind = "STALLED"
	KindTimedOut         Kind = "TIMED_OUT"
	KindLagged           Kind = "LAGGED"
	KindSubAgentFailure  Kind = "SUB_AGENT_FAILURE"
	KindCompactionFailed Kind = "COMPACTION_FAILED"
	KindIO               Kind = "IO"
	KindInternal         Kind = "INTERNAL"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *AppError {
	return Newf(KindNotFound, "%s with id '%s' not found", resource, id)
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) *AppError {
	return Newf(KindValidation, "validation failed for field '%s': %s", field, message)
}

// Busy indicates the session already has a running execution.
func Busy(sessionID string) *AppError {
	return Newf(KindBusy, "session '%s' already has a running execution", sessionID)
}

// AtCapacity indicates the execution registry is saturated.
func AtCapacity(limit int) *AppError {
	return Newf(KindAtCapacity, "execution registry at capacity (%d live executions)", limit)
}

// IO wraps a disk or persistence failure.
func IO(message string, err error) *AppError {
	return &AppError{Kind: KindIO, Message: message, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, preserving the kind
// when the error is already an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of an error, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Terminal reports whether the error kind ends an execution (as opposed to
// being surfaced and recovered from).
func Terminal(kind Kind) bool {
	switch kind {
	case KindProtocolError, KindStalled, KindTimedOut:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusConflict
	case KindAtCapacity:
		return http.StatusTooManyRequests
	case KindTimedOut, KindStalled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
