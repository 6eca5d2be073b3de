package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable key surfaced to callers alongside a
// human-readable message.
type ErrorKind string

const (
	KindValidationFailed ErrorKind = "ValidationFailed"
	KindQueueFull        ErrorKind = "QueueFull"
	KindTimeout          ErrorKind = "Timeout"
	KindJudgeUnavailable ErrorKind = "JudgeUnavailable"
	KindJudgeFailed      ErrorKind = "JudgeFailed"
	KindSessionNotFound  ErrorKind = "SessionNotFound"
	KindAlreadyComplete  ErrorKind = "AlreadyComplete"
	KindCapacity         ErrorKind = "Capacity"
	KindInternal         ErrorKind = "Internal"
)

// Retryable reports whether the caller may safely resubmit.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindQueueFull, KindTimeout, KindCapacity:
		return true
	}
	return false
}

// Error is the structured fault surfaced to callers. Details must already be
// redacted before an Error crosses the transport boundary.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a caller-visible error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates a caller-visible error that preserves its cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches one structured detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// AsError normalizes any error into the structured envelope form. Errors that
// are not already *Error become Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error(), cause: err}
}

// ErrorEnvelope is the transport-level error payload; transports must emit
// this shape rather than raw faults.
type ErrorEnvelope struct {
	IsError bool   `json:"isError"`
	Error   *Error `json:"error"`
}
