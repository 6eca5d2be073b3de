package codex

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a driver failure.
type Category string

const (
	// CategoryNotFound means the analyzer executable is missing.
	CategoryNotFound Category = "not_found"
	// CategoryTimeout means the deadline expired before the child finished.
	CategoryTimeout Category = "timeout"
	// CategoryBadOutput means stdout was empty or unparseable.
	CategoryBadOutput Category = "bad_output"
	// CategoryNonZeroExit means the child exited with a failure status.
	CategoryNonZeroExit Category = "non_zero_exit"
	// CategoryIO means spawning or talking to the child failed.
	CategoryIO Category = "io"
)

// Retryable reports whether the orchestrator may retry the audit. Parser
// failures and non-zero exits are never retried.
func (c Category) Retryable() bool {
	return c == CategoryTimeout || c == CategoryIO
}

// Error is a typed driver failure. Command and Stderr are redacted at
// construction time; they are safe to log and to surface in error details.
type Error struct {
	Category Category
	Command  string
	Dir      string
	Duration time.Duration
	ExitCode int
	Stderr   string

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("codex %s: %s", e.Category, e.Command)
	if e.Category == CategoryNonZeroExit {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts a typed driver failure from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
