// Package errkind classifies the engine's error kinds per the error
// handling design: Validation, Staging, Execution, Backend, and Internal
// errors are each surfaced and propagated differently.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind names one of the five error categories the engine distinguishes.
type Kind string

const (
	// Validation errors fail at operator construction (bad config, unknown
	// option, invalid glob) and surface immediately.
	Validation Kind = "validation"
	// Staging errors fail a firing before submit (missing input file,
	// pattern collision).
	Staging Kind = "staging"
	// Execution errors are governed by the owning process's error strategy
	// (non-zero exit, walltime exceeded, kill).
	Execution Kind = "execution"
	// Backend errors come from the submit/queue/kill commands themselves.
	Backend Kind = "backend"
	// Internal errors come from operator or listener bodies.
	Internal Kind = "internal"
)

// Error wraps an underlying cause with its Kind and enough context to route
// it through the correct error-handling path.
type Error struct {
	Kind    Kind
	Task    string // task or process identifier, empty if not task-scoped
	cause   error
	message string
}

func (e *Error) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Task, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.message, e.cause)
}

// Unwrap lets errors.Is/errors.As reach the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// New wraps cause as an error of the given kind with a message, preserving a
// stack trace via pkg/errors so it can be reported with provenance.
func New(kind Kind, task, message string, cause error) *Error {
	if cause == nil {
		cause = errors.New(message)
	} else {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Task: task, cause: cause, message: message}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, defaulting to Internal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// retryableMarker marks an error as retryable regardless of its Kind; a
// caller applies it with WithRetry. Backend kind errors count as retryable
// without the marker (see IsRetryable). Nothing in the engine retries on
// the strength of this classification: the monitor has no retry or backoff.
type retryableMarker struct {
	error
}

// WithRetry marks err as retryable regardless of its Kind.
func WithRetry(err error) error {
	return &retryableMarker{err}
}

// IsRetryable reports whether err was marked retryable, or is a Backend kind
// error.
func IsRetryable(err error) bool {
	var m *retryableMarker
	if errors.As(err, &m) {
		return true
	}
	return KindOf(err) == Backend
}
