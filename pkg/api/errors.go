package api

import (
	"errors"
	"fmt"
)

// ErrRunNotFound is returned when a run is not found in the progress store.
var ErrRunNotFound = errors.New("run not found")

// ErrorClass partitions step failures by how the engine reacts to them.
type ErrorClass string

const (
	// ClassTransient failures are process-level and likely to succeed
	// unmodified on retry (timeouts, throttling). Retried as-is.
	ClassTransient ErrorClass = "transient"

	// ClassRecoverable failures mean the work was attempted but produced an
	// invalid result. Retried with appended failure context.
	ClassRecoverable ErrorClass = "recoverable"

	// ClassFatal failures are structural (malformed definition, unresolved
	// dependency, invalid loop decision). Aborted immediately, no retry.
	ClassFatal ErrorClass = "fatal"

	// ClassBlocking failures signal an explicit need for external input.
	// The run pauses instead of failing.
	ClassBlocking ErrorClass = "blocking"
)

// TransientError wraps a process-level failure that should be retried as-is.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// RecoverableError wraps an invalid-result failure. Context is forwarded to
// the next attempt as failure context.
type RecoverableError struct {
	Err     error
	Context string
}

func (e *RecoverableError) Error() string { return "recoverable: " + e.Err.Error() }
func (e *RecoverableError) Unwrap() error { return e.Err }

// Recoverable wraps err as a RecoverableError carrying the given context.
func Recoverable(err error, context string) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err, Context: context}
}

// FatalError wraps a structural failure that must not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// BlockingError pauses the run until external input arrives.
type BlockingError struct {
	Prompt string
}

func (e *BlockingError) Error() string { return "blocking: waiting for input: " + e.Prompt }

// Blocking returns a BlockingError with the given prompt.
func Blocking(prompt string) error {
	return &BlockingError{Prompt: prompt}
}

// Classify maps err to its ErrorClass. Unwrapped/unknown errors default to
// transient so they are retried as-is within the step's attempt bound.
func Classify(err error) ErrorClass {
	var (
		tr *TransientError
		re *RecoverableError
		fa *FatalError
		bl *BlockingError
	)
	switch {
	case errors.As(err, &fa):
		return ClassFatal
	case errors.As(err, &bl):
		return ClassBlocking
	case errors.As(err, &re):
		return ClassRecoverable
	case errors.As(err, &tr):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// FailureContext extracts the forwardable context from a recoverable error,
// or "" when err carries none.
func FailureContext(err error) string {
	var re *RecoverableError
	if errors.As(err, &re) {
		return re.Context
	}
	return ""
}

// ParseError reports the exact constraint a workflow definition violated.
type ParseError struct {
	// Field locates the offending element, e.g. "steps[2].name" or the step
	// name itself.
	Field string

	// Reason names the violated constraint.
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("workflow definition: %s: %s", e.Field, e.Reason)
}
