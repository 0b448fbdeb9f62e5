package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline error taxonomy. Stage-local errors are
// classified at the stage boundary; only exhausted retries surface as
// task-level failures.
var (
	// ErrOutOfOrder marks a chunk that arrived before its predecessor
	// finished. Rejected (parked), never retried in place.
	ErrOutOfOrder = errors.New("chunk out of sequence")

	// ErrCorruptState marks an inconsistent session record. The session is
	// failed, not auto-recovered.
	ErrCorruptState = errors.New("corrupt session state")

	// ErrAmbiguousFeedback marks a feedback record missing required fields.
	// Dropped and logged, never fatal to the pipeline.
	ErrAmbiguousFeedback = errors.New("ambiguous feedback record")

	// ErrSessionNotFound is returned by the state store for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDocumentNotFound is returned when a session has no stored draft of
	// the requested document type.
	ErrDocumentNotFound = errors.New("document not found")
)

// TransientError wraps a provider failure that is worth retrying in place
// with backoff (timeouts, connection resets, 5xx responses).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable in place.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ResourceExhaustedError signals accelerator memory pressure. The whole task
// is requeued instead of retried in place, giving the accelerator time to
// release memory.
type ResourceExhaustedError struct {
	Err error
}

func (e *ResourceExhaustedError) Error() string {
	return "resource exhausted: " + e.Err.Error()
}
func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// ResourceExhausted wraps err as an accelerator resource failure.
func ResourceExhausted(err error) error {
	if err == nil {
		return nil
	}
	return &ResourceExhaustedError{Err: err}
}

// IsResourceExhausted reports whether err indicates accelerator pressure.
func IsResourceExhausted(err error) bool {
	var re *ResourceExhaustedError
	return errors.As(err, &re)
}

// StageError annotates a stage-level failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}
func (e *StageError) Unwrap() error { return e.Err }
