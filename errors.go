package dset

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the run API. Callers should match with
// [errors.Is]; most are wrapped with additional context.
var (
	// ErrUnknownParameter reports a batch value for a parameter the run
	// never declared.
	ErrUnknownParameter = errors.New("unknown parameter")

	// ErrSchemaViolation reports a batch that breaks the dependency rule:
	// a result value was submitted without the setpoint values it depends
	// on (neither in the same batch nor already present).
	ErrSchemaViolation = errors.New("schema violation")

	// ErrShapeMismatch reports a value whose dimensionality disagrees with
	// the parameter's declared shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrConcurrentWrite reports a second writer calling Append while
	// another Append is in flight. The run is unaffected; the losing
	// caller must not retry blindly.
	ErrConcurrentWrite = errors.New("concurrent writer")

	// ErrRunClosed reports an operation on a run that already reached a
	// terminal state (completed or interrupted).
	ErrRunClosed = errors.New("run is closed")

	// ErrInvalidRange reports a read range outside the data collected so
	// far, or with end < start.
	ErrInvalidRange = errors.New("invalid range")

	// ErrInvalidConfig reports a Config that fails validation.
	ErrInvalidConfig = errors.New("invalid config")
)

// FlushError is the uniform error recorded when a flush exhausts its retry
// budget. It wraps the last storage error and flips the run to
// [StateInterrupted].
//
// Use [errors.As] to extract structured fields:
//
//	var fErr *dset.FlushError
//	if errors.As(err, &fErr) {
//	    log.Printf("run %s gave up after %d attempts", fErr.RunID, fErr.Attempts)
//	}
type FlushError struct {
	// RunID identifies the run whose flush failed.
	RunID string

	// Attempts is the number of transaction attempts made before giving up.
	Attempts int

	// Err is the last underlying storage error.
	Err error
}

// Error formats as "flush run <id>: giving up after N attempts: <cause>".
func (e *FlushError) Error() string {
	if e == nil {
		return ""
	}

	return fmt.Sprintf("flush run %s: giving up after %d attempts: %v", e.RunID, e.Attempts, e.Err)
}

// Unwrap returns the underlying storage error.
func (e *FlushError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}
