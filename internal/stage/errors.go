package stage

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure. Transient failures (timeouts, rate
// limits) are retried inside the executor; permanent ones (malformed input,
// authorization, schema violations) abort immediately.
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Error is the typed failure surfaced to the pipeline engine. It always
// carries the classification the engine uses to decide the run outcome.
type Error struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %s: %s error: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable stage failure.
func Transient(stage string, err error) *Error {
	return &Error{Stage: stage, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable stage failure.
func Permanent(stage string, err error) *Error {
	return &Error{Stage: stage, Kind: KindPermanent, Err: err}
}

// classify normalizes an arbitrary runner error into a stage Error. Typed
// errors pass through; everything else, including deadline expiry, is
// treated as transient so the bounded retry loop gets a chance at it.
func classify(stageName string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Transient(stageName, err)
}

// IsPermanent reports whether err carries a permanent stage classification.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindPermanent
}
