package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when no run exists for an id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinalized is returned when a terminal run is mutated.
	ErrRunFinalized = errors.New("run already finalized")

	// ErrStageRecorded is returned when a stage result is recorded twice.
	ErrStageRecorded = errors.New("stage already recorded")

	// ErrRunExists is returned when a run id is persisted twice.
	ErrRunExists = errors.New("run already exists")
)

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	ErrorTimeout         ErrorKind = "timeout"
	ErrorRateLimited     ErrorKind = "rate_limited"
	ErrorUnavailable     ErrorKind = "unavailable"
	ErrorInvalidResponse ErrorKind = "invalid_response"
	ErrorRejected        ErrorKind = "rejected"
	ErrorFatal           ErrorKind = "fatal"
	ErrorCancelled       ErrorKind = "cancelled"
)

// IsTransient reports whether a failure of this kind may be retried.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case ErrorTimeout, ErrorRateLimited, ErrorUnavailable:
		return true
	default:
		return false
	}
}

// StageError is a classified stage failure.
type StageError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewStageError creates a classified error with a formatted message.
func NewStageError(kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the classification of err. Context errors map to timeout or
// cancelled; anything unclassified is fatal.
func KindOf(err error) ErrorKind {
	var se *StageError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	default:
		return ErrorFatal
	}
}

// AsStageError converts any error into a StageError, keeping an existing
// classification.
func AsStageError(err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: KindOf(err), Message: err.Error()}
}
