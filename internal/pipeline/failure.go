package pipeline

import (
	"context"
	"errors"
	"fmt"

	"toeic-pipeline/internal/domain"
)

// Failure is a classified provider failure. Provider clients return it so
// the rotation path can tell recoverable rejections from hard errors.
type Failure struct {
	Kind domain.FailureKind
	Err  error
}

// Error formats the failure with its classification.
func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("provider failure (%s): %v", f.Kind, f.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// classifyFailure maps a provider call error to a rotation failure kind.
// A timed-out call feeds the same rotation path as an explicit rejection.
func classifyFailure(err error) domain.FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}
	return domain.FailureUnknown
}

// StageError is a stage-aware pipeline error.
type StageError struct {
	Stage   string
	Message string
	Err     error
}

// Error formats pipeline failures for logs and the run transcript.
func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
