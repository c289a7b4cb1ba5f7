package service

import (
	"errors"
	"fmt"

	"framechain/internal/model"
)

var (
	// ErrPrecondition rejects a call whose required inputs are missing.
	// It never marks the workflow as failed.
	ErrPrecondition = errors.New("precondition failed")
	ErrPollTimeout  = errors.New("video job did not finish in time")
	ErrRunning      = errors.New("workflow is already running")
)

// StepError is a typed pipeline failure. Clip is -1 when the failure is
// not tied to a clip.
type StepError struct {
	Kind model.ErrorKind
	Clip int
	Err  error
}

func (e *StepError) Error() string {
	if e.Clip >= 0 {
		return fmt.Sprintf("%s failure at clip %d: %v", e.Kind, e.Clip, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(kind model.ErrorKind, clip int, err error) *StepError {
	return &StepError{Kind: kind, Clip: clip, Err: err}
}

func precondition(format string, args ...any) *StepError {
	return &StepError{Kind: model.KindPrecondition, Clip: -1, Err: fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))}
}

// KindOf returns the kind carried by err, or "" for untyped errors.
func KindOf(err error) model.ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
