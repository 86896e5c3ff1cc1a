package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrNoFiles      = errors.New("no files selected")
	ErrNotConnected = errors.New("session is not connected")
)

// PreconditionError is returned when a batch cannot start; no request was issued
type PreconditionError struct {
	Strategy string
	Err      error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s submission not started: %v", e.Strategy, e.Err)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// SubmissionError is the failure of one file in a batch. Index is 1-based.
type SubmissionError struct {
	Index    int
	FileName string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("file %d (%s): %v", e.Index, e.FileName, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
