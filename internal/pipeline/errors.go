package pipeline

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindSchema         ErrorKind = "SchemaError"
	KindExtraction     ErrorKind = "ExtractionError"
	KindTransformation ErrorKind = "TransformationError"
	KindLoad           ErrorKind = "LoadError"
	KindQuality        ErrorKind = "QualityViolation"
	KindMerge          ErrorKind = "MergeError"
	KindCleanup        ErrorKind = "CleanupError"
)

var (
	ErrRunInProgress = errors.New("a run for this logical date is already in progress")
	ErrInvalidGraph  = errors.New("invalid task graph")
)

// StageError is the recorded failure of one task attempt.
type StageError struct {
	Kind    ErrorKind
	RunID   string
	Stage   string
	Attempt int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s in %s (run %s, attempt %d): %v", e.Kind, e.Stage, e.RunID, e.Attempt, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable is false only for failures that declare themselves fatal, such
// as a quality violation.
func (e *StageError) Retryable() bool {
	var fatal interface{ Fatal() bool }
	if errors.As(e.Err, &fatal) && fatal.Fatal() {
		return false
	}
	return true
}
