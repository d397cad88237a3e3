package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a malformed or incomplete job request.
	ErrValidation = errors.New("invalid job request")
	// ErrSynthesis indicates the speech synthesis stage failed.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrConversion indicates the voice conversion stage failed.
	ErrConversion = errors.New("conversion failed")
	// ErrUpload indicates the upload stage failed. It never fails a job.
	ErrUpload = errors.New("upload failed")
	// ErrNotification indicates a callback could not be delivered.
	ErrNotification = errors.New("notification failed")
	// ErrPoolSaturated is returned by a rejecting pool that has no free slot.
	ErrPoolSaturated = errors.New("pool saturated")
	// ErrShuttingDown is returned once shutdown has been requested.
	ErrShuttingDown = errors.New("service is shutting down")
	// ErrArtifactNotFound indicates that no stored artifact has the requested key.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Stage names one step of the job pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageSynthesis    Stage = "synthesis"
	StageConversion   Stage = "conversion"
	StageUpload       Stage = "upload"
	StageNotification Stage = "notification"
	StageWorker       Stage = "worker"
	// StageAdmission covers failures before a job reaches the pool.
	StageAdmission Stage = "admission"
)

// StageError ties a failure to the stage that produced it.
// errors.Is matches both the stage sentinel and the underlying cause.
type StageError struct {
	Stage Stage
	Err   error
}

// NewStageError wraps err for the given stage.
func NewStageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap exposes the stage sentinel and the cause.
func (e *StageError) Unwrap() []error {
	sentinel := stageSentinel(e.Stage)
	if sentinel == nil {
		return []error{e.Err}
	}

	return []error{sentinel, e.Err}
}

func stageSentinel(stage Stage) error {
	switch stage {
	case StageSynthesis:
		return ErrSynthesis
	case StageConversion:
		return ErrConversion
	case StageUpload:
		return ErrUpload
	case StageNotification:
		return ErrNotification
	case StageWorker, StageAdmission:
		return nil
	default:
		return nil
	}
}
