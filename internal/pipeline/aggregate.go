package pipeline

import (
	"errors"

	"github.com/book-expert/synthesis-service/internal/core"
)

const (
	msgSynthesized          = "Text synthesized successfully"
	msgSynthesizedConverted = "Text synthesized and converted successfully"
	msgUploadUnavailable    = "; upload failed, artifact kept locally"
)

// Outcome is what the stage sequence of one job produced.
// A nil stage error means the stage succeeded or did not run.
type Outcome struct {
	JobID string

	SynthesisPath string
	SynthesisTime float64
	SynthesisErr  error
	AudioDuration float64

	ConversionRan  bool
	ConversionPath string
	ConversionTime float64
	ConversionErr  error

	UploadRan bool
	PublicURL string
	UploadErr error
}

// Aggregate folds a stage outcome into the single Result returned to the caller.
func Aggregate(outcome Outcome) core.Result {
	if outcome.SynthesisErr != nil {
		return failed(outcome, core.StageSynthesis, outcome.SynthesisErr, "")
	}

	if outcome.ConversionErr != nil {
		// The synthesis artifact is left in place when conversion fails.
		return failed(outcome, core.StageConversion, outcome.ConversionErr, outcome.SynthesisPath)
	}

	result := core.Result{
		JobID:         outcome.JobID,
		Status:        core.StatusSuccess,
		Message:       msgSynthesized,
		LocalPath:     outcome.SynthesisPath,
		SynthesisTime: outcome.SynthesisTime,
		AudioDuration: outcome.AudioDuration,
	}

	if outcome.ConversionRan {
		result.Message = msgSynthesizedConverted
		result.LocalPath = outcome.ConversionPath
		result.ConversionTime = outcome.ConversionTime
	}

	if outcome.UploadRan {
		if outcome.UploadErr != nil {
			result.UploadError = outcome.UploadErr.Error()
			result.Message += msgUploadUnavailable
		} else {
			result.PublicURL = outcome.PublicURL
		}
	}

	return result
}

func failed(outcome Outcome, stage core.Stage, err error, localPath string) core.Result {
	stageErr := asStageError(stage, err)

	return core.Result{
		JobID:          outcome.JobID,
		Status:         core.StatusError,
		Message:        stageErr.Error(),
		LocalPath:      localPath,
		SynthesisTime:  outcome.SynthesisTime,
		ConversionTime: outcome.ConversionTime,
		Error: &core.FailureDetail{
			Stage:  stage,
			Detail: stageErr.Err.Error(),
		},
	}
}

func asStageError(stage core.Stage, err error) *core.StageError {
	var stageErr *core.StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}

	return core.NewStageError(stage, err)
}
