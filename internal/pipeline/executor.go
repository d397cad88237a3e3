// Package pipeline runs the stages of one synthesis job and folds their
// outcomes into a single result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/audio"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/fsutil"
)

var (
	// ErrStagePanic indicates that a stage implementation panicked.
	ErrStagePanic = errors.New("stage panicked")
	// ErrNoSynthesizer indicates that the executor was built without a synthesizer.
	ErrNoSynthesizer = errors.New("no synthesizer configured")
	// ErrNoConverter indicates a conversion was requested but no converter is configured.
	ErrNoConverter = errors.New("voice conversion is not available")
	// ErrExecutionFault indicates a panic outside the stage implementations.
	ErrExecutionFault = errors.New("job execution fault")
)

// Stages are the capabilities a job runs through. A nil Converter or
// Uploader means that stage is unavailable.
type Stages struct {
	Synthesizer core.Synthesizer
	Converter   core.Converter
	Uploader    core.Uploader
}

// NotificationDispatcher starts delivery of a notification without waiting for it.
type NotificationDispatcher interface {
	Dispatch(url string, payload core.Notification)
}

// NotificationBuilder converts a finished Result into a callback payload.
type NotificationBuilder func(result core.Result, workflowID string) core.Notification

// Executor runs the stage sequence of a job.
type Executor struct {
	stages     Stages
	dispatcher NotificationDispatcher
	payload    NotificationBuilder
	log        *logger.Logger
}

// NewExecutor creates an executor. The dispatcher may be nil when callbacks are
// not supported, in which case callback URLs are logged and ignored.
func NewExecutor(
	stages Stages,
	dispatcher NotificationDispatcher,
	payload NotificationBuilder,
	log *logger.Logger,
) *Executor {
	return &Executor{
		stages:     stages,
		dispatcher: dispatcher,
		payload:    payload,
		log:        log,
	}
}

// Execute runs synthesis, optional conversion and optional upload in order,
// then hands the result to the notifier if the job has a callback.
// It always returns a Result; it never returns before the stages finish and
// never waits for the notification. A panic outside the stages still yields
// an error Result and exactly one notification.
func (e *Executor) Execute(ctx context.Context, desc core.Descriptor) (result core.Result) {
	defer func() {
		recovered := recover()
		if recovered != nil {
			e.log.Error("Job %s: execution panicked: %v", desc.ID, recovered)
			result = core.ErrorResult(desc.ID, core.StageWorker, fmt.Errorf("%w: %v", ErrExecutionFault, recovered))
		}

		e.notify(desc, result)
	}()

	outcome := e.produce(ctx, desc)

	if outcome.SynthesisErr == nil && outcome.ConversionErr == nil {
		e.upload(ctx, desc, &outcome)
	}

	result = Aggregate(outcome)

	if result.Succeeded() {
		e.log.Info("Job %s completed: %s", desc.ID, result.LocalPath)
	} else {
		e.log.Error("Job %s failed at %s stage: %s", desc.ID, result.Error.Stage, result.Error.Detail)
	}

	return result
}

func (e *Executor) produce(ctx context.Context, desc core.Descriptor) Outcome {
	outcome := Outcome{JobID: desc.ID, SynthesisPath: desc.SynthesisPath}

	started := time.Now()
	outcome.SynthesisErr = e.guard(core.StageSynthesis, desc.ID, func() error {
		if e.stages.Synthesizer == nil {
			return ErrNoSynthesizer
		}

		return e.stages.Synthesizer.Synthesize(ctx, core.SynthesisRequest{
			Text:           desc.Text,
			Voice:          desc.Voice,
			RateAdjustment: desc.RateAdjustment,
			OutputPath:     desc.SynthesisPath,
		})
	})
	outcome.SynthesisTime = time.Since(started).Seconds()

	if outcome.SynthesisErr != nil {
		return outcome
	}

	e.log.Info("Job %s: synthesized %s in %s", desc.ID, desc.SynthesisPath, fsutil.FormatDuration(outcome.SynthesisTime))

	duration, durationErr := audio.FileDuration(desc.SynthesisPath)
	if durationErr != nil {
		e.log.Warn("Job %s: could not read audio length: %v", desc.ID, durationErr)
	} else {
		outcome.AudioDuration = duration
	}

	if !desc.HasConversion() {
		return outcome
	}

	outcome.ConversionRan = true
	outcome.ConversionPath = desc.ConversionPath

	started = time.Now()
	outcome.ConversionErr = e.guard(core.StageConversion, desc.ID, func() error {
		if e.stages.Converter == nil {
			return ErrNoConverter
		}

		return e.stages.Converter.Convert(ctx, core.ConversionRequest{
			InputPath:    desc.SynthesisPath,
			OutputPath:   desc.ConversionPath,
			ExportFormat: desc.ExportFormat,
			Params:       *desc.Conversion,
		})
	})
	outcome.ConversionTime = time.Since(started).Seconds()

	if outcome.ConversionErr != nil {
		return outcome
	}

	e.log.Info("Job %s: converted %s in %s", desc.ID, desc.ConversionPath, fsutil.FormatDuration(outcome.ConversionTime))

	removeErr := fsutil.RemoveFile(desc.SynthesisPath)
	if removeErr != nil {
		e.log.Warn("Job %s: failed to remove intermediate file %s: %v", desc.ID, desc.SynthesisPath, removeErr)
	}

	return outcome
}

func (e *Executor) upload(ctx context.Context, desc core.Descriptor, outcome *Outcome) {
	if e.stages.Uploader == nil {
		return
	}

	artifact := outcome.SynthesisPath
	if outcome.ConversionRan {
		artifact = outcome.ConversionPath
	}

	outcome.UploadRan = true
	outcome.UploadErr = e.guard(core.StageUpload, desc.ID, func() error {
		publicURL, err := e.stages.Uploader.UploadFile(ctx, artifact)
		if err != nil {
			return err
		}

		outcome.PublicURL = publicURL

		return nil
	})

	if outcome.UploadErr != nil {
		e.log.Warn("Job %s: %v", desc.ID, outcome.UploadErr)

		return
	}

	e.log.Info("Job %s: uploaded %s to %s", desc.ID, artifact, outcome.PublicURL)
}

func (e *Executor) notify(desc core.Descriptor, result core.Result) {
	if !desc.HasCallback() {
		return
	}

	if e.dispatcher == nil || e.payload == nil {
		e.log.Warn("Job %s: callback %s ignored, notifications are not configured", desc.ID, desc.CallbackURL)

		return
	}

	e.dispatcher.Dispatch(desc.CallbackURL, e.payload(result, desc.ID))
}

// guard runs one stage, converting a panic into that stage's error.
func (e *Executor) guard(stage core.Stage, jobID string, run func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		e.log.Error("Job %s: %s stage panicked: %v", jobID, stage, recovered)
		err = core.NewStageError(stage, fmt.Errorf("%w: %v", ErrStagePanic, recovered))
	}()

	runErr := run()
	if runErr != nil {
		return core.NewStageError(stage, runErr)
	}

	return nil
}
