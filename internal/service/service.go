// Package service is the entry point shared by the HTTP and NATS transports:
// it validates a request, admits it to the pool and waits for the result.
package service

import (
	"context"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/job"
	"github.com/book-expert/synthesis-service/internal/pool"
)

// Submitter admits descriptors for execution.
type Submitter interface {
	Submit(desc core.Descriptor) (*pool.Handle, error)
}

// Service runs synthesis requests synchronously.
type Service struct {
	submitter      Submitter
	defaults       job.Defaults
	requestTimeout time.Duration
	log            *logger.Logger
}

// New creates a Service. A zero requestTimeout waits as long as the caller's context allows.
func New(submitter Submitter, defaults job.Defaults, requestTimeout time.Duration, log *logger.Logger) *Service {
	return &Service{
		submitter:      submitter,
		defaults:       defaults,
		requestTimeout: requestTimeout,
		log:            log,
	}
}

// Run validates req, submits it and waits for the job result.
//
// The returned error is non-nil only when no Result exists: it wraps
// core.ErrValidation, core.ErrPoolSaturated, core.ErrShuttingDown or the
// context error of a caller that stopped waiting. A failed job is reported
// through the Result.
func (s *Service) Run(ctx context.Context, req job.Request) (core.Result, error) {
	desc, err := job.Build(req, s.defaults)
	if err != nil {
		return core.Result{}, err
	}

	handle, err := s.submitter.Submit(desc)
	if err != nil {
		s.log.Warn("Job %s not admitted: %v", desc.ID, err)

		return core.Result{}, err
	}

	s.log.Info("Job %s admitted (voice=%s, conversion=%t, callback=%t)",
		desc.ID, desc.Voice, desc.HasConversion(), desc.HasCallback())

	if s.requestTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		s.log.Warn("Stopped waiting for job %s: %v", desc.ID, err)

		return core.Result{}, err
	}

	return result, nil
}
