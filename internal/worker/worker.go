// Package worker provides a NATS request/reply transport for synthesis jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/job"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	drainTimeout      = 5 * time.Second
	drainPollInterval = 10 * time.Millisecond
)

var (
	// ErrSubjectEmpty indicates that no job subject was configured.
	ErrSubjectEmpty = errors.New("job subject cannot be empty")
	// ErrDrainTimeout indicates that pending messages were still queued when the drain deadline passed.
	ErrDrainTimeout = errors.New("timed out draining subscription")
)

// Runner executes one request synchronously.
type Runner interface {
	Run(ctx context.Context, req job.Request) (core.Result, error)
}

// JobMessage is the payload published on the job subject.
type JobMessage struct {
	Header events.EventHeader `json:"header"`
	job.Request
}

// JobReply is the payload sent back to the requester.
type JobReply struct {
	Header events.EventHeader `json:"header"`
	core.Result
}

// NatsWorker listens for synthesis jobs on a NATS subject and replies with their results.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	queueGroup     string
	runner         Runner
	log            *logger.Logger

	mu        sync.Mutex
	accepting bool
	handlers  sync.WaitGroup
}

// NewNatsWorker creates a new instance of a NATS worker. Workers sharing a
// queue group split the messages of the subject between them.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	queueGroup string,
	runner Runner,
	log *logger.Logger,
) (*NatsWorker, error) {
	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		queueGroup:     queueGroup,
		runner:         runner,
		log:            log,
	}, nil
}

// Run subscribes and serves jobs until ctx is cancelled. It then drains the
// subscription, so messages the server already delivered still reach the
// runner, and waits for in-flight handlers.
func (w *NatsWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.accepting = true
	w.mu.Unlock()

	sub, err := w.natsConnection.QueueSubscribe(w.subject, w.queueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for jobs on %s (queue group %q)", w.subject, w.queueGroup)

	<-ctx.Done()

	drainErr := waitForDrain(sub)

	w.mu.Lock()
	w.accepting = false
	w.mu.Unlock()

	w.handlers.Wait()

	return drainErr
}

// waitForDrain blocks until the asynchronous drain has delivered every
// pending message and closed the subscription.
func waitForDrain(sub *nats.Subscription) error {
	err := sub.Drain()
	if err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}

	deadline := time.Now().Add(drainTimeout)

	for sub.IsValid() {
		if time.Now().After(deadline) {
			return ErrDrainTimeout
		}

		time.Sleep(drainPollInterval)
	}

	return nil
}

// handleMessage hands each job to its own goroutine so a slow job does not
// hold up the subscription.
func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	w.mu.Lock()

	if !w.accepting {
		w.mu.Unlock()
		w.reply(msg, events.EventHeader{}, core.ErrorResult("", core.StageAdmission, core.ErrShuttingDown))

		return
	}

	w.handlers.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.handlers.Done()

		w.process(msg)
	}()
}

func (w *NatsWorker) process(msg *nats.Msg) {
	message, err := parseMessage(msg)
	if err != nil {
		w.log.Error("Failed to parse job message: %v", err)
		w.reply(msg, events.EventHeader{}, core.ErrorResult("", core.StageAdmission, err))

		return
	}

	result, err := w.runner.Run(context.Background(), message.Request)
	if err != nil {
		w.log.Warn("Job from workflow %s was not run: %v", message.Header.WorkflowID, err)
		result = core.ErrorResult("", core.StageAdmission, err)
	}

	w.reply(msg, message.Header, result)
}

func (w *NatsWorker) reply(msg *nats.Msg, requestHeader events.EventHeader, result core.Result) {
	if msg.Reply == "" {
		return
	}

	replyErr := publishReply(msg, JobReply{Header: replyHeader(requestHeader), Result: result})
	if replyErr != nil {
		w.log.Error("Failed to publish reply for job %s: %v", result.JobID, replyErr)
	}
}

func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}

// publishReply marshals and responds with the JobReply.
func publishReply(msg *nats.Msg, reply JobReply) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	return nil
}

func parseMessage(msg *nats.Msg) (*JobMessage, error) {
	var message JobMessage

	err := json.Unmarshal(msg.Data, &message)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal job message: %w", core.ErrValidation, err)
	}

	return &message, nil
}
