// Package notify delivers job completion payloads to caller supplied callback URLs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/google/uuid"
)

const (
	headerContentType = "Content-Type"
	headerUserAgent   = "User-Agent"
	contentTypeJSON   = "application/json"

	// maxDrainBytes bounds how much of a response body is read to allow connection reuse.
	maxDrainBytes = 4096
)

// HTTPNotifier posts notifications as JSON.
type HTTPNotifier struct {
	client    *http.Client
	userAgent string
}

// NewHTTPNotifier creates a notifier. A nil client uses a dedicated default client.
func NewHTTPNotifier(client *http.Client, userAgent string) *HTTPNotifier {
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPNotifier{client: client, userAgent: userAgent}
}

// Deliver posts payload to url. Any non-2xx response is an error.
func (n *HTTPNotifier) Deliver(ctx context.Context, url string, payload core.Notification) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %w", core.ErrNotification, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", core.ErrNotification, err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)

	if n.userAgent != "" {
		req.Header.Set(headerUserAgent, n.userAgent)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to send request: %w", core.ErrNotification, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: callback returned status %d", core.ErrNotification, resp.StatusCode)
	}

	return nil
}

// NewNotification builds the callback payload for a finished job.
func NewNotification(result core.Result, workflowID string) core.Notification {
	return core.Notification{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: workflowID,
			EventID:    uuid.NewString(),
		},
		JobID:         result.JobID,
		Status:        result.Status,
		Message:       result.Message,
		LocalPath:     result.LocalPath,
		PublicURL:     result.PublicURL,
		SynthesisTime: result.SynthesisTime,
		AudioDuration: result.AudioDuration,
		Error:         result.Error,
	}
}

// Dispatcher delivers notifications in the background. Each dispatched
// notification is attempted exactly once; failures are logged and dropped.
type Dispatcher struct {
	notifier core.Notifier
	timeout  time.Duration
	log      *logger.Logger
	pending  sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A zero timeout leaves delivery unbounded.
func NewDispatcher(notifier core.Notifier, timeout time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, timeout: timeout, log: log}
}

// Dispatch starts delivery and returns immediately.
func (d *Dispatcher) Dispatch(url string, payload core.Notification) {
	d.pending.Add(1)

	go func() {
		defer d.pending.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				d.log.Error("Notifier panicked for job %s: %v", payload.JobID, recovered)
			}
		}()

		ctx := context.Background()

		if d.timeout > 0 {
			var cancel context.CancelFunc

			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		err := d.notifier.Deliver(ctx, url, payload)
		if err != nil {
			d.log.Warn("Failed to notify %s for job %s: %v", url, payload.JobID, err)

			return
		}

		d.log.Info("Notified %s for job %s (%s)", url, payload.JobID, payload.Status)
	}()
}

// Wait blocks until every dispatched notification has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		d.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to flush notifications: %w", ctx.Err())
	}
}
