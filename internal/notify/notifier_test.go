package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("callback unreachable")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "notify-test.log")
	require.NoError(t, err)

	return log
}

func TestHTTPNotifier_Deliver(t *testing.T) {
	t.Parallel()

	var received core.Notification

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, http.MethodPost, request.Method)
		assert.Equal(t, "application/json", request.Header.Get("Content-Type"))
		assert.Equal(t, "synthesis-test/1.0", request.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(request.Body).Decode(&received))
		writer.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	result := core.Result{JobID: "job-1", Status: core.StatusSuccess, Message: "ok", LocalPath: "/tmp/a.wav", SynthesisTime: 1.5}
	payload := notify.NewNotification(result, "wf-1")

	err := notify.NewHTTPNotifier(server.Client(), "synthesis-test/1.0").Deliver(context.Background(), server.URL, payload)
	require.NoError(t, err)

	assert.Equal(t, "job-1", received.JobID)
	assert.Equal(t, core.StatusSuccess, received.Status)
	assert.Equal(t, "/tmp/a.wav", received.LocalPath)
	assert.Equal(t, "wf-1", received.Header.WorkflowID)
	assert.NotEmpty(t, received.Header.EventID)
}

func TestHTTPNotifier_Non2xx(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	err := notify.NewHTTPNotifier(nil, "").Deliver(context.Background(), server.URL, core.Notification{JobID: "x"})
	require.ErrorIs(t, err, core.ErrNotification)
	assert.Contains(t, err.Error(), "502")
}

type recordingNotifier struct {
	mu          sync.Mutex
	calls       []core.Notification
	delay       time.Duration
	shouldFail  bool
	shouldPanic bool
}

func (r *recordingNotifier) Deliver(ctx context.Context, _ string, payload core.Notification) error {
	if r.shouldPanic {
		panic("boom")
	}

	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	r.calls = append(r.calls, payload)
	r.mu.Unlock()

	if r.shouldFail {
		return errUnreachable
	}

	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.calls)
}

func TestDispatcher_DoesNotBlockCaller(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{delay: 200 * time.Millisecond}
	dispatcher := notify.NewDispatcher(notifier, time.Second, newTestLogger(t))

	started := time.Now()
	dispatcher.Dispatch("http://callback", core.Notification{JobID: "a"})
	assert.Less(t, time.Since(started), 100*time.Millisecond)

	require.NoError(t, dispatcher.Wait(context.Background()))
	assert.Equal(t, 1, notifier.count())
}

func TestDispatcher_FailureIsNotRetried(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{shouldFail: true}
	dispatcher := notify.NewDispatcher(notifier, time.Second, newTestLogger(t))

	dispatcher.Dispatch("http://callback", core.Notification{JobID: "a"})
	require.NoError(t, dispatcher.Wait(context.Background()))
	assert.Equal(t, 1, notifier.count())
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	t.Parallel()

	dispatcher := notify.NewDispatcher(&recordingNotifier{shouldPanic: true}, time.Second, newTestLogger(t))

	dispatcher.Dispatch("http://callback", core.Notification{JobID: "a"})
	require.NoError(t, dispatcher.Wait(context.Background()))
}

func TestDispatcher_TimeoutBoundsDelivery(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{delay: time.Minute}
	dispatcher := notify.NewDispatcher(notifier, 50*time.Millisecond, newTestLogger(t))

	dispatcher.Dispatch("http://callback", core.Notification{JobID: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Wait(ctx))
	assert.Equal(t, 0, notifier.count())
}

func TestDispatcher_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{delay: time.Second}
	dispatcher := notify.NewDispatcher(notifier, 0, newTestLogger(t))
	dispatcher.Dispatch("http://callback", core.Notification{JobID: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, dispatcher.Wait(ctx), context.DeadlineExceeded)
}
