// Package worker_test tests the NATS transport of the synthesis service.
package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/job"
	"github.com/book-expert/synthesis-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubject = "test.synthesis.jobs"

// mockRunner is a mock implementation of the Runner interface.
type mockRunner struct {
	mu            sync.Mutex
	runShouldFail bool
	delay         time.Duration
	received      []job.Request
}

func (m *mockRunner) Run(_ context.Context, req job.Request) (core.Result, error) {
	time.Sleep(m.delay)

	m.mu.Lock()
	m.received = append(m.received, req)
	m.mu.Unlock()

	if m.runShouldFail {
		return core.Result{}, fmt.Errorf("%w: 1 jobs in flight", core.ErrPoolSaturated)
	}

	return core.Result{
		JobID:         "job-" + req.Text,
		Status:        core.StatusSuccess,
		Message:       "Text synthesized successfully",
		LocalPath:     "assets/audios/tts_output.wav",
		SynthesisTime: 0.5,
	}, nil
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

func startWorker(t *testing.T, runner worker.Runner) *nats.Conn {
	t.Helper()

	natsConnection := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	workerInstance, err := worker.NewNatsWorker(natsConnection, testSubject, "test-workers", runner, testLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})

	// Requests share the connection, so the SUB precedes them once it is registered.
	require.Eventually(t, func() bool {
		return natsConnection.NumSubscriptions() > 0
	}, 5*time.Second, 10*time.Millisecond)

	return natsConnection
}

func request(t *testing.T, natsConnection *nats.Conn, payload any) worker.JobReply {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request(testSubject, data, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var reply worker.JobReply
	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	return reply
}

func TestMessageHandler_Success(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	natsConnection := startWorker(t, runner)

	message := worker.JobMessage{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     "user-1",
			TenantID:   "",
		},
		Request: job.Request{Text: "hello", Voice: "en-US-JennyNeural", ModelFile: "voice.pth"},
	}

	reply := request(t, natsConnection, message)

	assert.Equal(t, core.StatusSuccess, reply.Status)
	assert.Equal(t, "job-hello", reply.JobID)
	assert.Equal(t, "assets/audios/tts_output.wav", reply.LocalPath)
	assert.Equal(t, message.Header.WorkflowID, reply.Header.WorkflowID)
	assert.Equal(t, "user-1", reply.Header.UserID)
	assert.NotEqual(t, message.Header.EventID, reply.Header.EventID)

	runner.mu.Lock()
	defer runner.mu.Unlock()

	require.Len(t, runner.received, 1)
	assert.Equal(t, "voice.pth", runner.received[0].ModelFile)
}

func TestMessageHandler_InvalidJSON(t *testing.T) {
	t.Parallel()

	natsConnection := startWorker(t, &mockRunner{})

	replyMsg, err := natsConnection.Request(testSubject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var reply worker.JobReply
	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	assert.Equal(t, core.StatusError, reply.Status)
	require.NotNil(t, reply.Error)
	assert.Equal(t, core.StageAdmission, reply.Error.Stage)
}

func TestMessageHandler_RunnerRejects(t *testing.T) {
	t.Parallel()

	natsConnection := startWorker(t, &mockRunner{runShouldFail: true})

	reply := request(t, natsConnection, job.Request{Text: "hello"})

	assert.Equal(t, core.StatusError, reply.Status)
	assert.Contains(t, reply.Message, core.ErrPoolSaturated.Error())
}

func TestMessageHandler_ConcurrentJobs(t *testing.T) {
	t.Parallel()

	natsConnection := startWorker(t, &mockRunner{delay: 200 * time.Millisecond})

	var wg sync.WaitGroup

	started := time.Now()

	for i := range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			reply := request(t, natsConnection, job.Request{Text: fmt.Sprintf("t%d", i)})
			assert.Equal(t, core.StatusSuccess, reply.Status)
		}()
	}

	wg.Wait()

	assert.Less(t, time.Since(started), time.Second, "jobs should not be serialised by the subscription")
}

func TestNewNatsWorker_RequiresSubject(t *testing.T) {
	t.Parallel()

	_, err := worker.NewNatsWorker(nil, "", "", &mockRunner{}, nil)
	require.ErrorIs(t, err, worker.ErrSubjectEmpty)
}

func TestRun_DrainDeliversPendingMessages(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	runner := &mockRunner{delay: 20 * time.Millisecond}
	workerInstance, err := worker.NewNatsWorker(natsConnection, testSubject, "test-workers", runner, testLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return natsConnection.NumSubscriptions() > 0
	}, 5*time.Second, 10*time.Millisecond)

	inbox := nats.NewInbox()
	replies, err := natsConnection.SubscribeSync(inbox)
	require.NoError(t, err)

	const pending = 10

	for i := range pending {
		data, marshalErr := json.Marshal(job.Request{Text: fmt.Sprintf("t%d", i)})
		require.NoError(t, marshalErr)
		require.NoError(t, natsConnection.PublishRequest(testSubject, inbox, data))
	}

	// The UNSUB sent by the drain follows the requests on the same connection.
	cancel()
	require.NoError(t, <-errChan)

	for range pending {
		replyMsg, nextErr := replies.NextMsg(5 * time.Second)
		require.NoError(t, nextErr)

		var reply worker.JobReply
		require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))
		assert.Equal(t, core.StatusSuccess, reply.Status, reply.Message)
	}
}
