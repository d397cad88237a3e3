package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/api"
	"github.com/book-expert/synthesis-service/internal/config"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/job"
	"github.com/book-expert/synthesis-service/internal/lifecycle"
	"github.com/book-expert/synthesis-service/internal/notify"
	"github.com/book-expert/synthesis-service/internal/pipeline"
	"github.com/book-expert/synthesis-service/internal/pool"
	"github.com/book-expert/synthesis-service/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errVoiceMissing = errors.New("voice not available")

type stubRunner struct {
	result core.Result
	err    error
	last   job.Request
}

func (s *stubRunner) Run(_ context.Context, req job.Request) (core.Result, error) {
	s.last = req

	return s.result, s.err
}

type stubStats struct{}

func (stubStats) Stats() pool.Stats {
	return pool.Stats{Limit: 50, InFlight: 2, Queued: 1, Mode: config.AdmissionQueue}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "api-test.log")
	require.NoError(t, err)

	return log
}

func newHandler(t *testing.T, runner api.Runner, apiKey string) (http.Handler, *lifecycle.Controller) {
	t.Helper()

	log := newTestLogger(t)
	controller := lifecycle.NewController(log)
	controller.MarkReady()

	server := api.NewServer(config.ServerConfig{APIKey: apiKey, RequestTimeoutSeconds: 5}, runner, stubStats{}, controller, log)

	return server.Handler(), controller
}

func newServer(t *testing.T, apiKey string) *api.Server {
	t.Helper()

	log := newTestLogger(t)
	controller := lifecycle.NewController(log)
	controller.MarkReady()

	return api.NewServer(config.ServerConfig{APIKey: apiKey, RequestTimeoutSeconds: 5}, &stubRunner{}, stubStats{}, controller, log)
}

func get(handler http.Handler, target string, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodGet, target, nil)
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	return recorder
}

func post(handler http.Handler, body, contentType string, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, api.RouteSynthesize, bytes.NewBufferString(body))
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	for key, value := range headers {
		request.Header.Set(key, value)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	return recorder
}

func TestSynthesize_StatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		runner     *stubRunner
		body       string
		wantStatus int
	}{
		{
			name:       "success",
			runner:     &stubRunner{result: core.Result{JobID: "a", Status: core.StatusSuccess}},
			body:       `{"text":"hello"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "job error",
			runner:     &stubRunner{result: core.ErrorResult("a", core.StageSynthesis, errVoiceMissing)},
			body:       `{"text":"hello"}`,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "validation",
			runner:     &stubRunner{err: fmt.Errorf("%w: text is required", core.ErrValidation)},
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "saturated",
			runner:     &stubRunner{err: core.ErrPoolSaturated},
			body:       `{"text":"hello"}`,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "shutting down",
			runner:     &stubRunner{err: core.ErrShuttingDown},
			body:       `{"text":"hello"}`,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "caller timeout",
			runner:     &stubRunner{err: fmt.Errorf("job a: %w", context.DeadlineExceeded)},
			body:       `{"text":"hello"}`,
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "malformed json",
			runner:     &stubRunner{},
			body:       `{"text":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler, _ := newHandler(t, tc.runner, "")
			recorder := post(handler, tc.body, "application/json", nil)

			assert.Equal(t, tc.wantStatus, recorder.Code, recorder.Body.String())
			assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
		})
	}
}

func TestSynthesize_JobErrorCarriesResult(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{result: core.ErrorResult("job-9", core.StageConversion, errVoiceMissing)}
	handler, _ := newHandler(t, runner, "")

	recorder := post(handler, `{"text":"hello","model_file":"v.pth"}`, "application/json", nil)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)

	var result core.Result
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	assert.Equal(t, "job-9", result.JobID)
	require.NotNil(t, result.Error)
	assert.Equal(t, core.StageConversion, result.Error.Stage)
	assert.Equal(t, "v.pth", runner.last.ModelFile)
}

func TestSynthesize_RequiresJSONContentType(t *testing.T) {
	t.Parallel()

	handler, _ := newHandler(t, &stubRunner{}, "")

	recorder := post(handler, `text=hello`, "application/x-www-form-urlencoded", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSynthesize_APIKey(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{result: core.Result{JobID: "a", Status: core.StatusSuccess}}
	handler, _ := newHandler(t, runner, "secret")

	assert.Equal(t, http.StatusForbidden, post(handler, `{"text":"a"}`, "application/json", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		post(handler, `{"text":"a"}`, "application/json", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		post(handler, `{"text":"a"}`, "application/json", map[string]string{"X-API-Key": "secret"}).Code)
}

func TestSynthesize_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	handler, _ := newHandler(t, &stubRunner{}, "")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, api.RouteSynthesize, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestHealthAndShutdown(t *testing.T) {
	t.Parallel()

	handler, controller := newHandler(t, &stubRunner{}, "")

	var hookRan atomic.Bool

	controller.OnShutdown(func() { hookRan.Store(true) })

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, api.RouteHealth, nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &health))
	assert.Equal(t, lifecycle.StatusReady, health.Status)

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, api.RouteShutdown, nil))
	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.True(t, hookRan.Load())

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, api.RouteHealth, nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestJobsRoute(t *testing.T) {
	t.Parallel()

	handler, _ := newHandler(t, &stubRunner{}, "")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, api.RouteJobs, nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var stats pool.Stats
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &stats))
	assert.Equal(t, 50, stats.Limit)
	assert.Equal(t, 2, stats.InFlight)
}

type failingSynthesizer struct{}

func (failingSynthesizer) Synthesize(_ context.Context, _ core.SynthesisRequest) error {
	return errVoiceMissing
}

type writingSynthesizer struct{}

func (writingSynthesizer) Synthesize(_ context.Context, req core.SynthesisRequest) error {
	time.Sleep(time.Millisecond)

	return os.WriteFile(req.OutputPath, []byte("RIFF....WAVE"), 0o600)
}

// newStack assembles the real pool, executor and service behind the HTTP routes.
func newStack(t *testing.T, synthesizer core.Synthesizer) (http.Handler, *notify.Dispatcher) {
	t.Helper()

	log := newTestLogger(t)
	dispatcher := notify.NewDispatcher(notify.NewHTTPNotifier(nil, config.DefaultUserAgent), 5*time.Second, log)
	executor := pipeline.NewExecutor(pipeline.Stages{Synthesizer: synthesizer}, dispatcher, notify.NewNotification, log)
	workers := pool.New(executor, pool.Options{MaxConcurrentJobs: 2}, log)
	svc := service.New(workers, job.Defaults{Voice: config.DefaultVoice, OutputDir: t.TempDir()}, 5*time.Second, log)

	controller := lifecycle.NewController(log)
	controller.MarkReady()

	return api.NewServer(config.ServerConfig{}, svc, workers, controller, log).Handler(), dispatcher
}

func TestEndToEnd_Success(t *testing.T) {
	t.Parallel()

	handler, _ := newStack(t, writingSynthesizer{})

	recorder := post(handler, `{"text":"hello","voice":"en-US-JennyNeural"}`, "application/json", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var result core.Result
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	assert.Equal(t, core.StatusSuccess, result.Status)
	assert.Regexp(t, `\.wav$`, result.LocalPath)
	assert.Positive(t, result.SynthesisTime)
	assert.Empty(t, result.PublicURL)
	assert.FileExists(t, result.LocalPath)
}

func TestEndToEnd_FailureNotifiesOnceWithoutBlocking(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	release := make(chan struct{})
	callback := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)

		var payload core.Notification
		assert.NoError(t, json.NewDecoder(request.Body).Decode(&payload))
		assert.Equal(t, core.StatusError, payload.Status)

		<-release
		writer.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(callback.Close)

	handler, dispatcher := newStack(t, failingSynthesizer{})

	body := fmt.Sprintf(`{"text":"hello","callback_url":%q}`, callback.URL)
	recorder := post(handler, body, "application/json", nil)

	// The caller has its answer while the callback is still blocked.
	require.Equal(t, http.StatusInternalServerError, recorder.Code)

	close(release)
	require.NoError(t, dispatcher.Wait(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

type stubArtifacts map[string][]byte

func (s stubArtifacts) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := s[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrArtifactNotFound, key)
	}

	return data, nil
}

func TestArtifactsRoute(t *testing.T) {
	t.Parallel()

	server := newServer(t, "secret")
	authorized := map[string]string{"X-API-Key": "secret"}

	assert.Equal(t, http.StatusServiceUnavailable,
		get(server.Handler(), api.RouteArtifacts+"tts_output_1_a.wav", authorized).Code)

	server.SetArtifactStore(stubArtifacts{"tts_output_1_a.wav": []byte("RIFF....WAVE")})
	handler := server.Handler()

	recorder := get(handler, api.RouteArtifacts+"tts_output_1_a.wav", authorized)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "RIFF....WAVE", recorder.Body.String())
	assert.Equal(t, "audio/wav", recorder.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusForbidden, get(handler, api.RouteArtifacts+"tts_output_1_a.wav", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(handler, api.RouteArtifacts+"tts_output_2_b.wav", authorized).Code)
	assert.Equal(t, http.StatusBadRequest, get(handler, api.RouteArtifacts, authorized).Code)
}

type stubVoices struct {
	voices []core.Voice
	err    error
}

func (s stubVoices) Voices(_ context.Context) ([]core.Voice, error) {
	return s.voices, s.err
}

func TestVoicesRoute(t *testing.T) {
	t.Parallel()

	server := newServer(t, "secret")
	server.SetVoiceLister(stubVoices{voices: []core.Voice{
		{ShortName: "en-US-GuyNeural", Gender: "Male", Locale: "en-US"},
		{ShortName: "en-US-JennyNeural", Gender: "Female", Locale: "en-US"},
		{ShortName: "de-DE-ConradNeural", Gender: "Male", Locale: "de-DE"},
	}})

	recorder := get(server.Handler(), api.RouteVoices+"?locale=en-US&gender=Male", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response api.VoicesResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, 1, response.Count)
	assert.Equal(t, "en-US-GuyNeural", response.Voices[0].ShortName)

	failing := newServer(t, "")
	failing.SetVoiceLister(stubVoices{err: errVoiceMissing})
	assert.Equal(t, http.StatusBadGateway, get(failing.Handler(), api.RouteVoices, nil).Code)
}

type stubFetcher struct {
	err     error
	lastURL string
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (string, error) {
	s.lastURL = rawURL
	if s.err != nil {
		return "", s.err
	}

	return "/models/voice.pth", nil
}

func TestModelsRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		fetcher    *stubFetcher
		body       string
		wantStatus int
	}{
		{name: "installed", fetcher: &stubFetcher{}, body: `{"url":"https://h/voice.pth"}`, wantStatus: http.StatusOK},
		{name: "missing url", fetcher: &stubFetcher{}, body: `{}`, wantStatus: http.StatusBadRequest},
		{
			name:       "bad url",
			fetcher:    &stubFetcher{err: fmt.Errorf("%w: unsupported model file", core.ErrValidation)},
			body:       `{"url":"https://h/a.zip"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "remote failure",
			fetcher:    &stubFetcher{err: errVoiceMissing},
			body:       `{"url":"https://h/voice.pth"}`,
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := newServer(t, "")
			server.SetModelFetcher(tc.fetcher)

			request := httptest.NewRequest(http.MethodPost, api.RouteModels, bytes.NewBufferString(tc.body))
			modelRecorder := httptest.NewRecorder()
			server.Handler().ServeHTTP(modelRecorder, request)

			assert.Equal(t, tc.wantStatus, modelRecorder.Code, modelRecorder.Body.String())

			if tc.wantStatus == http.StatusOK {
				var response api.ModelResponse
				require.NoError(t, json.Unmarshal(modelRecorder.Body.Bytes(), &response))
				assert.Equal(t, "/models/voice.pth", response.Path)
				assert.Equal(t, "https://h/voice.pth", tc.fetcher.lastURL)
			}
		})
	}
}
