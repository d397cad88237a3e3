// Package api exposes the synthesis service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/config"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/job"
	"github.com/book-expert/synthesis-service/internal/lifecycle"
	"github.com/book-expert/synthesis-service/internal/pool"
	"github.com/book-expert/synthesis-service/internal/synth"
)

// Routes.
const (
	RouteSynthesize = "/api/v1/tts"
	RouteHealth     = "/api/v1/health"
	RouteShutdown   = "/api/v1/shutdown"
	RouteJobs       = "/api/v1/jobs"
	RouteVoices     = "/api/v1/voices"
	RouteModels     = "/api/v1/models"
	RouteArtifacts  = "/api/v1/artifacts/"
)

const (
	headerAPIKey      = "X-API-Key"
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"

	queryLocale = "locale"
	queryGender = "gender"

	maxRequestBytes   = 10 << 20
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
	writeTimeoutSlack = 30 * time.Second

	msgExpectedJSON   = "request body must be JSON"
	msgForbidden      = "invalid or missing API key"
	msgNotAllowed     = "method not allowed"
	msgJobTimedOut    = "timed out waiting for the job to finish"
	msgUnavailable    = "service unavailable"
	msgShutdownIssued = "shutdown initiated"
	msgNotFound       = "artifact not found"
	msgBadKey         = "invalid artifact key"
	msgURLRequired    = "url is required"
)

// Runner executes one synthesis request synchronously.
type Runner interface {
	Run(ctx context.Context, req job.Request) (core.Result, error)
}

// StatsProvider reports the state of the worker pool.
type StatsProvider interface {
	Stats() pool.Stats
}

// VoiceLister reports the voices the synthesis engine accepts.
type VoiceLister interface {
	Voices(ctx context.Context) ([]core.Voice, error)
}

// ModelFetcher installs a conversion model from a URL and returns its local path.
type ModelFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// VoicesResponse is the body of the voices route.
type VoicesResponse struct {
	Count  int          `json:"count"`
	Voices []core.Voice `json:"voices"`
}

// ModelRequest is the body accepted by the models route.
type ModelRequest struct {
	URL string `json:"url"`
}

// ModelResponse reports where a downloaded model was installed.
type ModelResponse struct {
	Path string `json:"path"`
}

// HealthResponse is the body of the health route.
type HealthResponse struct {
	Status lifecycle.Status `json:"status"`
}

// ErrorResponse is the body of every non-job error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the HTTP routes.
type Server struct {
	runner     Runner
	stats      StatsProvider
	controller *lifecycle.Controller
	artifacts  core.ArtifactStore
	voices     VoiceLister
	models     ModelFetcher
	apiKey     string
	log        *logger.Logger
	server     *http.Server
}

// NewServer wires the routes. Jobs may run for the whole request timeout, so
// the write timeout is derived from it.
func NewServer(
	cfg config.ServerConfig,
	runner Runner,
	stats StatsProvider,
	controller *lifecycle.Controller,
	log *logger.Logger,
) *Server {
	srv := &Server{
		runner:     runner,
		stats:      stats,
		controller: controller,
		apiKey:     cfg.APIKey,
		log:        log,
	}

	srv.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      time.Duration(cfg.RequestTimeoutSeconds)*time.Second + writeTimeoutSlack,
		IdleTimeout:       idleTimeout,
	}

	return srv
}

// SetArtifactStore enables the artifacts route. Call before serving.
func (s *Server) SetArtifactStore(store core.ArtifactStore) {
	s.artifacts = store
}

// SetVoiceLister enables the voices route. Call before serving.
func (s *Server) SetVoiceLister(lister VoiceLister) {
	s.voices = lister
}

// SetModelFetcher enables the models route. Call before serving.
func (s *Server) SetModelFetcher(fetcher ModelFetcher) {
	s.models = fetcher
}

// Handler returns the route multiplexer. Optional routes answer 503 until
// their backend is set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(RouteSynthesize, s.authorize(s.handleSynthesize))
	mux.HandleFunc(RouteHealth, s.handleHealth)
	mux.HandleFunc(RouteShutdown, s.authorize(s.handleShutdown))
	mux.HandleFunc(RouteJobs, s.authorize(s.handleJobs))
	mux.HandleFunc(RouteVoices, s.handleVoices)
	mux.HandleFunc(RouteModels, s.authorize(s.handleModels))
	mux.HandleFunc(RouteArtifacts, s.authorize(s.handleArtifact))

	return mux
}

// Serve accepts connections on listener until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	s.log.Info("HTTP API listening on %s", listener.Addr())

	err := s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP API: %w", err)
	}

	return nil
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	return s.Serve(listener)
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shut down HTTP API: %w", err)
	}

	return nil
}

func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	if s.apiKey == "" {
		return next
	}

	return func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get(headerAPIKey) != s.apiKey {
			s.writeError(writer, http.StatusForbidden, msgForbidden)

			return
		}

		next(writer, request)
	}
}

func (s *Server) handleSynthesize(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		s.writeError(writer, http.StatusMethodNotAllowed, msgNotAllowed)

		return
	}

	mediaType, _, _ := mime.ParseMediaType(request.Header.Get(headerContentType))
	if mediaType != contentTypeJSON {
		s.writeError(writer, http.StatusBadRequest, msgExpectedJSON)

		return
	}

	var req job.Request

	decodeErr := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxRequestBytes)).Decode(&req)
	if decodeErr != nil {
		s.writeError(writer, http.StatusBadRequest, fmt.Sprintf("%s: %v", msgExpectedJSON, decodeErr))

		return
	}

	result, err := s.runner.Run(request.Context(), req)
	if err != nil {
		s.writeRunError(writer, err)

		return
	}

	if !result.Succeeded() {
		s.writeJSON(writer, http.StatusInternalServerError, result)

		return
	}

	s.writeJSON(writer, http.StatusOK, result)
}

func (s *Server) writeRunError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		s.writeError(writer, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrPoolSaturated), errors.Is(err, core.ErrShuttingDown):
		s.writeError(writer, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(writer, http.StatusGatewayTimeout, msgJobTimedOut)
	case errors.Is(err, context.Canceled):
		s.log.Warn("Client went away before its job finished: %v", err)
	default:
		s.writeError(writer, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		s.writeError(writer, http.StatusMethodNotAllowed, msgNotAllowed)

		return
	}

	status := s.controller.Health()
	if status != lifecycle.StatusReady {
		s.writeJSON(writer, http.StatusServiceUnavailable, HealthResponse{Status: status})

		return
	}

	s.writeJSON(writer, http.StatusOK, HealthResponse{Status: status})
}

func (s *Server) handleShutdown(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		s.writeError(writer, http.StatusMethodNotAllowed, msgNotAllowed)

		return
	}

	s.log.System("Shutdown requested over HTTP from %s", request.RemoteAddr)
	s.controller.RequestShutdown()
	s.writeJSON(writer, http.StatusAccepted, map[string]string{"message": msgShutdownIssued})
}

func (s *Server) handleJobs(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		s.writeError(writer, http.StatusMethodNotAllowed, msgNotAllowed)

		return
	}

	if s.stats == nil {
		s.writeError(writer, http.StatusServiceUnavailable, msgUnavailable)

		return
	}

	s.writeJSON(writer, http.StatusOK, s.stats.Stats())
}

func (s *Server) handleVoices(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		s.writeError(writer, http.StatusMethodNotAllowed, msgNotAllowed)

		return
	}

	if s.voices == nil {
		s.writeError(writer, http.StatusServiceUnavailable, msgUnavailable)

		return
	}

	voices, err := s.voices.Voices(request.Context())
	if err != nil {
		s.log.Error("Failed to list voices: %v", err)
		s.writeError(writer, http.StatusBadGateway, err.Error())

		return
	}

	query := request.URL.Query()
	filtered := synth.FilterVoices(voices, query.Get(queryLocale), query.Get(queryGender))

	s.writeJSON(writer, http.StatusOK, VoicesResponse{Count: len(filtered), Voices: filtered})
}

func (s *Server) handleModels(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		s.writeError(writer, http.StatusMethodNotAllowed, msgNotAllowed)

		return
	}

	if s.models == nil {
		s.writeError(writer, http.StatusServiceUnavailable, msgUnavailable)

		return
	}

	var req ModelRequest

	decodeErr := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxRequestBytes)).Decode(&req)
	if decodeErr != nil {
		s.writeError(writer, http.StatusBadRequest, fmt.Sprintf("%s: %v", msgExpectedJSON, decodeErr))

		return
	}

	if strings.TrimSpace(req.URL) == "" {
		s.writeError(writer, http.StatusBadRequest, msgURLRequired)

		return
	}

	localPath, err := s.models.Fetch(request.Context(), req.URL)
	if err != nil {
		s.log.Warn("Model download from %s failed: %v", req.URL, err)

		status := http.StatusBadGateway
		if errors.Is(err, core.ErrValidation) {
			status = http.StatusBadRequest
		}

		s.writeError(writer, status, err.Error())

		return
	}

	s.writeJSON(writer, http.StatusOK, ModelResponse{Path: localPath})
}

func (s *Server) handleArtifact(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		s.writeError(writer, http.StatusMethodNotAllowed, msgNotAllowed)

		return
	}

	if s.artifacts == nil {
		s.writeError(writer, http.StatusServiceUnavailable, msgUnavailable)

		return
	}

	key := strings.TrimPrefix(request.URL.Path, RouteArtifacts)
	if key == "" || strings.Contains(key, "/") {
		s.writeError(writer, http.StatusBadRequest, msgBadKey)

		return
	}

	data, err := s.artifacts.Download(request.Context(), key)
	if errors.Is(err, core.ErrArtifactNotFound) {
		s.writeError(writer, http.StatusNotFound, msgNotFound)

		return
	}

	if err != nil {
		s.log.Error("Failed to read artifact %s: %v", key, err)
		s.writeError(writer, http.StatusBadGateway, err.Error())

		return
	}

	writer.Header().Set(headerContentType, artifactContentType(key))
	writer.WriteHeader(http.StatusOK)

	_, writeErr := writer.Write(data)
	if writeErr != nil {
		s.log.Warn("Failed to send artifact %s: %v", key, writeErr)
	}
}

func artifactContentType(key string) string {
	format, err := core.ParseExportFormat(strings.TrimPrefix(path.Ext(key), "."))
	if err != nil || path.Ext(key) == "" {
		return contentTypeBinary
	}

	return format.ContentType()
}

func (s *Server) writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set(headerContentType, contentTypeJSON)
	writer.WriteHeader(status)

	err := json.NewEncoder(writer).Encode(payload)
	if err != nil {
		s.log.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(writer http.ResponseWriter, status int, message string) {
	s.writeJSON(writer, status, ErrorResponse{Error: message})
}
