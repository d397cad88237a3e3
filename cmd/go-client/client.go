package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/job"
)

const (
	routeSynthesize = "/api/v1/tts"
	routeHealth     = "/api/v1/health"

	headerAPIKey      = "X-API-Key"
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"

	healthTimeout = 10 * time.Second
)

var (
	// ErrServiceError indicates the service answered with an error status and no job result.
	ErrServiceError = errors.New("service returned an error")
	// ErrUnhealthy indicates the health route did not report ready.
	ErrUnhealthy = errors.New("service is not ready")
)

// apiClient talks to the synthesis-service HTTP API.
type apiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newAPIClient(baseURL, apiKey string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Synthesize submits one request. A failed job is returned as a Result with
// an error status, not as an error.
func (c *apiClient) Synthesize(ctx context.Context, req job.Request) (core.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+routeSynthesize, bytes.NewReader(body))
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)

	if c.apiKey != "" {
		httpReq.Header.Set(headerAPIKey, c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to send request: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusInternalServerError {
		var result core.Result

		decodeErr := json.Unmarshal(payload, &result)
		if decodeErr == nil && result.Status != "" {
			return result, nil
		}
	}

	var apiErr struct {
		Error string `json:"error"`
	}

	if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
		return core.Result{}, fmt.Errorf("%w (%d): %s", ErrServiceError, resp.StatusCode, apiErr.Error)
	}

	return core.Result{}, fmt.Errorf("%w (%d): %s", ErrServiceError, resp.StatusCode, strings.TrimSpace(string(payload)))
}

// Health returns nil when the service reports ready.
func (c *apiClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+routeHealth, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach service: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	var health struct {
		Status string `json:"status"`
	}

	_ = json.NewDecoder(resp.Body).Decode(&health)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d (%s)", ErrUnhealthy, resp.StatusCode, health.Status)
	}

	return nil
}
