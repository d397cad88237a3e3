package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/audio"
	"github.com/book-expert/synthesis-service/internal/config"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/synth/text"
)

// HealthCheckTimeout defines the timeout for engine health checks.
const HealthCheckTimeout = 10 * time.Second

// HTTPSynthesizer implements core.Synthesizer on top of the standalone TTS HTTP engine.
type HTTPSynthesizer struct {
	client       *HTTPClient
	preprocessor *text.Preprocessor
	temperature  float64
	language     string
	log          *logger.Logger
}

// NewHTTPSynthesizer creates a synthesizer talking to the configured engine URL.
func NewHTTPSynthesizer(cfg config.SynthesisConfig, log *logger.Logger) *HTTPSynthesizer {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	return NewHTTPSynthesizerWithClient(cfg, log, NewHTTPClient(cfg.ServiceURL, timeout))
}

// NewHTTPSynthesizerWithClient creates an HTTP synthesizer with a custom client.
func NewHTTPSynthesizerWithClient(cfg config.SynthesisConfig, log *logger.Logger, client *HTTPClient) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		client:       client,
		preprocessor: text.NewPreprocessor(),
		temperature:  cfg.Temperature,
		language:     cfg.Language,
		log:          log,
	}
}

// Synthesize requests speech from the engine and writes the WAV artifact.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) error {
	inputErr := validateRequest(req)
	if inputErr != nil {
		return inputErr
	}

	cleaned := s.preprocessor.PreprocessText(req.Text)
	if cleaned == "" {
		return ErrTextEmpty
	}

	audioData, err := s.client.GenerateSpeech(ctx, TTSRequest{
		Text:           cleaned,
		Voice:          req.Voice,
		Rate:           req.RateAdjustment,
		SpeakerRefPath: "",
		Language:       s.language,
		Temperature:    s.temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}

	if !audio.IsWAV(audioData) {
		return fmt.Errorf("%w: engine payload has no RIFF/WAVE header", ErrUnexpectedContentType)
	}

	writeErr := writeArtifact(req.OutputPath, audioData)
	if writeErr != nil {
		return writeErr
	}

	s.log.Info("Generated audio: %s (%d bytes)", req.OutputPath, len(audioData))

	return nil
}

// CheckHealth fails fast when the engine is unavailable.
func (s *HTTPSynthesizer) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	healthErr := s.client.HealthCheck(ctx)
	if healthErr != nil {
		return fmt.Errorf("TTS service health check failed: %w", healthErr)
	}

	return nil
}

// New builds the synthesizer selected by the configuration.
func New(cfg config.SynthesisConfig, log *logger.Logger) (core.Synthesizer, error) {
	switch cfg.Engine {
	case config.EngineEdge:
		return NewEdgeSynthesizer(time.Duration(cfg.TimeoutSeconds)*time.Second, log), nil
	case config.EngineHTTP:
		return NewHTTPSynthesizer(cfg, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown synthesis engine %q", config.ErrInvalidConfig, cfg.Engine)
	}
}
