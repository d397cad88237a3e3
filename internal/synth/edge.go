// Package synth implements the speech synthesis stage of the job pipeline.
package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/audio"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/fsutil"
	"github.com/book-expert/synthesis-service/internal/synth/text"
	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"
)

const (
	filePermissions = 0o600

	streamTypeKey   = "type"
	streamDataKey   = "data"
	streamTypeAudio = "audio"
)

// Static errors.
var (
	ErrTextEmpty       = errors.New("text cannot be empty")
	ErrVoiceEmpty      = errors.New("voice cannot be empty")
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	ErrNoAudioReceived = errors.New("no audio data received from engine")
)

// streamFunc opens an Edge TTS stream of MP3 chunks.
type streamFunc func(text, voice, rate string) (<-chan map[string]interface{}, error)

// EdgeSynthesizer implements core.Synthesizer with Microsoft Edge TTS.
// The MP3 stream returned by the service is decoded and stored as WAV.
type EdgeSynthesizer struct {
	preprocessor *text.Preprocessor
	stream       streamFunc
	timeout      time.Duration
	log          *logger.Logger
}

// NewEdgeSynthesizer creates an Edge TTS backed synthesizer. A positive
// timeout bounds how long one stream may take.
func NewEdgeSynthesizer(timeout time.Duration, log *logger.Logger) *EdgeSynthesizer {
	return &EdgeSynthesizer{
		preprocessor: text.NewPreprocessor(),
		stream:       openEdgeStream,
		timeout:      timeout,
		log:          log,
	}
}

func openEdgeStream(text, voice, rate string) (<-chan map[string]interface{}, error) {
	communicate, err := edge.NewCommunicate(text, edge.WithVoice(voice), edge.WithRate(rate))
	if err != nil {
		return nil, fmt.Errorf("failed to create edge-tts session: %w", err)
	}

	stream, err := communicate.Stream()
	if err != nil {
		return nil, fmt.Errorf("failed to start edge-tts stream: %w", err)
	}

	return stream, nil
}

// FormatRate renders a signed percentage the way Edge TTS expects it ("+10%", "-5%").
func FormatRate(rateAdjustment int) string {
	if rateAdjustment >= 0 {
		return fmt.Sprintf("+%d%%", rateAdjustment)
	}

	return fmt.Sprintf("%d%%", rateAdjustment)
}

// Synthesize generates speech for req.Text and writes a WAV file to req.OutputPath.
func (s *EdgeSynthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) error {
	inputErr := validateRequest(req)
	if inputErr != nil {
		return inputErr
	}

	cleaned := s.preprocessor.PreprocessText(req.Text)
	if cleaned == "" {
		return ErrTextEmpty
	}

	rate := FormatRate(req.RateAdjustment)
	s.log.Info("edge-tts: synthesizing %d characters, voice=%s rate=%s", len([]rune(cleaned)), req.Voice, rate)

	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	stream, err := s.open(ctx, cleaned, req.Voice, rate)
	if err != nil {
		return err
	}

	mp3Data, err := collectAudio(ctx, stream)
	if err != nil {
		return err
	}

	wavData, err := audio.MP3ToWAV(mp3Data)
	if err != nil {
		return fmt.Errorf("failed to convert edge-tts output to wav: %w", err)
	}

	return writeArtifact(req.OutputPath, wavData)
}

type openedStream struct {
	stream <-chan map[string]interface{}
	err    error
}

// open starts the stream in the background because edge-tts-go connects
// synchronously and takes no context. A connection that outlives ctx is
// drained once it opens.
func (s *EdgeSynthesizer) open(ctx context.Context, text, voice, rate string) (<-chan map[string]interface{}, error) {
	opened := make(chan openedStream, 1)

	go func() {
		stream, err := s.stream(text, voice, rate)
		opened <- openedStream{stream: stream, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			late := <-opened
			if late.err == nil {
				drain(late.stream)
			}
		}()

		return nil, fmt.Errorf("edge-tts connection interrupted: %w", ctx.Err())
	case result := <-opened:
		return result.stream, result.err
	}
}

// collectAudio gathers the audio chunks of a stream. On cancellation the
// remaining chunks are drained in the background so the producer can exit.
func collectAudio(ctx context.Context, stream <-chan map[string]interface{}) ([]byte, error) {
	var mp3Buffer bytes.Buffer

	for {
		select {
		case <-ctx.Done():
			go drain(stream)

			return nil, fmt.Errorf("edge-tts stream interrupted: %w", ctx.Err())
		case message, ok := <-stream:
			if !ok {
				if mp3Buffer.Len() == 0 {
					return nil, ErrNoAudioReceived
				}

				return mp3Buffer.Bytes(), nil
			}

			if msgType, isString := message[streamTypeKey].(string); isString && msgType == streamTypeAudio {
				if data, isBytes := message[streamDataKey].([]byte); isBytes {
					mp3Buffer.Write(data)
				}
			}
		}
	}
}

func drain(stream <-chan map[string]interface{}) {
	for range stream {
	}
}

func validateRequest(req core.SynthesisRequest) error {
	if req.Text == "" {
		return ErrTextEmpty
	}

	if req.Voice == "" {
		return ErrVoiceEmpty
	}

	if req.OutputPath == "" {
		return ErrOutputPathEmpty
	}

	return nil
}

func writeArtifact(outputPath string, data []byte) error {
	dirErr := fsutil.EnsureParentDir(outputPath)
	if dirErr != nil {
		return fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	writeErr := os.WriteFile(outputPath, data, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write audio file: %w", writeErr)
	}

	return nil
}
