package synth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/synth/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStreamRefused = errors.New("websocket refused")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "synth-test.log")
	require.NoError(t, err)

	return log
}

func newTestEdge(t *testing.T, stream streamFunc) *EdgeSynthesizer {
	t.Helper()

	return &EdgeSynthesizer{
		preprocessor: text.NewPreprocessor(),
		stream:       stream,
		log:          newTestLogger(t),
	}
}

func closedStream(messages ...map[string]interface{}) streamFunc {
	return func(_, _, _ string) (<-chan map[string]interface{}, error) {
		channel := make(chan map[string]interface{}, len(messages))
		for _, message := range messages {
			channel <- message
		}

		close(channel)

		return channel, nil
	}
}

func TestFormatRate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "+0%", FormatRate(0))
	assert.Equal(t, "+25%", FormatRate(25))
	assert.Equal(t, "-10%", FormatRate(-10))
}

func TestEdgeSynthesizer_ValidatesInput(t *testing.T) {
	t.Parallel()

	synthesizer := newTestEdge(t, closedStream())
	output := filepath.Join(t.TempDir(), "out.wav")

	err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{Text: "", Voice: "v", OutputPath: output})
	require.ErrorIs(t, err, ErrTextEmpty)

	err = synthesizer.Synthesize(context.Background(), core.SynthesisRequest{Text: " \n ", Voice: "v", OutputPath: output})
	require.ErrorIs(t, err, ErrTextEmpty)

	err = synthesizer.Synthesize(context.Background(), core.SynthesisRequest{Text: "hi", Voice: "", OutputPath: output})
	require.ErrorIs(t, err, ErrVoiceEmpty)

	err = synthesizer.Synthesize(context.Background(), core.SynthesisRequest{Text: "hi", Voice: "v", OutputPath: ""})
	require.ErrorIs(t, err, ErrOutputPathEmpty)
}

func TestEdgeSynthesizer_PassesVoiceAndRate(t *testing.T) {
	t.Parallel()

	var gotText, gotVoice, gotRate string

	synthesizer := newTestEdge(t, func(text, voice, rate string) (<-chan map[string]interface{}, error) {
		gotText, gotVoice, gotRate = text, voice, rate

		return nil, errStreamRefused
	})

	err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		Text:           "  Dr.   Who ",
		Voice:          "en-US-JennyNeural",
		RateAdjustment: -15,
		OutputPath:     filepath.Join(t.TempDir(), "out.wav"),
	})
	require.ErrorIs(t, err, errStreamRefused)

	assert.Equal(t, "Doctor Who", gotText)
	assert.Equal(t, "en-US-JennyNeural", gotVoice)
	assert.Equal(t, "-15%", gotRate)
}

func TestEdgeSynthesizer_NoAudio(t *testing.T) {
	t.Parallel()

	synthesizer := newTestEdge(t, closedStream(
		map[string]interface{}{"type": "WordBoundary", "offset": 100},
	))

	err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		Text: "hello", Voice: "en-US-JennyNeural", OutputPath: filepath.Join(t.TempDir(), "out.wav"),
	})
	require.ErrorIs(t, err, ErrNoAudioReceived)
}

func TestEdgeSynthesizer_UndecodableAudio(t *testing.T) {
	t.Parallel()

	output := filepath.Join(t.TempDir(), "out.wav")
	synthesizer := newTestEdge(t, closedStream(
		map[string]interface{}{"type": "audio", "data": []byte("not mp3 at all")},
	))

	err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		Text: "hello", Voice: "en-US-JennyNeural", OutputPath: output,
	})
	require.Error(t, err)
	assert.NoFileExists(t, output)
}

func TestEdgeSynthesizer_ContextCancelled(t *testing.T) {
	t.Parallel()

	pending := make(chan map[string]interface{})
	t.Cleanup(func() { close(pending) })

	synthesizer := newTestEdge(t, func(_, _, _ string) (<-chan map[string]interface{}, error) {
		return pending, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := synthesizer.Synthesize(ctx, core.SynthesisRequest{
		Text: "hello", Voice: "en-US-JennyNeural", OutputPath: filepath.Join(t.TempDir(), "out.wav"),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEdgeSynthesizer_TimeoutBoundsConnect(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	synthesizer := newTestEdge(t, func(_, _, _ string) (<-chan map[string]interface{}, error) {
		<-release

		return nil, errStreamRefused
	})
	synthesizer.timeout = 50 * time.Millisecond

	started := time.Now()
	err := synthesizer.Synthesize(context.Background(), core.SynthesisRequest{
		Text: "hello", Voice: "en-US-JennyNeural", OutputPath: filepath.Join(t.TempDir(), "out.wav"),
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}
