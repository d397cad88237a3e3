package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"
)

const (
	edgeVoiceListURL = "https://speech.platform.bing.com/consumer/speech/synthesize/" +
		"readaloud/voices/list?trustedclienttoken=" + edge.TrustedClientToken

	voiceListTimeout  = 30 * time.Second
	maxErrorBodyBytes = 1024
)

// ErrVoiceList indicates the voice catalogue could not be fetched.
var ErrVoiceList = errors.New("failed to list voices")

// edgeVoice is one entry of the Edge voice catalogue.
type edgeVoice struct {
	Name         string `json:"Name"`
	ShortName    string `json:"ShortName"`
	Gender       string `json:"Gender"`
	Locale       string `json:"Locale"`
	FriendlyName string `json:"FriendlyName"`
}

// EdgeVoiceLister fetches the Edge TTS voice catalogue once and serves it from memory.
type EdgeVoiceLister struct {
	httpClient *http.Client
	listURL    string
	log        *logger.Logger

	mu     sync.Mutex
	voices []core.Voice
}

// NewEdgeVoiceLister creates a lister for the voices the Edge engine accepts.
func NewEdgeVoiceLister(log *logger.Logger) *EdgeVoiceLister {
	return &EdgeVoiceLister{
		httpClient: &http.Client{Timeout: voiceListTimeout},
		listURL:    edgeVoiceListURL,
		log:        log,
	}
}

// Voices returns the catalogue sorted by short name. A failed fetch is not
// cached, so the next call retries.
func (l *EdgeVoiceLister) Voices(ctx context.Context) ([]core.Voice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.voices != nil {
		return l.voices, nil
	}

	voices, err := l.fetch(ctx)
	if err != nil {
		return nil, err
	}

	l.log.Info("edge-tts: loaded %d voices", len(voices))
	l.voices = voices

	return voices, nil
}

func (l *EdgeVoiceLister) fetch(ctx context.Context) ([]core.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.listURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create voice list request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVoiceList, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

		return nil, fmt.Errorf("%w: status %s: %s", ErrVoiceList, resp.Status, strings.TrimSpace(string(body)))
	}

	var catalogue []edgeVoice

	err = json.NewDecoder(resp.Body).Decode(&catalogue)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode catalogue: %w", ErrVoiceList, err)
	}

	voices := make([]core.Voice, 0, len(catalogue))

	for _, entry := range catalogue {
		if entry.ShortName == "" {
			continue
		}

		voices = append(voices, core.Voice{
			ShortName:    entry.ShortName,
			FriendlyName: entry.FriendlyName,
			Gender:       entry.Gender,
			Locale:       entry.Locale,
		})
	}

	sort.Slice(voices, func(i, j int) bool {
		return voices[i].ShortName < voices[j].ShortName
	})

	return voices, nil
}

// FilterVoices keeps the voices matching locale and gender. Empty criteria
// match everything; comparison ignores case.
func FilterVoices(voices []core.Voice, locale, gender string) []core.Voice {
	filtered := make([]core.Voice, 0, len(voices))

	for _, voice := range voices {
		if locale != "" && !strings.EqualFold(voice.Locale, locale) {
			continue
		}

		if gender != "" && !strings.EqualFold(voice.Gender, gender) {
			continue
		}

		filtered = append(filtered, voice)
	}

	return filtered
}
