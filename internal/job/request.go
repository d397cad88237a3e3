// Package job turns wire-level synthesis requests into validated job descriptors.
package job

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/google/uuid"
)

// Conversion defaults applied when a request omits a field.
const (
	DefaultFilterRadius     = 3
	DefaultIndexRate        = 0.75
	DefaultVolumeEnvelope   = 1.0
	DefaultProtect          = 0.5
	DefaultHopLength        = 128
	DefaultF0Method         = "rmvpe"
	DefaultCleanAudio       = true
	DefaultCleanStrength    = 0.5
	DefaultAutotuneStrength = 1.0
	DefaultEmbedderModel    = "contentvec"
)

const (
	maxHopLength = 512
	maxProtect   = 0.5
	idPrefixLen  = 8

	synthesisFilePattern  = "tts_output_%d_%s.wav"
	conversionFilePattern = "tts_rvc_output_%d_%s%s"

	errFieldRangeFormat = "%w: %s must be between %v and %v, got %v"
)

var knownF0Methods = map[string]struct{}{
	"rmvpe":      {},
	"crepe":      {},
	"crepe-tiny": {},
	"fcpe":       {},
}

// Request is the JSON body accepted by the HTTP and NATS transports.
// Pointer fields distinguish an omitted value from an explicit zero.
type Request struct {
	Text                string   `json:"text"`
	Voice               string   `json:"voice,omitempty"`
	Speed               int      `json:"speed,omitempty"`
	Pitch               int      `json:"pitch,omitempty"`
	FilterRadius        *int     `json:"filter_radius,omitempty"`
	IndexRate           *float64 `json:"index_rate,omitempty"`
	VolumeEnvelope      *float64 `json:"volume_envelope,omitempty"`
	Protect             *float64 `json:"protect,omitempty"`
	HopLength           *int     `json:"hop_length,omitempty"`
	F0Method            string   `json:"f0_method,omitempty"`
	ModelFile           string   `json:"model_file,omitempty"`
	IndexFile           string   `json:"index_file,omitempty"`
	SplitAudio          bool     `json:"split_audio,omitempty"`
	Autotune            bool     `json:"autotune,omitempty"`
	AutotuneStrength    *float64 `json:"autotune_strength,omitempty"`
	CleanAudio          *bool    `json:"clean_audio,omitempty"`
	CleanStrength       *float64 `json:"clean_strength,omitempty"`
	ExportFormat        string   `json:"export_format,omitempty"`
	EmbedderModel       string   `json:"embedder_model,omitempty"`
	EmbedderModelCustom string   `json:"embedder_model_custom,omitempty"`
	SpeakerID           int      `json:"sid,omitempty"`
	CallbackURL         string   `json:"callback_url,omitempty"`
}

// Defaults are the service-level values a Request falls back to.
type Defaults struct {
	Voice     string
	OutputDir string
}

// Build validates req and produces an immutable job descriptor.
// All failures wrap core.ErrValidation.
func Build(req Request, defaults Defaults) (core.Descriptor, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return core.Descriptor{}, fmt.Errorf("%w: text is required", core.ErrValidation)
	}

	format, err := core.ParseExportFormat(req.ExportFormat)
	if err != nil {
		return core.Descriptor{}, err
	}

	callbackErr := validateCallback(req.CallbackURL)
	if callbackErr != nil {
		return core.Descriptor{}, callbackErr
	}

	conversion, err := buildConversion(req)
	if err != nil {
		return core.Descriptor{}, err
	}

	// Synthesis writes WAV; other containers come only from the conversion stage.
	if conversion == nil && format != core.FormatWAV {
		return core.Descriptor{}, fmt.Errorf("%w: export_format %s requires model_file", core.ErrValidation, format)
	}

	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = defaults.Voice
	}

	id := uuid.NewString()
	now := time.Now()
	suffix := id[:idPrefixLen]

	return core.Descriptor{
		ID:             id,
		Text:           text,
		Voice:          voice,
		RateAdjustment: req.Speed,
		Conversion:     conversion,
		ExportFormat:   format,
		CallbackURL:    req.CallbackURL,
		SynthesisPath: filepath.Join(defaults.OutputDir,
			fmt.Sprintf(synthesisFilePattern, now.UnixNano(), suffix)),
		ConversionPath: filepath.Join(defaults.OutputDir,
			fmt.Sprintf(conversionFilePattern, now.UnixNano(), suffix, format.Extension())),
		CreatedAt: now,
	}, nil
}

func validateCallback(raw string) error {
	if raw == "" {
		return nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: callback_url is not a valid URL: %w", core.ErrValidation, err)
	}

	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: callback_url must be an absolute http(s) URL", core.ErrValidation)
	}

	return nil
}

// buildConversion returns nil when no model was supplied.
func buildConversion(req Request) (*core.ConversionParams, error) {
	modelFile := strings.TrimSpace(req.ModelFile)
	if modelFile == "" {
		return nil, nil //nolint:nilnil // no model means no conversion stage
	}

	params := core.ConversionParams{
		ModelPath:           modelFile,
		IndexPath:           strings.TrimSpace(req.IndexFile),
		Pitch:               req.Pitch,
		FilterRadius:        intOr(req.FilterRadius, DefaultFilterRadius),
		IndexRate:           floatOr(req.IndexRate, DefaultIndexRate),
		VolumeEnvelope:      floatOr(req.VolumeEnvelope, DefaultVolumeEnvelope),
		Protect:             floatOr(req.Protect, DefaultProtect),
		HopLength:           intOr(req.HopLength, DefaultHopLength),
		F0Method:            strings.ToLower(strings.TrimSpace(req.F0Method)),
		SplitAudio:          req.SplitAudio,
		CleanAudio:          DefaultCleanAudio,
		CleanStrength:       floatOr(req.CleanStrength, DefaultCleanStrength),
		Autotune:            req.Autotune,
		AutotuneStrength:    floatOr(req.AutotuneStrength, DefaultAutotuneStrength),
		EmbedderModel:       strings.TrimSpace(req.EmbedderModel),
		EmbedderModelCustom: strings.TrimSpace(req.EmbedderModelCustom),
		SpeakerID:           req.SpeakerID,
	}

	if req.CleanAudio != nil {
		params.CleanAudio = *req.CleanAudio
	}

	if params.F0Method == "" {
		params.F0Method = DefaultF0Method
	}

	if params.EmbedderModel == "" {
		params.EmbedderModel = DefaultEmbedderModel
	}

	rangeErr := validateConversion(params)
	if rangeErr != nil {
		return nil, rangeErr
	}

	return &params, nil
}

func validateConversion(params core.ConversionParams) error {
	if !isKnownF0Method(params.F0Method) {
		return fmt.Errorf("%w: unknown f0_method %q", core.ErrValidation, params.F0Method)
	}

	if params.FilterRadius < 0 {
		return fmt.Errorf("%w: filter_radius must be non-negative, got %d", core.ErrValidation, params.FilterRadius)
	}

	if params.SpeakerID < 0 {
		return fmt.Errorf("%w: sid must be non-negative, got %d", core.ErrValidation, params.SpeakerID)
	}

	if params.HopLength < 1 || params.HopLength > maxHopLength {
		return fmt.Errorf(errFieldRangeFormat, core.ErrValidation, "hop_length", 1, maxHopLength, params.HopLength)
	}

	ranges := []struct {
		name  string
		value float64
		upper float64
	}{
		{"index_rate", params.IndexRate, 1},
		{"volume_envelope", params.VolumeEnvelope, 1},
		{"protect", params.Protect, maxProtect},
		{"clean_strength", params.CleanStrength, 1},
		{"autotune_strength", params.AutotuneStrength, 1},
	}

	for _, field := range ranges {
		if field.value < 0 || field.value > field.upper {
			return fmt.Errorf(errFieldRangeFormat, core.ErrValidation, field.name, 0, field.upper, field.value)
		}
	}

	return nil
}

// isKnownF0Method accepts the plain pitch extractors and hybrid[a+b] combinations of them.
func isKnownF0Method(method string) bool {
	if _, ok := knownF0Methods[method]; ok {
		return true
	}

	inner, ok := strings.CutPrefix(method, "hybrid[")
	if !ok {
		return false
	}

	inner, ok = strings.CutSuffix(inner, "]")
	if !ok || inner == "" {
		return false
	}

	for _, part := range strings.Split(inner, "+") {
		if _, known := knownF0Methods[part]; !known {
			return false
		}
	}

	return true
}

func intOr(value *int, fallback int) int {
	if value == nil {
		return fallback
	}

	return *value
}

func floatOr(value *float64, fallback float64) float64 {
	if value == nil {
		return fallback
	}

	return *value
}
