package core

import (
	"fmt"
	"strings"
	"time"
)

// ExportFormat is the output container requested for the final artifact.
type ExportFormat string

// Supported export formats.
const (
	FormatWAV  ExportFormat = "WAV"
	FormatMP3  ExportFormat = "MP3"
	FormatFLAC ExportFormat = "FLAC"
	FormatOGG  ExportFormat = "OGG"
	FormatM4A  ExportFormat = "M4A"
)

// DefaultExportFormat is used when a request does not name one.
const DefaultExportFormat = FormatWAV

// ParseExportFormat normalises a user supplied format tag.
// An empty tag resolves to DefaultExportFormat.
func ParseExportFormat(tag string) (ExportFormat, error) {
	normalized := ExportFormat(strings.ToUpper(strings.TrimSpace(tag)))
	if normalized == "" {
		return DefaultExportFormat, nil
	}

	switch normalized {
	case FormatWAV, FormatMP3, FormatFLAC, FormatOGG, FormatM4A:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", ErrValidation, tag)
	}
}

// Extension returns the file extension for the format, including the leading dot.
func (f ExportFormat) Extension() string {
	return "." + strings.ToLower(string(f))
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatFLAC:
		return "audio/flac"
	case FormatOGG:
		return "audio/ogg"
	case FormatM4A:
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}

// ConversionParams holds the voice conversion settings of a job.
type ConversionParams struct {
	ModelPath           string  `json:"model_file"`
	IndexPath           string  `json:"index_file,omitempty"`
	Pitch               int     `json:"pitch"`
	FilterRadius        int     `json:"filter_radius"`
	IndexRate           float64 `json:"index_rate"`
	VolumeEnvelope      float64 `json:"volume_envelope"`
	Protect             float64 `json:"protect"`
	HopLength           int     `json:"hop_length"`
	F0Method            string  `json:"f0_method"`
	SplitAudio          bool    `json:"split_audio"`
	CleanAudio          bool    `json:"clean_audio"`
	CleanStrength       float64 `json:"clean_strength"`
	Autotune            bool    `json:"autotune"`
	AutotuneStrength    float64 `json:"autotune_strength"`
	EmbedderModel       string  `json:"embedder_model"`
	EmbedderModelCustom string  `json:"embedder_model_custom,omitempty"`
	SpeakerID           int     `json:"sid"`
}

// Descriptor captures one job's full parameter set and derived output paths.
// It is passed by value and must not be modified after admission.
type Descriptor struct {
	ID             string
	Text           string
	Voice          string
	RateAdjustment int
	Conversion     *ConversionParams
	ExportFormat   ExportFormat
	CallbackURL    string
	SynthesisPath  string
	ConversionPath string
	CreatedAt      time.Time
}

// HasConversion reports whether the conversion stage runs for this job.
func (d Descriptor) HasConversion() bool {
	return d.Conversion != nil
}

// HasCallback reports whether a completion notification was requested.
func (d Descriptor) HasCallback() bool {
	return d.CallbackURL != ""
}
