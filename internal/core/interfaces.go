// Package core defines the core business types and interfaces for the synthesis service.
package core

import "context"

// SynthesisRequest carries the parameters of the speech synthesis stage.
type SynthesisRequest struct {
	Text           string
	Voice          string
	RateAdjustment int
	OutputPath     string
}

// ConversionRequest carries the parameters of the voice conversion stage.
type ConversionRequest struct {
	InputPath    string
	OutputPath   string
	ExportFormat ExportFormat
	Params       ConversionParams
}

// Synthesizer turns text into an audio file on local disk.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) error
}

// Converter runs voice conversion on a local audio file and writes a new one.
type Converter interface {
	Convert(ctx context.Context, req ConversionRequest) error
}

// Uploader copies a local artifact into durable storage and returns its remote URL.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) (string, error)
}

// Notifier delivers a job completion payload to a callback URL.
type Notifier interface {
	Deliver(ctx context.Context, url string, payload Notification) error
}

// ArtifactStore reads uploaded artifacts back by key.
type ArtifactStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Voice describes one voice offered by the synthesis engine.
type Voice struct {
	ShortName    string `json:"short_name"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Gender       string `json:"gender"`
	Locale       string `json:"locale"`
}
