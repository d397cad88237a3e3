// Package config provides the configuration structure for the synthesis-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Default values applied by ApplyDefaults.
const (
	DefaultListenAddress         = "0.0.0.0:8000"
	DefaultRequestTimeoutSeconds = 300
	DefaultShutdownTimeout       = 30
	DefaultMaxConcurrentJobs     = 50
	DefaultVoice                 = "en-US-JennyNeural"
	DefaultOutputDir             = "assets/audios"
	DefaultSynthesisTimeout      = 120
	DefaultConversionTimeout     = 600
	DefaultModelDownloadTimeout  = 1800
	DefaultMaxModelMB            = 2048
	DefaultNotificationTimeout   = 10
	DefaultJobSubject            = "synthesis.jobs"
	DefaultQueueGroup            = "synthesis-workers"
	DefaultUserAgent             = "synthesis-service/1.0"
	DefaultTemperature           = 0.75
	DefaultLanguage              = "en"
)

// Admission modes for the worker pool.
const (
	AdmissionQueue  = "queue"
	AdmissionReject = "reject"
)

// Synthesis engines.
const (
	EngineEdge = "edge"
	EngineHTTP = "http"
)

var (
	// ErrInvalidConfig indicates that the loaded configuration is unusable.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ServerConfig holds the HTTP route layer settings.
type ServerConfig struct {
	ListenAddress          string `toml:"listen_address"`
	APIKey                 string `toml:"api_key"`
	RequestTimeoutSeconds  int    `toml:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

// PoolConfig holds the worker pool settings.
type PoolConfig struct {
	MaxConcurrentJobs int    `toml:"max_concurrent_jobs"`
	Admission         string `toml:"admission"`
	MaxQueue          int    `toml:"max_queue"`
	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
}

// SynthesisConfig holds the speech synthesis stage settings.
type SynthesisConfig struct {
	Engine         string  `toml:"engine"`
	DefaultVoice   string  `toml:"default_voice"`
	OutputDir      string  `toml:"output_dir"`
	ServiceURL     string  `toml:"service_url"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	Temperature    float64 `toml:"temperature"`
	Language       string  `toml:"language"`
}

// ConversionConfig holds the voice conversion stage settings.
type ConversionConfig struct {
	Enabled        bool     `toml:"enabled"`
	Binary         string   `toml:"binary"`
	Args           []string `toml:"args"`
	ModelsDir      string   `toml:"models_dir"`
	TimeoutSeconds int      `toml:"timeout_seconds"`

	// Model downloads land in ModelsDir; they are disabled when it is empty.
	DownloadTimeoutSeconds int `toml:"download_timeout_seconds"`
	MaxModelMB             int `toml:"max_model_mb"`
}

// StorageConfig holds the upload stage settings.
type StorageConfig struct {
	Enabled       bool   `toml:"enabled"`
	Bucket        string `toml:"bucket"`
	PublicBaseURL string `toml:"public_base_url"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	Enabled    bool   `toml:"enabled"`
	URL        string `toml:"url"`
	JobSubject string `toml:"job_subject"`
	QueueGroup string `toml:"queue_group"`
}

// NotificationConfig holds the callback delivery settings.
type NotificationConfig struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	UserAgent      string `toml:"user_agent"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Pool         PoolConfig         `toml:"pool"`
	Synthesis    SynthesisConfig    `toml:"synthesis"`
	Conversion   ConversionConfig   `toml:"conversion"`
	Storage      StorageConfig      `toml:"storage"`
	NATS         NATSConfig         `toml:"nats"`
	Notification NotificationConfig `toml:"notification"`
	Paths        PathsConfig        `toml:"paths"`
}

// Load loads the configuration for the synthesis-service through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finalize(&cfg)
}

// LoadFile reads a TOML configuration file from disk.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML data into a validated configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	return finalize(&cfg)
}

func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return cfg, nil
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}

	if c.Server.RequestTimeoutSeconds == 0 {
		c.Server.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}

	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = DefaultShutdownTimeout
	}

	if c.Pool.MaxConcurrentJobs == 0 {
		c.Pool.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}

	c.Pool.Admission = strings.ToLower(strings.TrimSpace(c.Pool.Admission))
	if c.Pool.Admission == "" {
		c.Pool.Admission = AdmissionQueue
	}

	c.Synthesis.Engine = strings.ToLower(strings.TrimSpace(c.Synthesis.Engine))
	if c.Synthesis.Engine == "" {
		c.Synthesis.Engine = EngineEdge
	}

	if c.Synthesis.DefaultVoice == "" {
		c.Synthesis.DefaultVoice = DefaultVoice
	}

	if c.Synthesis.OutputDir == "" {
		c.Synthesis.OutputDir = DefaultOutputDir
	}

	if c.Synthesis.TimeoutSeconds == 0 {
		c.Synthesis.TimeoutSeconds = DefaultSynthesisTimeout
	}

	if c.Synthesis.Temperature == 0 {
		c.Synthesis.Temperature = DefaultTemperature
	}

	if c.Synthesis.Language == "" {
		c.Synthesis.Language = DefaultLanguage
	}

	if c.Conversion.TimeoutSeconds == 0 {
		c.Conversion.TimeoutSeconds = DefaultConversionTimeout
	}

	if c.Conversion.DownloadTimeoutSeconds == 0 {
		c.Conversion.DownloadTimeoutSeconds = DefaultModelDownloadTimeout
	}

	if c.Conversion.MaxModelMB == 0 {
		c.Conversion.MaxModelMB = DefaultMaxModelMB
	}

	if c.NATS.JobSubject == "" {
		c.NATS.JobSubject = DefaultJobSubject
	}

	if c.NATS.QueueGroup == "" {
		c.NATS.QueueGroup = DefaultQueueGroup
	}

	if c.Notification.TimeoutSeconds == 0 {
		c.Notification.TimeoutSeconds = DefaultNotificationTimeout
	}

	if c.Notification.UserAgent == "" {
		c.Notification.UserAgent = DefaultUserAgent
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = os.TempDir()
	}
}

// Validate reports the first inconsistency found in the configuration.
func (c *Config) Validate() error {
	if c.Pool.MaxConcurrentJobs < 1 {
		return fmt.Errorf("%w: pool.max_concurrent_jobs must be positive, got %d",
			ErrInvalidConfig, c.Pool.MaxConcurrentJobs)
	}

	if c.Pool.MaxQueue < 0 {
		return fmt.Errorf("%w: pool.max_queue must be non-negative, got %d", ErrInvalidConfig, c.Pool.MaxQueue)
	}

	if c.Pool.Admission != AdmissionQueue && c.Pool.Admission != AdmissionReject {
		return fmt.Errorf("%w: unknown pool.admission %q", ErrInvalidConfig, c.Pool.Admission)
	}

	switch c.Synthesis.Engine {
	case EngineEdge:
	case EngineHTTP:
		if c.Synthesis.ServiceURL == "" {
			return fmt.Errorf("%w: synthesis.service_url is required for the http engine", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown synthesis.engine %q", ErrInvalidConfig, c.Synthesis.Engine)
	}

	if c.Conversion.Enabled && c.Conversion.Binary == "" {
		return fmt.Errorf("%w: conversion.binary is required when conversion is enabled", ErrInvalidConfig)
	}

	if c.Storage.Enabled {
		if !c.NATS.Enabled || c.NATS.URL == "" {
			return fmt.Errorf("%w: storage requires nats.enabled and nats.url", ErrInvalidConfig)
		}

		if c.Storage.Bucket == "" {
			return fmt.Errorf("%w: storage.bucket is required when storage is enabled", ErrInvalidConfig)
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("%w: nats.url is required when nats is enabled", ErrInvalidConfig)
	}

	return nil
}

// RequestTimeout is how long a synchronous caller waits for its job.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds the graceful shutdown sequence.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// JobTimeout bounds the stage contexts of one job. Zero means unbounded.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Pool.JobTimeoutSeconds) * time.Second
}

// SynthesisTimeout bounds one call to the synthesis engine.
func (c *Config) SynthesisTimeout() time.Duration {
	return time.Duration(c.Synthesis.TimeoutSeconds) * time.Second
}

// ConversionTimeout bounds one run of the conversion binary.
func (c *Config) ConversionTimeout() time.Duration {
	return time.Duration(c.Conversion.TimeoutSeconds) * time.Second
}

// ModelDownloadTimeout bounds one model download.
func (c *Config) ModelDownloadTimeout() time.Duration {
	return time.Duration(c.Conversion.DownloadTimeoutSeconds) * time.Second
}

// MaxModelBytes is the largest model file a download may write.
func (c *Config) MaxModelBytes() int64 {
	return int64(c.Conversion.MaxModelMB) << 20
}

// NotificationTimeout bounds one callback delivery.
func (c *Config) NotificationTimeout() time.Duration {
	return time.Duration(c.Notification.TimeoutSeconds) * time.Second
}
