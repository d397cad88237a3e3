// Package convert implements the voice conversion stage by driving an external
// conversion CLI.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/config"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/fsutil"
)

const maxLoggedOutput = 2048

var (
	// ErrInputMissing indicates the synthesis artifact to convert does not exist.
	ErrInputMissing = errors.New("conversion input file does not exist")
	// ErrNoOutput indicates the converter exited cleanly but produced no file.
	ErrNoOutput = errors.New("converter produced no output file")
	// ErrBinaryEmpty indicates that no converter binary was configured.
	ErrBinaryEmpty = errors.New("converter binary cannot be empty")
)

// ExecConverter implements core.Converter by running the configured binary.
type ExecConverter struct {
	binary    string
	args      []string
	modelsDir string
	timeout   time.Duration
	log       *logger.Logger
}

// New creates an ExecConverter from the conversion configuration.
func New(cfg config.ConversionConfig, log *logger.Logger) (*ExecConverter, error) {
	if cfg.Binary == "" {
		return nil, ErrBinaryEmpty
	}

	return &ExecConverter{
		binary:    cfg.Binary,
		args:      append([]string(nil), cfg.Args...),
		modelsDir: cfg.ModelsDir,
		timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		log:       log,
	}, nil
}

// Convert runs voice conversion on req.InputPath and writes req.OutputPath.
func (c *ExecConverter) Convert(ctx context.Context, req core.ConversionRequest) error {
	if !fsutil.FileExists(req.InputPath) {
		return fmt.Errorf("%w: %s", ErrInputMissing, req.InputPath)
	}

	modelPath, err := fsutil.ResolveModelPath(req.Params.ModelPath, c.modelsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve conversion model: %w", err)
	}

	indexPath := ""
	if req.Params.IndexPath != "" {
		indexPath, err = fsutil.ResolveModelPath(req.Params.IndexPath, c.modelsDir)
		if err != nil {
			return fmt.Errorf("failed to resolve conversion index: %w", err)
		}
	}

	dirErr := fsutil.EnsureParentDir(req.OutputPath)
	if dirErr != nil {
		return fmt.Errorf("failed to create conversion output directory: %w", dirErr)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.args...), BuildArgs(req, modelPath, indexPath)...)

	// #nosec G204 -- binary comes from configuration, parameters are validated at admission
	cmd := exec.CommandContext(ctx, c.binary, args...)

	started := time.Now()

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("converter execution failed: %w - output: %s", err, truncate(string(output)))
	}

	if !fsutil.FileExists(req.OutputPath) {
		return fmt.Errorf("%w: %s", ErrNoOutput, req.OutputPath)
	}

	c.log.Info("Converted %s -> %s with model %s in %s",
		req.InputPath, req.OutputPath, modelPath, fsutil.FormatDuration(time.Since(started).Seconds()))

	return nil
}

// BuildArgs renders the conversion parameters as CLI flags.
func BuildArgs(req core.ConversionRequest, modelPath, indexPath string) []string {
	params := req.Params

	args := []string{
		"--input_path", req.InputPath,
		"--output_path", req.OutputPath,
		"--pth_path", modelPath,
		"--index_path", indexPath,
		"--pitch", strconv.Itoa(params.Pitch),
		"--filter_radius", strconv.Itoa(params.FilterRadius),
		"--index_rate", formatFloat(params.IndexRate),
		"--volume_envelope", formatFloat(params.VolumeEnvelope),
		"--protect", formatFloat(params.Protect),
		"--hop_length", strconv.Itoa(params.HopLength),
		"--f0_method", params.F0Method,
		"--split_audio", strconv.FormatBool(params.SplitAudio),
		"--f0_autotune", strconv.FormatBool(params.Autotune),
		"--f0_autotune_strength", formatFloat(params.AutotuneStrength),
		"--clean_audio", strconv.FormatBool(params.CleanAudio),
		"--clean_strength", formatFloat(params.CleanStrength),
		"--export_format", string(req.ExportFormat),
		"--embedder_model", params.EmbedderModel,
		"--sid", strconv.Itoa(params.SpeakerID),
	}

	if params.EmbedderModelCustom != "" {
		args = append(args, "--embedder_model_custom", params.EmbedderModelCustom)
	}

	return args
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func truncate(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxLoggedOutput {
		return output
	}

	return output[len(output)-maxLoggedOutput:]
}
