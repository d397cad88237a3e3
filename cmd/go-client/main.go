// Command go-client submits text to a running synthesis-service and prints the results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/job"
)

// Flag descriptions.
const (
	flagServerDesc   = "Base URL of the synthesis service"
	flagTextDesc     = "Text to convert to speech"
	flagChunksDesc   = "JSON file containing an array of text chunks to process"
	flagVoiceDesc    = "Voice identifier (service default when empty)"
	flagSpeedDesc    = "Speech rate adjustment in percent"
	flagModelDesc    = "Voice conversion model file (enables conversion)"
	flagFormatDesc   = "Export format (WAV, MP3, FLAC, OGG, M4A); non-WAV needs --model"
	flagCallbackDesc = "Callback URL notified when each job finishes"
	flagAPIKeyDesc   = "API key sent as X-API-Key"
	flagTimeoutDesc  = "Per-request timeout"
	flagVerboseDesc  = "Enable verbose logging"
	flagHealthDesc   = "Check service health and exit"
)

// Flag names.
const (
	flagServer   = "server"
	flagText     = "text"
	flagChunks   = "chunks"
	flagVoice    = "voice"
	flagSpeed    = "speed"
	flagModel    = "model"
	flagFormat   = "format"
	flagCallback = "callback"
	flagAPIKey   = "api-key"
	flagTimeout  = "timeout"
	flagVerbose  = "verbose"
	flagHealth   = "health"
)

// Error and log messages.
const (
	errFailedToInitLogger  = "failed to initialize logger: %w"
	errFailedToReadChunks  = "failed to read chunks file: %w"
	errFailedToParseChunks = "failed to parse chunks file: %w"
	errServiceNotHealthy   = "Synthesis service is not healthy: %v\n"
	msgServiceHealthy      = "Synthesis service is healthy"
	logSubmitting          = "Submitting chunk %d/%d (%d characters)"
	logChunkFailed         = "Chunk %d failed: %v"
	outputResultFormat     = "[%d] %s %s %s\n"
)

const (
	defaultServerURL   = "http://localhost:8000"
	defaultTimeout     = 5 * time.Minute
	logFileNameDefault = "synthesis-client.log"
	logFileNameVerbose = "synthesis-client-verbose.log"
)

var (
	errEitherTextOrChunks = errors.New("either --text or --chunks must be provided")
	errCannotSpecifyBoth  = errors.New("cannot specify both --text and --chunks")
	errChunksFailed       = errors.New("one or more chunks failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server   string
	text     string
	chunks   string
	voice    string
	speed    int
	model    string
	format   string
	callback string
	apiKey   string
	timeout  time.Duration
	verbose  bool
	health   bool
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	err = run(flags, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string, output io.Writer) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("go-client", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&flags.server, flagServer, defaultServerURL, flagServerDesc)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.IntVar(&flags.speed, flagSpeed, 0, flagSpeedDesc)
	flagSet.StringVar(&flags.model, flagModel, "", flagModelDesc)
	flagSet.StringVar(&flags.format, flagFormat, "", flagFormatDesc)
	flagSet.StringVar(&flags.callback, flagCallback, "", flagCallbackDesc)
	flagSet.StringVar(&flags.apiKey, flagAPIKey, "", flagAPIKeyDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateArguments checks for required and conflicting arguments.
func validateArguments(flags appFlags) error {
	if flags.health {
		return nil
	}

	if flags.text == "" && flags.chunks == "" {
		return errEitherTextOrChunks
	}

	if flags.text != "" && flags.chunks != "" {
		return errCannotSpecifyBoth
	}

	return nil
}

// run is the application entry point, returning an error on failure.
func run(flags appFlags, stdout io.Writer) error {
	validateErr := validateArguments(flags)
	if validateErr != nil {
		return validateErr
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	log, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}

	defer func() {
		_ = log.Close()
	}()

	client := newAPIClient(flags.server, flags.apiKey, flags.timeout)

	if flags.health {
		return handleHealthCheck(client, stdout)
	}

	texts := []string{flags.text}

	if flags.chunks != "" {
		texts, err = readChunks(flags.chunks)
		if err != nil {
			return err
		}
	}

	return processTexts(client, log, flags, texts, stdout)
}

// handleHealthCheck performs a service health check and prints the result.
func handleHealthCheck(client *apiClient, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	err := client.Health(ctx)
	if err != nil {
		fmt.Fprintf(stdout, errServiceNotHealthy, err)

		return err
	}

	fmt.Fprintln(stdout, msgServiceHealthy)

	return nil
}

func readChunks(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf(errFailedToReadChunks, err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf(errFailedToParseChunks, err)
	}

	return chunks, nil
}

// processTexts submits each text in order and prints one line per result.
func processTexts(client *apiClient, log *logger.Logger, flags appFlags, texts []string, stdout io.Writer) error {
	failures := 0

	for index, text := range texts {
		log.Info(logSubmitting, index+1, len(texts), len(text))

		ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
		result, err := client.Synthesize(ctx, buildRequest(flags, text))

		cancel()

		if err != nil {
			log.Error(logChunkFailed, index+1, err)
			fmt.Fprintf(stdout, outputResultFormat, index+1, core.StatusError, "-", err)

			failures++

			continue
		}

		location := result.LocalPath
		if result.PublicURL != "" {
			location = result.PublicURL
		}

		fmt.Fprintf(stdout, outputResultFormat, index+1, result.Status, result.JobID, location)

		if !result.Succeeded() {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%w: %d of %d", errChunksFailed, failures, len(texts))
	}

	return nil
}

func buildRequest(flags appFlags, text string) job.Request {
	return job.Request{
		Text:         text,
		Voice:        flags.voice,
		Speed:        flags.speed,
		ModelFile:    flags.model,
		ExportFormat: flags.format,
		CallbackURL:  flags.callback,
	}
}
