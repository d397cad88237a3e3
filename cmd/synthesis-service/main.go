// main package for the synthesis-service
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/api"
	"github.com/book-expert/synthesis-service/internal/config"
	"github.com/book-expert/synthesis-service/internal/convert"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/job"
	"github.com/book-expert/synthesis-service/internal/lifecycle"
	"github.com/book-expert/synthesis-service/internal/models"
	"github.com/book-expert/synthesis-service/internal/notify"
	"github.com/book-expert/synthesis-service/internal/objectstore"
	"github.com/book-expert/synthesis-service/internal/pipeline"
	"github.com/book-expert/synthesis-service/internal/pool"
	"github.com/book-expert/synthesis-service/internal/service"
	"github.com/book-expert/synthesis-service/internal/synth"
	"github.com/book-expert/synthesis-service/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	bootstrapLogFile = "synthesis-service-bootstrap.log"
	serviceLogFile   = "synthesis-service.log"
	natsClientName   = "synthesis-service"
	flagConfigDesc   = "Path to a TOML config file (defaults to the central configurator)"
)

// healthChecker is implemented by engines that can be probed at startup.
type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func loadConfig(configPath string, bootstrapLog *logger.Logger) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}

	return config.Load(bootstrapLog)
}

func run(configPath string) error {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := loadConfig(configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	log, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

// serve wires the components and blocks until shutdown.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	stages, natsConnection, err := buildStages(ctx, cfg, log)
	if err != nil {
		return err
	}

	if natsConnection != nil {
		defer natsConnection.Close()
	}

	dispatcher := notify.NewDispatcher(
		notify.NewHTTPNotifier(nil, cfg.Notification.UserAgent), cfg.NotificationTimeout(), log)
	executor := pipeline.NewExecutor(stages, dispatcher, notify.NewNotification, log)

	workers := pool.New(executor, pool.Options{
		MaxConcurrentJobs: cfg.Pool.MaxConcurrentJobs,
		Mode:              cfg.Pool.Admission,
		MaxQueue:          cfg.Pool.MaxQueue,
		JobTimeout:        cfg.JobTimeout(),
	}, log)

	svc := service.New(workers, job.Defaults{
		Voice:     cfg.Synthesis.DefaultVoice,
		OutputDir: cfg.Synthesis.OutputDir,
	}, cfg.RequestTimeout(), log)

	controller := lifecycle.NewController(log)
	controller.OnShutdown(workers.StopAdmission)

	var natsWorker *worker.NatsWorker

	if natsConnection != nil {
		natsWorker, err = worker.NewNatsWorker(natsConnection, cfg.NATS.JobSubject, cfg.NATS.QueueGroup, svc, log)
		if err != nil {
			return fmt.Errorf("failed to create NATS worker: %w", err)
		}
	}

	server := api.NewServer(cfg.Server, svc, workers, controller, log)

	err = enableOptionalRoutes(cfg, stages, server, log)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- server.ListenAndServe()
	}()

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()

	workerDone := make(chan error, 1)

	if natsWorker != nil {
		go func() {
			workerDone <- natsWorker.Run(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	controller.MarkReady()
	log.System("Synthesis service ready on %s (engine=%s, max_concurrent_jobs=%d, admission=%s)",
		cfg.Server.ListenAddress, cfg.Synthesis.Engine, cfg.Pool.MaxConcurrentJobs, cfg.Pool.Admission)

	var runErr error

	select {
	case <-ctx.Done():
		log.System("Received termination signal")
	case <-controller.Done():
	case runErr = <-serveErr:
		log.Error("HTTP API stopped: %v", runErr)
	}

	controller.RequestShutdown()

	return errors.Join(runErr, shutdown(cfg, log, server, cancelWorker, workerDone, workers, dispatcher))
}

func shutdown(
	cfg *config.Config,
	log *logger.Logger,
	server *api.Server,
	cancelWorker context.CancelFunc,
	workerDone <-chan error,
	workers *pool.Pool,
	dispatcher *notify.Dispatcher,
) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	var errs []error

	errs = append(errs, server.Shutdown(shutdownCtx))

	cancelWorker()

	errs = append(errs, <-workerDone)
	errs = append(errs, workers.Shutdown(shutdownCtx))
	errs = append(errs, dispatcher.Wait(shutdownCtx))

	joined := errors.Join(errs...)
	if joined != nil {
		log.Error("Shutdown finished with errors: %v", joined)

		return joined
	}

	log.System("Shutdown complete")

	return nil
}

// enableOptionalRoutes backs the artifact, voice and model routes with the
// components the configuration enables.
func enableOptionalRoutes(cfg *config.Config, stages pipeline.Stages, server *api.Server, log *logger.Logger) error {
	if store, ok := stages.Uploader.(core.ArtifactStore); ok {
		server.SetArtifactStore(store)
	}

	if cfg.Synthesis.Engine == config.EngineEdge {
		server.SetVoiceLister(synth.NewEdgeVoiceLister(log))
	}

	if cfg.Conversion.Enabled && cfg.Conversion.ModelsDir != "" {
		fetcher, err := models.NewFetcher(cfg.Conversion.ModelsDir, cfg.ModelDownloadTimeout(), cfg.MaxModelBytes(), log)
		if err != nil {
			return fmt.Errorf("failed to create model fetcher: %w", err)
		}

		server.SetModelFetcher(fetcher)
	}

	return nil
}

// buildStages creates the stage engines selected by the configuration. The
// returned NATS connection is nil when NATS is disabled.
func buildStages(ctx context.Context, cfg *config.Config, log *logger.Logger) (pipeline.Stages, *nats.Conn, error) {
	var stages pipeline.Stages

	synthesizer, err := synth.New(cfg.Synthesis, log)
	if err != nil {
		return stages, nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}

	if checker, ok := synthesizer.(healthChecker); ok {
		healthErr := checker.CheckHealth(ctx)
		if healthErr != nil {
			log.Warn("Synthesis engine is not healthy yet: %v", healthErr)
		}
	}

	stages.Synthesizer = synthesizer

	if cfg.Conversion.Enabled {
		converter, convErr := convert.New(cfg.Conversion, log)
		if convErr != nil {
			return stages, nil, fmt.Errorf("failed to create converter: %w", convErr)
		}

		stages.Converter = converter
	}

	if !cfg.NATS.Enabled {
		return stages, nil, nil
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return stages, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	if cfg.Storage.Enabled {
		jetstreamContext, jsErr := natsConnection.JetStream()
		if jsErr != nil {
			natsConnection.Close()

			return stages, nil, fmt.Errorf("failed to create JetStream context: %w", jsErr)
		}

		store, storeErr := objectstore.New(jetstreamContext, cfg.Storage.Bucket, cfg.Storage.PublicBaseURL, log)
		if storeErr != nil {
			natsConnection.Close()

			return stages, nil, fmt.Errorf("failed to create object store: %w", storeErr)
		}

		stages.Uploader = store
	}

	return stages, natsConnection, nil
}

func main() {
	configPath := flag.String("config", "", flagConfigDesc)
	flag.Parse()

	err := run(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
