package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/mediaqueue/internal/bootstrap"
	"github.com/cuongbtq/mediaqueue/internal/config"
	"github.com/cuongbtq/mediaqueue/internal/dispatcher"
	"github.com/cuongbtq/mediaqueue/internal/handlers"
	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/pirate"
	"github.com/cuongbtq/mediaqueue/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the shared store
	st, err := bootstrap.OpenStore(ctx, cfg, appLogger.Component("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	hostname := cfg.Worker.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			return fmt.Errorf("failed to resolve hostname: %w", err)
		}
	}

	// Register step handlers
	registry := job.NewRegistry()
	retryPolicy := bootstrap.RetryPolicy(cfg.Retry, appLogger.Component("retry"))
	if err := handlers.Register(registry, &handlers.Deps{
		Logger:   appLogger.Component("handlers"),
		Entries:  st,
		Files:    st,
		Hostname: hostname,
		CutRoot:  cfg.Worker.CutRoot,
		MainRoot: cfg.Worker.MainRoot,
		Retry:    retryPolicy,
	}); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	appLogger.Info("Step handlers registered", slog.Any("methods", registry.Methods()))

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger: appLogger.Component("worker"),
		Link: pirate.WorkerConfig{
			Logger:            appLogger.Component("link"),
			Endpoint:          cfg.Queue.WorkerEndpoint(),
			HeartbeatInterval: cfg.Queue.HeartbeatInterval,
			Liveness:          cfg.Queue.Liveness,
			ReconnectInitial:  cfg.Queue.ReconnectInitial,
			ReconnectMax:      cfg.Queue.ReconnectMax,
		},
		Dispatcher: dispatcher.New(&dispatcher.Config{
			Logger:      appLogger.Component("dispatcher"),
			Registry:    registry,
			Jobs:        st,
			StepTimeout: cfg.Worker.StepTimeout,
			SavePolicy:  retryPolicy,
		}),
		Jobs:        st,
		Concurrency: cfg.Worker.Count,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Stop polling; in-flight jobs run to completion within the shutdown timeout
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
