package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/mediaqueue/internal/bootstrap"
	"github.com/cuongbtq/mediaqueue/internal/config"
	"github.com/cuongbtq/mediaqueue/internal/pirate"
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
	defaultConfigPath := os.Getenv("BROKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/broker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateBrokerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting queue broker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("channel", cfg.Queue.Channel),
	)

	broker := pirate.NewBroker(&pirate.BrokerConfig{
		Logger:            appLogger.Component("broker"),
		ClientEndpoint:    cfg.Queue.ClientEndpoint(),
		WorkerEndpoint:    cfg.Queue.WorkerEndpoint(),
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		Liveness:          cfg.Queue.Liveness,
	})
	if err := broker.Listen(); err != nil {
		return err
	}

	// Stop on interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := broker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Broker failed", slog.Any("error", err))
		return err
	}

	appLogger.Info("Broker shutdown complete")
	return nil
}
