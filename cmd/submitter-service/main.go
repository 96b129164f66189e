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
	"github.com/cuongbtq/mediaqueue/internal/pirate"
	"github.com/cuongbtq/mediaqueue/internal/submitter"
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
	defaultConfigPath := os.Getenv("SUBMITTER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/submitter-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateSubmitterConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting submitter service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("broker", cfg.Queue.ClientEndpoint()),
	)

	// Stop on interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, appLogger.Component("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	linkLogger := appLogger.Component("client")
	s := submitter.New(&submitter.Config{
		Logger:      appLogger.Component("submitter"),
		Source:      rabbitClient,
		Jobs:        st,
		ConsumerTag: cfg.RabbitMQ.Consumer.Tag,
		NewRequester: func() (submitter.Requester, error) {
			client, err := pirate.NewClient(&pirate.ClientConfig{
				Logger:   linkLogger,
				Endpoint: cfg.Queue.ClientEndpoint(),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create broker client: %w", err)
			}
			return client, nil
		},
		Concurrency:    cfg.Client.Concurrency,
		RequestTimeout: cfg.Client.RequestTimeout,
		RequestRetries: cfg.Client.RequestRetries,
		RateLimit:      cfg.Client.RateLimit,
		RateBurst:      cfg.Client.RateBurst,
	})

	// Stop consuming when the RabbitMQ channel closes
	go func() {
		select {
		case amqpErr, ok := <-rabbitClient.NotifyClose():
			if ok && amqpErr != nil {
				appLogger.Error("RabbitMQ connection lost", slog.String("error", amqpErr.Error()))
			}
			stop()
		case <-ctx.Done():
		}
	}()

	if err := s.Start(ctx); err != nil {
		appLogger.Error("Submitter error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Submitter service shutdown complete")
	return nil
}
