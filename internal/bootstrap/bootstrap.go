// Package bootstrap builds the shared process dependencies of the service
// binaries from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/config"
	"github.com/cuongbtq/mediaqueue/internal/retry"
	"github.com/cuongbtq/mediaqueue/internal/store"
	"github.com/cuongbtq/mediaqueue/internal/store/memory"
	"github.com/cuongbtq/mediaqueue/internal/store/postgres"
	redisstore "github.com/cuongbtq/mediaqueue/internal/store/redis"
	"github.com/cuongbtq/mediaqueue/shared/logger"
	"github.com/cuongbtq/mediaqueue/shared/postgresql"
	"github.com/cuongbtq/mediaqueue/shared/rabbitmq"
	goredis "github.com/redis/go-redis/v9"
)

// Store is an opened store with a health probe for its backend
type Store struct {
	store.Store
	Backend string
	Health  func(ctx context.Context) error
	close   func() error
}

// Close releases the backend connection
func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// OpenStore connects the configured storage backend
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		return openPostgres(ctx, &cfg.Database, logger)
	case config.StorageRedis:
		return openRedis(ctx, &cfg.Redis, logger)
	case config.StorageMemory, "":
		logger.Warn("Using in-memory store; state is lost on exit and not shared between processes")
		return &Store{
			Store:   memory.New(),
			Backend: config.StorageMemory,
			Health:  func(ctx context.Context) error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Storage.Backend)
	}
}

func openPostgres(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	st := postgres.New(client.GetDB(), logger)
	if cfg.EnsureSchema {
		if err := st.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("Database schema ensured")
	}

	return &Store{
		Store:   st,
		Backend: config.StoragePostgres,
		Health:  client.HealthCheck,
		close:   client.Close,
	}, nil
}

func openRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	st := redisstore.New(client, logger)
	if err := st.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis connection established", slog.Any("addrs", cfg.Addrs))

	return &Store{
		Store:   st,
		Backend: config.StorageRedis,
		Health:  st.Ping,
		close:   client.Close,
	}, nil
}

// NewRabbitMQ initializes the RabbitMQ client
func NewRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetter.Exchange,
		DeadLetterQueue:    cfg.DeadLetter.Queue,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// RetryPolicy maps the retry section onto a conflict retry policy
func RetryPolicy(cfg config.RetryConfig, logger *slog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		MaxElapsed:  cfg.MaxElapsed,
		Logger:      logger,
	}
}
