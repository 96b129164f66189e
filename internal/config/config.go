package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/pirate"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Client   ClientConfig   `yaml:"client"`
	Retry    RetryConfig    `yaml:"retry"`
	Storage  StorageConfig  `yaml:"storage"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// EnsureSchema creates the tables on startup
	EnsureSchema bool `yaml:"ensure_schema"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addrs       []string      `yaml:"addrs"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	User       string            `yaml:"user"`
	Password   string            `yaml:"password"`
	VHost      string            `yaml:"vhost"`
	Exchange   ExchangeConfig    `yaml:"exchange"`
	Queue      RabbitQueueConfig `yaml:"queue"`
	DeadLetter DeadLetterConfig  `yaml:"dead_letter"`
	RoutingKey string            `yaml:"routing_key"`
	Connection ConnectionConfig  `yaml:"connection"`
	Publish    PublishConfig     `yaml:"publish"`
	Consumer   ConsumerConfig    `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RabbitQueueConfig holds RabbitMQ queue configuration
type RabbitQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// DeadLetterConfig names where unresolved submissions are parked
type DeadLetterConfig struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings; prefetch follows client.concurrency
type ConsumerConfig struct {
	Tag string `yaml:"tag"`
}

// QueueConfig holds the job broker addressing and heartbeat settings
type QueueConfig struct {
	// Channel names the broker; endpoints default to ipc sockets derived from it
	Channel   string `yaml:"channel"`
	SocketDir string `yaml:"socket_dir"`
	// ClientAddr and WorkerAddr override the derived endpoints, e.g. tcp://host:5555
	ClientAddr        string        `yaml:"client_addr"`
	WorkerAddr        string        `yaml:"worker_addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Liveness          int           `yaml:"liveness"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

// ClientEndpoint is where clients submit requests
func (q QueueConfig) ClientEndpoint() string {
	if q.ClientAddr != "" {
		return q.ClientAddr
	}
	return "ipc://" + filepath.Join(q.SocketDir, q.Channel+"_queue")
}

// WorkerEndpoint is where workers connect
func (q QueueConfig) WorkerEndpoint() string {
	if q.WorkerAddr != "" {
		return q.WorkerAddr
	}
	return "ipc://" + filepath.Join(q.SocketDir, q.Channel+"_workers")
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Count           int           `yaml:"count"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Hostname        string        `yaml:"hostname"`
	CutRoot         string        `yaml:"cut_root"`
	MainRoot        string        `yaml:"main_root"`
}

// ClientConfig holds submitter settings for talking to the broker
type ClientConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestRetries int           `yaml:"request_retries"`
	Concurrency    int           `yaml:"concurrency"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

// RetryConfig bounds retries of conflicting entity writes
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
}

// StorageConfig selects the job and entity store
type StorageConfig struct {
	Backend string `yaml:"backend"`
}

// Default returns the configuration applied before the file is read
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Addrs: []string{"localhost:6379"},
		},
		RabbitMQ: RabbitMQConfig{
			Port:  5672,
			VHost: "/",
			Exchange: ExchangeConfig{
				Type:    "direct",
				Durable: true,
			},
			Queue: RabbitQueueConfig{
				Durable: true,
			},
			Connection: ConnectionConfig{
				RetryAttempts:     5,
				RetryInterval:     2 * time.Second,
				Heartbeat:         10 * time.Second,
				ConnectionTimeout: 5 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2,
			},
			Consumer: ConsumerConfig{
				Tag: "submitter",
			},
		},
		Queue: QueueConfig{
			Channel:           "jobs",
			SocketDir:         os.TempDir(),
			HeartbeatInterval: pirate.DefaultHeartbeatInterval,
			Liveness:          pirate.DefaultLiveness,
			ReconnectInitial:  pirate.DefaultReconnectInitial,
			ReconnectMax:      pirate.DefaultReconnectMax,
		},
		Worker: WorkerConfig{
			Count:           1,
			ShutdownTimeout: 30 * time.Second,
		},
		Client: ClientConfig{
			RequestTimeout: pirate.DefaultRequestTimeout,
			RequestRetries: pirate.DefaultRequestRetries,
			Concurrency:    1,
		},
		Retry: RetryConfig{
			MaxAttempts: 10,
			Backoff:     30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
	}
}

// Load reads and parses the configuration file on top of the defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ValidateAPIConfig checks the settings used by the HTTP API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings used by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker count must be greater than 0")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	if c.Worker.CutRoot == "" {
		return fmt.Errorf("worker cut_root is required")
	}

	if c.Worker.MainRoot == "" {
		return fmt.Errorf("worker main_root is required")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be greater than 0")
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	return c.validateStorage()
}

// ValidateBrokerConfig checks the settings used by the broker
func (c *Config) ValidateBrokerConfig() error {
	return c.validateQueue()
}

// ValidateSubmitterConfig checks the settings used by the submitter service
func (c *Config) ValidateSubmitterConfig() error {
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client request_timeout must be greater than 0")
	}

	if c.Client.RequestRetries <= 0 {
		return fmt.Errorf("client request_retries must be greater than 0")
	}

	if c.Client.RateLimit < 0 {
		return fmt.Errorf("client rate_limit must not be negative")
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateQueue() error {
	if c.Queue.Channel == "" && (c.Queue.ClientAddr == "" || c.Queue.WorkerAddr == "") {
		return fmt.Errorf("queue channel is required")
	}

	if _, _, err := pirate.ParseEndpoint(c.Queue.ClientEndpoint()); err != nil {
		return fmt.Errorf("invalid queue client endpoint: %w", err)
	}

	if _, _, err := pirate.ParseEndpoint(c.Queue.WorkerEndpoint()); err != nil {
		return fmt.Errorf("invalid queue worker endpoint: %w", err)
	}

	if c.Queue.HeartbeatInterval <= 0 {
		return fmt.Errorf("queue heartbeat_interval must be greater than 0")
	}

	if c.Queue.Liveness <= 0 {
		return fmt.Errorf("queue liveness must be greater than 0")
	}

	if c.Queue.ReconnectMax < c.Queue.ReconnectInitial {
		return fmt.Errorf("queue reconnect_max must not be below reconnect_initial")
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageMemory:
		return nil
	case StoragePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		return nil
	case StorageRedis:
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis addrs are required")
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend)
	}
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
