package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
)

const (
	RoleGateway  = "gateway"
	RoleConsumer = "consumer"
)

// Config holds all configuration for a streambroker process
type Config struct {
	// Role selects which end of the gateway relay this process runs
	Role string `env:"STREAMBROKER_ROLE" envDefault:"consumer"`

	// Server configuration
	HTTPPort int    `env:"STREAMBROKER_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"STREAMBROKER_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	// Broker configuration
	Broker BrokerConfig

	// Gateway relay configuration
	Gateway GatewayConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// BrokerConfig holds stream broker configuration
type BrokerConfig struct {
	// Name is the consumer name inside every group; a random one is
	// generated when unset
	Name         string        `env:"BROKER_NAME"`
	Group        string        `env:"BROKER_GROUP" envDefault:"streambroker"`
	MaxChunk     int64         `env:"BROKER_MAX_CHUNK" envDefault:"10"`
	BlockTimeout time.Duration `env:"BROKER_BLOCK_TIMEOUT" envDefault:"5s"`
	CallTimeout  time.Duration `env:"BROKER_CALL_TIMEOUT" envDefault:"5s"`
	CleanupIdle  time.Duration `env:"BROKER_CLEANUP_IDLE" envDefault:"5m"`
}

// GatewayConfig holds gateway relay configuration
type GatewayConfig struct {
	ShardCount int      `env:"GATEWAY_SHARD_COUNT" envDefault:"1"`
	Events     []string `env:"GATEWAY_EVENTS" envSeparator:"," envDefault:"MESSAGE_CREATE"`
	SendTopic  string   `env:"GATEWAY_SEND_TOPIC" envDefault:"gateway_send"`
	// SendGroup must be unique per gateway process; defaults to
	// "gateway-<broker name>"
	SendGroup string        `env:"GATEWAY_SEND_GROUP"`
	ShardTTL  time.Duration `env:"GATEWAY_SHARD_TTL" envDefault:"30s"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"100"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Broker.Name == "" {
		cfg.Broker.Name = uuid.New().String()
	}
	if cfg.Gateway.SendGroup == "" {
		cfg.Gateway.SendGroup = "gateway-" + cfg.Broker.Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Role != RoleGateway && c.Role != RoleConsumer {
		return fmt.Errorf("invalid role: %s (must be %s or %s)", c.Role, RoleGateway, RoleConsumer)
	}

	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate broker config
	if c.Broker.Name == "" {
		return fmt.Errorf("broker name is required")
	}
	if c.Broker.Group == "" {
		return fmt.Errorf("broker group is required")
	}
	if c.Broker.MaxChunk < 1 {
		return fmt.Errorf("broker max chunk must be at least 1")
	}
	if c.Broker.BlockTimeout <= 0 || c.Broker.CallTimeout <= 0 {
		return fmt.Errorf("broker block and call timeouts must be positive")
	}

	// Validate gateway config
	if c.Gateway.ShardCount < 1 {
		return fmt.Errorf("gateway shard count must be at least 1")
	}
	if c.Gateway.SendTopic == "" {
		return fmt.Errorf("gateway send topic is required")
	}
	if c.Role == RoleConsumer && len(c.Gateway.Events) == 0 {
		return fmt.Errorf("at least one gateway event is required for the consumer role")
	}
	if c.Gateway.SendGroup == c.Broker.Group {
		return fmt.Errorf("gateway send group must differ from the broker group")
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
