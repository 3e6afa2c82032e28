// Package config holds all configuration types and loading logic for EpochChat.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an EpochChat server instance.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Broker  BrokerConfig  `yaml:"broker"`
	Auth    AuthConfig    `yaml:"auth"`
	Gateway GatewayConfig `yaml:"gateway"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// NodeConfig holds identity and network settings for this instance.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// Addr returns host:port for the HTTP listener.
func (n NodeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// StorageDriver selects the Persistence Store implementation.
type StorageDriver string

const (
	StorageBolt     StorageDriver = "bolt"     // embedded, single instance (default)
	StoragePostgres StorageDriver = "postgres" // shared, multi-instance
)

// StorageConfig controls where messages are persisted.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`
	// BoltFile is relative to node.data_dir.
	BoltFile    string `yaml:"bolt_file"`
	DatabaseURL string `yaml:"database_url"`
}

// BrokerDriver selects the cross-instance fan-out transport.
type BrokerDriver string

const (
	BrokerMemory BrokerDriver = "memory" // single instance (default)
	BrokerRedis  BrokerDriver = "redis"
	BrokerAMQP   BrokerDriver = "amqp"
)

// BrokerConfig controls the publish/subscribe transport.
type BrokerConfig struct {
	Driver       BrokerDriver `yaml:"driver"`
	RedisURL     string       `yaml:"redis_url"`
	RedisChannel string       `yaml:"redis_channel"`
	AMQPURL      string       `yaml:"amqp_url"`
	AMQPExchange string       `yaml:"amqp_exchange"`
}

// AuthConfig controls credential verification.
type AuthConfig struct {
	// JWTSecret is the HS256 shared secret used by the account service.
	JWTSecret string `yaml:"jwt_secret"`
}

// GatewayConfig tunes WebSocket sessions.
type GatewayConfig struct {
	MaxTextLength int `yaml:"max_text_length"`
	// SendQueueSize bounds the per-connection outbound queue. A full queue
	// closes the connection.
	SendQueueSize int           `yaml:"send_queue_size"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	PongTimeout   time.Duration `yaml:"pong_timeout"`
	// PingInterval must be shorter than PongTimeout.
	PingInterval time.Duration `yaml:"ping_interval"`
	// FrameRate is inbound frames per second per connection; 0 disables.
	FrameRate  float64 `yaml:"frame_rate"`
	FrameBurst int     `yaml:"frame_burst"`
	// CloseSuperseded closes a connection with code 4000 when the same peer
	// connects again.
	CloseSuperseded bool     `yaml:"close_superseded"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// HTTPConfig controls the REST surface.
type HTTPConfig struct {
	// RateLimit is requests per second per client IP; 0 disables.
	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
	MaxBodyKB  int     `yaml:"max_body_kb"`
	CORSOrigin string  `yaml:"cors_origin"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Driver:   StorageBolt,
			BoltFile: "chat.db",
		},
		Broker: BrokerConfig{
			Driver:       BrokerMemory,
			RedisChannel: "chat:messages",
			AMQPExchange: "chat.events",
		},
		Gateway: GatewayConfig{
			MaxTextLength:   1000,
			SendQueueSize:   256,
			MaxFrameBytes:   64 << 10,
			WriteTimeout:    10 * time.Second,
			PongTimeout:     60 * time.Second,
			PingInterval:    54 * time.Second,
			FrameRate:       20,
			FrameBurst:      40,
			CloseSuperseded: true,
		},
		HTTP: HTTPConfig{
			RateLimit:  50,
			RateBurst:  100,
			MaxBodyKB:  64,
			CORSOrigin: "*",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run EpochChat with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHCHAT_PORT            node.port
//	EPOCHCHAT_DATA_DIR        node.data_dir
//	EPOCHCHAT_JWT_SECRET      auth.jwt_secret
//	EPOCHCHAT_STORAGE_DRIVER  storage.driver
//	EPOCHCHAT_BROKER_DRIVER   broker.driver
//	EPOCHCHAT_LOG_LEVEL       log.level
//	DATABASE_URL              storage.database_url
//	REDIS_URL                 broker.redis_url
//	AMQP_URL                  broker.amqp_url
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHCHAT_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("EPOCHCHAT_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("EPOCHCHAT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("EPOCHCHAT_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = StorageDriver(strings.ToLower(v))
	}
	if v := os.Getenv("EPOCHCHAT_BROKER_DRIVER"); v != "" {
		cfg.Broker.Driver = BrokerDriver(strings.ToLower(v))
	}
	if v := os.Getenv("EPOCHCHAT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Broker.RedisURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Broker.AMQPURL = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}

	switch c.Storage.Driver {
	case StorageBolt:
		if c.Storage.BoltFile == "" {
			return errors.New("storage.bolt_file must not be empty")
		}
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for the postgres driver")
		}
	default:
		return errors.New(`storage.driver must be one of "bolt", "postgres"`)
	}

	switch c.Broker.Driver {
	case BrokerMemory:
	case BrokerRedis:
		if c.Broker.RedisURL == "" {
			return errors.New("broker.redis_url is required for the redis driver")
		}
	case BrokerAMQP:
		if c.Broker.AMQPURL == "" {
			return errors.New("broker.amqp_url is required for the amqp driver")
		}
	default:
		return errors.New(`broker.driver must be one of "memory", "redis", "amqp"`)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set (or EPOCHCHAT_JWT_SECRET)")
	}

	g := c.Gateway
	if g.MaxTextLength < 1 {
		return errors.New("gateway.max_text_length must be at least 1")
	}
	if g.SendQueueSize < 1 {
		return errors.New("gateway.send_queue_size must be at least 1")
	}
	if g.MaxFrameBytes < 1 {
		return errors.New("gateway.max_frame_bytes must be at least 1")
	}
	if g.WriteTimeout <= 0 || g.PongTimeout <= 0 || g.PingInterval <= 0 {
		return errors.New("gateway timeouts must be positive")
	}
	if g.PingInterval >= g.PongTimeout {
		return errors.New("gateway.ping_interval must be shorter than gateway.pong_timeout")
	}
	if g.FrameRate < 0 {
		return errors.New("gateway.frame_rate must be >= 0")
	}
	if g.FrameRate > 0 && g.FrameBurst < 1 {
		return errors.New("gateway.frame_burst must be at least 1 when frame_rate is set")
	}

	if c.HTTP.RateLimit < 0 {
		return errors.New("http.rate_limit must be >= 0")
	}
	if c.HTTP.MaxBodyKB < 1 {
		return errors.New("http.max_body_kb must be at least 1")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.New(`log.format must be one of "json", "text"`)
	}
	return nil
}
