// ABOUTME: Configuration loading and parsing for pairchat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pairchat configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Delivery DeliveryConfig `yaml:"delivery" toml:"delivery"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
	Retry    RetryConfig    `yaml:"retry" toml:"retry"`
	Push     PushConfig     `yaml:"push" toml:"push"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service; empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// OTPDevEcho returns login codes in the API response. Development only.
	OTPDevEcho bool `yaml:"otp_dev_echo" toml:"otp_dev_echo"`

	TokenTTL time.Duration `yaml:"-" toml:"-"`
	OTPTTL   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
	OTPTTLRaw   string `yaml:"otp_ttl" toml:"otp_ttl"`
}

// DeliveryConfig sizes the fanout worker pool and per-session queues
type DeliveryConfig struct {
	Workers          int `yaml:"workers" toml:"workers"`
	QueueSize        int `yaml:"queue_size" toml:"queue_size"`
	SessionQueueSize int `yaml:"session_queue_size" toml:"session_queue_size"`
}

// SessionConfig holds live session timing
type SessionConfig struct {
	ReplayPageSize int `yaml:"replay_page_size" toml:"replay_page_size"`

	IdleTimeout    time.Duration `yaml:"-" toml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout" toml:"idle_timeout"`
}

// RetryConfig bounds retries of transient store failures
type RetryConfig struct {
	Attempts int `yaml:"attempts" toml:"attempts"`

	BaseDelay    time.Duration `yaml:"-" toml:"-"`
	MaxDelay     time.Duration `yaml:"-" toml:"-"`
	BaseDelayRaw string        `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string        `yaml:"max_delay" toml:"max_delay"`
}

// PushConfig holds the RabbitMQ push notification settings
type PushConfig struct {
	// AMQPURL empty means notifications are only logged.
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// RedisConfig holds the profile cache settings
type RedisConfig struct {
	// URL empty disables the profile cache.
	URL string `yaml:"url" toml:"url"`

	ProfileTTL    time.Duration `yaml:"-" toml:"-"`
	ProfileTTLRaw string        `yaml:"profile_ttl" toml:"profile_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.OTPTTL == 0 {
		c.Auth.OTPTTL = 5 * time.Minute
	}
	if c.Delivery.Workers == 0 {
		c.Delivery.Workers = 4
	}
	if c.Delivery.QueueSize == 0 {
		c.Delivery.QueueSize = 256
	}
	if c.Delivery.SessionQueueSize == 0 {
		c.Delivery.SessionQueueSize = 64
	}
	if c.Session.ReplayPageSize == 0 {
		c.Session.ReplayPageSize = 100
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 5 * time.Minute
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 5
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 50 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 2 * time.Second
	}
	if c.Push.Exchange == "" {
		c.Push.Exchange = "pairchat.events"
	}
	if c.Redis.ProfileTTL == 0 {
		c.Redis.ProfileTTL = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Delivery.Workers < 0 || c.Delivery.QueueSize < 0 || c.Delivery.SessionQueueSize < 0 {
		return fmt.Errorf("delivery sizes must not be negative")
	}
	if c.Session.ReplayPageSize < 1 || c.Session.ReplayPageSize > 500 {
		return fmt.Errorf("session.replay_page_size must be between 1 and 500")
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must not be negative")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must not be less than retry.base_delay")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"auth.otp_ttl", cfg.Auth.OTPTTLRaw, &cfg.Auth.OTPTTL},
		{"session.idle_timeout", cfg.Session.IdleTimeoutRaw, &cfg.Session.IdleTimeout},
		{"retry.base_delay", cfg.Retry.BaseDelayRaw, &cfg.Retry.BaseDelay},
		{"retry.max_delay", cfg.Retry.MaxDelayRaw, &cfg.Retry.MaxDelay},
		{"redis.profile_ttl", cfg.Redis.ProfileTTLRaw, &cfg.Redis.ProfileTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath returns $PAIRCHAT_CONFIG, or config.yaml under the XDG config
// directory.
func DefaultPath() string {
	if p := os.Getenv("PAIRCHAT_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "pairchat", "config.yaml")
}

// Template is the starter configuration written by `pairchat init`.
const Template = `# pairchat configuration
server:
  http_addr: "127.0.0.1:8080"
  grpc_addr: "127.0.0.1:50051"

database:
  path: "${HOME}/.local/share/pairchat/pairchat.db"

auth:
  jwt_secret: "${PAIRCHAT_JWT_SECRET}"
  token_ttl: "720h"
  otp_ttl: "5m"
  otp_dev_echo: false

delivery:
  workers: 4
  queue_size: 256
  session_queue_size: 64

session:
  idle_timeout: "5m"
  replay_page_size: 100

retry:
  attempts: 5
  base_delay: "50ms"
  max_delay: "2s"

push:
  amqp_url: "${PAIRCHAT_AMQP_URL}"
  exchange: "pairchat.events"

redis:
  url: "${PAIRCHAT_REDIS_URL}"
  profile_ttl: "5m"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
`

// WriteTemplate writes Template to path, refusing to overwrite.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
