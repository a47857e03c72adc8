package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pairchat/internal/logging"
	"pairchat/internal/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAIRCHAT_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	NodeID    int64             `json:"node_id" yaml:"node_id"`
	Database  *DatabaseConfig   `json:"database" yaml:"database"`
	HTTP      *HTTPConfig       `json:"http" yaml:"http"`
	WebSocket *WebSocketConfig  `json:"websocket" yaml:"websocket"`
	Barrier   *BarrierConfig    `json:"barrier" yaml:"barrier"`
	Messaging *MessagingConfig  `json:"messaging" yaml:"messaging"`
	Auth      *AuthConfig       `json:"auth" yaml:"auth"`
	Redis     *RedisConfig      `json:"redis" yaml:"redis"`
	Telemetry *telemetry.Config `json:"telemetry" yaml:"telemetry"`
	Logging   *logging.Config   `json:"logging" yaml:"logging"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
type DatabaseConfig struct {
	Driver          string   `json:"driver" yaml:"driver"` // "sqlite" or "memory"
	Path            string   `json:"path" yaml:"path"`
	MaxConnections  int      `json:"max_connections" yaml:"max_connections"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	WriteRetryDelay Duration `json:"write_retry_delay" yaml:"write_retry_delay"`
}

type HTTPConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval        Duration `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout         Duration `json:"read_timeout" yaml:"read_timeout"`
	MaxMessageBytes     int64    `json:"max_message_bytes" yaml:"max_message_bytes"`
	RequireMessageToken bool     `json:"require_message_token" yaml:"require_message_token"`
}

// BarrierConfig bounds the prompt sequence.
type BarrierConfig struct {
	MaxQuestionIndex int `json:"max_question_index" yaml:"max_question_index"`
}

type MessagingConfig struct {
	MessagesPerMinute int      `json:"messages_per_minute" yaml:"messages_per_minute"`
	LimiterIdle       Duration `json:"limiter_idle" yaml:"limiter_idle"`
}

type AuthConfig struct {
	Secret   string   `json:"secret" yaml:"secret"`
	TokenTTL Duration `json:"token_ttl" yaml:"token_ttl"`
}

// RedisConfig enables the cross-node push relay when URL is set.
type RedisConfig struct {
	URL           string `json:"url" yaml:"url"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"`
}

func (r *RedisConfig) Enabled() bool {
	return r != nil && r.URL != ""
}

// Addr is the listen address.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; only the auth secret has to be supplied
func DefaultConfig() *Config {
	return &Config{
		NodeID: 1,
		Database: &DatabaseConfig{
			Driver:          "sqlite",
			Path:            "./data/pairchat.db",
			MaxConnections:  10,
			WriteTimeout:    Duration(30 * time.Second),
			WriteRetryDelay: Duration(5 * time.Second),
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    Duration(30 * time.Second),
			ReadTimeout:     Duration(60 * time.Second),
			MaxMessageBytes: 16 * 1024,
		},
		Barrier: &BarrierConfig{MaxQuestionIndex: 36},
		Messaging: &MessagingConfig{
			MessagesPerMinute: 100,
			LimiterIdle:       Duration(10 * time.Minute),
		},
		Auth:      &AuthConfig{TokenTTL: Duration(24 * time.Hour)},
		Redis:     &RedisConfig{ChannelPrefix: "pairchat"},
		Telemetry: &telemetry.Config{ServiceName: "pairchat"},
		Logging:   &logging.Config{Format: "text", Level: "info"},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("node id must be between 0 and 1023")
	}
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Barrier == nil ||
		c.Messaging == nil || c.Auth == nil || c.Redis == nil || c.Telemetry == nil || c.Logging == nil {
		return fmt.Errorf("every configuration section is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.WriteTimeout <= 0 {
		return fmt.Errorf("database write timeout must be positive")
	}

	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}

	if c.Barrier.MaxQuestionIndex <= 0 {
		return fmt.Errorf("max question index must be positive")
	}
	if c.Messaging.MessagesPerMinute < 0 {
		return fmt.Errorf("messages per minute cannot be negative")
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Variables that fail to parse are ignored and the previous value stays.
func (c *Config) ApplyEnv() {
	envInt64("NODE_ID", &c.NodeID)

	envString("DATABASE_DRIVER", &c.Database.Driver)
	envString("DATABASE_PATH", &c.Database.Path)
	envInt("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	envDuration("DATABASE_WRITE_TIMEOUT", &c.Database.WriteTimeout)

	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envBool("WEBSOCKET_REQUIRE_MESSAGE_TOKEN", &c.WebSocket.RequireMessageToken)

	envInt("BARRIER_MAX_QUESTION_INDEX", &c.Barrier.MaxQuestionIndex)
	envInt("MESSAGING_MESSAGES_PER_MINUTE", &c.Messaging.MessagesPerMinute)
	envDuration("MESSAGING_LIMITER_IDLE", &c.Messaging.LimiterIdle)

	envString("AUTH_SECRET", &c.Auth.Secret)
	envDuration("AUTH_TOKEN_TTL", &c.Auth.TokenTTL)

	envString("REDIS_URL", &c.Redis.URL)
	envString("REDIS_CHANNEL_PREFIX", &c.Redis.ChannelPrefix)

	envString("TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envString("TELEMETRY_HEADERS", &c.Telemetry.Headers)
	envString("TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)

	envString("LOG_FORMAT", &c.Logging.Format)
	envString("LOG_LEVEL", &c.Logging.Level)
}

// LoadFromEnv returns defaults overridden by PAIRCHAT_ variables.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	config.ApplyEnv()
	return config
}

// LoadFromFile layers a JSON or YAML file, chosen by extension, over the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.applyFile(path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error; variables already set are left alone.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves defaults, then the file, then environment
// variables, and validates the result. A missing file is skipped.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := config.applyFile(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func envString(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := lookup(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *Duration) {
	if v, ok := lookup(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
