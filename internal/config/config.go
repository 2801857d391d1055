// ABOUTME: Configuration loading and parsing for wallboard-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration parsing and WALLBOARD_* env overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WALLBOARD_DB_DRIVER.
// Leaf fields use split_words, never an envconfig name: a named field also
// reads the bare unprefixed variable (PATH, FORMAT) when the prefixed one is unset.
const EnvPrefix = "WALLBOARD"

// Config represents the complete wallboard-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" toml:"database" envconfig:"DB"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway" envconfig:"GATEWAY"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging" envconfig:"LOG"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" split_words:"true" validate:"required"`
	WSPath   string `yaml:"ws_path" toml:"ws_path" split_words:"true" validate:"required,startswith=/"`
	// AllowedOrigins restricts websocket upgrades by Origin header. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins" split_words:"true"`
}

// DatabaseConfig selects the storage backend
type DatabaseConfig struct {
	Driver   string `yaml:"driver" toml:"driver" split_words:"true" validate:"required,oneof=sqlite postgres badger memory"`
	Path     string `yaml:"path" toml:"path" split_words:"true" validate:"required_if=Driver sqlite,required_if=Driver badger"`
	DSN      string `yaml:"dsn" toml:"dsn" split_words:"true" validate:"required_if=Driver postgres"`
	MinConns int    `yaml:"min_conns" toml:"min_conns" split_words:"true" validate:"gte=0"`
	MaxConns int    `yaml:"max_conns" toml:"max_conns" split_words:"true" validate:"gte=0"`
}

// GatewayConfig holds connection, liveness and routing tuning
type GatewayConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-" split_words:"true" validate:"gt=0"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-" split_words:"true" validate:"gt=0"`
	PongWait          time.Duration `yaml:"-" toml:"-" split_words:"true" validate:"gt=0"`
	ReplayTTL         time.Duration `yaml:"-" toml:"-" split_words:"true" validate:"gte=0"`
	RateLimitWindow   time.Duration `yaml:"-" toml:"-" split_words:"true" validate:"gte=0"`

	SendBuffer      int   `yaml:"send_buffer" toml:"send_buffer" split_words:"true" validate:"gt=0"`
	MaxMessageBytes int64 `yaml:"max_message_bytes" toml:"max_message_bytes" split_words:"true" validate:"gt=0"`
	HistoryLimit    int   `yaml:"history_limit" toml:"history_limit" split_words:"true" validate:"gte=0,lte=1000"`
	// CloseSuperseded closes the older connection when a participant code reconnects.
	CloseSuperseded bool `yaml:"close_superseded" toml:"close_superseded" split_words:"true"`
	// RateLimitRequests caps /api requests per client IP per RateLimitWindow. Zero disables.
	RateLimitRequests int `yaml:"rate_limit_requests" toml:"rate_limit_requests" split_words:"true" validate:"gte=0"`

	// Raw string values for YAML/TOML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval" ignored:"true"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout" ignored:"true"`
	PongWaitRaw          string `yaml:"pong_wait" toml:"pong_wait" ignored:"true"`
	ReplayTTLRaw         string `yaml:"replay_ttl" toml:"replay_ttl" ignored:"true"`
	RateLimitWindowRaw   string `yaml:"rate_limit_window" toml:"rate_limit_window" ignored:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" split_words:"true" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" split_words:"true" validate:"oneof=text json"`
}

// Default returns a configuration that runs a local gateway on SQLite.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:3001",
			WSPath:   "/ws",
		},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Path:     "wallboard.db",
			MaxConns: 10,
		},
		Gateway: GatewayConfig{
			HeartbeatIntervalRaw: "30s",
			WriteTimeoutRaw:      "10s",
			PongWaitRaw:          "60s",
			ReplayTTLRaw:         "5m",
			RateLimitWindowRaw:   "15m",
			RateLimitRequests:    100,
			SendBuffer:           64,
			MaxMessageBytes:      64 * 1024,
			HistoryLimit:         50,
			CloseSuperseded:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the path to the gateway config file.
// Priority: WALLBOARD_CONFIG > XDG_CONFIG_HOME/wallboard/gateway.yaml > ~/.config/wallboard/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wallboard", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then
// WALLBOARD_* variables override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOrDefault loads path if it exists and otherwise starts from Default.
// Env overrides and validation apply either way.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return finish(Default())
	}
	return Load(path)
}

func finish(cfg *Config) (*Config, error) {
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, content string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(content, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(content), cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Gateway.HeartbeatIntervalRaw, &cfg.Gateway.HeartbeatInterval},
		{"write_timeout", cfg.Gateway.WriteTimeoutRaw, &cfg.Gateway.WriteTimeout},
		{"pong_wait", cfg.Gateway.PongWaitRaw, &cfg.Gateway.PongWait},
		{"replay_ttl", cfg.Gateway.ReplayTTLRaw, &cfg.Gateway.ReplayTTL},
		{"rate_limit_window", cfg.Gateway.RateLimitWindowRaw, &cfg.Gateway.RateLimitWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

var configValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			// durations are configured through their raw string siblings
			return toSnake(f.Name)
		}
		return name
	})
	return v
}()

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	// drop the leading "Config." from the namespace
	_, field, _ := strings.Cut(fe.Namespace(), ".")

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "required_if":
		return fmt.Errorf("%s is required when database.driver is %s", field, c.Database.Driver)
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "startswith":
		return fmt.Errorf("%s must start with %q", field, fe.Param())
	default:
		return fmt.Errorf("%s is invalid (%s=%s)", field, fe.Tag(), fe.Param())
	}
}

func toSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
