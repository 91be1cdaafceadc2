// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat relay.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `koanf:"burst" validate:"gte=1"`
	RefillInterval time.Duration `koanf:"refill_interval" validate:"gt=0"`
}

// APIRateLimitConfig limits the read-only HTTP API per client IP.
type APIRateLimitConfig struct {
	Requests int           `koanf:"requests" validate:"gte=1"`
	Window   time.Duration `koanf:"window" validate:"gt=0"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string             `koanf:"port" validate:"required"`
	AllowedOrigins  []string           `koanf:"allowed_origins"`
	MaxMessageSize  int64              `koanf:"max_message_size" validate:"gte=64,lte=1048576"`
	SendBufferSize  int                `koanf:"send_buffer_size" validate:"gtfield=HistoryLimit"`
	HistoryLimit    int                `koanf:"history_limit" validate:"gte=0,lte=1000"`
	ShutdownTimeout time.Duration      `koanf:"shutdown_timeout" validate:"gt=0"`
	RateLimit       RateLimitConfig    `koanf:"rate_limit"`
	APIRateLimit    APIRateLimitConfig `koanf:"api_rate_limit"`
	Log             LogConfig          `koanf:"log"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  4096,
		SendBufferSize:  256,
		HistoryLimit:    50,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		APIRateLimit: APIRateLimitConfig{
			Requests: 60,
			Window:   time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// envKeys maps the supported environment variables to config keys.
var envKeys = map[string]string{
	"SERVER_PORT":                "port",
	"ALLOWED_ORIGINS":            "allowed_origins",
	"MAX_MESSAGE_SIZE":           "max_message_size",
	"SEND_BUFFER_SIZE":           "send_buffer_size",
	"HISTORY_LIMIT":              "history_limit",
	"SHUTDOWN_TIMEOUT":           "shutdown_timeout",
	"RATE_LIMIT_BURST":           "rate_limit.burst",
	"RATE_LIMIT_REFILL_INTERVAL": "rate_limit.refill_interval",
	"API_RATE_LIMIT_REQUESTS":    "api_rate_limit.requests",
	"API_RATE_LIMIT_WINDOW":      "api_rate_limit.window",
	"LOG_LEVEL":                  "log.level",
	"LOG_FORMAT":                 "log.format",
}

// LoadConfig layers defaults, an optional YAML file and environment
// variables (highest priority), then sanitizes and validates the result.
// An empty path searches CONFIG_PATH and DefaultConfigPaths.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("", ".", func(key string) string {
		return envKeys[key]
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := normalizeRawValues(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// normalizeRawValues converts env-style strings koanf cannot decode on its
// own: comma separated origins, and refill intervals given in whole seconds.
func normalizeRawValues(k *koanf.Koanf) error {
	if raw, ok := k.Get("allowed_origins").(string); ok {
		if err := k.Set("allowed_origins", parseOrigins(raw)); err != nil {
			return fmt.Errorf("failed to set allowed_origins: %w", err)
		}
	}

	if raw, ok := k.Get("rate_limit.refill_interval").(string); ok {
		if seconds, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			if err := k.Set("rate_limit.refill_interval", time.Duration(seconds)*time.Second); err != nil {
				return fmt.Errorf("failed to set rate_limit.refill_interval: %w", err)
			}
		}
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// sanitizeConfig replaces non-positive values with defaults.
func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = defaults.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.APIRateLimit.Requests <= 0 {
		cfg.APIRateLimit.Requests = defaults.APIRateLimit.Requests
	}
	if cfg.APIRateLimit.Window <= 0 {
		cfg.APIRateLimit.Window = defaults.APIRateLimit.Window
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration ranges.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
