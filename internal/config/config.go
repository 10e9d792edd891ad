// Package config loads gateway settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/example/faceverify-gateway/internal/lifecycle"
	"github.com/example/faceverify-gateway/internal/retry"
)

type Config struct {
	Server   Server   `mapstructure:"server"`
	Auth     Auth     `mapstructure:"auth"`
	Model    Model    `mapstructure:"model"`
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
	Fly      Fly      `mapstructure:"fly"`
	Retry    Retry    `mapstructure:"retry"`
	Poll     Poll     `mapstructure:"poll"`
	Log      Log      `mapstructure:"log"`
}

type Server struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Version         string        `mapstructure:"version"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

type Auth struct {
	// APIKey may be empty; protected routes then fail closed.
	APIKey string `mapstructure:"api_key"`
}

type Model struct {
	Addr        string        `mapstructure:"addr" validate:"required"`
	Secret      string        `mapstructure:"secret"`
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gte=0"`
}

type Database struct {
	// DSN empty disables the audit log.
	DSN string `mapstructure:"dsn"`
}

type Redis struct {
	// Addr empty disables result caching and the shared ready flag.
	Addr      string        `mapstructure:"addr"`
	ResultTTL time.Duration `mapstructure:"result_ttl" validate:"gte=0"`
}

type Fly struct {
	APIURL string `mapstructure:"api_url" validate:"omitempty,url"`
	// App empty disables readiness polling.
	App   string `mapstructure:"app"`
	Token string `mapstructure:"token" validate:"required_with=App"`
}

type Retry struct {
	Preset string `mapstructure:"preset" validate:"omitempty,oneof=long short"`
	// Policy is the preset with any explicit knob applied on top.
	Policy retry.Policy `mapstructure:"-"`
}

// Poll bounds readiness polling. A ReadyTTL of zero polls the backend
// before every request.
type Poll struct {
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	MaxCycles int           `mapstructure:"max_cycles" validate:"min=1"`
	ReadyTTL  time.Duration `mapstructure:"ready_ttl" validate:"gte=0"`
}

// PollerConfig converts to the poller's settings.
func (p Poll) PollerConfig() lifecycle.PollerConfig {
	return lifecycle.PollerConfig{Interval: p.Interval, MaxCycles: p.MaxCycles}
}

type Log struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `mapstructure:"file"`
}

var envBindings = map[string]string{
	"server.addr":             "HTTP_ADDR",
	"server.version":          "APP_VERSION",
	"server.shutdown_timeout": "SHUTDOWN_TIMEOUT",
	"auth.api_key":            "API_KEY",
	"model.addr":              "MODEL_SERVICE_ADDR",
	"model.secret":            "MODEL_SERVICE_SECRET",
	"model.call_timeout":      "MODEL_CALL_TIMEOUT",
	"database.dsn":            "DATABASE_DSN",
	"redis.addr":              "REDIS_ADDR",
	"redis.result_ttl":        "RESULT_TTL",
	"fly.api_url":             "FLY_API_URL",
	"fly.app":                 "FLY_APP_NAME",
	"fly.token":               "FLY_API_TOKEN",
	"retry.preset":            "RETRY_PRESET",
	"retry.max_attempts":      "RETRY_MAX_ATTEMPTS",
	"retry.base_delay":        "RETRY_BASE_DELAY",
	"retry.multiplier":        "RETRY_MULTIPLIER",
	"poll.interval":           "POLL_INTERVAL",
	"poll.max_cycles":         "POLL_MAX_CYCLES",
	"poll.ready_ttl":          "READY_TTL",
	"log.level":               "LOG_LEVEL",
	"log.file":                "LOG_FILE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.version", "unknown")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("model.addr", "model-service:50051")
	v.SetDefault("model.secret", "")
	v.SetDefault("model.call_timeout", 2*time.Minute)
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.result_ttl", 5*time.Minute)
	v.SetDefault("fly.api_url", lifecycle.DefaultFlyAPIURL)
	v.SetDefault("fly.app", "")
	v.SetDefault("fly.token", "")
	v.SetDefault("retry.preset", "short")
	v.SetDefault("poll.interval", lifecycle.DefaultInterval)
	v.SetDefault("poll.max_cycles", lifecycle.DefaultMaxCycles)
	v.SetDefault("poll.ready_ttl", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Auth.APIKey = strings.TrimSpace(cfg.Auth.APIKey)

	policy, err := retryPolicy(v, cfg.Retry.Preset)
	if err != nil {
		return nil, err
	}
	cfg.Retry.Policy = policy

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func retryPolicy(v *viper.Viper, preset string) (retry.Policy, error) {
	policy, err := retry.Preset(preset)
	if err != nil {
		return retry.Policy{}, err
	}
	if v.IsSet("retry.max_attempts") {
		policy.MaxAttempts = v.GetInt("retry.max_attempts")
	}
	if v.IsSet("retry.base_delay") {
		policy.BaseDelay = v.GetDuration("retry.base_delay")
	}
	if v.IsSet("retry.multiplier") {
		policy.Multiplier = v.GetFloat64("retry.multiplier")
	}
	if err := policy.Validate(); err != nil {
		return retry.Policy{}, fmt.Errorf("invalid retry policy: %w", err)
	}
	return policy, nil
}
