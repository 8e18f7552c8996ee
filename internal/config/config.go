// Package config loads the svcgraph configuration file
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the on-disk configuration. Command-line flags override it.
type Config struct {
	Source string      `yaml:"source"`
	DB     string      `yaml:"db" validate:"required"`
	Log    LogConfig   `yaml:"log"`
	Server Server      `yaml:"server"`
	Watch  WatchConfig `yaml:"watch"`
	Cache  CacheConfig `yaml:"cache"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type Server struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

type WatchConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMS int  `yaml:"debounce_ms" validate:"min=0,max=60000"`
}

// CacheConfig enables the Redis forest cache when RedisURL is set
type CacheConfig struct {
	RedisURL   string `yaml:"redis_url" validate:"omitempty,url"`
	TTLSeconds int    `yaml:"ttl_seconds" validate:"min=1"`
}

// Debounce returns the watch debounce as a duration
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// TTL returns the cache entry lifetime
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

var validate = validator.New()

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DB: ".svcgraph.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: Server{Port: 9998},
		Watch:  WatchConfig{DebounceMS: 500},
		Cache:  CacheConfig{TTLSeconds: 300},
	}
}

// Load reads path over the defaults, applies SVCGRAPH_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SVCGRAPH_SOURCE"); v != "" {
		cfg.Source = v
	}
	if v := os.Getenv("SVCGRAPH_DB"); v != "" {
		cfg.DB = v
	}
	if v := os.Getenv("SVCGRAPH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SVCGRAPH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SVCGRAPH_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
}
