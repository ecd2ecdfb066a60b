// Package config holds the YAML configuration for the sample server: where to
// listen, what to serve, and which of the optional facilities (metrics, rate
// limiting, advertisement) to switch on.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultResponse is the fixed body served when the config does not override
// it: a canned HTTP response, so any HTTP client can act as a load generator.
const DefaultResponse = "HTTP/1.1 200 OK\r\nContent-Length: 12\r\n\r\nHello World\n"

// Config is the full configuration of one server process.
type Config struct {
	Network   string    `yaml:"network"`
	Address   string    `yaml:"address"`
	Response  string    `yaml:"response"`
	Metrics   Metrics   `yaml:"metrics"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Advertise Advertise `yaml:"advertise"`
	Logging   Logging   `yaml:"logging"`
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Address string `yaml:"address"`
}

// RateLimit configures the invoke-path token bucket. PerSecond 0 disables it.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Advertise configures etcd service advertisement.
type Advertise struct {
	Enabled    bool     `yaml:"enabled"`
	Endpoints  []string `yaml:"endpoints"`
	TTLSeconds int64    `yaml:"ttl_seconds"`
}

// Logging contains logging configuration.
type Logging struct {
	Level string `yaml:"level"`
}

// Build constructs the process logger at the configured level.
func (l Logging) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// DefaultConfig returns a configuration that serves the default response on
// localhost with every optional facility switched off.
func DefaultConfig() *Config {
	return &Config{
		Network:  "tcp",
		Address:  "127.0.0.1:4500",
		Response: DefaultResponse,
		RateLimit: RateLimit{
			PerSecond: 0,
			Burst:     0,
		},
		Advertise: Advertise{
			Enabled:    false,
			Endpoints:  []string{"127.0.0.1:2379"},
			TTLSeconds: 10,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the specified path.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveConfig writes the configuration to the specified path, creating the
// directory if needed.
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects configurations that cannot possibly serve.
func (c *Config) Validate() error {
	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.Address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if c.Response == "" {
		return fmt.Errorf("response must not be empty")
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit.per_second must not be negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1 when rate limiting is on")
	}
	if c.Advertise.Enabled {
		if len(c.Advertise.Endpoints) == 0 {
			return fmt.Errorf("advertise.endpoints must not be empty when advertisement is on")
		}
		if c.Advertise.TTLSeconds < 1 {
			return fmt.Errorf("advertise.ttl_seconds must be at least 1")
		}
	}
	return nil
}
