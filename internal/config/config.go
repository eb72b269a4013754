// Package config provides configuration loading for otelguard.
//
// Configuration is assembled from a YAML file and environment variables using
// koanf. Each package owns the struct for its own section (server, telemetry,
// logging) and decodes it with Section on top of its defaults, so keys that are
// absent from every source keep their default values.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host             string        `koanf:"host"`
	Port             int           `koanf:"http_port"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
	EnablePrometheus bool          `koanf:"enable_prometheus"`
}

// NewDefaultServerConfig returns the server defaults.
func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:             "",
		Port:             9090,
		ShutdownTimeout:  10 * time.Second,
		EnablePrometheus: true,
	}
}

// Validate checks server configuration for errors.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	return nil
}

// Section decodes the subtree at key into out. Fields of out that have no
// corresponding key are left untouched, which lets callers pre-fill defaults.
func Section(k *koanf.Koanf, key string, out interface{}) error {
	if k == nil {
		return nil
	}
	if err := k.Unmarshal(key, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s config: %w", key, err)
	}
	return nil
}
