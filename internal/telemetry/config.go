package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/otelguard/internal/config"
)

// Supported OTLP transport protocols.
const (
	ProtocolGRPC         = "grpc"
	ProtocolHTTPProtobuf = "http/protobuf"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool              `koanf:"enabled"`
	Protocol       string            `koanf:"protocol"` // grpc or http/protobuf
	Endpoint       string            `koanf:"endpoint"` // traces endpoint, also the default for metrics and logs
	ServiceName    string            `koanf:"service_name"`
	ServiceVersion string            `koanf:"service_version"`
	Environment    string            `koanf:"environment"`
	InstanceID     string            `koanf:"instance_id"` // generated when empty
	Insecure       bool              `koanf:"insecure"`    // Use insecure connection (no TLS)
	TLSSkipVerify  bool              `koanf:"tls_skip_verify"`
	Headers        map[string]string `koanf:"headers"`
	Sampling       SamplingConfig    `koanf:"sampling"`
	Metrics        MetricsConfig     `koanf:"metrics"`
	Logs           LogsConfig        `koanf:"logs"`
	Batch          BatchConfig       `koanf:"batch"`
	Breaker        BreakerConfig     `koanf:"breaker"`
	Managed        ManagedConfig     `koanf:"managed"`
	Shutdown       ShutdownConfig    `koanf:"shutdown"`
}

// SamplingConfig controls trace sampling behavior.
type SamplingConfig struct {
	Rate float64 `koanf:"rate"` // 0.0-1.0, default 1.0
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Enabled        bool            `koanf:"enabled"`
	Endpoint       string          `koanf:"endpoint"`
	ExportInterval config.Duration `koanf:"export_interval"`
}

// LogsConfig controls log export.
type LogsConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
}

// BatchConfig controls the batching processors shared by all three pipelines.
type BatchConfig struct {
	MaxExportBatchSize int             `koanf:"max_export_batch_size"`
	MaxQueueSize       int             `koanf:"max_queue_size"`
	ScheduleDelay      config.Duration `koanf:"schedule_delay"`
	ExportTimeout      config.Duration `koanf:"export_timeout"`
}

// BreakerConfig configures the per-pipeline circuit breakers.
type BreakerConfig struct {
	FailureThreshold int             `koanf:"failure_threshold"`
	RecoveryTimeout  config.Duration `koanf:"recovery_timeout"`
}

// ManagedConfig selects an authenticated, hosted collector (Grafana Cloud
// Tempo style). Credentials are sent as HTTP Basic auth.
type ManagedConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Endpoint string        `koanf:"endpoint"`
	Username string        `koanf:"username"`
	APIKey   config.Secret `koanf:"api_key"`
}

// ShutdownConfig controls graceful shutdown behavior.
type ShutdownConfig struct {
	Timeout config.Duration `koanf:"timeout"`
}

// NewDefaultConfig returns production-ready telemetry defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Protocol:       ProtocolGRPC,
		Endpoint:       "http://localhost:4317",
		ServiceName:    "otelguard",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Insecure:       false, // TLS unless explicitly disabled
		Sampling: SamplingConfig{
			Rate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			ExportInterval: config.Duration(15 * time.Second),
		},
		Logs: LogsConfig{
			Enabled: true,
		},
		Batch: BatchConfig{
			MaxExportBatchSize: 512,
			MaxQueueSize:       2048,
			ScheduleDelay:      config.Duration(5 * time.Second),
			ExportTimeout:      config.Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  config.Duration(30 * time.Second),
		},
		Shutdown: ShutdownConfig{
			Timeout: config.Duration(5 * time.Second),
		},
	}
}

// Validate checks configuration for structural errors. Problems that should
// only degrade telemetry (missing managed credentials, plaintext to a remote
// collector) are reported by Warnings instead.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil // No validation needed if disabled
	}

	switch c.Protocol {
	case "", ProtocolGRPC, ProtocolHTTPProtobuf:
	default:
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTPProtobuf, c.Protocol)
	}

	if c.Endpoint == "" && !c.Managed.Enabled {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}

	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}

	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling.rate must be between 0 and 1, got %f", c.Sampling.Rate)
	}

	if c.Metrics.Enabled && c.Metrics.ExportInterval.Duration() <= 0 {
		return fmt.Errorf("metrics.export_interval must be positive when metrics enabled")
	}

	if c.Batch.MaxExportBatchSize <= 0 {
		return fmt.Errorf("batch.max_export_batch_size must be positive")
	}
	if c.Batch.MaxQueueSize < c.Batch.MaxExportBatchSize {
		return fmt.Errorf("batch.max_queue_size (%d) must be >= batch.max_export_batch_size (%d)",
			c.Batch.MaxQueueSize, c.Batch.MaxExportBatchSize)
	}
	if c.Batch.ScheduleDelay.Duration() <= 0 || c.Batch.ExportTimeout.Duration() <= 0 {
		return fmt.Errorf("batch.schedule_delay and batch.export_timeout must be positive")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeout.Duration() <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be positive")
	}

	if c.Shutdown.Timeout.Duration() <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive")
	}

	return nil
}

// Warnings returns configuration problems that do not stop initialization.
// Secret values are never included, only the names of missing keys.
func (c *Config) Warnings() []string {
	if !c.Enabled {
		return nil
	}

	var warnings []string
	if c.Managed.Enabled {
		var missing []string
		if c.Managed.Endpoint == "" {
			missing = append(missing, "TEMPO_EXPORTER_ENDPOINT")
		}
		if c.Managed.Username == "" {
			missing = append(missing, "TEMPO_USERNAME")
		}
		if !c.Managed.APIKey.IsSet() {
			missing = append(missing, "TEMPO_API_KEY")
		}
		if len(missing) > 0 {
			warnings = append(warnings, fmt.Sprintf(
				"managed telemetry enabled but %s not set; continuing with best-effort defaults",
				strings.Join(missing, ", ")))
		}
		return warnings
	}

	if c.Insecure {
		for _, ep := range []string{c.Endpoint, c.Metrics.Endpoint, c.Logs.Endpoint} {
			if ep != "" && !isLocalEndpoint(ep) {
				warnings = append(warnings, fmt.Sprintf(
					"insecure (plaintext) export to remote endpoint %s", ep))
			}
		}
	}
	return warnings
}

// TracesEndpoint returns the resolved collector endpoint for spans.
func (c *Config) TracesEndpoint() string {
	if c.Managed.Enabled && c.Managed.Endpoint != "" {
		return c.Managed.Endpoint
	}
	return c.Endpoint
}

// MetricsEndpoint returns the resolved collector endpoint for metrics. A
// managed traces endpoint ending in /api/traces is rewritten to /api/push.
func (c *Config) MetricsEndpoint() string {
	if c.Managed.Enabled && c.Managed.Endpoint != "" {
		return strings.Replace(c.Managed.Endpoint, "/api/traces", "/api/push", 1)
	}
	if c.Metrics.Endpoint != "" {
		return c.Metrics.Endpoint
	}
	return c.Endpoint
}

// LogsEndpoint returns the resolved collector endpoint for logs.
func (c *Config) LogsEndpoint() string {
	if c.Managed.Enabled && c.Managed.Endpoint != "" {
		return c.Managed.Endpoint
	}
	if c.Logs.Endpoint != "" {
		return c.Logs.Endpoint
	}
	return c.Endpoint
}

// useInsecure reports whether exporters should skip TLS. Managed export is
// always TLS.
func (c *Config) useInsecure() bool {
	return c.Insecure && !c.Managed.Enabled
}

// protocol returns the configured protocol, defaulting to gRPC.
func (c *Config) protocol() string {
	if c.Protocol == "" {
		return ProtocolGRPC
	}
	return c.Protocol
}

// isLocalEndpoint checks if the endpoint is a loopback address.
func isLocalEndpoint(endpoint string) bool {
	host := parseEndpoint(endpoint).Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
