package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/otelguard/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "http://localhost:4317", cfg.Endpoint)
	assert.Equal(t, "otelguard", cfg.ServiceName)
	assert.Equal(t, "1.0.0", cfg.ServiceVersion)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.Insecure) // TLS unless explicitly disabled
	assert.Equal(t, 1.0, cfg.Sampling.Rate)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Logs.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Metrics.ExportInterval.Duration())
	assert.Equal(t, 512, cfg.Batch.MaxExportBatchSize)
	assert.Equal(t, 5*time.Second, cfg.Batch.ScheduleDelay.Duration())
	assert.Equal(t, 30*time.Second, cfg.Batch.ExportTimeout.Duration())
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout.Duration())
	assert.Equal(t, 5*time.Second, cfg.Shutdown.Timeout.Duration())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{name: "valid default config", modify: func(*Config) {}},
		{
			name: "disabled config skips validation",
			modify: func(c *Config) {
				*c = Config{Enabled: false}
			},
		},
		{
			name:   "unknown protocol",
			modify: func(c *Config) { c.Protocol = "thrift" },
			errMsg: "protocol must be",
		},
		{
			name:   "missing endpoint",
			modify: func(c *Config) { c.Endpoint = "" },
			errMsg: "endpoint is required",
		},
		{
			name: "managed mode without endpoint is allowed",
			modify: func(c *Config) {
				c.Endpoint = ""
				c.Managed.Enabled = true
			},
		},
		{
			name:   "missing service name",
			modify: func(c *Config) { c.ServiceName = "" },
			errMsg: "service_name is required",
		},
		{
			name:   "sampling rate too low",
			modify: func(c *Config) { c.Sampling.Rate = -0.1 },
			errMsg: "sampling.rate must be between 0 and 1",
		},
		{
			name:   "sampling rate too high",
			modify: func(c *Config) { c.Sampling.Rate = 1.5 },
			errMsg: "sampling.rate must be between 0 and 1",
		},
		{
			name:   "zero export interval with metrics enabled",
			modify: func(c *Config) { c.Metrics.ExportInterval = 0 },
			errMsg: "metrics.export_interval must be positive",
		},
		{
			name: "zero export interval with metrics disabled",
			modify: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.ExportInterval = 0
			},
		},
		{
			name:   "queue smaller than batch",
			modify: func(c *Config) { c.Batch.MaxQueueSize = 10 },
			errMsg: "batch.max_queue_size",
		},
		{
			name:   "zero export timeout",
			modify: func(c *Config) { c.Batch.ExportTimeout = 0 },
			errMsg: "batch.schedule_delay and batch.export_timeout",
		},
		{
			name:   "zero breaker threshold",
			modify: func(c *Config) { c.Breaker.FailureThreshold = 0 },
			errMsg: "breaker.failure_threshold",
		},
		{
			name:   "zero shutdown timeout",
			modify: func(c *Config) { c.Shutdown.Timeout = 0 },
			errMsg: "shutdown.timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_Warnings(t *testing.T) {
	t.Run("defaults have no warnings", func(t *testing.T) {
		assert.Empty(t, NewDefaultConfig().Warnings())
	})

	t.Run("insecure remote endpoint", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Insecure = true
		cfg.Endpoint = "collector.example.com:4317"
		warnings := cfg.Warnings()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "collector.example.com:4317")
	})

	t.Run("insecure local endpoints", func(t *testing.T) {
		for _, ep := range []string{"localhost:4317", "http://127.0.0.1:4317", "[::1]:4317", "::1"} {
			cfg := NewDefaultConfig()
			cfg.Insecure = true
			cfg.Endpoint = ep
			assert.Empty(t, cfg.Warnings(), ep)
		}
	})

	t.Run("managed credentials missing names keys only", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Managed.Enabled = true
		cfg.Managed.Endpoint = "https://tempo.example.net/api/traces"
		cfg.Managed.Username = "12345"
		warnings := cfg.Warnings()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "TEMPO_API_KEY")
		assert.NotContains(t, warnings[0], "TEMPO_USERNAME")
		assert.NotContains(t, warnings[0], "12345")
	})

	t.Run("managed fully configured", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Managed = ManagedConfig{
			Enabled:  true,
			Endpoint: "https://tempo.example.net/api/traces",
			Username: "12345",
			APIKey:   config.Secret("glc_secret"),
		}
		assert.Empty(t, cfg.Warnings())
	})
}

func TestConfig_Endpoints(t *testing.T) {
	t.Run("metrics and logs default to traces endpoint", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Endpoint = "http://collector:4317"
		assert.Equal(t, "http://collector:4317", cfg.TracesEndpoint())
		assert.Equal(t, "http://collector:4317", cfg.MetricsEndpoint())
		assert.Equal(t, "http://collector:4317", cfg.LogsEndpoint())
	})

	t.Run("explicit metrics and logs endpoints", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Metrics.Endpoint = "http://metrics:4317"
		cfg.Logs.Endpoint = "http://logs:4317"
		assert.Equal(t, "http://metrics:4317", cfg.MetricsEndpoint())
		assert.Equal(t, "http://logs:4317", cfg.LogsEndpoint())
	})

	t.Run("managed endpoint derives metrics push path", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Insecure = true
		cfg.Managed.Enabled = true
		cfg.Managed.Endpoint = "https://tempo-prod.grafana.net:443/api/traces"
		assert.Equal(t, "https://tempo-prod.grafana.net:443/api/traces", cfg.TracesEndpoint())
		assert.Equal(t, "https://tempo-prod.grafana.net:443/api/push", cfg.MetricsEndpoint())
		assert.False(t, cfg.useInsecure(), "managed export is always TLS")
	})

	t.Run("managed without endpoint falls back", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Managed.Enabled = true
		assert.Equal(t, cfg.Endpoint, cfg.TracesEndpoint())
	})
}
