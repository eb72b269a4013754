package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupHome points HOME at a temp dir and returns the otelguard config dir inside it.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", appDirName)
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

type testTelemetrySection struct {
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
	Batch       struct {
		ScheduleDelay Duration `koanf:"schedule_delay"`
		ExportTimeout Duration `koanf:"export_timeout"`
	} `koanf:"batch"`
	Managed struct {
		APIKey Secret `koanf:"api_key"`
	} `koanf:"managed"`
}

func TestLoad_MissingFileUsesEnvOnly(t *testing.T) {
	setupHome(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("SERVICE_NAME", "")

	k, err := Load("")
	require.NoError(t, err)

	var sec testTelemetrySection
	sec.ServiceName = "default-name"
	require.NoError(t, Section(k, "telemetry", &sec))

	assert.Equal(t, "http://collector:4317", sec.Endpoint)
	assert.True(t, sec.Insecure)
	assert.Equal(t, "default-name", sec.ServiceName, "absent keys keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := setupHome(t)
	path := writeConfig(t, dir, "telemetry:\n  endpoint: file:4317\n  service_name: from-file\n", 0600)
	t.Setenv("SERVICE_NAME", "from-env")

	k, err := Load(path)
	require.NoError(t, err)

	var sec testTelemetrySection
	require.NoError(t, Section(k, "telemetry", &sec))
	assert.Equal(t, "file:4317", sec.Endpoint)
	assert.Equal(t, "from-env", sec.ServiceName)
}

func TestLoad_MillisecondBatchVariables(t *testing.T) {
	setupHome(t)
	t.Setenv("OTEL_BSP_SCHEDULE_DELAY", "5000")
	t.Setenv("OTEL_BSP_EXPORT_TIMEOUT", "2s")

	k, err := Load("")
	require.NoError(t, err)

	var sec testTelemetrySection
	require.NoError(t, Section(k, "telemetry", &sec))
	assert.Equal(t, 5*time.Second, sec.Batch.ScheduleDelay.Duration())
	assert.Equal(t, 2*time.Second, sec.Batch.ExportTimeout.Duration())
}

func TestLoad_SecretFromEnv(t *testing.T) {
	setupHome(t)
	t.Setenv("TEMPO_API_KEY", "glc_abcdef")

	k, err := Load("")
	require.NoError(t, err)

	var sec testTelemetrySection
	require.NoError(t, Section(k, "telemetry", &sec))
	assert.Equal(t, "glc_abcdef", sec.Managed.APIKey.Value())
	assert.Equal(t, "[REDACTED]", sec.Managed.APIKey.String())
}

func TestLoad_UnknownEnvIgnored(t *testing.T) {
	setupHome(t)
	t.Setenv("SOME_UNRELATED_VAR", "x")

	k, err := Load("")
	require.NoError(t, err)
	assert.False(t, k.Exists("some"))
	assert.False(t, k.Exists("some_unrelated_var"))
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	dir := setupHome(t)
	path := writeConfig(t, dir, "telemetry:\n  endpoint: x\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")

	_, err := Load(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestTransformEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		value     string
		wantKey   string
		wantValue interface{}
	}{
		{"known key", "SERVICE_VERSION", "2.0.0", "telemetry.service_version", "2.0.0"},
		{"unknown key", "PATH", "/usr/bin", "", nil},
		{"empty value", "SERVICE_NAME", "", "", nil},
		{"ms suffix added", "OTEL_BSP_EXPORT_TIMEOUT", "30000", "telemetry.batch.export_timeout", "30000ms"},
		{"duration kept", "OTEL_BSP_SCHEDULE_DELAY", "1m", "telemetry.batch.schedule_delay", "1m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, value := transformEnv(tt.env, tt.value)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestServerConfig_Validate(t *testing.T) {
	cfg := NewDefaultServerConfig()
	require.NoError(t, cfg.Validate())

	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultServerConfig()
	cfg.ShutdownTimeout = 0
	assert.Error(t, cfg.Validate())
}
