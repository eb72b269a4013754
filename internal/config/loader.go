package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	appDirName        = "otelguard"
)

// envKeys maps the environment variables otelguard understands to koanf keys.
// Variables not listed here are ignored.
var envKeys = map[string]string{
	"OTEL_EXPORTER_OTLP_ENDPOINT":         "telemetry.endpoint",
	"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT": "telemetry.metrics.endpoint",
	"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT":    "telemetry.logs.endpoint",
	"OTEL_EXPORTER_OTLP_PROTOCOL":         "telemetry.protocol",
	"OTEL_EXPORTER_OTLP_INSECURE":         "telemetry.insecure",
	"OTEL_SAMPLING_RATE":                  "telemetry.sampling.rate",
	"OTEL_BSP_MAX_EXPORT_BATCH_SIZE":      "telemetry.batch.max_export_batch_size",
	"OTEL_BSP_MAX_QUEUE_SIZE":             "telemetry.batch.max_queue_size",
	"OTEL_BSP_SCHEDULE_DELAY":             "telemetry.batch.schedule_delay",
	"OTEL_BSP_EXPORT_TIMEOUT":             "telemetry.batch.export_timeout",
	"TELEMETRY_ENABLED":                   "telemetry.enabled",
	"SERVICE_NAME":                        "telemetry.service_name",
	"SERVICE_VERSION":                     "telemetry.service_version",
	"ENVIRONMENT":                         "telemetry.environment",
	"USE_MANAGED_SERVICES":                "telemetry.managed.enabled",
	"TEMPO_EXPORTER_ENDPOINT":             "telemetry.managed.endpoint",
	"TEMPO_USERNAME":                      "telemetry.managed.username",
	"TEMPO_API_KEY":                       "telemetry.managed.api_key",
	"SERVER_HOST":                         "server.host",
	"SERVER_HTTP_PORT":                    "server.http_port",
	"SERVER_SHUTDOWN_TIMEOUT":             "server.shutdown_timeout",
	"ENABLE_PROMETHEUS":                   "server.enable_prometheus",
	"LOG_LEVEL":                           "logging.level",
	"LOG_FORMAT":                          "logging.format",
}

// millisecondKeys are OTel SDK variables expressed in milliseconds.
var millisecondKeys = map[string]bool{
	"OTEL_BSP_SCHEDULE_DELAY": true,
	"OTEL_BSP_EXPORT_TIMEOUT": true,
}

// Load reads configuration from a YAML file and then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (OTEL_EXPORTER_OTLP_ENDPOINT, SERVICE_NAME, ...)
//  2. YAML config file (~/.config/otelguard/config.yaml)
//  3. Package defaults applied by the caller before Section
//
// A missing config file is not an error. An existing file must be 0600 or
// 0400, at most 1MB, and live in ~/.config/otelguard/ or /etc/otelguard/.
func Load(configPath string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", appDirName, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return k, nil
}

// transformEnv maps a known environment variable to its koanf key. Returning
// an empty key drops the variable.
func transformEnv(name, value string) (string, interface{}) {
	key, ok := envKeys[name]
	if !ok || value == "" {
		return "", nil
	}
	if millisecondKeys[name] && !strings.ContainsAny(value, "hmsµn") {
		value += "ms"
	}
	return key, value
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Paths that don't exist yet can't be resolved; keep the absolute path.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	for _, dir := range allowedConfigDirs(home) {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/%s/ or /etc/%s/", appDirName, appDirName)
}

func allowedConfigDirs(home string) []string {
	return []string{
		filepath.Join(home, ".config", appDirName),
		filepath.Join("/etc", appDirName),
	}
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
