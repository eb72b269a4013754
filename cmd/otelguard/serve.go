package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/otelguard/internal/config"
	httpserver "github.com/fyrsmithlabs/otelguard/internal/http"
	"github.com/fyrsmithlabs/otelguard/internal/logging"
	"github.com/fyrsmithlabs/otelguard/internal/telemetry"
)

const healthInterval = 15 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service with guarded telemetry",
		Long: `Run the HTTP service with telemetry export.

Configuration is read from ~/.config/otelguard/config.yaml (or --config) and
overridden by environment variables such as OTEL_EXPORTER_OTLP_ENDPOINT,
SERVICE_NAME and SERVER_HTTP_PORT.

Endpoints:
  GET /health             liveness
  GET /health/telemetry   telemetry health (200 healthy/degraded, 503 otherwise)
  GET /metrics            Prometheus exposition (ENABLE_PROMETHEUS)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/otelguard/config.yaml)")
	return cmd
}

// settings is the fully decoded configuration.
type settings struct {
	Server    *config.ServerConfig
	Telemetry *telemetry.Config
	Logging   *logging.Config
}

// loadSettings reads every config section over its defaults and validates it.
func loadSettings(path string) (*settings, error) {
	k, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	s := &settings{
		Server:    config.NewDefaultServerConfig(),
		Telemetry: telemetry.NewDefaultConfig(),
		Logging:   logging.NewDefaultConfig(),
	}
	for key, out := range map[string]interface{}{
		"server":    s.Server,
		"telemetry": s.Telemetry,
		"logging":   s.Logging,
	} {
		if err := config.Section(k, key, out); err != nil {
			return nil, err
		}
	}

	if err := s.Server.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := s.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// serve runs the service until ctx is cancelled.
func serve(ctx context.Context, s *settings) error {
	// The telemetry client logs to stdout only; its warnings about the
	// logging pipeline must not be exported through that pipeline.
	bootCfg := *s.Logging
	bootCfg.Output = logging.OutputConfig{Stdout: true}
	boot, err := logging.NewLogger(&bootCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = boot.Sync() }()

	client, err := telemetry.New(ctx, s.Telemetry, telemetry.WithLogger(boot.Underlying().Named("telemetry")))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		// ctx is already cancelled here; Shutdown applies its own timeout.
		_ = client.Shutdown(context.Background())
	}()

	logger, err := logging.NewLogger(s.Logging, client.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting otelguard",
		zap.String("version", version),
		zap.String("service", client.ServiceName()),
		zap.String("environment", client.Environment()),
		zap.String("instance_id", client.InstanceID()),
		zap.Int("port", s.Server.Port))

	srv, err := httpserver.NewServer(client, logger.Underlying(), s.Server)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	go srv.Reporter().Run(ctx, healthInterval)
	go retryPipelines(ctx, client, logger)

	return srv.Start(ctx)
}

// retryPipelines re-attempts pipelines that failed to initialize, once per
// breaker recovery period, until ctx is cancelled.
func retryPipelines(ctx context.Context, client *telemetry.Client, logger *logging.Logger) {
	if !client.Config().Enabled {
		return
	}
	interval := client.Breaker(telemetry.PipelineTracing).Config().RecoveryTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = client.TaskSpan(ctx, "pipeline.retry", nil, func(ctx context.Context, _ trace.Span) error {
				active := client.RetryFailedPipelines(ctx)
				logger.Debug(ctx, "telemetry pipelines checked", zap.Int("active", active))
				return nil
			})
		}
	}
}
