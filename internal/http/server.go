// Package http provides the otelguard HTTP surface: liveness, telemetry
// health and Prometheus exposition.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/otelguard/internal/config"
	"github.com/fyrsmithlabs/otelguard/internal/logging"
	"github.com/fyrsmithlabs/otelguard/internal/telemetry"
)

// Server provides HTTP endpoints for a service wired with a telemetry client.
type Server struct {
	echo     *echo.Echo
	client   *telemetry.Client
	reporter *telemetry.Reporter
	logger   *zap.Logger
	config   *config.ServerConfig
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// NewServer creates a new HTTP server. client may be nil, in which case the
// telemetry health endpoint reports uninitialized.
func NewServer(client *telemetry.Client, logger *zap.Logger, cfg *config.ServerConfig) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = config.NewDefaultServerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		client:   client,
		reporter: telemetry.NewReporter(client, logger),
		logger:   logger,
		config:   cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			if logging.ValidateRequestID(id) != nil {
				return
			}
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	if client != nil {
		client.InstrumentEcho(e)
		e.Use(NewHTTPMetrics(client.MeterProvider().Meter(httpInstrumentationName), logger).MetricsMiddleware())
	}
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger puts the server logger into the request context, logs each
// request with trace correlation and tags the request span with its
// request ID.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		ctx := logging.WithLogger(c.Request().Context(), logging.Wrap(s.logger))
		c.SetRequest(c.Request().WithContext(ctx))

		span := trace.SpanFromContext(ctx)
		if requestID := logging.RequestIDFromContext(ctx); requestID != "" && span.IsRecording() {
			span.SetAttributes(attribute.String("http.request_id", requestID))
		}

		err := next(c)
		if err != nil {
			// Let echo write the response so the logged status is final.
			c.Error(err)
		}

		logging.FromContext(ctx).Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)))
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/health/telemetry", s.handleTelemetryHealth)
	if s.config.EnablePrometheus {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
}

// handleHealth is the liveness probe. It does not depend on telemetry.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleTelemetryHealth reports telemetry health: 200 for healthy or
// degraded, 503 otherwise.
func (s *Server) handleTelemetryHealth(c echo.Context) error {
	ctx := c.Request().Context()
	code, body := telemetry.HealthAsResponse(s.reporter.Check(ctx))
	logging.FromContext(ctx).Debug(ctx, "telemetry health checked",
		zap.String("status", string(body.Status)))
	return c.JSON(code, body)
}

// Reporter returns the health reporter backing /health/telemetry.
func (s *Server) Reporter() *telemetry.Reporter {
	return s.reporter
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", s.Addr()))
		errCh <- s.echo.Start(s.Addr())
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}
