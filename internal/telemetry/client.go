package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/otelguard/internal/breaker"
	"github.com/fyrsmithlabs/otelguard/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/otelguard/internal/telemetry"

// Pipeline names. Each is also the name of the pipeline's breaker.
const (
	PipelineTracing = "tracing"
	PipelineMetrics = "metrics"
	PipelineLogging = "logging"
)

var pipelineNames = []string{PipelineTracing, PipelineMetrics, PipelineLogging}

// Client owns the tracing, metrics and logging pipelines and the breakers
// guarding them.
//
// A pipeline whose initialization failed is absent; operations on it degrade
// to no-ops. Telemetry failures never surface to callers of the
// instrumentation helpers. A Client is not reusable after Shutdown.
type Client struct {
	cfg        *Config
	opts       options
	logger     *zap.Logger
	instanceID string
	resource   *resource.Resource
	conns      *connPool
	breakers   map[string]*breaker.Breaker

	mu             sync.RWMutex
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider
	probes         []Prober
	healthGauge    metric.Registration

	// instruments built against meterProvider, see instrumentsFor.
	inst         *instruments
	instProvider *sdkmetric.MeterProvider

	shutdown atomic.Bool
}

// New creates a Client and initializes the enabled pipelines.
//
// Only structural configuration errors are returned. Pipeline initialization
// failures are logged and contained by the pipeline's breaker; the Client is
// still returned and the failed pipeline stays absent until
// RetryFailedPipelines succeeds.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:        cfg,
		opts:       o,
		logger:     o.logger.Named("telemetry"),
		instanceID: cfg.InstanceID,
		breakers:   make(map[string]*breaker.Breaker, len(pipelineNames)),
		probes:     append([]Prober(nil), o.probes...),
	}
	if c.instanceID == "" {
		c.instanceID = newInstanceID(cfg.ServiceName)
	}

	for _, name := range pipelineNames {
		b, err := breaker.New(breaker.Config{
			Name:             name,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Duration(),
		}, breaker.WithLogger(c.logger), breaker.WithClock(o.now))
		if err != nil {
			return nil, fmt.Errorf("creating %s circuit breaker: %w", name, err)
		}
		c.breakers[name] = b
	}

	if !cfg.Enabled {
		c.logger.Info("telemetry disabled, all pipelines are no-ops")
		return c, nil
	}

	for _, w := range cfg.Warnings() {
		c.logger.Warn(w)
	}

	c.resource = newResource(cfg, c.instanceID)
	c.conns = newConnPool(cfg)

	if !o.skipGlobal {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			c.logger.Warn("opentelemetry sdk error", zap.Error(err))
		}))
	}

	if cfg.Managed.Enabled {
		c.logger.Info("exporting to managed destination",
			zap.String("endpoint", cfg.TracesEndpoint()),
			zap.String("username", cfg.Managed.Username),
			logging.Secret("api_key", cfg.Managed.APIKey),
			logging.Headers("export_headers", exportHeaders(cfg)))
	}

	c.initPipelines(ctx)

	c.logger.Info("telemetry client initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.String("environment", cfg.Environment),
		zap.String("instance_id", c.instanceID),
		zap.String("protocol", cfg.protocol()),
		zap.Bool("managed", cfg.Managed.Enabled))

	return c, nil
}

// ServiceName returns the service.name resource attribute.
func (c *Client) ServiceName() string { return c.cfg.ServiceName }

// ServiceVersion returns the service.version resource attribute.
func (c *Client) ServiceVersion() string { return c.cfg.ServiceVersion }

// Environment returns the deployment environment.
func (c *Client) Environment() string { return c.cfg.Environment }

// InstanceID returns the per-process instance id.
func (c *Client) InstanceID() string { return c.instanceID }

// Config returns the client's configuration.
func (c *Client) Config() *Config { return c.cfg }

// Breaker returns the breaker guarding the named pipeline, or nil.
func (c *Client) Breaker(pipeline string) *breaker.Breaker {
	if c == nil {
		return nil
	}
	return c.breakers[pipeline]
}

// IsShutdown reports whether Shutdown has been called.
func (c *Client) IsShutdown() bool {
	return c != nil && c.shutdown.Load()
}

// usable reports whether the named pipeline may be used right now: the
// client is live and the breaker would let a call through.
func (c *Client) usable(pipeline string) bool {
	if c == nil || c.shutdown.Load() {
		return false
	}
	b := c.breakers[pipeline]
	return b != nil && b.Ready()
}

// Tracer returns a tracer for the given instrumentation scope.
//
// The returned tracer re-checks the tracing pipeline on every Start: spans
// are no-ops while the pipeline is absent or its breaker is open, and become
// real again once the pipeline recovers. Safe to call on a nil Client.
func (c *Client) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return &guardedTracer{client: c, name: name, opts: opts}
}

// TracerProvider returns a provider whose tracers behave like Tracer.
func (c *Client) TracerProvider() trace.TracerProvider {
	return &guardedTracerProvider{client: c}
}

// currentTracer resolves the tracer to use right now.
func (c *Client) currentTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if c.usable(PipelineTracing) {
		c.mu.RLock()
		tp := c.tracerProvider
		c.mu.RUnlock()
		if tp != nil {
			return tp.Tracer(name, opts...)
		}
	}
	return tracenoop.NewTracerProvider().Tracer(name, opts...)
}

// Meter returns a meter for the given instrumentation scope.
//
// Returns a no-op meter if the metrics pipeline is absent or its breaker is
// open at the time of the call. Long-lived instruments should come from
// Instrumenter, which tracks pipeline recovery.
func (c *Client) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if c.usable(PipelineMetrics) {
		c.mu.RLock()
		mp := c.meterProvider
		c.mu.RUnlock()
		if mp != nil {
			return mp.Meter(name, opts...)
		}
	}
	return metricnoop.NewMeterProvider().Meter(name, opts...)
}

// MeterProvider returns the SDK meter provider, or a no-op provider when the
// metrics pipeline is absent.
func (c *Client) MeterProvider() metric.MeterProvider {
	if c != nil {
		c.mu.RLock()
		mp := c.meterProvider
		c.mu.RUnlock()
		if mp != nil {
			return mp
		}
	}
	return metricnoop.NewMeterProvider()
}

// Logger returns an OTel logger for the given scope, or a no-op logger if the
// logging pipeline is absent or its breaker is open.
func (c *Client) Logger(name string, opts ...log.LoggerOption) log.Logger {
	if c.usable(PipelineLogging) {
		c.mu.RLock()
		lp := c.loggerProvider
		c.mu.RUnlock()
		if lp != nil {
			return lp.Logger(name, opts...)
		}
	}
	return lognoop.NewLoggerProvider().Logger(name, opts...)
}

// LoggerProvider returns a provider for the OTel zap bridge. Loggers obtained
// from it follow the logging pipeline the same way Tracer follows tracing.
func (c *Client) LoggerProvider() log.LoggerProvider {
	return &guardedLoggerProvider{client: c}
}

// Shutdown flushes and releases all pipelines.
//
// It is safe to call more than once; calls after the first do nothing.
// Absent pipelines are skipped. A provider that fails to shut down is logged
// and the remaining providers are still shut down. The joined error is
// returned for callers that want it. Uses the shutdown timeout from config
// when ctx has no deadline.
func (c *Client) Shutdown(ctx context.Context) error {
	if c == nil || !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Shutdown.Timeout.Duration())
		defer cancel()
	}

	c.mu.Lock()
	tp, mp, lp := c.tracerProvider, c.meterProvider, c.loggerProvider
	reg := c.healthGauge
	c.healthGauge = nil
	c.mu.Unlock()

	if reg != nil {
		_ = reg.Unregister()
	}

	var errs []error
	stop := func(pipeline string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			c.logger.Error("telemetry provider shutdown failed, continuing",
				zap.String("pipeline", pipeline),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s provider shutdown: %w", pipeline, err))
		}
	}

	if tp != nil {
		stop(PipelineTracing, tp.Shutdown)
	}
	if mp != nil {
		stop(PipelineMetrics, mp.Shutdown)
	}
	if lp != nil {
		stop(PipelineLogging, lp.Shutdown)
	}

	if c.conns != nil {
		if err := c.conns.Close(); err != nil {
			c.logger.Warn("closing collector connections failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	c.logger.Info("telemetry client shut down")
	return errors.Join(errs...)
}

// ForceFlush immediately exports all pending telemetry data.
func (c *Client) ForceFlush(ctx context.Context) error {
	if c == nil || c.shutdown.Load() {
		return nil
	}

	c.mu.RLock()
	tp, mp, lp := c.tracerProvider, c.meterProvider, c.loggerProvider
	c.mu.RUnlock()

	var errs []error
	if tp != nil {
		if err := tp.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if mp != nil {
		if err := mp.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	if lp != nil {
		if err := lp.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

// InstrumentEcho attaches automatic server spans and HTTP metrics to every
// request handled by e.
func (c *Client) InstrumentEcho(e *echo.Echo) {
	operation := "http.server"
	if c != nil {
		operation = c.cfg.ServiceName
	}
	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware(operation,
		otelhttp.WithTracerProvider(c.TracerProvider()),
		otelhttp.WithMeterProvider(c.MeterProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)))
}
