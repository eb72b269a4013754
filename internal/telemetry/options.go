package telemetry

import (
	"context"
	"time"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	logger *zap.Logger
	now    func() time.Time

	exporters    exporterFactories
	metricReader sdkmetric.Reader

	probes []Prober

	// syncExport exports spans and log records on the calling goroutine
	// instead of batching.
	syncExport bool
	// skipGlobal leaves the process-wide providers untouched.
	skipGlobal bool
}

// exporterFactories build the exporter for each pipeline. The defaults
// create OTLP exporters for the configured protocol.
type exporterFactories struct {
	span   func(context.Context, *Config, *connPool) (sdktrace.SpanExporter, error)
	metric func(context.Context, *Config, *connPool) (sdkmetric.Exporter, error)
	log    func(context.Context, *Config, *connPool) (sdklog.Exporter, error)
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		now:    time.Now,
		exporters: exporterFactories{
			span:   newSpanExporter,
			metric: newMetricExporter,
			log:    newLogExporter,
		},
	}
}

// WithLogger sets the logger for pipeline lifecycle and breaker events.
//
// Pass a logger that does not itself write to the OTel log pipeline, or
// breaker warnings about the logging pipeline feed back into it.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used by the pipeline breakers.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSpanExporter overrides the default OTLP span exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) {
		o.exporters.span = func(context.Context, *Config, *connPool) (sdktrace.SpanExporter, error) {
			return exp, nil
		}
	}
}

// WithMetricExporter overrides the default OTLP metric exporter. It is still
// driven by a periodic reader and guarded by the metrics breaker.
func WithMetricExporter(exp sdkmetric.Exporter) Option {
	return func(o *options) {
		o.exporters.metric = func(context.Context, *Config, *connPool) (sdkmetric.Exporter, error) {
			return exp, nil
		}
	}
}

// WithMetricReader replaces the periodic reader entirely, for example with a
// sdkmetric.ManualReader in tests. Readers are not guarded.
func WithMetricReader(reader sdkmetric.Reader) Option {
	return func(o *options) {
		o.metricReader = reader
	}
}

// WithLogExporter overrides the default OTLP log exporter.
func WithLogExporter(exp sdklog.Exporter) Option {
	return func(o *options) {
		o.exporters.log = func(context.Context, *Config, *connPool) (sdklog.Exporter, error) {
			return exp, nil
		}
	}
}

// WithProber adds a reachability probe consulted by CheckHealth.
func WithProber(p Prober) Option {
	return func(o *options) {
		if p != nil {
			o.probes = append(o.probes, p)
		}
	}
}

// WithSyncExport exports every span and log record synchronously. Intended
// for tests and short-lived tools; it puts export latency on the caller.
func WithSyncExport() Option {
	return func(o *options) {
		o.syncExport = true
	}
}
