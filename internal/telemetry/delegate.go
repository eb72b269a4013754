package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/log"
	logembedded "go.opentelemetry.io/otel/log/embedded"
	"go.opentelemetry.io/otel/trace"
	traceembedded "go.opentelemetry.io/otel/trace/embedded"
)

// guardedTracerProvider hands out guardedTracers.
type guardedTracerProvider struct {
	traceembedded.TracerProvider
	client *Client
}

func (p *guardedTracerProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return p.client.Tracer(name, opts...)
}

// guardedTracer picks the real or the no-op tracer on every Start, so a
// tracer obtained while the pipeline was down starts working once it
// recovers.
type guardedTracer struct {
	traceembedded.Tracer
	client *Client
	name   string
	opts   []trace.TracerOption
}

func (t *guardedTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.client.currentTracer(t.name, t.opts...).Start(ctx, spanName, opts...)
}

// guardedLoggerProvider hands out guardedLoggers.
type guardedLoggerProvider struct {
	logembedded.LoggerProvider
	client *Client
}

func (p *guardedLoggerProvider) Logger(name string, opts ...log.LoggerOption) log.Logger {
	return &guardedLogger{client: p.client, name: name, opts: opts}
}

// guardedLogger resolves the logging pipeline per record.
type guardedLogger struct {
	logembedded.Logger
	client *Client
	name   string
	opts   []log.LoggerOption
}

func (l *guardedLogger) Emit(ctx context.Context, record log.Record) {
	l.client.Logger(l.name, l.opts...).Emit(ctx, record)
}

func (l *guardedLogger) Enabled(ctx context.Context, param log.EnabledParameters) bool {
	return l.client.Logger(l.name, l.opts...).Enabled(ctx, param)
}
