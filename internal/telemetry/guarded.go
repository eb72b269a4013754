package telemetry

import (
	"context"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/otelguard/internal/breaker"
)

// Exporters are wrapped so every batch goes through the pipeline's breaker.
// Export failures count toward the threshold; while the breaker is open
// batches are dropped and counted instead of being sent.

type guardedSpanExporter struct {
	next    sdktrace.SpanExporter
	breaker *breaker.Breaker
	logger  *zap.Logger
}

func newGuardedSpanExporter(next sdktrace.SpanExporter, b *breaker.Breaker, logger *zap.Logger) *guardedSpanExporter {
	return &guardedSpanExporter{next: next, breaker: b, logger: logger}
}

func (e *guardedSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	sent := false
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		sent = true
		return e.next.ExportSpans(ctx, spans)
	})
	if !sent {
		recordDropped(e.logger, e.breaker.Name(), len(spans))
	}
	return err
}

func (e *guardedSpanExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

type guardedMetricExporter struct {
	sdkmetric.Exporter
	breaker *breaker.Breaker
	logger  *zap.Logger
}

func newGuardedMetricExporter(next sdkmetric.Exporter, b *breaker.Breaker, logger *zap.Logger) *guardedMetricExporter {
	return &guardedMetricExporter{Exporter: next, breaker: b, logger: logger}
}

func (e *guardedMetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	sent := false
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		sent = true
		return e.Exporter.Export(ctx, rm)
	})
	if !sent {
		n := 0
		for _, sm := range rm.ScopeMetrics {
			n += len(sm.Metrics)
		}
		recordDropped(e.logger, e.breaker.Name(), n)
	}
	return err
}

type guardedLogExporter struct {
	sdklog.Exporter
	breaker *breaker.Breaker
	logger  *zap.Logger
}

func newGuardedLogExporter(next sdklog.Exporter, b *breaker.Breaker, logger *zap.Logger) *guardedLogExporter {
	return &guardedLogExporter{Exporter: next, breaker: b, logger: logger}
}

func (e *guardedLogExporter) Export(ctx context.Context, records []sdklog.Record) error {
	sent := false
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		sent = true
		return e.Exporter.Export(ctx, records)
	})
	if !sent {
		recordDropped(e.logger, e.breaker.Name(), len(records))
	}
	return err
}

func recordDropped(logger *zap.Logger, pipeline string, n int) {
	droppedTotal.WithLabelValues(pipeline).Add(float64(n))
	logger.Debug("dropped telemetry batch, circuit open",
		zap.String("pipeline", pipeline),
		zap.Int("items", n))
}
