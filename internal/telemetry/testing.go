package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestClient is a Client with in-memory pipelines for tests.
//
// Spans and log records are exported synchronously through the guarded
// exporters, so they are visible as soon as the span ends or the record is
// emitted. Metrics are collected on demand from a ManualReader.
type TestClient struct {
	*Client

	Spans        *tracetest.InMemoryExporter
	MetricReader *sdkmetric.ManualReader
	Logs         *LogRecorder
}

// NewTestClient creates a client with in-memory exporters. It does not touch
// the process-wide OTel providers.
func NewTestClient(opts ...Option) *TestClient {
	cfg := NewDefaultConfig()
	cfg.ServiceName = "otelguard-test"
	cfg.Environment = "test"

	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	logs := &LogRecorder{}

	base := []Option{
		WithSpanExporter(spans),
		WithMetricReader(reader),
		WithLogExporter(logs),
		WithSyncExport(),
		func(o *options) { o.skipGlobal = true },
	}
	c, err := New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		panic(fmt.Sprintf("telemetry: creating test client: %v", err))
	}

	return &TestClient{
		Client:       c,
		Spans:        spans,
		MetricReader: reader,
		Logs:         logs,
	}
}

// EndedSpans returns all exported spans.
func (t *TestClient) EndedSpans() tracetest.SpanStubs {
	return t.Spans.GetSpans()
}

// SpanByName finds an exported span by name.
func (t *TestClient) SpanByName(name string) (tracetest.SpanStub, bool) {
	for _, span := range t.EndedSpans() {
		if span.Name == name {
			return span, true
		}
	}
	return tracetest.SpanStub{}, false
}

// AssertSpanExists verifies a span with the given name was exported.
func (t *TestClient) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if _, ok := t.SpanByName(name); !ok {
		tb.Errorf("expected span %q not found, got: %v", name, t.spanNames())
	}
}

// AssertSpanAttribute verifies a span has the expected attribute.
func (t *TestClient) AssertSpanAttribute(tb testing.TB, spanName string, key string, expected interface{}) {
	tb.Helper()
	span, ok := t.SpanByName(spanName)
	if !ok {
		tb.Fatalf("span %q not found", spanName)
	}

	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			got := attrValue(attr.Value)
			if got != expected {
				tb.Errorf("span %q attribute %q: got %v, want %v", spanName, key, got, expected)
			}
			return
		}
	}
	tb.Errorf("span %q missing attribute %q", spanName, key)
}

// spanNames returns names of all exported spans.
func (t *TestClient) spanNames() []string {
	spans := t.EndedSpans()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name
	}
	return names
}

// attrValue extracts the value from an attribute.
func attrValue(v attribute.Value) interface{} {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.AsInterface()
	}
}

// Reset clears exported spans and log records.
func (t *TestClient) Reset() {
	t.Spans.Reset()
	t.Logs.Reset()
}

// CollectMetrics collects the current metric state.
func (t *TestClient) CollectMetrics(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.MetricReader.Collect(ctx, &rm)
	return rm, err
}

// CounterValue sums the int64 counter name over data points carrying all of
// attrs.
func (t *TestClient) CounterValue(tb testing.TB, name string, attrs ...attribute.KeyValue) int64 {
	tb.Helper()
	m, ok := t.findMetric(tb, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		tb.Fatalf("metric %q is %T, not an int64 sum", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if hasAttributes(dp.Attributes, attrs) {
			total += dp.Value
		}
	}
	return total
}

// HistogramCount returns the number of observations of the float64 histogram
// name over data points carrying all of attrs.
func (t *TestClient) HistogramCount(tb testing.TB, name string, attrs ...attribute.KeyValue) uint64 {
	tb.Helper()
	m, ok := t.findMetric(tb, name)
	if !ok {
		return 0
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		tb.Fatalf("metric %q is %T, not a float64 histogram", name, m.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		if hasAttributes(dp.Attributes, attrs) {
			count += dp.Count
		}
	}
	return count
}

func (t *TestClient) findMetric(tb testing.TB, name string) (metricdata.Metrics, bool) {
	tb.Helper()
	rm, err := t.CollectMetrics(context.Background())
	if err != nil {
		tb.Fatalf("collecting metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func hasAttributes(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

// LogRecorder is an in-memory sdklog.Exporter.
type LogRecorder struct {
	mu      sync.Mutex
	records []sdklog.Record
}

// Export stores copies of records.
func (r *LogRecorder) Export(ctx context.Context, records []sdklog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		r.records = append(r.records, records[i].Clone())
	}
	return nil
}

// Shutdown does nothing.
func (r *LogRecorder) Shutdown(ctx context.Context) error { return nil }

// ForceFlush does nothing.
func (r *LogRecorder) ForceFlush(ctx context.Context) error { return nil }

// Records returns the exported records.
func (r *LogRecorder) Records() []sdklog.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sdklog.Record(nil), r.records...)
}

// Bodies returns the string bodies of the exported records.
func (r *LogRecorder) Bodies() []string {
	records := r.Records()
	bodies := make([]string, len(records))
	for i := range records {
		bodies[i] = records[i].Body().AsString()
	}
	return bodies
}

// Reset clears the recorded records.
func (r *LogRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}
