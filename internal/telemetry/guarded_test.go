package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/otelguard/internal/breaker"
)

// countingMetricExporter fails while failing is set.
type countingMetricExporter struct {
	recordingMetricExporter
	failing bool
	exports int
}

func (e *countingMetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	e.exports++
	if e.failing {
		return breaker.Connectivity(errCollectorDown)
	}
	return nil
}

type countingLogExporter struct {
	LogRecorder
	failing bool
	exports int
}

func (e *countingLogExporter) Export(ctx context.Context, records []sdklog.Record) error {
	e.exports++
	if e.failing {
		return breaker.Connectivity(errCollectorDown)
	}
	return e.LogRecorder.Export(ctx, records)
}

func newPipelineBreaker(t *testing.T, clock *testClock) *breaker.Breaker {
	t.Helper()
	b, err := breaker.New(breaker.Config{Name: t.Name()}, breaker.WithClock(clock.Now))
	require.NoError(t, err)
	return b
}

func TestGuardedMetricExporter(t *testing.T) {
	clock := &testClock{now: time.Now()}
	b := newPipelineBreaker(t, clock)
	next := &countingMetricExporter{failing: true}
	exp := newGuardedMetricExporter(next, b, zap.NewNop())

	rm := &metricdata.ResourceMetrics{
		ScopeMetrics: []metricdata.ScopeMetrics{{
			Scope:   instrumentation.Scope{Name: "test"},
			Metrics: []metricdata.Metrics{{Name: "a"}, {Name: "b"}},
		}},
	}

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, exp.Export(context.Background(), rm), errCollectorDown)
	}
	require.Equal(t, breaker.StateOpen, b.State())

	// Dropped while open, not raised.
	assert.NoError(t, exp.Export(context.Background(), rm))
	assert.Equal(t, 3, next.exports)
	assert.Equal(t, 2.0, testutil.ToFloat64(droppedTotal.WithLabelValues(b.Name())))

	// Other Exporter methods pass through.
	assert.Equal(t, metricdata.CumulativeTemporality, exp.Temporality(sdkmetric.InstrumentKindCounter))

	next.failing = false
	clock.Advance(30 * time.Second)
	assert.NoError(t, exp.Export(context.Background(), rm))
	assert.Equal(t, 4, next.exports)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestGuardedLogExporter(t *testing.T) {
	clock := &testClock{now: time.Now()}
	b := newPipelineBreaker(t, clock)
	next := &countingLogExporter{failing: true}
	exp := newGuardedLogExporter(next, b, zap.NewNop())

	records := make([]sdklog.Record, 4)
	for i := 0; i < 3; i++ {
		assert.Error(t, exp.Export(context.Background(), records))
	}
	assert.NoError(t, exp.Export(context.Background(), records))
	assert.Equal(t, 3, next.exports)
	assert.Equal(t, 4.0, testutil.ToFloat64(droppedTotal.WithLabelValues(b.Name())))
}

func TestGuardedSpanExporter_PermanentErrorsDoNotTrip(t *testing.T) {
	clock := &testClock{now: time.Now()}
	b := newPipelineBreaker(t, clock)
	exp := newGuardedSpanExporter(&permanentFailureExporter{}, b, zap.NewNop())

	for i := 0; i < 5; i++ {
		assert.Error(t, exp.ExportSpans(context.Background(), nil))
	}
	assert.Equal(t, breaker.StateClosed, b.State())
	assert.NoError(t, exp.Shutdown(context.Background()))
}
