package telemetry

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Metric names shared by all instrumented operations.
const (
	metricRequestCount   = "app.request.count"
	metricRequestLatency = "app.request.latency.ms"
	metricErrorCount     = "app.error.count"
)

// Operation outcome label values.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// instruments holds the per-operation instruments.
type instruments struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	errors   metric.Int64Counter
}

func newInstruments(meter metric.Meter, logger *zap.Logger) *instruments {
	var err error
	inst := &instruments{}
	noop := metricnoop.Meter{}

	inst.requests, err = meter.Int64Counter(metricRequestCount,
		metric.WithDescription("Instrumented operation invocations by operation and status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create request counter", zap.Error(err))
		inst.requests, _ = noop.Int64Counter(metricRequestCount)
	}

	inst.latency, err = meter.Float64Histogram(metricRequestLatency,
		metric.WithDescription("Instrumented operation latency in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
		inst.latency, _ = noop.Float64Histogram(metricRequestLatency)
	}

	inst.errors, err = meter.Int64Counter(metricErrorCount,
		metric.WithDescription("Errors raised by instrumented operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create error counter", zap.Error(err))
		inst.errors, _ = noop.Int64Counter(metricErrorCount)
	}

	return inst
}

// instrumentsFor returns instruments bound to the current meter provider,
// rebuilding them when the metrics pipeline has come up since the last call.
func (c *Client) instrumentsFor() *instruments {
	c.mu.RLock()
	inst, built, mp := c.inst, c.instProvider, c.meterProvider
	c.mu.RUnlock()
	if inst != nil && built == mp {
		return inst
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inst != nil && c.instProvider == c.meterProvider {
		return c.inst
	}
	var meter metric.Meter = metricnoop.Meter{}
	if c.meterProvider != nil {
		meter = c.meterProvider.Meter(instrumentationName)
	}
	c.inst = newInstruments(meter, c.logger)
	c.instProvider = c.meterProvider
	return c.inst
}

// Instrumenter wraps operations with spans, metrics and error tracking.
type Instrumenter struct {
	tracer      trace.Tracer
	logger      *zap.Logger
	instruments func() *instruments
}

// NewInstrumenter creates an Instrumenter from explicit collaborators. Nil
// arguments fall back to no-ops.
func NewInstrumenter(tracer trace.Tracer, meter metric.Meter, logger *zap.Logger) *Instrumenter {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if meter == nil {
		meter = metricnoop.Meter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	inst := newInstruments(meter, logger)
	return &Instrumenter{
		tracer:      tracer,
		logger:      logger,
		instruments: func() *instruments { return inst },
	}
}

// orNop returns ins, or a no-op Instrumenter when ins is nil.
func (ins *Instrumenter) orNop() *Instrumenter {
	if ins == nil {
		return NewInstrumenter(nil, nil, nil)
	}
	return ins
}

// Instrumenter returns an Instrumenter bound to the client's pipelines. It
// keeps working across pipeline failures and recoveries. Safe to call on a
// nil Client, in which case everything is a no-op.
func (c *Client) Instrumenter() *Instrumenter {
	if c == nil {
		return NewInstrumenter(nil, nil, nil)
	}
	return &Instrumenter{
		tracer:      c.Tracer(instrumentationName),
		logger:      c.logger,
		instruments: c.instrumentsFor,
	}
}

// TraceOption configures TraceOperation and friends.
type TraceOption func(*traceOptions)

type traceOptions struct {
	name          string
	attrs         map[string]any
	recordMetrics bool
	captureErrors bool
}

// WithName sets the span and metric operation name.
func WithName(name string) TraceOption {
	return func(o *traceOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithAttributes sets span attributes. Values are stringified.
func WithAttributes(attrs map[string]any) TraceOption {
	return func(o *traceOptions) {
		o.attrs = attrs
	}
}

// WithRecordMetrics toggles the request counter and latency histogram.
func WithRecordMetrics(enabled bool) TraceOption {
	return func(o *traceOptions) {
		o.recordMetrics = enabled
	}
}

// WithCaptureErrors toggles recording errors on the span and the error counter.
func WithCaptureErrors(enabled bool) TraceOption {
	return func(o *traceOptions) {
		o.captureErrors = enabled
	}
}

func newTraceOptions(fn any, opts []TraceOption) *traceOptions {
	o := &traceOptions{
		name:          funcName(fn),
		recordMetrics: true,
		captureErrors: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TraceOperation wraps fn so that each call runs in its own span.
//
// The span is named by WithName, or after fn's Go symbol. On success the
// latency histogram and request counter are recorded with status=success.
// On failure the error is recorded on the span (ERROR status), the error
// counter is incremented, the error is logged, and it is returned unchanged;
// the counter and histogram are recorded with status=error. Exactly one
// observation is made per call. A panic is treated like a returned
// *PanicError and then re-raised.
func TraceOperation[T any](ins *Instrumenter, fn func(context.Context) (T, error), opts ...TraceOption) func(context.Context) (T, error) {
	ins = ins.orNop()
	o := newTraceOptions(fn, opts)
	return func(ctx context.Context) (T, error) {
		return runTraced(ctx, ins, o, fn)
	}
}

// Result is the outcome of an asynchronous operation.
type Result[T any] struct {
	Value T
	Err   error
}

// PanicError carries a panic out of an asynchronous operation.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// TraceOperationAsync is TraceOperation for operations run on their own
// goroutine. Each call starts fn and returns a channel that receives exactly
// one Result and is then closed. The span and metrics behave exactly as for
// TraceOperation; a panic is delivered as a *PanicError.
func TraceOperationAsync[T any](ins *Instrumenter, fn func(context.Context) (T, error), opts ...TraceOption) func(context.Context) <-chan Result[T] {
	ins = ins.orNop()
	o := newTraceOptions(fn, opts)
	return func(ctx context.Context) <-chan Result[T] {
		ch := make(chan Result[T], 1)
		go func() {
			defer close(ch)
			ch <- runGuarded(func() (T, error) {
				return runTraced(ctx, ins, o, fn)
			})
		}()
		return ch
	}
}

// runGuarded converts a panic in fn into a Result carrying a *PanicError.
func runGuarded[T any](fn func() (T, error)) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	v, err := fn()
	return Result[T]{Value: v, Err: err}
}

func runTraced[T any](ctx context.Context, ins *Instrumenter, o *traceOptions, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := ins.tracer.Start(ctx, o.name, trace.WithAttributes(stringAttributes(o.attrs)...))
	start := time.Now()

	finished := false
	defer func() {
		if finished {
			span.End()
			return
		}
		r := recover()
		if r == nil {
			// runtime.Goexit, e.g. t.FailNow inside fn.
			span.End()
			return
		}
		ins.finish(ctx, span, o, time.Since(start), &PanicError{Value: r, Stack: debug.Stack()})
		span.End()
		panic(r)
	}()

	result, err := fn(ctx)
	finished = true
	ins.finish(ctx, span, o, time.Since(start), err)
	return result, err
}

// finish records the outcome of a traced call on span and in metrics.
func (ins *Instrumenter) finish(ctx context.Context, span trace.Span, o *traceOptions, elapsed time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
		if o.captureErrors {
			recordError(span, err)
			ins.instruments().errors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("operation", o.name),
				attribute.String("error.type", fmt.Sprintf("%T", err)),
			))
		}
		ins.logger.Error("operation failed",
			append(spanFields(span),
				zap.String("operation", o.name),
				zap.Duration("duration", elapsed),
				zap.Error(err))...)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(
		attribute.Float64("operation.duration_ms", milliseconds(elapsed)),
		attribute.String("operation.status", status),
	)
	ins.observe(ctx, o, elapsed, status)
}

// observe records the single metric observation for a call.
func (ins *Instrumenter) observe(ctx context.Context, o *traceOptions, elapsed time.Duration, status string) {
	if !o.recordMetrics {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", o.name),
		attribute.String("status", status),
	)
	inst := ins.instruments()
	inst.latency.Record(ctx, milliseconds(elapsed), attrs)
	inst.requests.Add(ctx, 1, attrs)
}

// MeasurePerformance wraps fn with a latency check. It creates no span.
// When a call takes longer than threshold it logs at level, marks the
// ambient span (if recording) with func.slow_call, func.duration_ms and
// func.threshold_ms, and records a latency observation tagged slow=true.
func MeasurePerformance[T any](ins *Instrumenter, fn func(context.Context) (T, error), threshold time.Duration, level zapcore.Level, opts ...TraceOption) func(context.Context) (T, error) {
	ins = ins.orNop()
	o := newTraceOptions(fn, opts)
	return func(ctx context.Context) (T, error) {
		start := time.Now()
		result, err := fn(ctx)
		elapsed := time.Since(start)

		if elapsed > threshold {
			span := trace.SpanFromContext(ctx)
			ins.logger.Log(level, "slow operation",
				append(spanFields(span),
					zap.String("operation", o.name),
					zap.Duration("duration", elapsed),
					zap.Duration("threshold", threshold))...)

			if span.IsRecording() {
				span.SetAttributes(
					attribute.Bool("func.slow_call", true),
					attribute.Float64("func.duration_ms", milliseconds(elapsed)),
					attribute.Float64("func.threshold_ms", milliseconds(threshold)),
				)
			}
			ins.instruments().latency.Record(ctx, milliseconds(elapsed), metric.WithAttributes(
				attribute.String("operation", o.name),
				attribute.String("slow", "true"),
			))
		}
		return result, err
	}
}

// TrackErrors wraps fn so that a returned error is recorded on the ambient
// span, when that span is recording, and counted. The error is always
// returned unchanged.
func TrackErrors[T any](ins *Instrumenter, fn func(context.Context) (T, error), opts ...TraceOption) func(context.Context) (T, error) {
	ins = ins.orNop()
	o := newTraceOptions(fn, opts)
	return func(ctx context.Context) (T, error) {
		result, err := fn(ctx)
		if err != nil {
			span := trace.SpanFromContext(ctx)
			if span.IsRecording() {
				recordError(span, err)
			}
			ins.instruments().errors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("operation", o.name),
				attribute.String("error.type", fmt.Sprintf("%T", err)),
			))
			ins.logger.Error("operation failed",
				append(spanFields(span),
					zap.String("operation", o.name),
					zap.Error(err))...)
		}
		return result, err
	}
}

// Trace is TraceOperation for operations that only return an error.
func Trace(ins *Instrumenter, fn func(context.Context) error, opts ...TraceOption) func(context.Context) error {
	wrapped := TraceOperation(ins, adapt(fn), nameFrom(fn, opts)...)
	return func(ctx context.Context) error {
		_, err := wrapped(ctx)
		return err
	}
}

// Measure is MeasurePerformance for operations that only return an error.
func Measure(ins *Instrumenter, fn func(context.Context) error, threshold time.Duration, level zapcore.Level, opts ...TraceOption) func(context.Context) error {
	wrapped := MeasurePerformance(ins, adapt(fn), threshold, level, nameFrom(fn, opts)...)
	return func(ctx context.Context) error {
		_, err := wrapped(ctx)
		return err
	}
}

// Track is TrackErrors for operations that only return an error.
func Track(ins *Instrumenter, fn func(context.Context) error, opts ...TraceOption) func(context.Context) error {
	wrapped := TrackErrors(ins, adapt(fn), nameFrom(fn, opts)...)
	return func(ctx context.Context) error {
		_, err := wrapped(ctx)
		return err
	}
}

func adapt(fn func(context.Context) error) func(context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}
}

// nameFrom puts fn's own name ahead of opts so the adapter closure's name is
// never used; an explicit WithName in opts still wins.
func nameFrom(fn any, opts []TraceOption) []TraceOption {
	return append([]TraceOption{WithName(funcName(fn))}, opts...)
}

// TraceAll runs ops concurrently under one parent span named name and
// returns every result in order. The span records operations.count,
// operations.errors and operations.status (success or partial_failure).
// Panics in ops are returned as *PanicError.
func TraceAll[T any](ctx context.Context, ins *Instrumenter, name string, ops ...func(context.Context) (T, error)) []Result[T] {
	ins = ins.orNop()
	ctx, span := ins.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("operations.count", len(ops)),
	))
	defer span.End()

	results := make([]Result[T], len(ops))
	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runGuarded(func() (T, error) { return op(ctx) })
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	status := "success"
	if failed > 0 {
		status = "partial_failure"
	}
	span.SetAttributes(
		attribute.Int("operations.errors", failed),
		attribute.String("operations.status", status),
	)
	return results
}

// funcName returns a short qualified name for fn, such as "server.handleOrder"
// or "server.(*Cache).Get".
func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "operation"
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "operation"
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}

// spanFields returns trace correlation fields for span, if it is valid.
func spanFields(span trace.Span) []zap.Field {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
