package telemetry

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanCategory prefixes span names for recurring operation domains.
type SpanCategory string

const (
	CategoryQueue SpanCategory = "messaging"
	CategoryCache SpanCategory = "cache"
	CategoryTask  SpanCategory = "task"
)

// WithSpan runs fn inside a span named name.
//
// The span is always ended. An error returned by fn is recorded on the span
// (message and ERROR status) and returned unchanged. A panic is recorded and
// re-raised.
func (c *Client) WithSpan(ctx context.Context, name string, attrs map[string]any, fn func(context.Context, trace.Span) error) (err error) {
	ctx, span := c.StartSpan(ctx, name, attrs)
	defer span.End(&err)
	return fn(ctx, span.Span)
}

// StartSpan starts a span for defer-style use:
//
//	ctx, span := client.StartSpan(ctx, "cache.warm", nil)
//	defer span.End(&err)
func (c *Client) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, *Span) {
	ctx, span := c.Tracer(instrumentationName).Start(ctx, name,
		trace.WithAttributes(stringAttributes(attrs)...))
	return ctx, &Span{Span: span}
}

// SpanForOperation runs fn in a span named "<category>.<operation>".
func (c *Client) SpanForOperation(ctx context.Context, category SpanCategory, operation string, attrs map[string]any, fn func(context.Context, trace.Span) error) error {
	merged := make(map[string]any, len(attrs)+1)
	maps.Copy(merged, attrs)
	merged["operation.category"] = string(category)
	return c.WithSpan(ctx, string(category)+"."+operation, merged, fn)
}

// QueueSpan runs fn in a "messaging.<operation>" span.
func (c *Client) QueueSpan(ctx context.Context, operation string, attrs map[string]any, fn func(context.Context, trace.Span) error) error {
	return c.SpanForOperation(ctx, CategoryQueue, operation, attrs, fn)
}

// CacheSpan runs fn in a "cache.<operation>" span.
func (c *Client) CacheSpan(ctx context.Context, operation string, attrs map[string]any, fn func(context.Context, trace.Span) error) error {
	return c.SpanForOperation(ctx, CategoryCache, operation, attrs, fn)
}

// TaskSpan runs fn in a "task.<operation>" span.
func (c *Client) TaskSpan(ctx context.Context, operation string, attrs map[string]any, fn func(context.Context, trace.Span) error) error {
	return c.SpanForOperation(ctx, CategoryTask, operation, attrs, fn)
}

// Span is a trace.Span whose End records the outcome of the scope.
type Span struct {
	trace.Span
}

// End records *errp (when errp is non-nil and holds an error) and ends the
// span. Deferred directly, it also records a panic before letting it
// continue.
func (s *Span) End(errp *error) {
	if r := recover(); r != nil {
		recordPanic(s.Span, r)
		s.Span.End()
		panic(r)
	}
	if errp != nil && *errp != nil {
		recordError(s.Span, *errp)
	}
	s.Span.End()
}

// stringAttributes converts attrs to string-valued span attributes, sorted
// by key.
func stringAttributes(attrs map[string]any) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(attrs))

	kvs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, attribute.String(k, fmt.Sprint(attrs[k])))
	}
	return kvs
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func recordPanic(span trace.Span, r any) {
	err := fmt.Errorf("panic: %v", r)
	span.RecordError(err, trace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
