// Package telemetry provides breaker-guarded OpenTelemetry pipelines for
// otelguard.
//
// # Overview
//
// A Client owns three OTLP pipelines (tracing, metrics, logging) exporting to
// an OTel Collector or a managed backend. Each pipeline has its own circuit
// breaker: initialization and every batch export run through it, so a
// collector outage degrades telemetry to no-ops instead of slowing down or
// failing the host service.
//
// # Usage
//
// Create the client at startup and pass it down explicitly:
//
//	client, err := telemetry.New(ctx, cfg, telemetry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer client.Shutdown(ctx)
//
// Wrap operations:
//
//	ins := client.Instrumenter()
//	getOrder := telemetry.TraceOperation(ins, store.GetOrder, telemetry.WithName("orders.get"))
//	order, err := getOrder(ctx)
//
// Or use scoped spans:
//
//	err := client.CacheSpan(ctx, "get", map[string]any{"key": key}, func(ctx context.Context, span trace.Span) error {
//	    return cache.Get(ctx, key)
//	})
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  protocol: grpc
//	  endpoint: "http://localhost:4317"
//	  service_name: "orders"
//	  batch:
//	    max_export_batch_size: 512
//	    schedule_delay: "5s"
//	    export_timeout: "30s"
//	  breaker:
//	    failure_threshold: 3
//	    recovery_timeout: "30s"
//
// # Health
//
// CheckHealth derives healthy, degraded, unhealthy or uninitialized from the
// breakers and the collector connection probes. HealthAsResponse and
// HealthAsNumeric map it for HTTP and gauges.
//
// # Testing
//
// Use NewTestClient for tests:
//
//	tc := telemetry.NewTestClient()
//	_ = tc.WithSpan(ctx, "test-span", nil, fn)
//	tc.AssertSpanExists(t, "test-span")
package telemetry
