package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// initPipelines initializes every enabled pipeline. Each runs under its own
// breaker, so one failing pipeline does not affect the others.
func (c *Client) initPipelines(ctx context.Context) {
	for _, name := range pipelineNames {
		if c.pipelineEnabled(name) && !c.hasPipeline(name) {
			c.initPipeline(ctx, name)
		}
	}
}

// RetryFailedPipelines re-runs initialization for enabled pipelines that are
// still absent. Attempts go through the pipeline breakers: while a breaker is
// open the attempt is skipped, and after the recovery timeout it becomes the
// half-open trial. It returns the number of pipelines that are now active.
func (c *Client) RetryFailedPipelines(ctx context.Context) int {
	if c == nil || c.shutdown.Load() || !c.cfg.Enabled {
		return 0
	}
	c.initPipelines(ctx)

	active := 0
	for _, name := range pipelineNames {
		if c.hasPipeline(name) {
			active++
		}
	}
	return active
}

func (c *Client) initPipeline(ctx context.Context, name string) {
	var init func(context.Context) error
	switch name {
	case PipelineTracing:
		init = c.initTracing
	case PipelineMetrics:
		init = c.initMetrics
	case PipelineLogging:
		init = c.initLogging
	default:
		return
	}

	err := c.breakers[name].Execute(ctx, init)
	switch {
	case err != nil:
		c.logger.Error("telemetry pipeline initialization failed, continuing without it",
			zap.String("pipeline", name),
			zap.Error(err))
	case c.hasPipeline(name):
		c.logger.Info("telemetry pipeline initialized", zap.String("pipeline", name))
	default:
		c.logger.Debug("telemetry pipeline initialization skipped, circuit open",
			zap.String("pipeline", name))
	}
}

// pipelineEnabled reports whether the named pipeline is configured at all.
func (c *Client) pipelineEnabled(name string) bool {
	if !c.cfg.Enabled {
		return false
	}
	switch name {
	case PipelineMetrics:
		return c.cfg.Metrics.Enabled
	case PipelineLogging:
		return c.cfg.Logs.Enabled
	default:
		return true
	}
}

// hasPipeline reports whether the named pipeline's provider exists.
func (c *Client) hasPipeline(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch name {
	case PipelineTracing:
		return c.tracerProvider != nil
	case PipelineMetrics:
		return c.meterProvider != nil
	case PipelineLogging:
		return c.loggerProvider != nil
	default:
		return false
	}
}

func (c *Client) initTracing(ctx context.Context) error {
	exp, err := c.opts.exporters.span(ctx, c.cfg, c.conns)
	if err != nil {
		return fmt.Errorf("creating trace exporter: %w", err)
	}
	c.addGRPCProbe(PipelineTracing, c.cfg.TracesEndpoint())
	guarded := newGuardedSpanExporter(exp, c.breakers[PipelineTracing], c.logger)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(c.resource),
		sdktrace.WithSampler(newSampler(c.cfg.Sampling.Rate)),
	}
	if c.opts.syncExport {
		opts = append(opts, sdktrace.WithSyncer(guarded))
	} else {
		opts = append(opts, sdktrace.WithBatcher(guarded,
			sdktrace.WithMaxExportBatchSize(c.cfg.Batch.MaxExportBatchSize),
			sdktrace.WithMaxQueueSize(c.cfg.Batch.MaxQueueSize),
			sdktrace.WithBatchTimeout(c.cfg.Batch.ScheduleDelay.Duration()),
			sdktrace.WithExportTimeout(c.cfg.Batch.ExportTimeout.Duration()),
		))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	if !c.opts.skipGlobal {
		otel.SetTracerProvider(tp)
	}
	c.mu.Lock()
	c.tracerProvider = tp
	c.mu.Unlock()
	return nil
}

func (c *Client) initMetrics(ctx context.Context) error {
	reader := c.opts.metricReader
	if reader == nil {
		exp, err := c.opts.exporters.metric(ctx, c.cfg, c.conns)
		if err != nil {
			return fmt.Errorf("creating metric exporter: %w", err)
		}
		c.addGRPCProbe(PipelineMetrics, c.cfg.MetricsEndpoint())
		reader = sdkmetric.NewPeriodicReader(
			newGuardedMetricExporter(exp, c.breakers[PipelineMetrics], c.logger),
			sdkmetric.WithInterval(c.cfg.Metrics.ExportInterval.Duration()),
			sdkmetric.WithTimeout(c.cfg.Batch.ExportTimeout.Duration()),
		)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(c.resource),
		sdkmetric.WithReader(reader),
	)
	reg, err := c.registerHealthGauge(mp.Meter(instrumentationName))
	if err != nil {
		c.logger.Warn("failed to register telemetry health gauge", zap.Error(err))
	}

	if !c.opts.skipGlobal {
		otel.SetMeterProvider(mp)
	}
	c.mu.Lock()
	c.meterProvider = mp
	c.healthGauge = reg
	c.mu.Unlock()
	return nil
}

func (c *Client) initLogging(ctx context.Context) error {
	exp, err := c.opts.exporters.log(ctx, c.cfg, c.conns)
	if err != nil {
		return fmt.Errorf("creating log exporter: %w", err)
	}
	c.addGRPCProbe(PipelineLogging, c.cfg.LogsEndpoint())
	guarded := newGuardedLogExporter(exp, c.breakers[PipelineLogging], c.logger)

	var processor sdklog.Processor
	if c.opts.syncExport {
		processor = sdklog.NewSimpleProcessor(guarded)
	} else {
		processor = sdklog.NewBatchProcessor(guarded,
			sdklog.WithExportMaxBatchSize(c.cfg.Batch.MaxExportBatchSize),
			sdklog.WithMaxQueueSize(c.cfg.Batch.MaxQueueSize),
			sdklog.WithExportInterval(c.cfg.Batch.ScheduleDelay.Duration()),
			sdklog.WithExportTimeout(c.cfg.Batch.ExportTimeout.Duration()),
		)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(c.resource),
		sdklog.WithProcessor(processor),
	)

	if !c.opts.skipGlobal {
		global.SetLoggerProvider(lp)
	}
	c.mu.Lock()
	c.loggerProvider = lp
	c.mu.Unlock()
	return nil
}

// registerHealthGauge exports the health ordinal through the client's own
// metrics pipeline as telemetry.health.status.
func (c *Client) registerHealthGauge(meter metric.Meter) (metric.Registration, error) {
	gauge, err := meter.Float64ObservableGauge(
		"telemetry.health.status",
		metric.WithDescription("Telemetry client health: 2=healthy, 1=degraded, 0=unhealthy or uninitialized"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, HealthAsNumeric(CheckHealth(ctx, c).Status))
		return nil
	}, gauge)
}

// addGRPCProbe registers a reachability probe on the pooled connection used
// by a pipeline. HTTP pipelines and overridden exporters have no pooled
// connection to probe.
func (c *Client) addGRPCProbe(pipeline, rawEndpoint string) {
	if c.cfg.protocol() != ProtocolGRPC {
		return
	}
	conn, ok := c.conns.lookup(parseEndpoint(rawEndpoint).Host)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.probes {
		if p.Name() == pipeline {
			return
		}
	}
	c.probes = append(c.probes, NewGRPCProber(pipeline, conn))
}

// probers returns a snapshot of the registered probes.
func (c *Client) probers() []Prober {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Prober(nil), c.probes...)
}
