package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/otelguard/internal/breaker"
)

// Status is the telemetry health state.
type Status string

const (
	StatusHealthy       Status = "healthy"
	StatusDegraded      Status = "degraded"
	StatusUnhealthy     Status = "unhealthy"
	StatusUninitialized Status = "uninitialized"
)

// Pipeline and exporter states reported in the health breakdown.
const (
	pipelineHealthy        = "healthy"
	pipelineDisabled       = "disabled"
	pipelineNotInitialized = "not initialized"
	pipelineCircuitOpen    = "circuit open"
	pipelineRecovering     = "recovering"
	exporterUnhealthy      = "unhealthy"
)

// Health check reasons.
const (
	reasonNotInitialized     = "telemetry client not initialized"
	reasonShutDown           = "telemetry client shut down"
	reasonBackendUnavailable = "telemetry backend unavailable"
	reasonExportersUnhealthy = "one or more exporters unhealthy"
)

// HealthStatus is the derived telemetry health. It is recomputed on every
// check and never stored.
type HealthStatus struct {
	Status         Status            `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	CircuitBreaker string            `json:"circuit_breaker,omitempty"`
	Pipelines      map[string]string `json:"pipelines,omitempty"`
	Exporters      map[string]string `json:"exporters,omitempty"`
}

// CheckHealth derives the health of c. It never panics; a nil client is
// reported as uninitialized.
//
// Any open breaker makes the status degraded. Otherwise any probe reporting
// unhealthy makes it degraded. Otherwise it is healthy.
func CheckHealth(ctx context.Context, c *Client) HealthStatus {
	if c == nil {
		return HealthStatus{Status: StatusUninitialized, Reason: reasonNotInitialized}
	}
	if c.IsShutdown() {
		return HealthStatus{Status: StatusUnhealthy, Reason: reasonShutDown}
	}

	h := HealthStatus{
		Status:         StatusHealthy,
		CircuitBreaker: breaker.StateClosed.String(),
		Pipelines:      make(map[string]string, len(pipelineNames)),
	}

	open := false
	for _, name := range pipelineNames {
		state := c.breakers[name].State()
		switch {
		case state == breaker.StateOpen:
			open = true
			h.Pipelines[name] = pipelineCircuitOpen
		case !c.pipelineEnabled(name):
			h.Pipelines[name] = pipelineDisabled
		case state == breaker.StateHalfOpen:
			h.Pipelines[name] = pipelineRecovering
			if h.CircuitBreaker != breaker.StateOpen.String() {
				h.CircuitBreaker = breaker.StateHalfOpen.String()
			}
		case !c.hasPipeline(name):
			h.Pipelines[name] = pipelineNotInitialized
		default:
			h.Pipelines[name] = pipelineHealthy
		}
	}
	if open {
		h.Status = StatusDegraded
		h.CircuitBreaker = breaker.StateOpen.String()
		h.Reason = reasonBackendUnavailable
		return h
	}

	probes := c.probers()
	if len(probes) == 0 {
		return h
	}
	h.Exporters = make(map[string]string, len(probes))
	for _, p := range probes {
		if p.IsHealthy(ctx) {
			h.Exporters[p.Name()] = pipelineHealthy
			continue
		}
		h.Exporters[p.Name()] = exporterUnhealthy
		h.Status = StatusDegraded
		h.Reason = reasonExportersUnhealthy
	}
	return h
}

// HealthAsResponse maps h to an HTTP status code. Degraded still answers 200:
// the service keeps working and the body carries the condition.
func HealthAsResponse(h HealthStatus) (int, HealthStatus) {
	switch h.Status {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK, h
	default:
		return http.StatusServiceUnavailable, h
	}
}

// HealthAsNumeric maps s to a gauge value: healthy 2, degraded 1, anything
// else 0.
func HealthAsNumeric(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Reporter runs health checks and publishes the result as Prometheus
// metrics. It logs status changes.
type Reporter struct {
	client *Client
	logger *zap.Logger

	mu   sync.Mutex
	last Status
}

// NewReporter creates a reporter for c. A nil c reports uninitialized.
func NewReporter(c *Client, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{client: c, logger: logger}
}

// Check runs one health check.
func (r *Reporter) Check(ctx context.Context) HealthStatus {
	h := CheckHealth(ctx, r.client)

	healthStatusGauge.Set(HealthAsNumeric(h.Status))
	healthChecksTotal.WithLabelValues(string(h.Status)).Inc()

	r.mu.Lock()
	prev := r.last
	r.last = h.Status
	r.mu.Unlock()

	if prev != "" && prev != h.Status {
		fields := []zap.Field{
			zap.String("from", string(prev)),
			zap.String("to", string(h.Status)),
			zap.String("reason", h.Reason),
		}
		if h.Status == StatusHealthy {
			r.logger.Info("telemetry health changed", fields...)
		} else {
			r.logger.Warn("telemetry health changed", fields...)
		}
	}
	return h
}

// Run checks health every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}
