package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// healthStatusGauge mirrors HealthAsNumeric (2=healthy, 1=degraded, 0=unhealthy/uninitialized).
	healthStatusGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "otelguard",
			Subsystem: "telemetry",
			Name:      "health_status",
			Help:      "Current telemetry health (2=healthy, 1=degraded, 0=unhealthy or uninitialized)",
		},
	)

	// healthChecksTotal counts health checks.
	// Labels: status (healthy, degraded, unhealthy, uninitialized)
	healthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otelguard",
			Subsystem: "telemetry",
			Name:      "health_checks_total",
			Help:      "Total number of telemetry health checks by resulting status",
		},
		[]string{"status"},
	)

	// droppedTotal counts spans, metrics and log records dropped while a
	// pipeline's breaker was open.
	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otelguard",
			Subsystem: "telemetry",
			Name:      "dropped_total",
			Help:      "Telemetry items dropped because the pipeline circuit breaker was open",
		},
		[]string{"pipeline"},
	)
)
