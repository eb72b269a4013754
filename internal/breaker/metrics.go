package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stateGauge reports the current state per breaker (0=closed, 1=open, 2=half-open).
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "otelguard",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	// transitionsTotal counts state transitions.
	// Labels: breaker, from, to
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otelguard",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// shortCircuitsTotal counts calls rejected while open.
	shortCircuitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otelguard",
			Subsystem: "breaker",
			Name:      "short_circuits_total",
			Help:      "Total number of calls short-circuited by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	// failuresTotal counts failures that were counted toward the threshold.
	// Labels: breaker, category (connectivity, transient)
	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otelguard",
			Subsystem: "breaker",
			Name:      "failures_total",
			Help:      "Total number of counted telemetry backend failures",
		},
		[]string{"breaker", "category"},
	)
)
