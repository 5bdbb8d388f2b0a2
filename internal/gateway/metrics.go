package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts plugin executions by outcome.
	// Labels: outcome (completed, denied, rate_limited, circuit_open,
	// quarantined, injection_failed, timed_out, killed, crashed, error)
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgate",
			Subsystem: "gateway",
			Name:      "executions_total",
			Help:      "Total number of plugin executions by outcome",
		},
		[]string{"outcome"},
	)

	// ExecutionDuration tracks end-to-end execution latency.
	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentgate",
			Subsystem: "gateway",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end plugin execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SecurityEventsTotal counts security events by kind and severity.
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgate",
			Subsystem: "gateway",
			Name:      "security_events_total",
			Help:      "Total number of security events observed",
		},
		[]string{"kind", "severity"},
	)

	// QuarantinedPlugins tracks the number of quarantined plugins.
	QuarantinedPlugins = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentgate",
			Subsystem: "gateway",
			Name:      "quarantined_plugins",
			Help:      "Number of plugins currently quarantined",
		},
	)
)
