package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_state_transitions_total",
			Help: "Orchestrator state transitions",
		},
		[]string{"from", "to"},
	)

	toolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_tool_executions_total",
			Help: "Tool executions by outcome",
		},
		[]string{"tool", "status"},
	)

	toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	safetyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_safety_decisions_total",
			Help: "Safety gate verdicts",
		},
		[]string{"verdict", "rule"},
	)

	checkpointOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_checkpoint_operations_total",
			Help: "Checkpoint create/restore operations",
		},
		[]string{"op", "result"},
	)

	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_events_total",
			Help: "Events seen by the monitor agent",
		},
		[]string{"kind", "source"},
	)

	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_event_handler_failures_total",
			Help: "Event handler errors and panics",
		},
		[]string{"kind"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_active_sessions",
			Help: "Sessions with a running orchestrator",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			stateTransitions,
			toolExecutions,
			toolDuration,
			safetyDecisions,
			checkpointOps,
			eventsDelivered,
			handlerFailures,
			activeSessions,
		)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func RecordTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

func RecordToolExecution(tool, status string, d time.Duration) {
	toolExecutions.WithLabelValues(tool, status).Inc()
	toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func RecordSafetyDecision(verdict, rule string) {
	safetyDecisions.WithLabelValues(verdict, rule).Inc()
}

func RecordCheckpoint(op, result string) {
	checkpointOps.WithLabelValues(op, result).Inc()
}

func RecordEvent(kind, source string) {
	eventsDelivered.WithLabelValues(kind, source).Inc()
}

func RecordHandlerFailure(kind string) {
	handlerFailures.WithLabelValues(kind).Inc()
}

func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}
