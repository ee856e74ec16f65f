// Package metrics provides Prometheus metrics for forgemend monitoring.
// Exports HTTP, task graph, agent, and healing session metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for forgemend
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Task Graph Metrics
	GraphsStartedTotal   prometheus.Counter
	GraphsCompletedTotal *prometheus.CounterVec // outcome: done, partial, aborted
	TasksDispatchedTotal *prometheus.CounterVec // role
	TasksRetriedTotal    prometheus.Counter
	TasksFailedTotal     *prometheus.CounterVec // role
	TaskWaveSize         prometheus.Histogram

	// Agent Metrics
	AgentInvocationsTotal   *prometheus.CounterVec // role, status
	AgentInvocationDuration *prometheus.HistogramVec
	AgentTimeoutsTotal      prometheus.Counter

	// Healing Metrics
	SessionsActiveGauge     prometheus.Gauge
	SessionsTotal           *prometheus.CounterVec // outcome: healed, exhausted, aborted
	AttemptsTotal           *prometheus.CounterVec // result: applied, no_progress, failed
	SolutionsAppliedTotal   prometheus.Counter
	RollbacksTotal          prometheus.Counter
	HealthScoreObserved     prometheus.Histogram
	SessionBusyRejectsTotal prometheus.Counter
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgemend",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgemend",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.GraphsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "graph",
			Name:      "started_total",
			Help:      "Total number of task graphs started",
		},
	)

	m.GraphsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "graph",
			Name:      "completed_total",
			Help:      "Total number of task graph runs finished, by outcome",
		},
		[]string{"outcome"},
	)

	m.TasksDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "graph",
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks dispatched, by role",
		},
		[]string{"role"},
	)

	m.TasksRetriedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "graph",
			Name:      "tasks_retried_total",
			Help:      "Total number of task retry attempts",
		},
	)

	m.TasksFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "graph",
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks that exhausted retries, by role",
		},
		[]string{"role"},
	)

	m.TaskWaveSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgemend",
			Subsystem: "graph",
			Name:      "wave_size",
			Help:      "Number of tasks dispatched concurrently per wave",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		},
	)

	m.AgentInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "agent",
			Name:      "invocations_total",
			Help:      "Total agent capability invocations by role and status",
		},
		[]string{"role", "status"},
	)

	m.AgentInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgemend",
			Subsystem: "agent",
			Name:      "invocation_duration_seconds",
			Help:      "Agent capability invocation duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)

	m.AgentTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "agent",
			Name:      "timeouts_total",
			Help:      "Total agent invocations that hit their deadline",
		},
	)

	m.SessionsActiveGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgemend",
			Subsystem: "healing",
			Name:      "sessions_active",
			Help:      "Number of healing sessions currently active",
		},
	)

	m.SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "healing",
			Name:      "sessions_total",
			Help:      "Total healing sessions reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	m.AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "healing",
			Name:      "attempts_total",
			Help:      "Total healing attempts, by result",
		},
		[]string{"result"},
	)

	m.SolutionsAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "healing",
			Name:      "solutions_applied_total",
			Help:      "Total candidate solutions applied to artifacts",
		},
	)

	m.RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "healing",
			Name:      "rollbacks_total",
			Help:      "Total candidate solution rollbacks executed",
		},
	)

	m.HealthScoreObserved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgemend",
			Subsystem: "healing",
			Name:      "health_score",
			Help:      "Distribution of observed artifact health scores",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	m.SessionBusyRejectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgemend",
			Subsystem: "healing",
			Name:      "session_busy_rejects_total",
			Help:      "Total acquire calls rejected because a session was already active",
		},
	)

	return m
}
