// Package metrics defines the Prometheus instrumentation for the server.
//
// Everything registers on a private registry so tests can run side by side
// and the exposed endpoint carries only cohort metrics plus the standard
// process and Go collectors.
//
// Naming follows Prometheus conventions: cohort_ prefix, _total for
// counters, _seconds for duration histograms.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds every metric the server emits.
type Set struct {
	registry *prometheus.Registry

	toolCalls       *prometheus.CounterVec
	toolLatency     *prometheus.HistogramVec
	workflowStates  *prometheus.GaugeVec
	poolOccupancy   prometheus.Gauge
	evolutions      *prometheus.CounterVec
	instructions    *prometheus.CounterVec
	rateLimited     prometheus.Counter
	eventsPublished prometheus.Counter
}

// New builds and registers the metric set.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_tool_latency_seconds",
			Help:    "Tool handler latency by tool name.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"tool"}),
		workflowStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cohort_workflows",
			Help: "Workflows currently in each state.",
		}, []string{"state"}),
		poolOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_worker_pool_occupancy",
			Help: "Workflow executions currently holding a pool slot.",
		}),
		evolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_evolutions_total",
			Help: "Applied agent evolutions by strategy.",
		}, []string{"strategy"}),
		instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_instructions_total",
			Help: "Submitted instructions by kind.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cohort_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cohort_events_published_total",
			Help: "Lifecycle events published on the bus.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.toolCalls, s.toolLatency, s.workflowStates, s.poolOccupancy,
		s.evolutions, s.instructions, s.rateLimited, s.eventsPublished,
	)
	return s
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveTool records one tool call with its outcome and latency.
func (s *Set) ObserveTool(tool, outcome string, elapsed time.Duration) {
	s.toolCalls.WithLabelValues(tool, outcome).Inc()
	s.toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// SetWorkflowStates replaces the per-state workflow gauge.
func (s *Set) SetWorkflowStates(counts map[string]int) {
	s.workflowStates.Reset()
	for state, n := range counts {
		s.workflowStates.WithLabelValues(state).Set(float64(n))
	}
}

// SetPoolOccupancy records how many pool slots are held.
func (s *Set) SetPoolOccupancy(n int) {
	s.poolOccupancy.Set(float64(n))
}

// RecordEvolution counts one applied evolution.
func (s *Set) RecordEvolution(strategy string) {
	s.evolutions.WithLabelValues(strategy).Inc()
}

// RecordInstruction counts one submitted instruction.
func (s *Set) RecordInstruction(kind string) {
	s.instructions.WithLabelValues(kind).Inc()
}

// RecordRateLimited counts one rejected request.
func (s *Set) RecordRateLimited() {
	s.rateLimited.Inc()
}

// RecordEvent counts one published lifecycle event.
func (s *Set) RecordEvent() {
	s.eventsPublished.Inc()
}

// Gather exposes the raw registry for tests.
func (s *Set) Gather() prometheus.Gatherer {
	return s.registry
}
