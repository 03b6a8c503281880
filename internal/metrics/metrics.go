// Package metrics exposes Prometheus collectors for the graph engine.
//
// Each engine owns a Metrics value bound to its own registerer, so several
// engines (for example in parallel tests) never collide on registration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "visiongraph"

// Metrics groups every collector the engine updates.
type Metrics struct {
	// graphProcess measures whole graph executions.
	// Labels: result (success, abandoned, error)
	graphProcess *prometheus.HistogramVec

	// nodeProcess measures single node dispatches.
	// Labels: kernel, target
	nodeProcess *prometheus.HistogramVec

	// graphVerify counts verification passes.
	// Labels: result (the status name)
	graphVerify *prometheus.CounterVec

	// logEntries counts diagnostic log entries.
	// Labels: status
	logEntries *prometheus.CounterVec

	referencesLive prometheus.Gauge
	scheduleDepth  prometheus.Gauge
	restarts       prometheus.Counter
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		graphProcess: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "process_seconds",
			Help:      "Graph execution latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"result"}),
		nodeProcess: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "process_seconds",
			Help:      "Node kernel execution latency in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"kernel", "target"}),
		graphVerify: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "verify_total",
			Help:      "Total graph verifications by result",
		}, []string{"result"}),
		logEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "entries_total",
			Help:      "Total diagnostic log entries by status",
		}, []string{"status"}),
		referencesLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "references",
			Name:      "live",
			Help:      "Number of live references in the engine table",
		}),
		scheduleDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "queued_graphs",
			Help:      "Graphs currently holding a schedule slot",
		}),
		restarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "restarts_total",
			Help:      "Total graph executions restarted by a node action",
		}),
	}
}

// ObserveGraph records one graph execution.
func (m *Metrics) ObserveGraph(result string, d time.Duration) {
	m.graphProcess.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveNode records one node dispatch.
func (m *Metrics) ObserveNode(kernel, target string, d time.Duration) {
	m.nodeProcess.WithLabelValues(kernel, target).Observe(d.Seconds())
}

// CountVerify records one verification result.
func (m *Metrics) CountVerify(result string) {
	m.graphVerify.WithLabelValues(result).Inc()
}

// CountLogEntry records one diagnostic log entry.
func (m *Metrics) CountLogEntry(status string) {
	m.logEntries.WithLabelValues(status).Inc()
}

// SetReferences publishes the live reference count.
func (m *Metrics) SetReferences(n int) {
	m.referencesLive.Set(float64(n))
}

// SetScheduled publishes the number of occupied schedule slots.
func (m *Metrics) SetScheduled(n int) {
	m.scheduleDepth.Set(float64(n))
}

// CountRestart records a restarted execution.
func (m *Metrics) CountRestart() {
	m.restarts.Inc()
}
