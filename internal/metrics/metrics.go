// Package metrics holds the Prometheus instruments of one engine. Each engine
// owns a private registry so several engines, e.g. in tests, never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediagrid"

// Metrics contains the engine-level instruments.
type Metrics struct {
	registry *prometheus.Registry

	FramesEmitted    *prometheus.CounterVec
	FramesConsumed   *prometheus.CounterVec
	FramesDiscarded  *prometheus.CounterVec
	CallbackFailures *prometheus.CounterVec
	NodeFaults       *prometheus.CounterVec
	Updates          *prometheus.CounterVec
	Resets           *prometheus.CounterVec
	NodeStates       *prometheus.GaugeVec
	Generation       prometheus.Gauge
	StepDuration     *prometheus.HistogramVec
}

// New creates the instruments and registers them, together with the Go
// runtime collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "emitted_total",
			Help:      "Frames emitted per node output port.",
		}, []string{"node", "port"}),
		FramesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "consumed_total",
			Help:      "Frames handed to a node's processor.",
		}, []string{"node"}),
		FramesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "discarded_total",
			Help:      "Frames dropped, by reason (no_consumer, force_stop, fault).",
		}, []string{"node", "reason"}),
		CallbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "failures_total",
			Help:      "Callback handlers that failed and were passed through.",
		}, []string{"node", "direction"}),
		NodeFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "faults_total",
			Help:      "Runtime processing faults per node.",
		}, []string{"node"}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "updates_total",
			Help:      "Update requests by result code.",
		}, []string{"code"}),
		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "resets_total",
			Help:      "Node resets by mode (hot, swap).",
		}, []string{"mode"}),
		NodeStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "state",
			Help:      "Number of node execution contexts per state.",
		}, []string{"state"}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "generation",
			Help:      "Current topology generation.",
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "step_duration_seconds",
			Help:      "Time spent in one processing step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node"}),
	}

	m.registry.MustRegister(
		m.FramesEmitted,
		m.FramesConsumed,
		m.FramesDiscarded,
		m.CallbackFailures,
		m.NodeFaults,
		m.Updates,
		m.Resets,
		m.NodeStates,
		m.Generation,
		m.StepDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Forget drops the per-node series of a removed node.
func (m *Metrics) Forget(alias string) {
	labels := prometheus.Labels{"node": alias}
	m.FramesEmitted.DeletePartialMatch(labels)
	m.FramesConsumed.DeletePartialMatch(labels)
	m.FramesDiscarded.DeletePartialMatch(labels)
	m.CallbackFailures.DeletePartialMatch(labels)
	m.NodeFaults.DeletePartialMatch(labels)
	m.StepDuration.DeletePartialMatch(labels)
}
