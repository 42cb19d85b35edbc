// Package telemetry provides the Prometheus metrics and OpenTelemetry
// tracing shared by the broker, queue, and worker runtime.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every Prometheus collector NoETL exposes on /metrics,
// namespaced "noetl_".
type Metrics struct {
	QueueDepth           *prometheus.GaugeVec
	ActiveBrokerWorkers  prometheus.Gauge
	LeaseLatency         *prometheus.HistogramVec
	RetriesTotal         *prometheus.CounterVec
	DeadLettersTotal     *prometheus.CounterVec
	StepLatency          *prometheus.HistogramVec
	BackpressureEvents   *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers every metric with registry (pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests).
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "noetl",
			Name:      "queue_depth",
			Help:      "Number of queue items currently ready or leased, by status.",
		}, []string{"status"}),
		ActiveBrokerWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "noetl",
			Name:      "broker_active_workers",
			Help:      "Number of broker goroutines currently processing an execution.",
		}),
		LeaseLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noetl",
			Name:      "queue_lease_latency_seconds",
			Help:      "Time between a job becoming ready and being leased.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"node_kind"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "retries_total",
			Help:      "Cumulative retry attempts across all steps.",
		}, []string{"node_kind", "reason"}),
		DeadLettersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "dead_letters_total",
			Help:      "Cumulative items moved to the dead-letter table.",
		}, []string{"node_kind"}),
		StepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noetl",
			Name:      "step_latency_seconds",
			Help:      "Plugin dispatch duration per step.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"node_kind", "status"}),
		BackpressureEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "backpressure_events_total",
			Help:      "Queue saturation events that throttled enqueue.",
		}, []string{"reason"}),
	}
}

// SetEnabled toggles metric recording at runtime; used by tests that want a
// cheap no-op telemetry instance.
func (m *Metrics) SetEnabled(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = v
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// ObserveLeaseLatency records how long a job waited in ready state before
// being leased.
func (m *Metrics) ObserveLeaseLatency(nodeKind string, seconds float64) {
	if !m.isEnabled() {
		return
	}
	m.LeaseLatency.WithLabelValues(nodeKind).Observe(seconds)
}

// ObserveStepLatency records plugin dispatch duration.
func (m *Metrics) ObserveStepLatency(nodeKind, status string, seconds float64) {
	if !m.isEnabled() {
		return
	}
	m.StepLatency.WithLabelValues(nodeKind, status).Observe(seconds)
}

// IncRetry records a retry attempt.
func (m *Metrics) IncRetry(nodeKind, reason string) {
	if !m.isEnabled() {
		return
	}
	m.RetriesTotal.WithLabelValues(nodeKind, reason).Inc()
}

// IncDeadLetter records an item moving to the dead-letter table.
func (m *Metrics) IncDeadLetter(nodeKind string) {
	if !m.isEnabled() {
		return
	}
	m.DeadLettersTotal.WithLabelValues(nodeKind).Inc()
}

// SetQueueDepth updates the gauge for a given queue status.
func (m *Metrics) SetQueueDepth(status string, depth float64) {
	if !m.isEnabled() {
		return
	}
	m.QueueDepth.WithLabelValues(status).Set(depth)
}
