// Package metrics exposes isolate's Prometheus instruments. All recording
// methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "isolate"

type Metrics struct {
	Registry *prometheus.Registry

	lockOps          *prometheus.CounterVec
	queueAdds        *prometheus.CounterVec
	queueTransitions *prometheus.CounterVec
	processingLock   *prometheus.CounterVec
	recovered        prometheus.Counter
	gateOutcomes     *prometheus.CounterVec
	gateDuration     prometheus.Histogram
	buildLock        *prometheus.CounterVec
	buildLockWait    prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		lockOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_lock_operations_total",
			Help:      "Session lock operations by operation and result.",
		}, []string{"operation", "result"}),
		queueAdds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_adds_total",
			Help:      "Queue add calls by result (created, deduplicated).",
		}, []string{"result"}),
		queueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_transitions_total",
			Help:      "Queue entry status transitions.",
		}, []string{"from", "to"}),
		processingLock: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processing_lock_total",
			Help:      "Processing lock claims and releases by result.",
		}, []string{"result"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_recovered_entries_total",
			Help:      "Stale testing entries returned to pending.",
		}),
		gateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_outcomes_total",
			Help:      "Quality gate outcomes by status.",
		}, []string{"status"}),
		gateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_duration_seconds",
			Help:      "Wall time of a full quality gate run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		buildLock: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_lock_total",
			Help:      "Build lock acquisitions by result.",
		}, []string{"result"}),
		buildLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_lock_wait_seconds",
			Help:      "Time spent waiting for the build lock.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.lockOps,
		m.queueAdds,
		m.queueTransitions,
		m.processingLock,
		m.recovered,
		m.gateOutcomes,
		m.gateDuration,
		m.buildLock,
		m.buildLockWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus/OpenMetrics text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) LockOp(operation, result string) {
	if m == nil {
		return
	}
	m.lockOps.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) QueueAdd(created bool) {
	if m == nil {
		return
	}
	result := "deduplicated"
	if created {
		result = "created"
	}
	m.queueAdds.WithLabelValues(result).Inc()
}

func (m *Metrics) QueueTransition(from, to string) {
	if m == nil {
		return
	}
	m.queueTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ProcessingLock(result string) {
	if m == nil {
		return
	}
	m.processingLock.WithLabelValues(result).Inc()
}

func (m *Metrics) Recovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Metrics) GateOutcome(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gateOutcomes.WithLabelValues(status).Inc()
	m.gateDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) BuildLock(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.buildLock.WithLabelValues(result).Inc()
	m.buildLockWait.Observe(waited.Seconds())
}
