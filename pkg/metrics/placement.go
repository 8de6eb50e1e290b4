package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PlacementMetrics tracks the placement job runner.
type PlacementMetrics struct {
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	queueLag  *prometheus.HistogramVec
	leaseHeld prometheus.Gauge
}

func NewPlacementMetrics(reg prometheus.Registerer) *PlacementMetrics {
	if reg == nil {
		return &PlacementMetrics{}
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "placement_jobs_processed_total",
		Help:      "Placement jobs completed, by tree and outcome (placed, duplicate).",
	}, []string{"tree", "outcome"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "placement_jobs_failed_total",
		Help:      "Placement job attempts that failed, by tree and error code.",
	}, []string{"tree", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "placement_job_duration_seconds",
		Help:      "Time spent processing one placement job.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tree"})
	queueLag := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "placement_queue_lag_seconds",
		Help:      "Time between a job being enqueued and claimed.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"tree"})
	leaseHeld := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "placement_runner_lease_held",
		Help:      "1 while this runner instance holds the single-writer lease.",
	})
	reg.MustRegister(processed, failed, duration, queueLag, leaseHeld)
	return &PlacementMetrics{
		processed: processed,
		failed:    failed,
		duration:  duration,
		queueLag:  queueLag,
		leaseHeld: leaseHeld,
	}
}

func (m *PlacementMetrics) IncProcessed(tree, outcome string) {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.WithLabelValues(normalizeLabel(tree), normalizeLabel(outcome)).Inc()
}

func (m *PlacementMetrics) IncFailed(tree, code string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(tree), normalizeLabel(code)).Inc()
}

func (m *PlacementMetrics) ObserveDuration(tree string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(tree)).Observe(d.Seconds())
}

func (m *PlacementMetrics) ObserveQueueLag(tree string, d time.Duration) {
	if m == nil || m.queueLag == nil || d < 0 {
		return
	}
	m.queueLag.WithLabelValues(normalizeLabel(tree)).Observe(d.Seconds())
}

func (m *PlacementMetrics) SetLeaseHeld(held bool) {
	if m == nil || m.leaseHeld == nil {
		return
	}
	if held {
		m.leaseHeld.Set(1)
		return
	}
	m.leaseHeld.Set(0)
}
