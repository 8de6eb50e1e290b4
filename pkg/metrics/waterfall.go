package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WaterfallMetrics counts distributions and the bucket transitions they fire.
type WaterfallMetrics struct {
	distributions *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	rebirths      *prometheus.CounterVec
}

func NewWaterfallMetrics(reg prometheus.Registerer) *WaterfallMetrics {
	if reg == nil {
		return &WaterfallMetrics{}
	}
	distributions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waterfall_distributions_total",
		Help:      "Payments routed through the commission waterfall.",
	}, []string{"tree"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waterfall_transitions_total",
		Help:      "Bucket-fill transitions fired, by tree and bucket.",
	}, []string{"tree", "bucket"})
	rebirths := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waterfall_rebirth_nodes_total",
		Help:      "Nodes spawned by rebirth transitions.",
	}, []string{"tree"})
	reg.MustRegister(distributions, transitions, rebirths)
	return &WaterfallMetrics{
		distributions: distributions,
		transitions:   transitions,
		rebirths:      rebirths,
	}
}

func (m *WaterfallMetrics) IncDistribution(tree string) {
	if m == nil || m.distributions == nil {
		return
	}
	m.distributions.WithLabelValues(normalizeLabel(tree)).Inc()
}

func (m *WaterfallMetrics) IncTransition(tree, bucket string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(tree), normalizeLabel(bucket)).Inc()
}

func (m *WaterfallMetrics) AddRebirths(tree string, n int) {
	if m == nil || m.rebirths == nil || n <= 0 {
		return
	}
	m.rebirths.WithLabelValues(normalizeLabel(tree)).Add(float64(n))
}
