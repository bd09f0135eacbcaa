package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"shepherd/pkg/domain"
)

// Metrics instruments guard decisions. A nil *Metrics is a no-op.
type Metrics struct {
	Decisions *prometheus.CounterVec
	Latency   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_authz_decisions_total",
			Help: "Authorization decisions by resource type and outcome",
		}, []string{"resource_type", "decision"}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shepherd_authz_decision_duration_seconds",
			Help:    "Time to decide and audit an authorization request",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
	}
}

func (m *Metrics) ObserveDecision(resource domain.ResourceType, allowed bool, d time.Duration) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.Decisions.WithLabelValues(string(resource), decision).Inc()
	m.Latency.Observe(d.Seconds())
}
