package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts refused requests. A nil *Metrics is a no-op.
type Metrics struct {
	Denied *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Denied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_ratelimit_denied_total",
			Help: "Requests refused by a rate limiter or login lockout",
		}, []string{"limiter"}),
	}
}

func (m *Metrics) IncDenied(limiter string) {
	if m == nil {
		return
	}
	m.Denied.WithLabelValues(limiter).Inc()
}
