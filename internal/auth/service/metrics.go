package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments logins and revocations. A nil *Metrics is a no-op.
type Metrics struct {
	Logins      *prometheus.CounterVec
	Revocations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_auth_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		Revocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_auth_session_revocations_total",
			Help: "Sessions revoked by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncLogin(outcome string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRevocation(reason string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(reason).Inc()
}
