package records

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts vault operations. A nil *Metrics is a no-op.
type Metrics struct {
	Operations *prometheus.CounterVec
	Rekeyed    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_records_operations_total",
			Help: "Sensitive record operations by kind, operation and outcome",
		}, []string{"kind", "operation", "outcome"}),
		Rekeyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_records_rekeyed_total",
			Help: "Records re-sealed under the active key",
		}),
	}
}

func (m *Metrics) IncOperation(kind Kind, op, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(string(kind), op, outcome).Inc()
}

func (m *Metrics) IncRekeyed() {
	if m == nil {
		return
	}
	m.Rekeyed.Inc()
}
