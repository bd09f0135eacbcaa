package funnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"shepherd/pkg/domain"
)

// Metrics instruments the engine. A nil *Metrics is a no-op.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	Retries     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_funnel_transitions_total",
			Help: "Committed stage transitions",
		}, []string{"from", "to", "event"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_funnel_rejections_total",
			Help: "Transition attempts that changed nothing, by event and reason",
		}, []string{"event", "reason"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_funnel_cas_retries_total",
			Help: "Compare-and-swap conflicts retried after re-reading",
		}),
	}
}

func (m *Metrics) IncTransition(from, to domain.FunnelStage, event Event) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to), string(event)).Inc()
}

func (m *Metrics) IncRejection(event Event, reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(string(event), reason).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}
