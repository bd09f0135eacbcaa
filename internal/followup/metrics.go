package followup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts scheduler activity. A nil *Metrics is a no-op.
type Metrics struct {
	Created      *prometheus.CounterVec
	Deduplicated *prometheus.CounterVec
	Closed       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Created: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_followup_tasks_created_total",
			Help: "Follow-up tasks created by reason",
		}, []string{"reason"}),
		Deduplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_followup_tasks_deduplicated_total",
			Help: "Schedules suppressed because the task already exists",
		}, []string{"reason"}),
		Closed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_followup_tasks_closed_total",
			Help: "Follow-up tasks closed by reason and final status",
		}, []string{"reason", "status"}),
	}
}

func (m *Metrics) IncCreated(r Reason) {
	if m == nil {
		return
	}
	m.Created.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) IncDeduplicated(r Reason) {
	if m == nil {
		return
	}
	m.Deduplicated.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) IncClosed(r Reason, s Status) {
	if m == nil {
		return
	}
	m.Closed.WithLabelValues(string(r), string(s)).Inc()
}
