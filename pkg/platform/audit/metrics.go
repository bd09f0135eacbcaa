package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the audit log. A nil *Metrics is a no-op.
type Metrics struct {
	EntriesAppended *prometheus.CounterVec
	AppendFailures  prometheus.Counter
	AppendDuration  prometheus.Histogram
}

// NewMetrics registers audit metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_audit_entries_appended_total",
			Help: "Audit entries persisted, by category",
		}, []string{"category"}),
		AppendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_audit_append_failures_total",
			Help: "Audit appends that failed after all retries",
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shepherd_audit_append_duration_seconds",
			Help:    "Time spent persisting an audit entry, retries included",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncAppendFailures() {
	if m == nil {
		return
	}
	m.AppendFailures.Inc()
}

func (m *Metrics) ObserveAppend(category EventCategory, d time.Duration) {
	if m == nil {
		return
	}
	m.EntriesAppended.WithLabelValues(string(category)).Inc()
	m.AppendDuration.Observe(d.Seconds())
}
