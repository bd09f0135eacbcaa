package cipher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the cipher. A nil *Metrics is a no-op.
type Metrics struct {
	Operations      *prometheus.HistogramVec
	DecryptFailures *prometheus.CounterVec
	Rotations       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shepherd_cipher_operation_duration_seconds",
			Help:    "Cipher operation latency by operation and outcome",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01},
		}, []string{"operation", "outcome"}),
		DecryptFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_cipher_decrypt_failures_total",
			Help: "Payloads that failed to decrypt, by reason",
		}, []string{"reason"}),
		Rotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_cipher_key_rotations_total",
			Help: "Active key changes",
		}),
	}
}

func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *Metrics) IncDecryptFailures(reason string) {
	if m == nil {
		return
	}
	m.DecryptFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRotations() {
	if m == nil {
		return
	}
	m.Rotations.Inc()
}
