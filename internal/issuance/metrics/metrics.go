package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for issuance execution.
type Metrics struct {
	// Execute outcomes: issued, duplicate, pending_authorization, failed
	Outcomes *prometheus.CounterVec

	// Ledger submission attempts by kind and result
	SubmitAttempts *prometheus.CounterVec

	// End-to-end execute latency
	ExecuteLatency prometheus.Histogram

	// Payments waiting for a worker
	QueueDepth prometheus.Gauge

	// In-flight intents recovered by reconciliation
	Reconciled prometheus.Counter
}

// New registers issuance metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenfund_issuance_outcomes_total",
			Help: "Issuance execution outcomes",
		}, []string{"outcome"}),

		SubmitAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenfund_issuance_submit_attempts_total",
			Help: "Ledger submission attempts by kind and result",
		}, []string{"kind", "result"}), // kind: "issue", "forward"

		ExecuteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenfund_issuance_execute_duration_seconds",
			Help:    "Duration of issuance execution including ledger confirmation",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tokenfund_issuance_queue_depth",
			Help: "Matched payments waiting for an issuance worker",
		}),

		Reconciled: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenfund_issuance_reconciled_total",
			Help: "In-flight intents processed by reconciliation",
		}),
	}
}

func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementSubmit(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SubmitAttempts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveExecute(d time.Duration) {
	if m != nil {
		m.ExecuteLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) AddReconciled(n int) {
	if m != nil {
		m.Reconciled.Add(float64(n))
	}
}
