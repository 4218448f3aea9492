package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for deposit detection and matching.
type Metrics struct {
	// Poll latency by result
	PollLatency *prometheus.HistogramVec

	// Last persisted watcher cursor
	Cursor prometheus.Gauge

	// Observed incoming payments
	TransactionsObserved prometheus.Counter

	// Match outcomes by outcome and reason
	MatchOutcome *prometheus.CounterVec
}

// New registers deposit metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		PollLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenfund_deposit_poll_duration_seconds",
			Help:    "Duration of ledger polls by result",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"result"}), // result: "ok", "error"

		Cursor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tokenfund_deposit_cursor_ledger_index",
			Help: "Ledger index of the last persisted watcher cursor",
		}),

		TransactionsObserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenfund_deposit_transactions_observed_total",
			Help: "Incoming payments handed off by the watcher",
		}),

		MatchOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenfund_deposit_match_outcomes_total",
			Help: "Payment match outcomes by outcome and reason",
		}, []string{"outcome", "reason"}),
	}
}

// ObservePoll records a poll duration.
func (m *Metrics) ObservePoll(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PollLatency.WithLabelValues(result).Observe(d.Seconds())
}

// SetCursor records the persisted cursor.
func (m *Metrics) SetCursor(ledgerIndex uint32) {
	if m != nil {
		m.Cursor.Set(float64(ledgerIndex))
	}
}

// AddObserved counts transactions handed off in a batch.
func (m *Metrics) AddObserved(n int) {
	if m != nil {
		m.TransactionsObserved.Add(float64(n))
	}
}

// IncrementMatch records a match outcome.
func (m *Metrics) IncrementMatch(outcome, reason string) {
	if m != nil {
		m.MatchOutcome.WithLabelValues(outcome, reason).Inc()
	}
}
