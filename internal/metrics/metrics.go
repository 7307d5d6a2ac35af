// Package metrics holds the Prometheus collectors for the session engine.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the session engine.
type Metrics struct {
	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	BilledAmount    *prometheus.CounterVec
	BillingTicks    *prometheus.CounterVec
	RailFailures    *prometheus.CounterVec
	RailDivergences prometheus.Counter
}

// New builds the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsepay_sessions_started_total",
			Help: "Stream sessions started, by whether they mirror a rail flow",
		}, []string{"rail"}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsepay_sessions_ended_total",
			Help: "Stream sessions ended, by end reason",
		}, []string{"reason"}),
		BilledAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsepay_billed_amount_total",
			Help: "Minor units settled from payers to payees, by ledger reason",
		}, []string{"reason"}),
		BillingTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsepay_billing_ticks_total",
			Help: "Bill calls, by outcome",
		}, []string{"outcome"}),
		RailFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsepay_rail_failures_total",
			Help: "Failed payment rail calls, by operation",
		}, []string{"op"}),
		RailDivergences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsepay_rail_divergences_total",
			Help: "Sessions ended locally while the rail flow could not be closed",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsStarted, m.SessionsEnded, m.BilledAmount, m.BillingTicks, m.RailFailures, m.RailDivergences)
	}
	return m
}

func (m *Metrics) SessionStarted(railBacked bool) {
	if m == nil {
		return
	}
	label := "false"
	if railBacked {
		label = "true"
	}
	m.SessionsStarted.WithLabelValues(label).Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// Billed records one bill call. amount is zero for no-op ticks.
func (m *Metrics) Billed(outcome, reason string, amount int64) {
	if m == nil {
		return
	}
	m.BillingTicks.WithLabelValues(outcome).Inc()
	if amount > 0 {
		m.BilledAmount.WithLabelValues(reason).Add(float64(amount))
	}
}

func (m *Metrics) RailFailed(op string) {
	if m == nil {
		return
	}
	m.RailFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) RailDiverged() {
	if m == nil {
		return
	}
	m.RailDivergences.Inc()
}
