// Package metrics exposes the checkout counters scraped at /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	AlertsRaised          *prometheus.CounterVec
	CheckoutsCompleted    *prometheus.CounterVec
	CheckoutAmountCents   *prometheus.CounterVec
	PaymentFailures       *prometheus.CounterVec
	PaymentDuration       *prometheus.HistogramVec
	EventLogWriteFailures *prometheus.CounterVec
	RuleQueryFailures     *prometheus.CounterVec
	CartMutations         *prometheus.CounterVec
}

// New registers the collectors on reg. Passing a fresh prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		AlertsRaised: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillpoint_fraud_alerts_total",
				Help: "Fraud alerts raised, by rule and severity",
			},
			[]string{"rule", "severity"},
		),
		CheckoutsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillpoint_checkouts_completed_total",
				Help: "Paid orders, by payment method",
			},
			[]string{"method"},
		),
		CheckoutAmountCents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillpoint_checkout_amount_cents_total",
				Help: "Sum of paid order totals in minor units",
			},
			[]string{"method"},
		),
		PaymentFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillpoint_payment_failures_total",
				Help: "Failed payment attempts, by method and reason",
			},
			[]string{"method", "reason"},
		),
		PaymentDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tillpoint_payment_duration_seconds",
				Help:    "Time spent waiting on the payment processor",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "outcome"},
		),
		EventLogWriteFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillpoint_event_log_write_failures_total",
				Help: "Event log appends that failed, by record kind",
			},
			[]string{"kind"},
		),
		RuleQueryFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillpoint_fraud_rule_query_failures_total",
				Help: "Fraud rules skipped because their history query failed",
			},
			[]string{"rule"},
		),
		CartMutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillpoint_cart_mutations_total",
				Help: "Cart mutations applied, by action",
			},
			[]string{"action"},
		),
	}
}

func (m *Metrics) RecordAlert(rule, severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(rule, severity).Inc()
}

func (m *Metrics) RecordCheckout(method string, totalCents int64) {
	if m == nil {
		return
	}
	m.CheckoutsCompleted.WithLabelValues(method).Inc()
	m.CheckoutAmountCents.WithLabelValues(method).Add(float64(totalCents))
}

func (m *Metrics) RecordPaymentFailure(method, reason string) {
	if m == nil {
		return
	}
	m.PaymentFailures.WithLabelValues(method, reason).Inc()
}

func (m *Metrics) ObservePayment(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PaymentDuration.WithLabelValues(method, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordLogWriteFailure(kind string) {
	if m == nil {
		return
	}
	m.EventLogWriteFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRuleQueryFailure(rule string) {
	if m == nil {
		return
	}
	m.RuleQueryFailures.WithLabelValues(rule).Inc()
}

func (m *Metrics) RecordMutation(action string) {
	if m == nil {
		return
	}
	m.CartMutations.WithLabelValues(action).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
