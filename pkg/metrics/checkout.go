package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics records checkout and settlement outcomes.
type CheckoutMetrics struct {
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	settled    *prometheus.CounterVec
	confirmTOs prometheus.Counter
}

// NewCheckoutMetrics registers the checkout metrics on the provided registerer.
// A nil registerer yields a no-op instance, which tests rely on.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_orders_completed_total",
		Help: "Orders moved to completed, by rail.",
	}, []string{"rail"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_orders_failed_total",
		Help: "Checkout attempts that ended in a failure code.",
	}, []string{"rail", "code"})
	settled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_settlements_total",
		Help: "Confirmed ledger transfers.",
	}, []string{"outcome"})
	confirmTOs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkout_confirmation_timeouts_total",
		Help: "Ledger confirmations that exceeded the polling window.",
	})
	reg.MustRegister(completed, failed, settled, confirmTOs)
	return &CheckoutMetrics{
		completed:  completed,
		failed:     failed,
		settled:    settled,
		confirmTOs: confirmTOs,
	}
}

// IncCompleted counts a completed order for the given rail.
func (m *CheckoutMetrics) IncCompleted(rail string) {
	if m == nil || m.completed == nil {
		return
	}
	m.completed.WithLabelValues(normalizeLabel(rail)).Inc()
}

// IncFailed counts a failed checkout attempt.
func (m *CheckoutMetrics) IncFailed(rail, code string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(rail), normalizeLabel(code)).Inc()
}

// IncSettled counts a ledger transfer outcome.
func (m *CheckoutMetrics) IncSettled(outcome string) {
	if m == nil || m.settled == nil {
		return
	}
	m.settled.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncConfirmationTimeout counts a confirmation window expiry.
func (m *CheckoutMetrics) IncConfirmationTimeout() {
	if m == nil || m.confirmTOs == nil {
		return
	}
	m.confirmTOs.Inc()
}

func normalizeLabel(value string) string {
	v := strings.TrimSpace(strings.ToLower(value))
	if v == "" {
		return "unknown"
	}
	return v
}
