package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for booking confirmation and subscription
// stage evaluation. A nil *Metrics records nothing.
type Metrics struct {
	// Confirmation attempts by outcome
	Confirmations *prometheus.CounterVec

	// Duration of a confirmation, lock wait included
	ConfirmLatency prometheus.Histogram

	// Computed subscription stages by variant and stage
	Stages *prometheus.CounterVec

	// Pending bookings cancelled by the expiry sweep
	ExpiredBookings prometheus.Counter
}

// New registers all metrics on reg. Pass prometheus.DefaultRegisterer to
// expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Confirmations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eac_booking_confirmations_total",
			Help: "Total collective booking confirmations by outcome",
		}, []string{"outcome"}), // outcome: "confirmed", "already_confirmed", error code, "error"

		ConfirmLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eac_booking_confirm_duration_seconds",
			Help:    "Duration of collective booking confirmation including lock wait",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		Stages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eac_subscription_stage_total",
			Help: "Total subscription stage computations by variant and resulting stage",
		}, []string{"variant", "stage"}),

		ExpiredBookings: factory.NewCounter(prometheus.CounterOpts{
			Name: "eac_expired_bookings_cancelled_total",
			Help: "Total pending collective bookings cancelled after their confirmation limit date",
		}),
	}
}

// ConfirmationObserved records one confirmation attempt.
func (m *Metrics) ConfirmationObserved(outcome string, d time.Duration) {
	if m != nil {
		m.Confirmations.WithLabelValues(outcome).Inc()
		m.ConfirmLatency.Observe(d.Seconds())
	}
}

// ExpiredBookingsCancelled records the result of one expiry sweep.
func (m *Metrics) ExpiredBookingsCancelled(n int) {
	if m != nil && n > 0 {
		m.ExpiredBookings.Add(float64(n))
	}
}

// StageComputed records one subscription stage evaluation.
func (m *Metrics) StageComputed(variant, stage string) {
	if m != nil {
		m.Stages.WithLabelValues(variant, stage).Inc()
	}
}
