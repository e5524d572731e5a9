package metrics_test

import (
	"testing"
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/metrics"
	"github.com/passculture/eac-engine/subscription"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var (
	_ educational.Recorder       = (*metrics.Metrics)(nil)
	_ subscription.StageRecorder = (*metrics.Metrics)(nil)
)

func TestMetrics_Records(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ConfirmationObserved("confirmed", 20*time.Millisecond)
	m.ConfirmationObserved("confirmed", 30*time.Millisecond)
	m.ConfirmationObserved("insufficient_fund", time.Millisecond)
	m.ExpiredBookingsCancelled(3)
	m.ExpiredBookingsCancelled(0)
	m.StageComputed("underage", "phone-validation")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Confirmations.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Confirmations.WithLabelValues("insufficient_fund")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ExpiredBookings))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Stages.WithLabelValues("underage", "phone-validation")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ConfirmLatency))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ConfirmationObserved("confirmed", time.Second)
		m.ExpiredBookingsCancelled(1)
		m.StageComputed("adult", "completed")
	})
}
