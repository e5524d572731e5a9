package api

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedulerFixture(t *testing.T) (*ExpiryScheduler, *memory.Memory) {
	t.Helper()
	store := memory.New()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := educational.NewService(store,
		educational.WithClock(func() time.Time { return testNow }),
		educational.WithLogger(discard),
	)
	return NewExpiryScheduler(svc, discard), store
}

func putExpired(store *memory.Memory, limit time.Time) educational.BookingID {
	return store.PutBooking(educational.Booking{
		Stock:                 educational.Stock{Price: decimal.NewFromInt(50), StartDatetime: testNow.AddDate(0, 0, 10)},
		InstitutionID:         1,
		YearID:                "24",
		Status:                educational.StatusPending,
		ConfirmationLimitDate: limit,
		CancellationLimitDate: testNow.AddDate(0, 0, 5),
	})
}

func TestExpiryScheduler_RunNow(t *testing.T) {
	// GIVEN: Two expired pending bookings and one due tomorrow
	sched, store := newSchedulerFixture(t)
	putExpired(store, testNow.AddDate(0, 0, -2))
	putExpired(store, testNow.AddDate(0, 0, -1))
	open := putExpired(store, testNow.AddDate(0, 0, 1))

	// WHEN: Sweeping twice
	first := sched.RunNow()
	second := sched.RunNow()

	// THEN: The first sweep cancels both, the second finds nothing
	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)

	b, err := store.GetBooking(t.Context(), open)
	require.NoError(t, err)
	assert.Equal(t, educational.StatusPending, b.Status)
	assert.False(t, sched.NextRunTime().IsZero())
}

func TestExpiryScheduler_StartStop(t *testing.T) {
	// GIVEN: An expired booking and a scheduler
	sched, store := newSchedulerFixture(t)
	sched.CheckInterval = time.Hour
	id := putExpired(store, testNow.AddDate(0, 0, -1))

	// WHEN: Starting, which sweeps immediately, then stopping
	sched.Start()
	sched.Start() // no-op
	require.Eventually(t, func() bool {
		b, err := store.GetBooking(t.Context(), id)
		return err == nil && b.Status == educational.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()
	sched.Stop() // no-op

	// THEN: The next run is one interval after the first sweep
	next := sched.NextRunTime()
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)
}

func TestExpiryScheduler_Disabled(t *testing.T) {
	sched, store := newSchedulerFixture(t)
	sched.Enabled = false
	id := putExpired(store, testNow.AddDate(0, 0, -1))

	sched.Start()
	sched.Stop()

	b, err := store.GetBooking(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, educational.StatusPending, b.Status)
	assert.True(t, sched.NextRunTime().IsZero())
}
