package educational_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	now  = time.Date(2024, time.October, 15, 10, 0, 0, 0, time.UTC)
	year = educational.YearID("24")
)

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ministry(m educational.Ministry) *educational.Ministry { return &m }

type fixture struct {
	store    *memory.Memory
	svc      *educational.Service
	notifier *mockNotifier
}

func newFixture(t *testing.T, opts ...educational.Option) *fixture {
	t.Helper()
	store := memory.New()
	notifier := &mockNotifier{}
	notifier.On("BookingConfirmed", mock.Anything, mock.Anything).Return(nil).Maybe()
	notifier.On("BookingCancelled", mock.Anything, mock.Anything).Return(nil).Maybe()

	base := []educational.Option{
		educational.WithClock(func() time.Time { return now }),
		educational.WithNotifier(notifier),
		educational.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return &fixture{
		store:    store,
		svc:      educational.NewService(store, append(base, opts...)...),
		notifier: notifier,
	}
}

func (f *fixture) deposit(inst educational.InstitutionID, amt string, final bool, m *educational.Ministry) {
	f.store.PutDeposit(educational.Deposit{
		ID:            educational.DepositID(inst),
		InstitutionID: inst,
		YearID:        year,
		Amount:        amount(amt),
		IsFinal:       final,
		Ministry:      m,
	})
}

func (f *fixture) booking(inst educational.InstitutionID, price string, status educational.BookingStatus) educational.BookingID {
	return f.store.PutBooking(educational.Booking{
		InstitutionID:         inst,
		YearID:                year,
		Status:                status,
		Stock:                 educational.Stock{ID: 7, Price: amount(price), StartDatetime: now.AddDate(0, 1, 0)},
		DateCreated:           now.AddDate(0, 0, -10),
		ConfirmationLimitDate: now.AddDate(0, 0, 5),
		CancellationLimitDate: now.AddDate(0, 0, 15),
	})
}

func (f *fixture) status(t *testing.T, id educational.BookingID) educational.BookingStatus {
	t.Helper()
	b, err := f.store.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) BookingConfirmed(ctx context.Context, e educational.BookingEvent) error {
	return m.Called(ctx, e).Error(0)
}

func (m *mockNotifier) BookingCancelled(ctx context.Context, e educational.BookingEvent) error {
	return m.Called(ctx, e).Error(0)
}

type recorderSpy struct {
	mu       sync.Mutex
	outcomes []string
	expired  int
}

func (r *recorderSpy) ConfirmationObserved(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorderSpy) ExpiredBookingsCancelled(n int) { r.expired += n }

// =============================================================================
// BUDGET CONSERVATION
// =============================================================================

func TestConfirm_WithinFinalDeposit(t *testing.T) {
	// GIVEN: A final deposit of 1400 and two pending bookings of 20
	f := newFixture(t)
	f.deposit(1, "1400", true, nil)
	first := f.booking(1, "20", educational.StatusPending)
	second := f.booking(1, "20", educational.StatusPending)

	// WHEN: Both are confirmed
	_, err := f.svc.Confirm(context.Background(), first)
	require.NoError(t, err)
	confirmed, err := f.svc.Confirm(context.Background(), second)
	require.NoError(t, err)

	// THEN: Both are confirmed and 40 is consumed
	assert.Equal(t, educational.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmationDate)
	assert.True(t, confirmed.ConfirmationDate.Equal(now))

	funds, err := f.svc.AvailableFunds(context.Background(), 1, year)
	require.NoError(t, err)
	assert.True(t, funds.Consumed.Equal(amount("40")))
	assert.True(t, funds.Remaining.Equal(amount("1360")))
	f.notifier.AssertNumberOfCalls(t, "BookingConfirmed", 2)
}

func TestConfirm_OverFinalDeposit(t *testing.T) {
	f := newFixture(t)
	f.deposit(1, "100", true, nil)
	id := f.booking(1, "400", educational.StatusPending)

	_, err := f.svc.Confirm(context.Background(), id)

	require.ErrorIs(t, err, educational.ErrInsufficientFund)
	assert.Equal(t, "INSUFFICIENT_FUND", educational.Code(err))

	var fundErr *educational.InsufficientFundError
	require.True(t, errors.As(err, &fundErr))
	assert.Equal(t, educational.ScopeInstitution, fundErr.Scope)
	assert.True(t, fundErr.Shortfall().Equal(amount("300")))

	assert.Equal(t, educational.StatusPending, f.status(t, id))
	f.notifier.AssertNotCalled(t, "BookingConfirmed", mock.Anything, mock.Anything)
}

func TestConfirm_CountsUsedAndReimbursedBookings(t *testing.T) {
	// GIVEN: 900 already spent through used and reimbursed bookings
	f := newFixture(t)
	f.deposit(1, "1000", true, nil)
	f.booking(1, "500", educational.StatusUsed)
	f.booking(1, "400", educational.StatusReimbursed)
	f.booking(1, "900", educational.StatusCancelled)
	f.booking(1, "900", educational.StatusPending)
	id := f.booking(1, "150", educational.StatusPending)

	// WHEN: A booking of 150 is confirmed
	_, err := f.svc.Confirm(context.Background(), id)

	// THEN: 1050 exceeds 1000; cancelled and pending bookings were ignored
	assert.ErrorIs(t, err, educational.ErrInsufficientFund)
}

func TestConfirm_ExactlyTheDeposit(t *testing.T) {
	f := newFixture(t)
	f.deposit(1, "1000", true, nil)
	f.booking(1, "600", educational.StatusConfirmed)
	id := f.booking(1, "400", educational.StatusPending)

	_, err := f.svc.Confirm(context.Background(), id)

	assert.NoError(t, err)
}

// =============================================================================
// NON-FINAL DEPOSIT
// =============================================================================

func TestConfirm_NonFinalDepositIsStricter(t *testing.T) {
	tests := []struct {
		name    string
		deposit string
		price   string
		wantErr error
	}{
		{name: "price equals deposit", deposit: "400", price: "400", wantErr: educational.ErrInsufficientFundDepositNotFinal},
		{name: "price above 80 percent", deposit: "1000", price: "900", wantErr: educational.ErrInsufficientFundDepositNotFinal},
		{name: "price above deposit", deposit: "100", price: "400", wantErr: educational.ErrInsufficientFundDepositNotFinal},
		{name: "price at 80 percent", deposit: "1000", price: "800"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.deposit(1, tt.deposit, false, nil)
			id := f.booking(1, tt.price, educational.StatusPending)

			_, err := f.svc.Confirm(context.Background(), id)

			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, educational.ErrInsufficientFund)
		})
	}
}

func TestConfirm_CustomTemporaryRatio(t *testing.T) {
	f := newFixture(t, educational.WithTemporaryFundRatio(amount("0.5")))
	f.deposit(1, "1000", false, nil)
	id := f.booking(1, "600", educational.StatusPending)

	_, err := f.svc.Confirm(context.Background(), id)

	assert.ErrorIs(t, err, educational.ErrInsufficientFundDepositNotFinal)
}

func TestConfirm_RatioIsClamped(t *testing.T) {
	f := newFixture(t, educational.WithTemporaryFundRatio(amount("1.5")))
	assert.True(t, f.svc.TemporaryFundRatio().Equal(decimal.NewFromInt(1)))
}

// =============================================================================
// MINISTRY POOL
// =============================================================================

func protection() educational.Option {
	return educational.WithMinistryProtection(educational.MinistryProtection{
		Enabled: true,
		Windows: []educational.Window{educational.YearEndWindow(2024, time.UTC)},
	})
}

func TestConfirm_MinistryPool(t *testing.T) {
	// GIVEN: Two MENjs institutions sharing a pool of 1000, one having spent 700
	f := newFixture(t, protection())
	f.deposit(1, "5000", true, ministry(educational.MinistryEducationNationale))
	f.deposit(2, "5000", true, ministry(educational.MinistryEducationNationale))
	f.store.PutMinistryDeposit(educational.MinistryDeposit{
		ID: 1, Ministry: educational.MinistryEducationNationale, YearID: year, Amount: amount("1000"),
	})
	f.booking(1, "700", educational.StatusConfirmed)
	id := f.booking(2, "400", educational.StatusPending)

	// WHEN: The second institution confirms 400
	_, err := f.svc.Confirm(context.Background(), id)

	// THEN: The pool is exceeded even though its own deposit is not
	require.ErrorIs(t, err, educational.ErrInsufficientMinistryFund)
	var fundErr *educational.InsufficientFundError
	require.ErrorAs(t, err, &fundErr)
	require.NotNil(t, fundErr.Ministry)
	assert.Equal(t, educational.MinistryEducationNationale, *fundErr.Ministry)
	assert.Equal(t, educational.StatusPending, f.status(t, id))
}

func TestConfirm_MinistryPoolIndependence(t *testing.T) {
	// GIVEN: An exhausted MENjs pool and a fresh MAg pool
	f := newFixture(t, protection())
	f.deposit(1, "5000", true, ministry(educational.MinistryEducationNationale))
	f.deposit(2, "5000", true, ministry(educational.MinistryAgriculture))
	f.deposit(3, "5000", true, nil)
	for _, m := range []educational.Ministry{educational.MinistryEducationNationale, educational.MinistryAgriculture} {
		f.store.PutMinistryDeposit(educational.MinistryDeposit{Ministry: m, YearID: year, Amount: amount("1000")})
	}
	f.booking(1, "1000", educational.StatusConfirmed)
	agriculture := f.booking(2, "900", educational.StatusPending)
	noMinistry := f.booking(3, "2000", educational.StatusPending)

	// WHEN/THEN: Other ministries and institutions without one are unaffected
	_, err := f.svc.Confirm(context.Background(), agriculture)
	assert.NoError(t, err)
	_, err = f.svc.Confirm(context.Background(), noMinistry)
	assert.NoError(t, err)
}

func TestConfirm_MinistryPoolSkipped(t *testing.T) {
	setup := func(f *fixture, start time.Time) educational.BookingID {
		f.deposit(1, "5000", true, ministry(educational.MinistryMer))
		f.store.PutMinistryDeposit(educational.MinistryDeposit{Ministry: educational.MinistryMer, YearID: year, Amount: amount("10")})
		return f.store.PutBooking(educational.Booking{
			InstitutionID:         1,
			YearID:                year,
			Status:                educational.StatusPending,
			Stock:                 educational.Stock{Price: amount("100"), StartDatetime: start},
			ConfirmationLimitDate: now.AddDate(0, 0, 1),
		})
	}

	t.Run("protection disabled", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Confirm(context.Background(), setup(f, now.AddDate(0, 1, 0)))
		assert.NoError(t, err)
	})

	t.Run("event outside window", func(t *testing.T) {
		f := newFixture(t, protection())
		_, err := f.svc.Confirm(context.Background(), setup(f, time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)))
		assert.NoError(t, err)
	})

	t.Run("no pool deposit", func(t *testing.T) {
		f := newFixture(t, protection())
		f.deposit(1, "5000", true, ministry(educational.MinistryArmees))
		id := f.booking(1, "100", educational.StatusPending)
		_, err := f.svc.Confirm(context.Background(), id)
		assert.NoError(t, err)
	})
}

// =============================================================================
// SHORT CIRCUITS
// =============================================================================

func TestConfirm_ShortCircuits(t *testing.T) {
	t.Run("unknown booking", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Confirm(context.Background(), 404)
		assert.ErrorIs(t, err, educational.ErrBookingNotFound)
		assert.True(t, educational.IsNotFound(err))
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.deposit(1, "1000", true, nil)
		id := f.booking(1, "10", educational.StatusCancelled)

		_, err := f.svc.Confirm(context.Background(), id)

		assert.ErrorIs(t, err, educational.ErrBookingIsCancelled)
		assert.Equal(t, educational.StatusCancelled, f.status(t, id))
	})

	t.Run("limit date passed", func(t *testing.T) {
		f := newFixture(t)
		f.deposit(1, "1000", true, nil)
		id := f.store.PutBooking(educational.Booking{
			InstitutionID:         1,
			YearID:                year,
			Status:                educational.StatusPending,
			Stock:                 educational.Stock{Price: amount("10")},
			ConfirmationLimitDate: now,
		})

		_, err := f.svc.Confirm(context.Background(), id)

		assert.ErrorIs(t, err, educational.ErrConfirmationLimitDatePassed)
		assert.Equal(t, educational.StatusPending, f.status(t, id))
	})

	t.Run("cancelled takes precedence over missing deposit", func(t *testing.T) {
		f := newFixture(t)
		id := f.booking(1, "10", educational.StatusCancelled)
		_, err := f.svc.Confirm(context.Background(), id)
		assert.ErrorIs(t, err, educational.ErrBookingIsCancelled)
	})

	t.Run("no deposit", func(t *testing.T) {
		f := newFixture(t)
		id := f.booking(1, "10", educational.StatusPending)
		_, err := f.svc.Confirm(context.Background(), id)
		assert.ErrorIs(t, err, educational.ErrDepositNotFound)
		assert.Equal(t, "DEPOSIT_NOT_FOUND", educational.Code(err))
	})
}

func TestConfirm_AlreadyConfirmedIsIdempotent(t *testing.T) {
	// GIVEN: A booking confirmed earlier, with the deposit now fully spent
	f := newFixture(t)
	f.deposit(1, "100", true, nil)
	id := f.booking(1, "100", educational.StatusPending)
	_, err := f.svc.Confirm(context.Background(), id)
	require.NoError(t, err)

	// WHEN: It is confirmed again
	again, err := f.svc.Confirm(context.Background(), id)

	// THEN: It is returned unchanged and no second event is sent
	require.NoError(t, err)
	assert.Equal(t, educational.StatusConfirmed, again.Status)
	f.notifier.AssertNumberOfCalls(t, "BookingConfirmed", 1)
}

func TestConfirm_NotifierFailureDoesNotFail(t *testing.T) {
	store := memory.New()
	notifier := &mockNotifier{}
	notifier.On("BookingConfirmed", mock.Anything, mock.MatchedBy(func(e educational.BookingEvent) bool {
		return e.Kind == educational.EventBookingConfirmed && e.Amount.Equal(amount("10"))
	})).Return(errors.New("broker down")).Once()
	svc := educational.NewService(store,
		educational.WithNotifier(notifier),
		educational.WithClock(func() time.Time { return now }),
		educational.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	store.PutDeposit(educational.Deposit{InstitutionID: 1, YearID: year, Amount: amount("100"), IsFinal: true})
	id := store.PutBooking(educational.Booking{
		InstitutionID: 1, YearID: year, Status: educational.StatusPending,
		Stock: educational.Stock{Price: amount("10")}, ConfirmationLimitDate: now.Add(time.Hour),
	})

	b, err := svc.Confirm(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, educational.StatusConfirmed, b.Status)
	notifier.AssertExpectations(t)
}

func TestConfirm_RecordsOutcomes(t *testing.T) {
	spy := &recorderSpy{}
	f := newFixture(t, educational.WithRecorder(spy))
	f.deposit(1, "100", true, nil)
	ok := f.booking(1, "60", educational.StatusPending)
	ko := f.booking(1, "60", educational.StatusPending)

	_, _ = f.svc.Confirm(context.Background(), ok)
	_, _ = f.svc.Confirm(context.Background(), ko)
	_, _ = f.svc.Confirm(context.Background(), ok)

	assert.Equal(t, []string{"confirmed", "insufficient_fund", "already_confirmed"}, spy.outcomes)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConfirm_ConcurrentRace(t *testing.T) {
	// GIVEN: A deposit of 1000 and two pending bookings of 600
	f := newFixture(t)
	f.deposit(1, "1000", true, nil)
	ids := []educational.BookingID{
		f.booking(1, "600", educational.StatusPending),
		f.booking(1, "600", educational.StatusPending),
	}

	// WHEN: Both are confirmed at the same time
	errs := make([]error, len(ids))
	var g errgroup.Group
	start := make(chan struct{})
	for i, id := range ids {
		g.Go(func() error {
			<-start
			_, errs[i] = f.svc.Confirm(context.Background(), id)
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	// THEN: Exactly one wins, the other sees the first one's spending
	var succeeded, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, educational.ErrInsufficientFund):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, refused)
	assert.Equal(t, 0, f.store.Locks().Len())
}

func TestConfirm_ConcurrentManyInstitutions(t *testing.T) {
	// GIVEN: 10 institutions with room for exactly 3 bookings each
	f := newFixture(t)
	var ids []educational.BookingID
	for inst := educational.InstitutionID(1); inst <= 10; inst++ {
		f.deposit(inst, "300", true, nil)
		for range 5 {
			ids = append(ids, f.booking(inst, "100", educational.StatusPending))
		}
	}

	// WHEN: All 50 confirmations race
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := f.svc.Confirm(context.Background(), id)
			if err != nil && !errors.Is(err, educational.ErrInsufficientFund) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// THEN: No institution overspent
	for inst := educational.InstitutionID(1); inst <= 10; inst++ {
		funds, err := f.svc.AvailableFunds(context.Background(), inst, year)
		require.NoError(t, err)
		assert.True(t, funds.Consumed.Equal(amount("300")), "institution %d consumed %s", inst, funds.Consumed)
	}
}

// =============================================================================
// REFUSE, MARK USED, EXPIRY
// =============================================================================

func TestRefuse(t *testing.T) {
	f := newFixture(t)
	f.deposit(1, "1000", true, nil)
	pending := f.booking(1, "10", educational.StatusPending)
	used := f.booking(1, "10", educational.StatusUsed)
	cancelled := f.booking(1, "10", educational.StatusCancelled)

	b, err := f.svc.Refuse(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, educational.StatusCancelled, b.Status)
	require.NotNil(t, b.CancellationReason)
	assert.Equal(t, educational.ReasonRefusedByInstitute, *b.CancellationReason)
	assert.Equal(t, educational.StatusCancelled, f.status(t, pending))
	f.notifier.AssertNumberOfCalls(t, "BookingCancelled", 1)

	_, err = f.svc.Refuse(context.Background(), used)
	assert.ErrorIs(t, err, educational.ErrBookingNotRefusable)

	_, err = f.svc.Refuse(context.Background(), cancelled)
	assert.ErrorIs(t, err, educational.ErrBookingAlreadyCancelled)
}

func TestMarkUsed(t *testing.T) {
	f := newFixture(t)
	confirmed := f.booking(1, "10", educational.StatusConfirmed)
	pending := f.booking(1, "10", educational.StatusPending)

	b, err := f.svc.MarkUsed(context.Background(), confirmed)
	require.NoError(t, err)
	assert.Equal(t, educational.StatusUsed, b.Status)

	_, err = f.svc.MarkUsed(context.Background(), pending)
	assert.ErrorIs(t, err, educational.ErrBookingNotConfirmed)
}

func TestCancelExpiredBookings(t *testing.T) {
	// GIVEN: Pending bookings expiring yesterday, today at midnight and tomorrow
	spy := &recorderSpy{}
	f := newFixture(t, educational.WithRecorder(spy))
	midnight := time.Date(2024, time.October, 15, 0, 0, 0, 0, time.UTC)
	put := func(status educational.BookingStatus, limit time.Time) educational.BookingID {
		return f.store.PutBooking(educational.Booking{
			InstitutionID: 1, YearID: year, Status: status,
			Stock: educational.Stock{Price: amount("10")}, ConfirmationLimitDate: limit,
		})
	}
	yesterday := put(educational.StatusPending, midnight.AddDate(0, 0, -1))
	atMidnight := put(educational.StatusPending, midnight)
	laterToday := put(educational.StatusPending, midnight.Add(time.Hour))
	confirmed := put(educational.StatusConfirmed, midnight.AddDate(0, 0, -1))

	// WHEN: The sweep runs
	cancelled, err := f.svc.CancelExpiredBookings(context.Background())

	// THEN: Only pending bookings up to midnight are cancelled as expired
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)
	for _, id := range []educational.BookingID{yesterday, atMidnight} {
		b, err := f.store.GetBooking(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, educational.StatusCancelled, b.Status)
		assert.Equal(t, educational.ReasonExpired, *b.CancellationReason)
	}
	assert.Equal(t, educational.StatusPending, f.status(t, laterToday))
	assert.Equal(t, educational.StatusConfirmed, f.status(t, confirmed))
	assert.Equal(t, 2, spy.expired)
	f.notifier.AssertNumberOfCalls(t, "BookingCancelled", 2)
}

func TestAvailableFunds_NonFinal(t *testing.T) {
	f := newFixture(t)
	f.deposit(1, "1000", false, ministry(educational.MinistryMer))
	f.booking(1, "250.50", educational.StatusConfirmed)

	funds, err := f.svc.AvailableFunds(context.Background(), 1, year)

	require.NoError(t, err)
	assert.True(t, funds.Usable.Equal(amount("800")))
	assert.True(t, funds.Remaining.Equal(amount("549.50")))
	assert.False(t, funds.IsFinal)

	_, err = f.svc.AvailableFunds(context.Background(), 2, year)
	assert.ErrorIs(t, err, educational.ErrDepositNotFound)
}
