//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/store/postgres"
	"github.com/passculture/eac-engine/users"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"
)

var (
	now  = time.Date(2024, time.October, 15, 10, 0, 0, 0, time.UTC)
	year = educational.YearID("24")
)

// newStore starts a throwaway database, migrates it and seeds a year and
// three institutions.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("eac"),
		tcpostgres.WithUsername("eac"),
		tcpostgres.WithPassword("eac"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	require.NoError(t, postgres.Migrate(dsn))

	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.SaveYear(ctx, educational.Year{
		AdageID:        year,
		BeginningDate:  time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC),
		ExpirationDate: time.Date(2025, time.August, 31, 0, 0, 0, 0, time.UTC),
	}))
	for _, id := range []educational.InstitutionID{1, 2, 3} {
		require.NoError(t, store.SaveInstitution(ctx, educational.Institution{
			ID: id, InstitutionID: fmt.Sprintf("UAI%07d", id), Name: "Lycée", City: "Lyon",
		}))
	}
	return store
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func createBooking(t *testing.T, store *postgres.Store, inst educational.InstitutionID, price string, status educational.BookingStatus) educational.BookingID {
	t.Helper()
	b, err := store.CreateBooking(context.Background(), educational.Booking{
		InstitutionID:         inst,
		YearID:                year,
		Status:                status,
		Stock:                 educational.Stock{OfferID: 1, Price: amount(price), StartDatetime: now.AddDate(0, 1, 0), BookingLimitDatetime: now},
		DateCreated:           now.AddDate(0, 0, -3),
		ConfirmationLimitDate: now.AddDate(0, 0, 5),
		CancellationLimitDate: now.AddDate(0, 0, 15),
	})
	require.NoError(t, err)
	return b.ID
}

func TestPostgres_StoreContract(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	menjs := educational.MinistryEducationNationale

	require.NoError(t, store.SaveDeposit(ctx, educational.Deposit{InstitutionID: 1, YearID: year, Amount: amount("1000"), IsFinal: true, Ministry: &menjs}))
	require.NoError(t, store.SaveDeposit(ctx, educational.Deposit{InstitutionID: 2, YearID: year, Amount: amount("500.50"), Ministry: &menjs}))
	require.NoError(t, store.SaveMinistryDeposit(ctx, educational.MinistryDeposit{Ministry: menjs, YearID: year, Amount: amount("2000")}))

	confirmed := createBooking(t, store, 1, "100.10", educational.StatusConfirmed)
	createBooking(t, store, 1, "200", educational.StatusUsed)
	pending := createBooking(t, store, 1, "999", educational.StatusPending)
	createBooking(t, store, 2, "50", educational.StatusConfirmed)
	createBooking(t, store, 3, "70", educational.StatusConfirmed)

	t.Run("booking round trip", func(t *testing.T) {
		b, err := store.GetBooking(ctx, pending)
		require.NoError(t, err)
		assert.Equal(t, educational.StatusPending, b.Status)
		assert.True(t, b.Price().Equal(amount("999")))
		assert.True(t, b.ConfirmationLimitDate.Equal(now.AddDate(0, 0, 5)))

		_, err = store.GetBooking(ctx, 9999)
		assert.ErrorIs(t, err, educational.ErrBookingNotFound)
	})

	t.Run("ledger sums", func(t *testing.T) {
		sum, err := store.SumBudgetConsumingBookings(ctx, 1, year, nil)
		require.NoError(t, err)
		assert.Equal(t, "300.10", sum.StringFixed(2))

		sum, err = store.SumBudgetConsumingBookings(ctx, 1, year, &confirmed)
		require.NoError(t, err)
		assert.Equal(t, "200.00", sum.StringFixed(2))

		sum, err = store.SumMinistryConsumingBookings(ctx, menjs, year, nil)
		require.NoError(t, err)
		assert.Equal(t, "350.10", sum.StringFixed(2))

		missing, err := store.InstitutionDeposit(ctx, 3, year)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("list by cutoff", func(t *testing.T) {
		cutoff := now.AddDate(0, 0, 5)
		due, err := store.ListBookings(ctx, educational.BookingFilter{
			Statuses:                []educational.BookingStatus{educational.StatusPending},
			ConfirmationLimitBefore: &cutoff,
		})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, pending, due[0].ID)
	})

	t.Run("users and fraud", func(t *testing.T) {
		require.NoError(t, store.SaveUser(ctx, users.User{
			ID: 7, Email: "jeune@example.com", Roles: []users.Role{users.RoleBeneficiary},
			Eligibility: users.Eligibility(users.EligibilityAge18),
		}))
		_, err := store.SaveCheck(ctx, fraud.Check{
			UserID: 7, Type: fraud.CheckUbble, Status: fraud.StatusKO,
			ReasonCodes: []fraud.ReasonCode{fraud.ReasonIDCheckExpired}, DateCreated: now,
		})
		require.NoError(t, err)

		u, err := store.GetUser(ctx, 7)
		require.NoError(t, err)
		assert.True(t, u.HasRole(users.RoleBeneficiary))

		checks, err := store.ListChecks(ctx, 7)
		require.NoError(t, err)
		require.Len(t, checks, 1)
		assert.Equal(t, []fraud.ReasonCode{fraud.ReasonIDCheckExpired}, checks[0].ReasonCodes)
	})
}

func TestPostgres_ConcurrentConfirmations(t *testing.T) {
	// GIVEN: A deposit of 1000 and five pending bookings of 300
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveDeposit(ctx, educational.Deposit{InstitutionID: 1, YearID: year, Amount: amount("1000"), IsFinal: true}))
	var ids []educational.BookingID
	for range 5 {
		ids = append(ids, createBooking(t, store, 1, "300", educational.StatusPending))
	}
	svc := educational.NewService(store,
		educational.WithClock(func() time.Time { return now }),
		educational.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	// WHEN: All are confirmed concurrently
	errs := make([]error, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			_, errs[i] = svc.Confirm(ctx, id)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// THEN: Exactly three fit
	var refused int
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, educational.ErrInsufficientFund)
			refused++
		}
	}
	assert.Equal(t, 2, refused)

	funds, err := svc.AvailableFunds(ctx, 1, year)
	require.NoError(t, err)
	assert.Equal(t, "900.00", funds.Consumed.StringFixed(2))
}
