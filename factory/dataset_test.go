package factory_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/factory"
	"github.com/passculture/eac-engine/store/memory"
	"github.com/passculture/eac-engine/store/sqlite"
	"github.com/passculture/eac-engine/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, time.October, 15, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestLoader_BookingDataset(t *testing.T) {
	// GIVEN: A dataset with a non-final deposit and bookings in several states
	store := memory.New()
	loader := factory.NewLoader(store, clock)

	// WHEN: Loading it
	sum, err := loader.LoadJSON(context.Background(), `{
		"years": [{"adage_id": "24", "beginning_date": "2024-09-01", "expiration_date": "2025-08-31"}],
		"institutions": [{"id": 5, "uai": "0470009E", "name": "Collège"}],
		"deposits": [{"institution_id": 5, "year": "24", "amount": "1000.50", "is_final": false, "ministry": "MAg"}],
		"bookings": [
			{"institution_id": 5, "year": "24", "price": "100", "confirmation_limit_in_days": -1},
			{"institution_id": 5, "year": "24", "price": "200", "status": "used"},
			{"institution_id": 5, "year": "24", "price": "300", "status": "CANCELLED", "cancellation_reason": "fraud",
			 "event_start": "2024-12-01T09:00:00Z"}
		]
	}`)

	// THEN: Everything is stored with derived lifecycle dates
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Years)
	assert.Equal(t, 1, sum.Deposits)
	require.Len(t, sum.BookingIDs, 3)

	ctx := context.Background()
	deposit, err := store.InstitutionDeposit(ctx, 5, "24")
	require.NoError(t, err)
	assert.False(t, deposit.IsFinal)
	assert.Equal(t, educational.MinistryAgriculture, *deposit.Ministry)
	assert.Equal(t, "1000.5", deposit.Amount.String())

	pending, err := store.GetBooking(ctx, sum.BookingIDs[0])
	require.NoError(t, err)
	assert.Equal(t, educational.StatusPending, pending.Status)
	assert.True(t, pending.ConfirmationLimitDate.Equal(now.AddDate(0, 0, -1)))

	used, err := store.GetBooking(ctx, sum.BookingIDs[1])
	require.NoError(t, err)
	assert.Equal(t, educational.StatusUsed, used.Status)
	assert.NotNil(t, used.ConfirmationDate)
	assert.NotNil(t, used.DateUsed)

	cancelled, err := store.GetBooking(ctx, sum.BookingIDs[2])
	require.NoError(t, err)
	assert.Equal(t, educational.ReasonFraud, *cancelled.CancellationReason)
	assert.Equal(t, time.December, cancelled.Stock.StartDatetime.Month())

	institution, err := store.GetInstitution(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "0470009E", institution.InstitutionID)
}

func TestLoader_UserDataset(t *testing.T) {
	store := memory.New()
	loader := factory.NewLoader(store, clock)

	sum, err := loader.LoadJSON(context.Background(), `{
		"users": [{"id": 9, "email": "a@example.com", "birth_date": "2008-05-01", "eligibility": "UNDERAGE",
		           "roles": ["underage_beneficiary"], "deposit_expires_in_days": 10}],
		"fraud_checks": [{"user_id": 9, "type": "educonnect", "status": "ok", "eligibility": "underage", "created_in_days": -2}],
		"reviews": [{"user_id": 9, "result": "ok"}]
	}`)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Users)
	assert.Equal(t, 1, sum.FraudChecks)
	assert.Equal(t, 1, sum.Reviews)

	u, err := store.GetUser(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, u.IsEmailValidated)
	assert.Equal(t, users.EligibilityUnderage, u.EligibilityTier())
	assert.True(t, u.HasRole(users.RoleUnderageBeneficiary))
	assert.True(t, u.HasActiveDeposit(now))

	checks, err := store.ListChecks(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].DateCreated.Equal(now.AddDate(0, 0, -2)))
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		dataset string
	}{
		{"malformed", `{"bookings": [}`},
		{"unknown ministry", `{"deposits": [{"institution_id": 1, "year": "24", "amount": "10", "ministry": "MXX"}]}`},
		{"unknown status", `{"bookings": [{"institution_id": 1, "year": "24", "price": "10", "status": "LOST"}]}`},
		{"bad date", `{"years": [{"adage_id": "24", "beginning_date": "01/09/2024", "expiration_date": "2025-08-31"}]}`},
		{"unknown eligibility", `{"users": [{"id": 1, "email": "a@b.c", "eligibility": "senior"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.NewLoader(memory.New(), clock).LoadJSON(context.Background(), tt.dataset)
			assert.Error(t, err)
		})
	}
}

func TestScenarios_AllLoadIntoSQLite(t *testing.T) {
	for _, sc := range factory.Scenarios() {
		t.Run(sc.ID, func(t *testing.T) {
			store, err := sqlite.New(":memory:")
			require.NoError(t, err)
			defer store.Close()

			_, err = factory.NewLoader(store, clock).LoadJSON(context.Background(), sc.Dataset)
			assert.NoError(t, err)
		})
	}
}

func TestScenario_BudgetRace(t *testing.T) {
	// GIVEN: The budget-race scenario
	sc, ok := factory.FindScenario("budget-race")
	require.True(t, ok)
	store := memory.New()
	sum, err := factory.NewLoader(store, clock).LoadJSON(context.Background(), sc.Dataset)
	require.NoError(t, err)

	svc := educational.NewService(store,
		educational.WithClock(clock),
		educational.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	// WHEN: Confirming every booking in order
	var confirmed int
	for _, id := range sum.BookingIDs {
		if _, err := svc.Confirm(context.Background(), id); err == nil {
			confirmed++
		} else {
			assert.ErrorIs(t, err, educational.ErrInsufficientFund)
		}
	}

	// THEN: Two of the three fit in the deposit
	assert.Equal(t, 2, confirmed)

	_, ok = factory.FindScenario("missing")
	assert.False(t, ok)
}
