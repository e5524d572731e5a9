/*
store.go - Persistence interfaces for deposits and collective bookings

PURPOSE:
  Defines the boundary between the confirmation logic and the database.
  Implementations: store/sqlite, store/postgres and store/memory.

KEY INTERFACES:
  Ledger:  Read-only aggregation over deposits and budget-consuming bookings
  Store:   Ledger + booking reads and writes
  TxStore: Store + RunInTx, the only way confirmation writes happen

LOCKING CONTRACT:
  RunInTx(ctx, keys, fn) serializes every caller sharing at least one key
  for the whole duration of fn, commit included. Keys are derived from
  (institution, year) and (ministry, year), so bookings of unrelated
  institutions never wait on each other. Implementations acquire keys in
  sorted order.

  If fn returns an error, nothing it wrote is kept.

SEE ALSO:
  - service.go: Uses TxStore for Confirm/Refuse/expiry
  - locks.go: KeyedMutex used by in-process stores
*/
package educational

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Read-only budget aggregation
// =============================================================================

// Ledger answers budget questions. Sums only count CONFIRMED, USED and
// REIMBURSED bookings.
type Ledger interface {
	// InstitutionDeposit returns (nil, nil) when the institution has no deposit
	// for the year.
	InstitutionDeposit(ctx context.Context, institutionID InstitutionID, yearID YearID) (*Deposit, error)

	// SumBudgetConsumingBookings sums the institution's bookings for the year,
	// skipping exclude when set.
	SumBudgetConsumingBookings(ctx context.Context, institutionID InstitutionID, yearID YearID, exclude *BookingID) (decimal.Decimal, error)

	// MinistryDeposit returns (nil, nil) when no pool exists for the ministry and year.
	MinistryDeposit(ctx context.Context, ministry Ministry, yearID YearID) (*MinistryDeposit, error)

	// SumMinistryConsumingBookings sums bookings of every institution whose
	// deposit for the year carries the ministry.
	SumMinistryConsumingBookings(ctx context.Context, ministry Ministry, yearID YearID, exclude *BookingID) (decimal.Decimal, error)
}

// =============================================================================
// STORE
// =============================================================================

// BookingFilter narrows ListBookings. Zero fields are ignored.
type BookingFilter struct {
	InstitutionID           InstitutionID
	YearID                  YearID
	Statuses                []BookingStatus
	ConfirmationLimitBefore *time.Time // inclusive
}

// Store handles bookings and deposits.
type Store interface {
	Ledger

	// GetBooking returns ErrBookingNotFound when the booking does not exist.
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)

	// UpdateBooking persists the lifecycle fields of an existing booking.
	UpdateBooking(ctx context.Context, b Booking) error

	// ListBookings returns bookings ordered by ID.
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
}

// TxStore wraps Store with keyed, serialized transactions.
type TxStore interface {
	Store

	// RunInTx executes fn within a transaction holding every key.
	// If fn returns error, the transaction is rolled back.
	RunInTx(ctx context.Context, keys []LockKey, fn func(Store) error) error
}

// =============================================================================
// LOCK KEYS
// =============================================================================

// LockKey identifies a budget that concurrent confirmations compete for.
type LockKey string

// InstitutionKey guards one institution deposit.
func InstitutionKey(id InstitutionID, year YearID) LockKey {
	return LockKey(fmt.Sprintf("institution:%d:%s", id, year))
}

// MinistryKey guards one ministry pool.
func MinistryKey(m Ministry, year YearID) LockKey {
	return LockKey(fmt.Sprintf("ministry:%s:%s", m, year))
}
