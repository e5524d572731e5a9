package educational

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultTemporaryFundRatio is the share of a non-final deposit that can be spent.
var DefaultTemporaryFundRatio = decimal.RequireFromString("0.8")

// Funds is the budget view of one institution for one year.
type Funds struct {
	InstitutionID InstitutionID
	YearID        YearID
	Deposit       decimal.Decimal
	IsFinal       bool
	Ministry      *Ministry
	Usable        decimal.Decimal // deposit, or deposit*ratio when not final
	Consumed      decimal.Decimal
	Remaining     decimal.Decimal // may be negative after a deposit revision
}

// AvailableFunds computes the budget view from a ledger.
// Returns ErrDepositNotFound when the institution has no deposit for the year.
func AvailableFunds(ctx context.Context, l Ledger, institutionID InstitutionID, yearID YearID, ratio decimal.Decimal) (*Funds, error) {
	deposit, err := l.InstitutionDeposit(ctx, institutionID, yearID)
	if err != nil {
		return nil, fmt.Errorf("load deposit: %w", err)
	}
	if deposit == nil {
		return nil, ErrDepositNotFound
	}

	consumed, err := l.SumBudgetConsumingBookings(ctx, institutionID, yearID, nil)
	if err != nil {
		return nil, fmt.Errorf("sum bookings: %w", err)
	}

	usable := deposit.UsableAmount(ratio)
	return &Funds{
		InstitutionID: institutionID,
		YearID:        yearID,
		Deposit:       deposit.Amount,
		IsFinal:       deposit.IsFinal,
		Ministry:      deposit.Ministry,
		Usable:        usable,
		Consumed:      consumed,
		Remaining:     usable.Sub(consumed),
	}, nil
}
