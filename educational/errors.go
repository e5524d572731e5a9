/*
errors.go - Error taxonomy of collective bookings

ERROR CATEGORIES:
  1. Not found       - booking or deposit missing. Caller error or missing setup.
  2. State conflicts - cancelled booking, confirmation window closed, not refusable.
  3. Budget          - institution, temporary (non-final deposit) or ministry
                       ceiling exceeded. May succeed later after a top-up,
                       the service never retries by itself.

  Every error maps to one stable code through Code(). The HTTP layer
  exposes the codes as-is.

USAGE:
  booking, err := svc.Confirm(ctx, id)
  if errors.Is(err, educational.ErrInsufficientFund) {
      var fundErr *educational.InsufficientFundError
      errors.As(err, &fundErr) // shortfall details
  }
*/
package educational

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrBookingNotFound = errors.New("educational booking not found")
	ErrDepositNotFound = errors.New("educational deposit not found")

	ErrBookingIsCancelled          = errors.New("educational booking is cancelled")
	ErrConfirmationLimitDatePassed = errors.New("confirmation limit date has passed")
	ErrBookingNotPending           = errors.New("educational booking is not pending")
	ErrBookingNotRefusable         = errors.New("educational booking cannot be refused")
	ErrBookingAlreadyCancelled     = errors.New("educational booking already cancelled")
	ErrBookingAlreadyUsed          = errors.New("educational booking already used")
	ErrBookingNotConfirmed         = errors.New("educational booking is not confirmed")

	ErrInsufficientFund                = errors.New("insufficient fund")
	ErrInsufficientFundDepositNotFinal = errors.New("insufficient fund for a non-final deposit")
	ErrInsufficientMinistryFund        = errors.New("insufficient ministry fund")

	// ErrLockKeysChanged means the deposit resolved inside the transaction
	// needs locks that were not taken. The confirmation is retried.
	ErrLockKeysChanged = errors.New("lock keys changed during transaction")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// FundScope tells which ceiling was exceeded.
type FundScope string

const (
	ScopeInstitution          FundScope = "institution"
	ScopeInstitutionTemporary FundScope = "institution_temporary"
	ScopeMinistry             FundScope = "ministry"
)

// InsufficientFundError details a budget shortage.
type InsufficientFundError struct {
	Scope         FundScope
	InstitutionID InstitutionID
	YearID        YearID
	Ministry      *Ministry
	Available     decimal.Decimal // ceiling applied
	Requested     decimal.Decimal // consumed amount including the candidate booking
}

// Shortfall is how much the ceiling is exceeded by.
func (e *InsufficientFundError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundError) Error() string {
	return fmt.Sprintf("%s: %s ceiling %s, requested %s, shortfall %s",
		e.Unwrap(), e.Scope, e.Available.StringFixed(2), e.Requested.StringFixed(2), e.Shortfall().StringFixed(2))
}

func (e *InsufficientFundError) Unwrap() error {
	switch e.Scope {
	case ScopeInstitutionTemporary:
		return ErrInsufficientFundDepositNotFinal
	case ScopeMinistry:
		return ErrInsufficientMinistryFund
	}
	return ErrInsufficientFund
}

// =============================================================================
// CODES
// =============================================================================

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrBookingNotFound, "EDUCATIONAL_BOOKING_NOT_FOUND"},
	{ErrDepositNotFound, "DEPOSIT_NOT_FOUND"},
	{ErrBookingIsCancelled, "EDUCATIONAL_BOOKING_IS_CANCELLED"},
	{ErrConfirmationLimitDatePassed, "CONFIRMATION_LIMIT_DATE_HAS_PASSED"},
	{ErrBookingNotPending, "EDUCATIONAL_BOOKING_NOT_PENDING"},
	{ErrBookingNotRefusable, "EDUCATIONAL_BOOKING_NOT_REFUSABLE"},
	{ErrBookingAlreadyCancelled, "EDUCATIONAL_BOOKING_ALREADY_CANCELLED"},
	{ErrBookingAlreadyUsed, "BOOKING_IS_ALREADY_USED"},
	{ErrBookingNotConfirmed, "BOOKING_NOT_CONFIRMED"},
	{ErrInsufficientFundDepositNotFinal, "INSUFFICIENT_FUND_DEPOSIT_NOT_FINAL"},
	{ErrInsufficientMinistryFund, "INSUFFICIENT_MINISTRY_FUND"},
	{ErrInsufficientFund, "INSUFFICIENT_FUND"},
}

// Code returns the stable machine-readable code of err, or "" for errors
// outside the taxonomy.
func Code(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBookingNotFound) || errors.Is(err, ErrDepositNotFound)
}

// IsClientError returns true for business rule violations.
func IsClientError(err error) bool {
	return Code(err) != "" && !IsNotFound(err)
}

// IsInsufficientFund returns true for any of the three budget errors.
func IsInsufficientFund(err error) bool {
	return errors.Is(err, ErrInsufficientFund) ||
		errors.Is(err, ErrInsufficientFundDepositNotFinal) ||
		errors.Is(err, ErrInsufficientMinistryFund)
}
