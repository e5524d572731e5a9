/*
types.go - Educational institutions, deposits and collective bookings

PURPOSE:
  Core types for collective (school) bookings. An institution receives a
  yearly deposit. Its redactors book collective offers, and each confirmed
  booking consumes part of the deposit.

MONEY:
  Amounts are decimal.Decimal with two fractional digits. Never float64.

DEPOSITS:
  - One deposit per (institution, educational year).
  - A non-final deposit may still be revised downwards, so only part of it
    can be spent (see Service temporary fund ratio).
  - A deposit may carry a ministry. Institutions sharing a ministry may
    also be capped by a pooled MinistryDeposit for the year.

SEE ALSO:
  - booking.go: Status transitions
  - service.go: Confirmation, refusal and expiry flows
  - store.go: Persistence interfaces
*/
package educational

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	InstitutionID int64
	BookingID     int64
	StockID       int64
	DepositID     int64
	RedactorID    int64
	// YearID is the ADAGE identifier of an educational year, e.g. "24".
	YearID string
)

// =============================================================================
// MINISTRY
// =============================================================================

// Ministry funds a group of institutions.
type Ministry string

const (
	MinistryEducationNationale Ministry = "MENjs"
	MinistryMer                Ministry = "MMe"
	MinistryAgriculture        Ministry = "MAg"
	MinistryArmees             Ministry = "MAr"
)

// Ministries lists the known ministries.
var Ministries = []Ministry{MinistryEducationNationale, MinistryMer, MinistryAgriculture, MinistryArmees}

// ParseMinistry validates a ministry code.
func ParseMinistry(s string) (Ministry, error) {
	for _, m := range Ministries {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown ministry %q", s)
}

// =============================================================================
// ENTITIES
// =============================================================================

// Institution is a school or similar establishment.
type Institution struct {
	ID            InstitutionID
	InstitutionID string // UAI code
	Name          string
	City          string
	PostalCode    string
}

// Year is an educational year.
type Year struct {
	AdageID        YearID
	BeginningDate  time.Time
	ExpirationDate time.Time
}

// Deposit is the yearly credit granted to an institution.
type Deposit struct {
	ID            DepositID
	InstitutionID InstitutionID
	YearID        YearID
	Amount        decimal.Decimal
	IsFinal       bool
	Ministry      *Ministry
	DateCreated   time.Time
}

// UsableAmount is the part of the deposit that can be spent. A non-final
// deposit is capped at amount*ratio, rounded to cents.
func (d Deposit) UsableAmount(ratio decimal.Decimal) decimal.Decimal {
	if d.IsFinal {
		return d.Amount
	}
	return d.Amount.Mul(ratio).Round(2)
}

// MinistryDeposit is the pooled ceiling of a ministry for one year.
type MinistryDeposit struct {
	ID       DepositID
	Ministry Ministry
	YearID   YearID
	Amount   decimal.Decimal
}

// Stock is the bookable slot of a collective offer.
type Stock struct {
	ID                   StockID
	OfferID              int64
	Price                decimal.Decimal
	StartDatetime        time.Time
	BookingLimitDatetime time.Time
}

// Booking is a collective booking made by a redactor for an institution.
type Booking struct {
	ID                    BookingID
	Stock                 Stock
	InstitutionID         InstitutionID
	YearID                YearID
	RedactorID            RedactorID
	Status                BookingStatus
	DateCreated           time.Time
	ConfirmationLimitDate time.Time
	CancellationLimitDate time.Time
	ConfirmationDate      *time.Time
	CancellationDate      *time.Time
	CancellationReason    *CancellationReason
	DateUsed              *time.Time
	ReimbursementDate     *time.Time
}

// Price is the amount the booking consumes once confirmed.
func (b Booking) Price() decimal.Decimal {
	return b.Stock.Price
}
