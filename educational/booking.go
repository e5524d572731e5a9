/*
booking.go - Collective booking lifecycle

STATE MACHINE:
  PENDING ──► CONFIRMED ──► USED ──► REIMBURSED
     │            │
     └────────────┴──► CANCELLED

  Transitions only move forward. CANCELLED is reachable from PENDING and
  CONFIRMED. A USED booking can be cancelled only by an explicit override
  (fraud handling), never by the institution.

BUDGET:
  CONFIRMED, USED and REIMBURSED bookings consume the institution deposit.
  PENDING and CANCELLED do not.
*/
package educational

import (
	"errors"
	"slices"
	"time"
)

// BookingStatus is the lifecycle state of a collective booking.
type BookingStatus string

const (
	StatusPending    BookingStatus = "PENDING"
	StatusConfirmed  BookingStatus = "CONFIRMED"
	StatusUsed       BookingStatus = "USED"
	StatusReimbursed BookingStatus = "REIMBURSED"
	StatusCancelled  BookingStatus = "CANCELLED"
)

// BudgetConsumingStatuses are the statuses counted against deposits.
var BudgetConsumingStatuses = []BookingStatus{StatusConfirmed, StatusUsed, StatusReimbursed}

// ConsumesBudget reports whether a booking in status s counts against deposits.
func (s BookingStatus) ConsumesBudget() bool {
	return slices.Contains(BudgetConsumingStatuses, s)
}

// CancellationReason explains why a booking was cancelled.
type CancellationReason string

const (
	ReasonExpired            CancellationReason = "EXPIRED"
	ReasonRefusedByInstitute CancellationReason = "REFUSED_BY_INSTITUTE"
	ReasonOfferer            CancellationReason = "OFFERER"
	ReasonFraud              CancellationReason = "FRAUD"
)

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusUsed, StatusCancelled},
	StatusUsed:      {StatusReimbursed},
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to BookingStatus) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// HasConfirmationLimitDatePassed reports whether it is too late to confirm.
func (b Booking) HasConfirmationLimitDatePassed(now time.Time) bool {
	return !b.ConfirmationLimitDate.After(now)
}

// Confirm moves a pending booking to CONFIRMED.
func (b *Booking) Confirm(now time.Time) error {
	if b.Status == StatusCancelled {
		return ErrBookingIsCancelled
	}
	if b.HasConfirmationLimitDatePassed(now) {
		return ErrConfirmationLimitDatePassed
	}
	if !CanTransition(b.Status, StatusConfirmed) {
		return ErrBookingNotPending
	}
	b.Status = StatusConfirmed
	b.ConfirmationDate = &now
	return nil
}

// Cancel moves the booking to CANCELLED. A USED booking is only cancelled
// when evenIfUsed is set.
func (b *Booking) Cancel(now time.Time, reason CancellationReason, evenIfUsed bool) error {
	switch b.Status {
	case StatusCancelled:
		return ErrBookingAlreadyCancelled
	case StatusReimbursed:
		return ErrBookingAlreadyUsed
	case StatusUsed:
		if !evenIfUsed {
			return ErrBookingAlreadyUsed
		}
	}
	b.Status = StatusCancelled
	b.CancellationDate = &now
	b.CancellationReason = &reason
	return nil
}

// Refuse cancels the booking on behalf of the institution. A confirmed
// booking can only be refused before its cancellation limit date.
func (b *Booking) Refuse(now time.Time) error {
	if b.Status != StatusPending && !b.CancellationLimitDate.After(now) {
		return ErrBookingNotRefusable
	}
	err := b.Cancel(now, ReasonRefusedByInstitute, false)
	if errors.Is(err, ErrBookingAlreadyUsed) {
		return ErrBookingNotRefusable
	}
	return err
}

// MarkAsUsed records that the event took place.
func (b *Booking) MarkAsUsed(now time.Time) error {
	switch b.Status {
	case StatusUsed, StatusReimbursed:
		return ErrBookingAlreadyUsed
	case StatusCancelled:
		return ErrBookingIsCancelled
	case StatusPending:
		return ErrBookingNotConfirmed
	}
	b.Status = StatusUsed
	b.DateUsed = &now
	return nil
}
