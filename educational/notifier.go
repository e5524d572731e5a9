package educational

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names what happened to a booking.
type EventKind string

const (
	EventBookingConfirmed EventKind = "booking_confirmed"
	EventBookingCancelled EventKind = "booking_cancelled"
)

// BookingEvent is published after a committed status change.
type BookingEvent struct {
	Kind          EventKind
	BookingID     BookingID
	StockID       StockID
	InstitutionID InstitutionID
	YearID        YearID
	Amount        decimal.Decimal
	Status        BookingStatus
	Reason        *CancellationReason
	OccurredAt    time.Time
}

// NewBookingEvent snapshots b.
func NewBookingEvent(kind EventKind, b Booking, at time.Time) BookingEvent {
	return BookingEvent{
		Kind:          kind,
		BookingID:     b.ID,
		StockID:       b.Stock.ID,
		InstitutionID: b.InstitutionID,
		YearID:        b.YearID,
		Amount:        b.Price(),
		Status:        b.Status,
		Reason:        b.CancellationReason,
		OccurredAt:    at,
	}
}

// Notifier informs partner systems of booking changes. It is called after
// the transaction committed; a failure never undoes the change.
type Notifier interface {
	BookingConfirmed(ctx context.Context, e BookingEvent) error
	BookingCancelled(ctx context.Context, e BookingEvent) error
}

type nopNotifier struct{}

func (nopNotifier) BookingConfirmed(context.Context, BookingEvent) error { return nil }
func (nopNotifier) BookingCancelled(context.Context, BookingEvent) error { return nil }
