/*
Package notify delivers booking events to partner systems.

PURPOSE:
  educational.Service reports every committed status change through an
  educational.Notifier. This package provides the implementations wired by
  the server: a structured log line, a Kafka publisher and a fan-out.

DELIVERY:
  Notifiers run after the database commit. A failed delivery is returned
  to the service, which logs it and keeps the booking change.

SEE ALSO:
  - educational/notifier.go: the interface and event type
  - kafka.go: wire format of published messages
*/
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/passculture/eac-engine/educational"
)

var (
	_ educational.Notifier = (*Log)(nil)
	_ educational.Notifier = Multi(nil)
	_ educational.Notifier = (*Kafka)(nil)
)

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// Log writes one line per event.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (n *Log) BookingConfirmed(ctx context.Context, e educational.BookingEvent) error {
	n.log(ctx, e)
	return nil
}

func (n *Log) BookingCancelled(ctx context.Context, e educational.BookingEvent) error {
	n.log(ctx, e)
	return nil
}

func (n *Log) log(ctx context.Context, e educational.BookingEvent) {
	attrs := []any{
		"event", string(e.Kind),
		"booking_id", int64(e.BookingID),
		"institution_id", int64(e.InstitutionID),
		"year", string(e.YearID),
		"amount", e.Amount.StringFixed(2),
		"status", string(e.Status),
	}
	if e.Reason != nil {
		attrs = append(attrs, "reason", string(*e.Reason))
	}
	n.logger.InfoContext(ctx, "booking event", attrs...)
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi forwards every event to each notifier in order. All notifiers are
// called even when one fails; the errors are joined.
type Multi []educational.Notifier

func (m Multi) BookingConfirmed(ctx context.Context, e educational.BookingEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		errs = append(errs, n.BookingConfirmed(ctx, e))
	}
	return errors.Join(errs...)
}

func (m Multi) BookingCancelled(ctx context.Context, e educational.BookingEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		errs = append(errs, n.BookingCancelled(ctx, e))
	}
	return errors.Join(errs...)
}
