/*
service.go - Collective booking confirmation, refusal and expiry

PURPOSE:
  Orchestrates the booking lifecycle against deposits. Confirm is the only
  flow that spends money, so it is the only one running budget checks.

CONFIRM:
  1. Pre-read booking and deposit outside any transaction to derive lock keys
  2. RunInTx(keys): re-read everything, then check in order
       booking missing         -> ErrBookingNotFound
       already consuming       -> returned unchanged, no event
       cancelled               -> ErrBookingIsCancelled
       limit date <= now       -> ErrConfirmationLimitDatePassed
       no deposit              -> ErrDepositNotFound
       non-final, over ratio   -> ErrInsufficientFundDepositNotFinal
       final, over amount      -> ErrInsufficientFund
       ministry pool exceeded  -> ErrInsufficientMinistryFund
  3. Persist CONFIRMED, commit, then notify

  With ministry protection enabled, a deposit carrying a ministry adds the
  ministry key whether or not the booking falls in a protection window; the
  window only decides whether the pool check runs. If the deposit read
  inside the transaction needs a ministry key that was not taken (deposit
  changed in between), the attempt is rolled back and retried with fresh
  keys, at most maxLockAttempts times.

INVARIANTS:
  - Nothing is written when an error is returned
  - Two confirmations sharing a budget never interleave their check-and-write
  - Notifier errors are logged, never returned

SEE ALSO:
  - store.go: TxStore locking contract
  - booking.go: Status transitions
*/
package educational

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const maxLockAttempts = 3

// Recorder receives service measurements. metrics.Metrics implements it.
type Recorder interface {
	ConfirmationObserved(outcome string, d time.Duration)
	ExpiredBookingsCancelled(n int)
}

// Service runs the collective booking flows.
type Service struct {
	store      TxStore
	notifier   Notifier
	logger     *slog.Logger
	recorder   Recorder
	now        func() time.Time
	ratio      decimal.Decimal
	protection MinistryProtection
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTemporaryFundRatio sets the spendable share of non-final deposits.
// Values outside [0, 1] are clamped.
func WithTemporaryFundRatio(r decimal.Decimal) Option {
	return func(s *Service) {
		switch {
		case r.IsNegative():
			s.ratio = decimal.Zero
		case r.GreaterThan(decimal.NewFromInt(1)):
			s.ratio = decimal.NewFromInt(1)
		default:
			s.ratio = r
		}
	}
}

func WithMinistryProtection(p MinistryProtection) Option {
	return func(s *Service) { s.protection = p }
}

// NewService creates a Service. Without options it uses a no-op notifier,
// the default logger and the 0.8 temporary fund ratio.
func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: nopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
		ratio:    DefaultTemporaryFundRatio,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TemporaryFundRatio returns the configured ratio.
func (s *Service) TemporaryFundRatio() decimal.Decimal { return s.ratio }

// =============================================================================
// CONFIRM
// =============================================================================

// Confirm confirms a pending booking if every budget allows it.
// Confirming an already confirmed booking returns it unchanged.
func (s *Service) Confirm(ctx context.Context, id BookingID) (*Booking, error) {
	start := time.Now()
	booking, changed, err := s.confirm(ctx, id)
	s.observe(outcome(changed, err), time.Since(start))

	if err != nil {
		s.logFailure(ctx, "collective booking confirmation refused", id, err)
		return nil, err
	}
	if !changed {
		s.logger.InfoContext(ctx, "collective booking already confirmed",
			"booking_id", id, "status", booking.Status)
		return booking, nil
	}

	s.logger.InfoContext(ctx, "collective booking confirmed",
		"booking_id", id,
		"institution_id", booking.InstitutionID,
		"year_id", booking.YearID,
		"amount", booking.Price().StringFixed(2))

	if err := s.notifier.BookingConfirmed(ctx, NewBookingEvent(EventBookingConfirmed, *booking, *booking.ConfirmationDate)); err != nil {
		s.logger.ErrorContext(ctx, "booking confirmed notification failed", "booking_id", id, "err", err)
	}
	return booking, nil
}

func (s *Service) confirm(ctx context.Context, id BookingID) (*Booking, bool, error) {
	for range maxLockAttempts {
		keys, err := s.confirmKeys(ctx, id)
		if err != nil {
			return nil, false, err
		}

		var (
			result  *Booking
			changed bool
		)
		err = s.store.RunInTx(ctx, keys, func(tx Store) error {
			b, ok, err := s.confirmLocked(ctx, tx, id, keys)
			result, changed = b, ok
			return err
		})
		if errors.Is(err, ErrLockKeysChanged) {
			s.logger.DebugContext(ctx, "lock keys changed, retrying confirmation", "booking_id", id)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return result, changed, nil
	}
	return nil, false, fmt.Errorf("confirm booking %d: %w", id, ErrLockKeysChanged)
}

// confirmKeys derives the budgets the confirmation competes for.
func (s *Service) confirmKeys(ctx context.Context, id BookingID) ([]LockKey, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := []LockKey{InstitutionKey(b.InstitutionID, b.YearID)}

	deposit, err := s.store.InstitutionDeposit(ctx, b.InstitutionID, b.YearID)
	if err != nil {
		return nil, fmt.Errorf("load deposit: %w", err)
	}
	// Every confirmation feeding a pool holds its key, in window or not:
	// an out-of-window booking still adds to the ministry sum.
	if deposit != nil && deposit.Ministry != nil && s.protection.Enabled {
		keys = append(keys, MinistryKey(*deposit.Ministry, b.YearID))
	}
	return keys, nil
}

func (s *Service) confirmLocked(ctx context.Context, tx Store, id BookingID, keys []LockKey) (*Booking, bool, error) {
	b, err := tx.GetBooking(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if b.Status.ConsumesBudget() {
		return b, false, nil
	}

	now := s.now()
	if b.Status == StatusCancelled {
		return nil, false, ErrBookingIsCancelled
	}
	if b.HasConfirmationLimitDatePassed(now) {
		return nil, false, ErrConfirmationLimitDatePassed
	}

	deposit, err := tx.InstitutionDeposit(ctx, b.InstitutionID, b.YearID)
	if err != nil {
		return nil, false, fmt.Errorf("load deposit: %w", err)
	}
	if deposit == nil {
		return nil, false, ErrDepositNotFound
	}

	if err := s.checkInstitutionFunds(ctx, tx, *b, *deposit); err != nil {
		return nil, false, err
	}

	if deposit.Ministry != nil && s.protection.Enabled {
		if !slices.Contains(keys, MinistryKey(*deposit.Ministry, b.YearID)) {
			return nil, false, ErrLockKeysChanged
		}
		if s.protection.Applies(*b) {
			if err := s.checkMinistryFunds(ctx, tx, *b, *deposit.Ministry); err != nil {
				return nil, false, err
			}
		}
	}

	if err := b.Confirm(now); err != nil {
		return nil, false, err
	}
	if err := tx.UpdateBooking(ctx, *b); err != nil {
		return nil, false, fmt.Errorf("update booking %d: %w", id, err)
	}
	return b, true, nil
}

func (s *Service) checkInstitutionFunds(ctx context.Context, tx Store, b Booking, deposit Deposit) error {
	consumed, err := tx.SumBudgetConsumingBookings(ctx, b.InstitutionID, b.YearID, &b.ID)
	if err != nil {
		return fmt.Errorf("sum institution bookings: %w", err)
	}
	total := consumed.Add(b.Price())

	scope := ScopeInstitution
	if !deposit.IsFinal {
		scope = ScopeInstitutionTemporary
	}
	ceiling := deposit.UsableAmount(s.ratio)
	if total.GreaterThan(ceiling) {
		return &InsufficientFundError{
			Scope:         scope,
			InstitutionID: b.InstitutionID,
			YearID:        b.YearID,
			Available:     ceiling,
			Requested:     total,
		}
	}
	return nil
}

func (s *Service) checkMinistryFunds(ctx context.Context, tx Store, b Booking, ministry Ministry) error {
	pool, err := tx.MinistryDeposit(ctx, ministry, b.YearID)
	if err != nil {
		return fmt.Errorf("load ministry deposit: %w", err)
	}
	if pool == nil {
		return nil
	}

	consumed, err := tx.SumMinistryConsumingBookings(ctx, ministry, b.YearID, &b.ID)
	if err != nil {
		return fmt.Errorf("sum ministry bookings: %w", err)
	}
	total := consumed.Add(b.Price())
	if total.GreaterThan(pool.Amount) {
		return &InsufficientFundError{
			Scope:         ScopeMinistry,
			InstitutionID: b.InstitutionID,
			YearID:        b.YearID,
			Ministry:      &ministry,
			Available:     pool.Amount,
			Requested:     total,
		}
	}
	return nil
}

// =============================================================================
// REFUSE / MARK USED
// =============================================================================

// Refuse cancels a booking on behalf of the institution.
func (s *Service) Refuse(ctx context.Context, id BookingID) (*Booking, error) {
	b, err := s.transition(ctx, id, func(b *Booking, now time.Time) error {
		return b.Refuse(now)
	})
	if err != nil {
		s.logFailure(ctx, "collective booking refusal rejected", id, err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "collective booking refused", "booking_id", id, "institution_id", b.InstitutionID)
	if err := s.notifier.BookingCancelled(ctx, NewBookingEvent(EventBookingCancelled, *b, *b.CancellationDate)); err != nil {
		s.logger.ErrorContext(ctx, "booking cancelled notification failed", "booking_id", id, "err", err)
	}
	return b, nil
}

// MarkUsed records that the event of a confirmed booking took place.
func (s *Service) MarkUsed(ctx context.Context, id BookingID) (*Booking, error) {
	b, err := s.transition(ctx, id, func(b *Booking, now time.Time) error {
		return b.MarkAsUsed(now)
	})
	if err != nil {
		s.logFailure(ctx, "collective booking not marked used", id, err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "collective booking used", "booking_id", id)
	return b, nil
}

// transition applies fn to a booking under its institution lock.
func (s *Service) transition(ctx context.Context, id BookingID, fn func(*Booking, time.Time) error) (*Booking, error) {
	current, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}

	var result *Booking
	err = s.store.RunInTx(ctx, []LockKey{InstitutionKey(current.InstitutionID, current.YearID)}, func(tx Store) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(b, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateBooking(ctx, *b); err != nil {
			return fmt.Errorf("update booking %d: %w", id, err)
		}
		result = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// EXPIRY
// =============================================================================

// CancelExpiredBookings cancels every pending booking whose confirmation
// limit date is at or before today's midnight. Each booking is handled in
// its own transaction; failures are joined and the others still proceed.
func (s *Service) CancelExpiredBookings(ctx context.Context) ([]Booking, error) {
	now := s.now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	candidates, err := s.store.ListBookings(ctx, BookingFilter{
		Statuses:                []BookingStatus{StatusPending},
		ConfirmationLimitBefore: &cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("list expired bookings: %w", err)
	}

	var (
		cancelled []Booking
		errs      []error
	)
	for _, candidate := range candidates {
		var expired *Booking
		err := s.store.RunInTx(ctx, []LockKey{InstitutionKey(candidate.InstitutionID, candidate.YearID)}, func(tx Store) error {
			b, err := tx.GetBooking(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if b.Status != StatusPending || b.ConfirmationLimitDate.After(cutoff) {
				return nil
			}
			if err := b.Cancel(now, ReasonExpired, false); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, *b); err != nil {
				return fmt.Errorf("update booking %d: %w", b.ID, err)
			}
			expired = b
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire booking %d: %w", candidate.ID, err))
			continue
		}
		if expired != nil {
			cancelled = append(cancelled, *expired)
		}
	}

	for _, b := range cancelled {
		if err := s.notifier.BookingCancelled(ctx, NewBookingEvent(EventBookingCancelled, b, now)); err != nil {
			s.logger.ErrorContext(ctx, "booking cancelled notification failed", "booking_id", b.ID, "err", err)
		}
	}
	if s.recorder != nil {
		s.recorder.ExpiredBookingsCancelled(len(cancelled))
	}
	s.logger.InfoContext(ctx, "expired collective bookings cancelled",
		"count", len(cancelled), "candidates", len(candidates), "failed", len(errs))

	return cancelled, errors.Join(errs...)
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetBooking(ctx context.Context, id BookingID) (*Booking, error) {
	return s.store.GetBooking(ctx, id)
}

func (s *Service) ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error) {
	return s.store.ListBookings(ctx, filter)
}

// AvailableFunds returns the budget view of an institution for a year.
func (s *Service) AvailableFunds(ctx context.Context, institutionID InstitutionID, yearID YearID) (*Funds, error) {
	return AvailableFunds(ctx, s.store, institutionID, yearID, s.ratio)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) observe(outcome string, d time.Duration) {
	if s.recorder != nil {
		s.recorder.ConfirmationObserved(outcome, d)
	}
}

func (s *Service) logFailure(ctx context.Context, msg string, id BookingID, err error) {
	if IsClientError(err) || IsNotFound(err) {
		s.logger.WarnContext(ctx, msg, "booking_id", id, "code", Code(err), "err", err)
		return
	}
	s.logger.ErrorContext(ctx, msg, "booking_id", id, "err", err)
}

func outcome(changed bool, err error) string {
	switch {
	case err == nil && changed:
		return "confirmed"
	case err == nil:
		return "already_confirmed"
	case Code(err) != "":
		return strings.ToLower(Code(err))
	}
	return "error"
}
