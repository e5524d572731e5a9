/*
scheduler.go - Automated expiry of unconfirmed collective bookings

PURPOSE:
  Periodically cancels PENDING bookings whose confirmation limit date has
  passed, releasing nothing from the budgets (pending bookings never consume)
  but telling partners the offer slot is free again.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each sweep gets its own timeout so a stuck database cannot pile up sweeps
  - Stop waits for the running sweep to finish

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(bookings, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ExpireBookings endpoint (manual sweep)
  - educational/service.go: CancelExpiredBookings
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/passculture/eac-engine/educational"
)

// ExpiryScheduler runs the expiry sweep on a ticker.
type ExpiryScheduler struct {
	Bookings      *educational.Service
	Logger        *slog.Logger
	CheckInterval time.Duration
	SweepTimeout  time.Duration
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(bookings *educational.Service, logger *slog.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryScheduler{
		Bookings:      bookings,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		SweepTimeout:  5 * time.Minute,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("expiry scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("expiry scheduler started", "interval", s.CheckInterval.String())
}

// Stop stops the scheduler and waits for a running sweep.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("expiry scheduler stopped")
}

func (s *ExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-ticker.C:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously and returns the number of
// cancelled bookings.
func (s *ExpiryScheduler) RunNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.SweepTimeout)
	defer cancel()

	started := time.Now()
	cancelled, err := s.Bookings.CancelExpiredBookings(ctx)

	s.mu.Lock()
	s.lastRun = started
	s.mu.Unlock()

	if err != nil {
		s.Logger.Error("expiry sweep failed",
			"cancelled", len(cancelled), "duration", time.Since(started).String(), "err", err)
		return len(cancelled)
	}
	if len(cancelled) > 0 {
		s.Logger.Info("expiry sweep done",
			"cancelled", len(cancelled), "duration", time.Since(started).String())
	}
	return len(cancelled)
}

// NextRunTime returns when the next sweep is due, or the zero time before
// the first sweep.
func (s *ExpiryScheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return time.Time{}
	}
	return s.lastRun.Add(s.CheckInterval)
}
