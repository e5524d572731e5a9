// Package memory provides an in-memory store for tests, demos and dev.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu               sync.RWMutex
	users            map[users.ID]users.User
	checks           map[users.ID][]fraud.Check
	reviews          map[users.ID][]fraud.Review
	deposits         map[depositKey]educational.Deposit
	ministryDeposits map[ministryKey]educational.MinistryDeposit
	bookings         map[educational.BookingID]educational.Booking
	nextBookingID    educational.BookingID
	institutions     map[educational.InstitutionID]educational.Institution
	years            map[educational.YearID]educational.Year

	locks *educational.KeyedMutex
}

type depositKey struct {
	InstitutionID educational.InstitutionID
	YearID        educational.YearID
}

type ministryKey struct {
	Ministry educational.Ministry
	YearID   educational.YearID
}

var (
	_ educational.TxStore = (*Memory)(nil)
	_ users.Repository    = (*Memory)(nil)
	_ fraud.Repository    = (*Memory)(nil)
)

func New() *Memory {
	return &Memory{
		users:            make(map[users.ID]users.User),
		checks:           make(map[users.ID][]fraud.Check),
		reviews:          make(map[users.ID][]fraud.Review),
		deposits:         make(map[depositKey]educational.Deposit),
		ministryDeposits: make(map[ministryKey]educational.MinistryDeposit),
		bookings:         make(map[educational.BookingID]educational.Booking),
		institutions:     make(map[educational.InstitutionID]educational.Institution),
		years:            make(map[educational.YearID]educational.Year),
		locks:            educational.NewKeyedMutex(),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutUser(u users.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) AddCheck(c fraud.Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[c.UserID] = append(m.checks[c.UserID], c)
}

func (m *Memory) AddReview(r fraud.Review) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[r.UserID] = append(m.reviews[r.UserID], r)
}

func (m *Memory) PutDeposit(d educational.Deposit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[depositKey{d.InstitutionID, d.YearID}] = d
}

func (m *Memory) PutMinistryDeposit(d educational.MinistryDeposit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ministryDeposits[ministryKey{d.Ministry, d.YearID}] = d
}

// PutBooking stores b, assigning an ID when b.ID is zero.
func (m *Memory) PutBooking(b educational.Booking) educational.BookingID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		m.nextBookingID++
		b.ID = m.nextBookingID
	} else if b.ID > m.nextBookingID {
		m.nextBookingID = b.ID
	}
	m.bookings[b.ID] = b
	return b.ID
}

// =============================================================================
// USERS AND FRAUD
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id users.ID) (*users.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, users.ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) ListChecks(_ context.Context, userID users.ID) ([]fraud.Check, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.checks[userID]), nil
}

func (m *Memory) ListReviews(_ context.Context, userID users.ID) ([]fraud.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.reviews[userID]), nil
}

// =============================================================================
// EDUCATIONAL STORE
// =============================================================================

func (m *Memory) GetBooking(ctx context.Context, id educational.BookingID) (*educational.Booking, error) {
	return m.view(nil).GetBooking(ctx, id)
}

func (m *Memory) UpdateBooking(_ context.Context, b educational.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return educational.ErrBookingNotFound
	}
	m.bookings[b.ID] = b
	return nil
}

func (m *Memory) ListBookings(ctx context.Context, f educational.BookingFilter) ([]educational.Booking, error) {
	return m.view(nil).ListBookings(ctx, f)
}

func (m *Memory) InstitutionDeposit(ctx context.Context, id educational.InstitutionID, year educational.YearID) (*educational.Deposit, error) {
	return m.view(nil).InstitutionDeposit(ctx, id, year)
}

func (m *Memory) SumBudgetConsumingBookings(ctx context.Context, id educational.InstitutionID, year educational.YearID, exclude *educational.BookingID) (decimal.Decimal, error) {
	return m.view(nil).SumBudgetConsumingBookings(ctx, id, year, exclude)
}

func (m *Memory) MinistryDeposit(ctx context.Context, ministry educational.Ministry, year educational.YearID) (*educational.MinistryDeposit, error) {
	return m.view(nil).MinistryDeposit(ctx, ministry, year)
}

func (m *Memory) SumMinistryConsumingBookings(ctx context.Context, ministry educational.Ministry, year educational.YearID, exclude *educational.BookingID) (decimal.Decimal, error) {
	return m.view(nil).SumMinistryConsumingBookings(ctx, ministry, year, exclude)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RunInTx executes fn holding every key. Writes are staged in the
// transaction view and applied atomically when fn returns nil.
func (m *Memory) RunInTx(ctx context.Context, keys []educational.LockKey, fn func(educational.Store) error) error {
	unlock, err := m.locks.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()

	staged := make(map[educational.BookingID]educational.Booking)
	if err := fn(&txView{view: m.view(staged), staged: staged}); err != nil {
		return err
	}

	// Commit
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range staged {
		m.bookings[id] = b
	}
	return nil
}

// Locks exposes the keyed mutex for tests.
func (m *Memory) Locks() *educational.KeyedMutex { return m.locks }

// view reads committed state overlaid with staged writes.
type view struct {
	m      *Memory
	staged map[educational.BookingID]educational.Booking
}

func (m *Memory) view(staged map[educational.BookingID]educational.Booking) view {
	return view{m: m, staged: staged}
}

func (v view) booking(id educational.BookingID) (educational.Booking, bool) {
	if b, ok := v.staged[id]; ok {
		return b, true
	}
	b, ok := v.m.bookings[id]
	return b, ok
}

// each calls fn for every booking, staged versions first.
func (v view) each(fn func(educational.Booking)) {
	for id, b := range v.m.bookings {
		if s, ok := v.staged[id]; ok {
			b = s
		}
		fn(b)
	}
}

func (v view) GetBooking(_ context.Context, id educational.BookingID) (*educational.Booking, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	b, ok := v.booking(id)
	if !ok {
		return nil, educational.ErrBookingNotFound
	}
	return &b, nil
}

func (v view) ListBookings(_ context.Context, f educational.BookingFilter) ([]educational.Booking, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	var result []educational.Booking
	v.each(func(b educational.Booking) {
		if matches(b, f) {
			result = append(result, b)
		}
	})
	slices.SortFunc(result, func(a, b educational.Booking) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

func matches(b educational.Booking, f educational.BookingFilter) bool {
	if f.InstitutionID != 0 && b.InstitutionID != f.InstitutionID {
		return false
	}
	if f.YearID != "" && b.YearID != f.YearID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, b.Status) {
		return false
	}
	if f.ConfirmationLimitBefore != nil && b.ConfirmationLimitDate.After(*f.ConfirmationLimitBefore) {
		return false
	}
	return true
}

func (v view) InstitutionDeposit(_ context.Context, id educational.InstitutionID, year educational.YearID) (*educational.Deposit, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	d, ok := v.m.deposits[depositKey{id, year}]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (v view) SumBudgetConsumingBookings(_ context.Context, id educational.InstitutionID, year educational.YearID, exclude *educational.BookingID) (decimal.Decimal, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return v.sum(exclude, func(b educational.Booking) bool {
		return b.InstitutionID == id && b.YearID == year
	}), nil
}

func (v view) MinistryDeposit(_ context.Context, ministry educational.Ministry, year educational.YearID) (*educational.MinistryDeposit, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	d, ok := v.m.ministryDeposits[ministryKey{ministry, year}]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (v view) SumMinistryConsumingBookings(_ context.Context, ministry educational.Ministry, year educational.YearID, exclude *educational.BookingID) (decimal.Decimal, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return v.sum(exclude, func(b educational.Booking) bool {
		if b.YearID != year {
			return false
		}
		d, ok := v.m.deposits[depositKey{b.InstitutionID, year}]
		return ok && d.Ministry != nil && *d.Ministry == ministry
	}), nil
}

func (v view) sum(exclude *educational.BookingID, keep func(educational.Booking) bool) decimal.Decimal {
	total := decimal.Zero
	v.each(func(b educational.Booking) {
		if exclude != nil && b.ID == *exclude {
			return
		}
		if b.Status.ConsumesBudget() && keep(b) {
			total = total.Add(b.Price())
		}
	})
	return total
}

// txView stages booking updates until commit.
type txView struct {
	view
	staged map[educational.BookingID]educational.Booking
}

func (tv *txView) UpdateBooking(_ context.Context, b educational.Booking) error {
	tv.m.mu.RLock()
	_, ok := tv.booking(b.ID)
	tv.m.mu.RUnlock()
	if !ok {
		return educational.ErrBookingNotFound
	}
	tv.staged[b.ID] = b
	return nil
}
