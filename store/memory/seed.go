package memory

import (
	"context"
	"errors"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
)

// ErrInstitutionNotFound is returned by GetInstitution.
var ErrInstitutionNotFound = errors.New("educational institution not found")

// The Save* methods mirror the SQL stores so dataset loading works against
// every backend.

func (m *Memory) SaveUser(_ context.Context, u users.User) error {
	m.PutUser(u)
	return nil
}

func (m *Memory) SaveCheck(_ context.Context, c fraud.Check) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		for _, checks := range m.checks {
			c.ID += int64(len(checks))
		}
		c.ID++
	}
	m.checks[c.UserID] = append(m.checks[c.UserID], c)
	return c.ID, nil
}

func (m *Memory) SaveReview(_ context.Context, r fraud.Review) error {
	m.AddReview(r)
	return nil
}

func (m *Memory) SaveInstitution(_ context.Context, i educational.Institution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.institutions[i.ID] = i
	return nil
}

func (m *Memory) GetInstitution(_ context.Context, id educational.InstitutionID) (*educational.Institution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.institutions[id]
	if !ok {
		return nil, ErrInstitutionNotFound
	}
	return &i, nil
}

func (m *Memory) SaveYear(_ context.Context, y educational.Year) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.years[y.AdageID] = y
	return nil
}

func (m *Memory) SaveDeposit(_ context.Context, d educational.Deposit) error {
	m.PutDeposit(d)
	return nil
}

func (m *Memory) SaveMinistryDeposit(_ context.Context, d educational.MinistryDeposit) error {
	m.PutMinistryDeposit(d)
	return nil
}

// CreateBooking stores b with a fresh ID. A zero stock ID takes the booking ID.
func (m *Memory) CreateBooking(_ context.Context, b educational.Booking) (*educational.Booking, error) {
	if b.Status == "" {
		b.Status = educational.StatusPending
	}
	m.mu.Lock()
	m.nextBookingID++
	b.ID = m.nextBookingID
	if b.Stock.ID == 0 {
		b.Stock.ID = educational.StockID(b.ID)
	}
	m.bookings[b.ID] = b
	m.mu.Unlock()
	return &b, nil
}
