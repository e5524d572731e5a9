package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
)

// ErrInstitutionNotFound is returned by GetInstitution.
var ErrInstitutionNotFound = errors.New("educational institution not found")

// =============================================================================
// REFERENCE DATA - Written by dataset loading and admin tooling
// =============================================================================

// SaveUser inserts or replaces a user.
func (s *Store) SaveUser(ctx context.Context, u users.User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}
	var eligibility sql.NullString
	if u.Eligibility != nil {
		eligibility = nullString(string(*u.Eligibility))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO users
		(id, email, is_email_validated, birth_date, roles_json, is_phone_validated,
		 phone_validation_skipped, deposit_expiration_date, eligibility)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.IsEmailValidated, nullTime(u.BirthDate), string(roles), u.IsPhoneValidated,
		u.PhoneValidationSkipped, nullTime(u.DepositExpirationDate), eligibility)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// SaveCheck inserts a fraud check. A zero ID is assigned by the database.
func (s *Store) SaveCheck(ctx context.Context, c fraud.Check) (int64, error) {
	codes, err := json.Marshal(c.ReasonCodes)
	if err != nil {
		return 0, fmt.Errorf("failed to encode reason codes: %w", err)
	}
	if c.ReasonCodes == nil {
		codes = []byte("[]")
	}
	var eligibility sql.NullString
	if c.Eligibility != nil {
		eligibility = nullString(string(*c.Eligibility))
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_checks
		(id, user_id, type, status, eligibility, reason_codes_json, date_created, registration_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, nullID(c.ID), c.UserID, c.Type, nullString(string(c.Status)), eligibility, string(codes),
		formatTime(c.DateCreated), nullTime(c.RegistrationDate))
	if err != nil {
		return 0, fmt.Errorf("failed to save fraud check: %w", err)
	}
	return res.LastInsertId()
}

// SaveReview inserts an admin review.
func (s *Store) SaveReview(ctx context.Context, r fraud.Review) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_reviews (id, user_id, author_id, result, reason, date_reviewed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nullID(r.ID), r.UserID, r.AuthorID, r.Result, nullString(r.Reason), formatTime(r.DateReviewed))
	if err != nil {
		return fmt.Errorf("failed to save fraud review: %w", err)
	}
	return nil
}

// SaveInstitution inserts or replaces an institution.
func (s *Store) SaveInstitution(ctx context.Context, i educational.Institution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO educational_institutions (id, institution_id, name, city, postal_code)
		VALUES (?, ?, ?, ?, ?)
	`, i.ID, i.InstitutionID, i.Name, i.City, i.PostalCode)
	if err != nil {
		return fmt.Errorf("failed to save institution: %w", err)
	}
	return nil
}

// GetInstitution returns ErrInstitutionNotFound when missing.
func (s *Store) GetInstitution(ctx context.Context, id educational.InstitutionID) (*educational.Institution, error) {
	var i educational.Institution
	err := s.db.QueryRowContext(ctx, `
		SELECT id, institution_id, name, city, postal_code
		FROM educational_institutions WHERE id = ?
	`, id).Scan(&i.ID, &i.InstitutionID, &i.Name, &i.City, &i.PostalCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstitutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query institution: %w", err)
	}
	return &i, nil
}

// SaveYear inserts or replaces an educational year.
func (s *Store) SaveYear(ctx context.Context, y educational.Year) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO educational_years (adage_id, beginning_date, expiration_date)
		VALUES (?, ?, ?)
	`, y.AdageID, formatTime(y.BeginningDate), formatTime(y.ExpirationDate))
	if err != nil {
		return fmt.Errorf("failed to save educational year: %w", err)
	}
	return nil
}

// SaveDeposit inserts or replaces the deposit of (institution, year).
func (s *Store) SaveDeposit(ctx context.Context, d educational.Deposit) error {
	var ministry sql.NullString
	if d.Ministry != nil {
		ministry = nullString(string(*d.Ministry))
	}
	if d.DateCreated.IsZero() {
		d.DateCreated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO educational_deposits (id, institution_id, year_id, amount, is_final, ministry, date_created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(institution_id, year_id) DO UPDATE SET
			amount = excluded.amount, is_final = excluded.is_final, ministry = excluded.ministry
	`, nullID(int64(d.ID)), d.InstitutionID, d.YearID, d.Amount.String(), d.IsFinal, ministry, formatTime(d.DateCreated))
	if err != nil {
		return fmt.Errorf("failed to save deposit: %w", err)
	}
	return nil
}

// SaveMinistryDeposit inserts or replaces the pool of (ministry, year).
func (s *Store) SaveMinistryDeposit(ctx context.Context, d educational.MinistryDeposit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ministry_deposits (id, ministry, year_id, amount)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ministry, year_id) DO UPDATE SET amount = excluded.amount
	`, nullID(int64(d.ID)), d.Ministry, d.YearID, d.Amount.String())
	if err != nil {
		return fmt.Errorf("failed to save ministry deposit: %w", err)
	}
	return nil
}

// CreateBooking inserts a booking and its stock. Zero IDs are assigned by
// the database; the stored booking is returned.
func (s *Store) CreateBooking(ctx context.Context, b educational.Booking) (*educational.Booking, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO collective_stocks (id, offer_id, price, start_datetime, booking_limit_datetime)
		VALUES (?, ?, ?, ?, ?)
	`, nullID(int64(b.Stock.ID)), b.Stock.OfferID, b.Stock.Price.String(),
		formatTime(b.Stock.StartDatetime), formatTime(b.Stock.BookingLimitDatetime))
	if err != nil {
		return nil, fmt.Errorf("failed to save stock: %w", err)
	}
	stockID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if b.Status == "" {
		b.Status = educational.StatusPending
	}
	if b.DateCreated.IsZero() {
		b.DateCreated = time.Now()
	}
	var reason sql.NullString
	if b.CancellationReason != nil {
		reason = nullString(string(*b.CancellationReason))
	}

	res, err = sqlTx.ExecContext(ctx, `
		INSERT INTO collective_bookings
		(id, stock_id, institution_id, year_id, redactor_id, status, date_created,
		 confirmation_limit_date, cancellation_limit_date, confirmation_date,
		 cancellation_date, cancellation_reason, date_used, reimbursement_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullID(int64(b.ID)), stockID, b.InstitutionID, b.YearID, b.RedactorID, b.Status,
		formatTime(b.DateCreated), formatTime(b.ConfirmationLimitDate), formatTime(b.CancellationLimitDate),
		nullTime(b.ConfirmationDate), nullTime(b.CancellationDate), reason,
		nullTime(b.DateUsed), nullTime(b.ReimbursementDate))
	if err != nil {
		return nil, fmt.Errorf("failed to save booking: %w", err)
	}
	bookingID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, err
	}
	b.ID = educational.BookingID(bookingID)
	b.Stock.ID = educational.StockID(stockID)
	return &b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullID lets SQLite assign the rowid for zero IDs.
func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// timeLayout has a fixed width so stored dates compare as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
