/*
Package postgres provides the PostgreSQL implementation of the storage interfaces.

PURPOSE:
  Production store. Same contract as store/sqlite, with database-level
  concurrency control instead of an in-process mutex, so several engine
  replicas can confirm bookings against the same database.

LOCKING:
  RunInTx takes one pg_advisory_xact_lock per key, in sorted order, right
  after BEGIN. The locks are released by COMMIT or ROLLBACK. Inside the
  transaction InstitutionDeposit also reads the deposit row FOR UPDATE, so
  a concurrent deposit revision waits for the confirmation to finish.

MONEY:
  NUMERIC columns are read as text and parsed with decimal.Decimal.

MIGRATIONS:
  Embedded goose migrations, applied by Migrate(dsn).
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

// ErrInstitutionNotFound is returned by GetInstitution.
var ErrInstitutionNotFound = errors.New("educational institution not found")

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending migration.
func Migrate(dsn string) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	sqlDB, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()
	return goose.Up(sqlDB, "migrations")
}

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var (
	_ educational.TxStore = (*Store)(nil)
	_ users.Repository    = (*Store)(nil)
	_ fraud.Repository    = (*Store)(nil)
)

// New connects to the database.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{queries: queries{q: pool}, pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (educational.TxStore interface)
// =============================================================================

// RunInTx executes fn within a transaction holding an advisory lock per key.
func (s *Store) RunInTx(ctx context.Context, keys []educational.LockKey, fn func(educational.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	for _, key := range slices.Compact(sorted) {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", string(key)); err != nil {
			return fmt.Errorf("failed to lock %s: %w", key, err)
		}
	}

	if err := fn(&queries{q: tx, forUpdate: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q         querier
	forUpdate bool
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `
	b.id, b.institution_id, b.year_id, b.redactor_id, b.status, b.date_created,
	b.confirmation_limit_date, b.cancellation_limit_date, b.confirmation_date,
	b.cancellation_date, b.cancellation_reason, b.date_used, b.reimbursement_date,
	s.id, s.offer_id, s.price::text, s.start_datetime, s.booking_limit_datetime
	FROM collective_bookings b
	JOIN collective_stocks s ON s.id = b.stock_id`

func (q *queries) GetBooking(ctx context.Context, id educational.BookingID) (*educational.Booking, error) {
	rows, err := q.q.Query(ctx, "SELECT "+bookingColumns+" WHERE b.id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query booking: %w", err)
	}
	bookings, err := collectBookings(rows)
	if err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return nil, educational.ErrBookingNotFound
	}
	return &bookings[0], nil
}

func (q *queries) UpdateBooking(ctx context.Context, b educational.Booking) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE collective_bookings
		SET status = $1, confirmation_date = $2, cancellation_date = $3, cancellation_reason = $4,
		    date_used = $5, reimbursement_date = $6
		WHERE id = $7
	`, string(b.Status), b.ConfirmationDate, b.CancellationDate, reasonText(b.CancellationReason),
		b.DateUsed, b.ReimbursementDate, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return educational.ErrBookingNotFound
	}
	return nil
}

func (q *queries) ListBookings(ctx context.Context, f educational.BookingFilter) ([]educational.Booking, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.InstitutionID != 0 {
		where = append(where, "b.institution_id = "+arg(f.InstitutionID))
	}
	if f.YearID != "" {
		where = append(where, "b.year_id = "+arg(string(f.YearID)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "b.status = ANY("+arg(statuses)+")")
	}
	if f.ConfirmationLimitBefore != nil {
		where = append(where, "b.confirmation_limit_date <= "+arg(*f.ConfirmationLimitBefore))
	}

	query := "SELECT " + bookingColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY b.id ASC"

	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]educational.Booking, error) {
	defer rows.Close()
	var bookings []educational.Booking
	for rows.Next() {
		var (
			b      educational.Booking
			status string
			reason *string
			price  string
		)
		err := rows.Scan(
			&b.ID, &b.InstitutionID, &b.YearID, &b.RedactorID, &status, &b.DateCreated,
			&b.ConfirmationLimitDate, &b.CancellationLimitDate, &b.ConfirmationDate,
			&b.CancellationDate, &reason, &b.DateUsed, &b.ReimbursementDate,
			&b.Stock.ID, &b.Stock.OfferID, &price, &b.Stock.StartDatetime, &b.Stock.BookingLimitDatetime,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.Status = educational.BookingStatus(status)
		if reason != nil {
			r := educational.CancellationReason(*reason)
			b.CancellationReason = &r
		}
		if b.Stock.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid stock price %q: %w", price, err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// =============================================================================
// LEDGER (educational.Ledger interface)
// =============================================================================

func (q *queries) InstitutionDeposit(ctx context.Context, id educational.InstitutionID, year educational.YearID) (*educational.Deposit, error) {
	query := `
		SELECT id, institution_id, year_id, amount::text, is_final, ministry, date_created
		FROM educational_deposits
		WHERE institution_id = $1 AND year_id = $2`
	if q.forUpdate {
		query += " FOR UPDATE"
	}

	var (
		d        educational.Deposit
		amount   string
		ministry *string
	)
	err := q.q.QueryRow(ctx, query, id, string(year)).
		Scan(&d.ID, &d.InstitutionID, &d.YearID, &amount, &d.IsFinal, &ministry, &d.DateCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deposit: %w", err)
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid deposit amount %q: %w", amount, err)
	}
	if ministry != nil {
		m := educational.Ministry(*ministry)
		d.Ministry = &m
	}
	return &d, nil
}

func (q *queries) SumBudgetConsumingBookings(ctx context.Context, id educational.InstitutionID, year educational.YearID, exclude *educational.BookingID) (decimal.Decimal, error) {
	return q.sum(ctx, `
		SELECT COALESCE(SUM(s.price), 0)::text
		FROM collective_bookings b
		JOIN collective_stocks s ON s.id = b.stock_id
		WHERE b.institution_id = $1 AND b.year_id = $2
		  AND b.status IN ('CONFIRMED', 'USED', 'REIMBURSED')
		  AND b.id <> $3
	`, id, string(year), excluded(exclude))
}

func (q *queries) MinistryDeposit(ctx context.Context, ministry educational.Ministry, year educational.YearID) (*educational.MinistryDeposit, error) {
	var (
		d      educational.MinistryDeposit
		m      string
		amount string
	)
	err := q.q.QueryRow(ctx, `
		SELECT id, ministry, year_id, amount::text
		FROM ministry_deposits
		WHERE ministry = $1 AND year_id = $2
	`, string(ministry), string(year)).Scan(&d.ID, &m, &d.YearID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ministry deposit: %w", err)
	}
	d.Ministry = educational.Ministry(m)
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid ministry deposit amount %q: %w", amount, err)
	}
	return &d, nil
}

func (q *queries) SumMinistryConsumingBookings(ctx context.Context, ministry educational.Ministry, year educational.YearID, exclude *educational.BookingID) (decimal.Decimal, error) {
	return q.sum(ctx, `
		SELECT COALESCE(SUM(s.price), 0)::text
		FROM collective_bookings b
		JOIN collective_stocks s ON s.id = b.stock_id
		JOIN educational_deposits d ON d.institution_id = b.institution_id AND d.year_id = b.year_id
		WHERE d.ministry = $1 AND b.year_id = $2
		  AND b.status IN ('CONFIRMED', 'USED', 'REIMBURSED')
		  AND b.id <> $3
	`, string(ministry), string(year), excluded(exclude))
}

func (q *queries) sum(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	var total string
	if err := q.q.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum bookings: %w", err)
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid sum %q: %w", total, err)
	}
	return d, nil
}

func excluded(id *educational.BookingID) int64 {
	if id == nil {
		return 0
	}
	return int64(*id)
}

// =============================================================================
// USERS AND FRAUD (users.Repository, fraud.Repository)
// =============================================================================

func (q *queries) GetUser(ctx context.Context, id users.ID) (*users.User, error) {
	var (
		u           users.User
		roles       []string
		eligibility *string
	)
	err := q.q.QueryRow(ctx, `
		SELECT id, email, is_email_validated, birth_date, roles, is_phone_validated,
		       phone_validation_skipped, deposit_expiration_date, eligibility
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.IsEmailValidated, &u.BirthDate, &roles, &u.IsPhoneValidated,
		&u.PhoneValidationSkipped, &u.DepositExpirationDate, &eligibility)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	for _, r := range roles {
		u.Roles = append(u.Roles, users.Role(r))
	}
	if eligibility != nil {
		u.Eligibility = users.Eligibility(users.EligibilityType(*eligibility))
	}
	return &u, nil
}

func (q *queries) ListChecks(ctx context.Context, userID users.ID) ([]fraud.Check, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, user_id, type, status, eligibility, reason_codes, date_created, registration_date
		FROM fraud_checks WHERE user_id = $1
		ORDER BY date_created ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud checks: %w", err)
	}
	defer rows.Close()

	var checks []fraud.Check
	for rows.Next() {
		var (
			c                   fraud.Check
			typ                 string
			status, eligibility *string
			codes               []string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &typ, &status, &eligibility, &codes, &c.DateCreated, &c.RegistrationDate); err != nil {
			return nil, fmt.Errorf("failed to scan fraud check: %w", err)
		}
		c.Type = fraud.CheckType(typ)
		if status != nil {
			c.Status = fraud.CheckStatus(*status)
		}
		if eligibility != nil {
			c.Eligibility = users.Eligibility(users.EligibilityType(*eligibility))
		}
		for _, code := range codes {
			c.ReasonCodes = append(c.ReasonCodes, fraud.ReasonCode(code))
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

func (q *queries) ListReviews(ctx context.Context, userID users.ID) ([]fraud.Review, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, user_id, COALESCE(author_id, 0), result, COALESCE(reason, ''), date_reviewed
		FROM fraud_reviews WHERE user_id = $1
		ORDER BY date_reviewed ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud reviews: %w", err)
	}
	defer rows.Close()

	var reviews []fraud.Review
	for rows.Next() {
		var (
			r      fraud.Review
			result string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.AuthorID, &result, &r.Reason, &r.DateReviewed); err != nil {
			return nil, fmt.Errorf("failed to scan fraud review: %w", err)
		}
		r.Result = fraud.ReviewResult(result)
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u users.User) error {
	roles := make([]string, len(u.Roles))
	for i, r := range u.Roles {
		roles[i] = string(r)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, is_email_validated, birth_date, roles, is_phone_validated,
		                   phone_validation_skipped, deposit_expiration_date, eligibility)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email, is_email_validated = EXCLUDED.is_email_validated,
			birth_date = EXCLUDED.birth_date, roles = EXCLUDED.roles,
			is_phone_validated = EXCLUDED.is_phone_validated,
			phone_validation_skipped = EXCLUDED.phone_validation_skipped,
			deposit_expiration_date = EXCLUDED.deposit_expiration_date,
			eligibility = EXCLUDED.eligibility
	`, int64(u.ID), u.Email, u.IsEmailValidated, u.BirthDate, roles, u.IsPhoneValidated,
		u.PhoneValidationSkipped, u.DepositExpirationDate, eligibilityText(u.Eligibility))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) SaveCheck(ctx context.Context, c fraud.Check) (int64, error) {
	codes := make([]string, len(c.ReasonCodes))
	for i, code := range c.ReasonCodes {
		codes[i] = string(code)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO fraud_checks (user_id, type, status, eligibility, reason_codes, date_created, registration_date)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		RETURNING id
	`, int64(c.UserID), string(c.Type), string(c.Status), eligibilityText(c.Eligibility), codes,
		c.DateCreated, c.RegistrationDate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save fraud check: %w", err)
	}
	return id, nil
}

func (s *Store) SaveReview(ctx context.Context, r fraud.Review) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fraud_reviews (user_id, author_id, result, reason, date_reviewed)
		VALUES ($1, NULLIF($2, 0), $3, NULLIF($4, ''), $5)
	`, int64(r.UserID), int64(r.AuthorID), string(r.Result), r.Reason, r.DateReviewed)
	if err != nil {
		return fmt.Errorf("failed to save fraud review: %w", err)
	}
	return nil
}

func (s *Store) SaveInstitution(ctx context.Context, i educational.Institution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO educational_institutions (id, institution_id, name, city, postal_code)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			institution_id = EXCLUDED.institution_id, name = EXCLUDED.name,
			city = EXCLUDED.city, postal_code = EXCLUDED.postal_code
	`, int64(i.ID), i.InstitutionID, i.Name, i.City, i.PostalCode)
	if err != nil {
		return fmt.Errorf("failed to save institution: %w", err)
	}
	return nil
}

// GetInstitution returns ErrInstitutionNotFound when missing.
func (s *Store) GetInstitution(ctx context.Context, id educational.InstitutionID) (*educational.Institution, error) {
	var i educational.Institution
	err := s.pool.QueryRow(ctx, `
		SELECT id, institution_id, name, city, postal_code
		FROM educational_institutions WHERE id = $1
	`, int64(id)).Scan(&i.ID, &i.InstitutionID, &i.Name, &i.City, &i.PostalCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInstitutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query institution: %w", err)
	}
	return &i, nil
}

func (s *Store) SaveYear(ctx context.Context, y educational.Year) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO educational_years (adage_id, beginning_date, expiration_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (adage_id) DO UPDATE SET
			beginning_date = EXCLUDED.beginning_date, expiration_date = EXCLUDED.expiration_date
	`, string(y.AdageID), y.BeginningDate, y.ExpirationDate)
	if err != nil {
		return fmt.Errorf("failed to save educational year: %w", err)
	}
	return nil
}

func (s *Store) SaveDeposit(ctx context.Context, d educational.Deposit) error {
	if d.DateCreated.IsZero() {
		d.DateCreated = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO educational_deposits (institution_id, year_id, amount, is_final, ministry, date_created)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		ON CONFLICT (institution_id, year_id) DO UPDATE SET
			amount = EXCLUDED.amount, is_final = EXCLUDED.is_final, ministry = EXCLUDED.ministry
	`, int64(d.InstitutionID), string(d.YearID), d.Amount.String(), d.IsFinal, ministryText(d.Ministry), d.DateCreated)
	if err != nil {
		return fmt.Errorf("failed to save deposit: %w", err)
	}
	return nil
}

func (s *Store) SaveMinistryDeposit(ctx context.Context, d educational.MinistryDeposit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ministry_deposits (ministry, year_id, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (ministry, year_id) DO UPDATE SET amount = EXCLUDED.amount
	`, string(d.Ministry), string(d.YearID), d.Amount.String())
	if err != nil {
		return fmt.Errorf("failed to save ministry deposit: %w", err)
	}
	return nil
}

// CreateBooking inserts a booking and its stock and returns the stored booking.
func (s *Store) CreateBooking(ctx context.Context, b educational.Booking) (*educational.Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stockID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO collective_stocks (offer_id, price, start_datetime, booking_limit_datetime)
		VALUES ($1, $2::numeric, $3, $4)
		RETURNING id
	`, b.Stock.OfferID, b.Stock.Price.String(), b.Stock.StartDatetime, b.Stock.BookingLimitDatetime).Scan(&stockID)
	if err != nil {
		return nil, fmt.Errorf("failed to save stock: %w", err)
	}

	if b.Status == "" {
		b.Status = educational.StatusPending
	}
	if b.DateCreated.IsZero() {
		b.DateCreated = time.Now()
	}

	var bookingID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO collective_bookings
		(stock_id, institution_id, year_id, redactor_id, status, date_created,
		 confirmation_limit_date, cancellation_limit_date, confirmation_date,
		 cancellation_date, cancellation_reason, date_used, reimbursement_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, stockID, int64(b.InstitutionID), string(b.YearID), int64(b.RedactorID), string(b.Status), b.DateCreated,
		b.ConfirmationLimitDate, b.CancellationLimitDate, b.ConfirmationDate,
		b.CancellationDate, reasonText(b.CancellationReason), b.DateUsed, b.ReimbursementDate).Scan(&bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to save booking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	b.ID = educational.BookingID(bookingID)
	b.Stock.ID = educational.StockID(stockID)
	return &b, nil
}

// Helper functions

func reasonText(r *educational.CancellationReason) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func ministryText(m *educational.Ministry) *string {
	if m == nil {
		return nil
	}
	s := string(*m)
	return &s
}

func eligibilityText(e *users.EligibilityType) *string {
	if e == nil {
		return nil
	}
	s := string(*e)
	return &s
}
