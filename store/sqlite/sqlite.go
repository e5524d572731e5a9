/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine with SQLite. The
  PostgreSQL store (store/postgres) follows the same queries with its own
  locking.

INTERFACES IMPLEMENTED:
  educational.TxStore: Deposits, ministry pools and collective bookings
  users.Repository:    User records for the subscription machine
  fraud.Repository:    Fraud checks and admin reviews

KEY TABLES:
  collective_bookings:  Booking lifecycle (the only table confirmation writes)
  collective_stocks:    Price and event date of each booking
  educational_deposits: One row per (institution, year), UNIQUE
  ministry_deposits:    One pooled ceiling per (ministry, year), UNIQUE
  users, fraud_checks, fraud_reviews: Subscription inputs

MONEY:
  Amounts are stored as TEXT and summed in Go with decimal.Decimal, since
  SQLite has no exact numeric type.

CONCURRENCY:
  The pool is capped to one connection, so a transaction owns the database
  until it ends. RunInTx acquires the budget keys (educational.KeyedMutex)
  before BEGIN; nothing holding the connection ever waits for a key.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/eac.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). PostgreSQL uses goose migrations.

SEE ALSO:
  - educational/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	db    *sql.DB
	locks *educational.KeyedMutex
}

var (
	_ educational.TxStore = (*Store)(nil)
	_ users.Repository    = (*Store)(nil)
	_ fraud.Repository    = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection also keeps ":memory:" databases alive and shared.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db, locks: educational.NewKeyedMutex()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL,
		is_email_validated BOOLEAN NOT NULL DEFAULT FALSE,
		birth_date TEXT,
		roles_json TEXT NOT NULL DEFAULT '[]',
		is_phone_validated BOOLEAN NOT NULL DEFAULT FALSE,
		phone_validation_skipped BOOLEAN NOT NULL DEFAULT FALSE,
		deposit_expiration_date TEXT,
		eligibility TEXT
	);

	CREATE TABLE IF NOT EXISTS fraud_checks (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		type TEXT NOT NULL,
		status TEXT,
		eligibility TEXT,
		reason_codes_json TEXT NOT NULL DEFAULT '[]',
		date_created TEXT NOT NULL,
		registration_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_fraud_checks_user
		ON fraud_checks(user_id, type);

	CREATE TABLE IF NOT EXISTS fraud_reviews (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		author_id INTEGER,
		result TEXT NOT NULL,
		reason TEXT,
		date_reviewed TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fraud_reviews_user
		ON fraud_reviews(user_id, date_reviewed);

	CREATE TABLE IF NOT EXISTS educational_institutions (
		id INTEGER PRIMARY KEY,
		institution_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		city TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS educational_years (
		adage_id TEXT PRIMARY KEY,
		beginning_date TEXT NOT NULL,
		expiration_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS educational_deposits (
		id INTEGER PRIMARY KEY,
		institution_id INTEGER NOT NULL REFERENCES educational_institutions(id),
		year_id TEXT NOT NULL REFERENCES educational_years(adage_id),
		amount TEXT NOT NULL,
		is_final BOOLEAN NOT NULL DEFAULT TRUE,
		ministry TEXT,
		date_created TEXT NOT NULL,
		UNIQUE(institution_id, year_id)
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_ministry_year
		ON educational_deposits(ministry, year_id) WHERE ministry IS NOT NULL;

	CREATE TABLE IF NOT EXISTS ministry_deposits (
		id INTEGER PRIMARY KEY,
		ministry TEXT NOT NULL,
		year_id TEXT NOT NULL REFERENCES educational_years(adage_id),
		amount TEXT NOT NULL,
		UNIQUE(ministry, year_id)
	);

	CREATE TABLE IF NOT EXISTS collective_stocks (
		id INTEGER PRIMARY KEY,
		offer_id INTEGER NOT NULL,
		price TEXT NOT NULL,
		start_datetime TEXT NOT NULL,
		booking_limit_datetime TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collective_bookings (
		id INTEGER PRIMARY KEY,
		stock_id INTEGER NOT NULL REFERENCES collective_stocks(id),
		institution_id INTEGER NOT NULL REFERENCES educational_institutions(id),
		year_id TEXT NOT NULL REFERENCES educational_years(adage_id),
		redactor_id INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		date_created TEXT NOT NULL,
		confirmation_limit_date TEXT NOT NULL,
		cancellation_limit_date TEXT NOT NULL,
		confirmation_date TEXT,
		cancellation_date TEXT,
		cancellation_reason TEXT,
		date_used TEXT,
		reimbursement_date TEXT
	);

	-- Budget sums (hot path of every confirmation)
	CREATE INDEX IF NOT EXISTS idx_bookings_institution_year_status
		ON collective_bookings(institution_id, year_id, status);

	-- Expiry sweep
	CREATE INDEX IF NOT EXISTS idx_bookings_status_limit
		ON collective_bookings(status, confirmation_limit_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (educational.TxStore interface)
// =============================================================================

// RunInTx executes fn within a database transaction holding every key.
func (s *Store) RunInTx(ctx context.Context, keys []educational.LockKey, fn func(educational.Store) error) error {
	unlock, err := s.locks.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements educational.Store on top of a querier, so the same
// code serves plain and transactional access.
type queries struct {
	q querier
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `
	b.id, b.institution_id, b.year_id, b.redactor_id, b.status, b.date_created,
	b.confirmation_limit_date, b.cancellation_limit_date, b.confirmation_date,
	b.cancellation_date, b.cancellation_reason, b.date_used, b.reimbursement_date,
	s.id, s.offer_id, s.price, s.start_datetime, s.booking_limit_datetime
	FROM collective_bookings b
	JOIN collective_stocks s ON s.id = b.stock_id`

// GetBooking returns a booking with its stock.
func (q *queries) GetBooking(ctx context.Context, id educational.BookingID) (*educational.Booking, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+bookingColumns+" WHERE b.id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query booking: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, educational.ErrBookingNotFound
	}
	b, err := scanBooking(rows)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBooking persists the lifecycle fields.
func (q *queries) UpdateBooking(ctx context.Context, b educational.Booking) error {
	var reason sql.NullString
	if b.CancellationReason != nil {
		reason = nullString(string(*b.CancellationReason))
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE collective_bookings
		SET status = ?, confirmation_date = ?, cancellation_date = ?, cancellation_reason = ?,
		    date_used = ?, reimbursement_date = ?
		WHERE id = ?
	`, b.Status, nullTime(b.ConfirmationDate), nullTime(b.CancellationDate), reason,
		nullTime(b.DateUsed), nullTime(b.ReimbursementDate), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return educational.ErrBookingNotFound
	}
	return nil
}

// ListBookings returns bookings matching the filter, ordered by ID.
func (q *queries) ListBookings(ctx context.Context, f educational.BookingFilter) ([]educational.Booking, error) {
	var (
		where []string
		args  []any
	)
	if f.InstitutionID != 0 {
		where = append(where, "b.institution_id = ?")
		args = append(args, f.InstitutionID)
	}
	if f.YearID != "" {
		where = append(where, "b.year_id = ?")
		args = append(args, f.YearID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "b.status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.ConfirmationLimitBefore != nil {
		where = append(where, "b.confirmation_limit_date <= ?")
		args = append(args, formatTime(*f.ConfirmationLimitBefore))
	}

	query := "SELECT " + bookingColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY b.id ASC"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []educational.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func scanBooking(rows *sql.Rows) (educational.Booking, error) {
	var (
		b                                            educational.Booking
		dateCreated, confirmationLimit, cancelLimit  string
		confirmationDate, cancellationDate, dateUsed sql.NullString
		reimbursementDate, reason                    sql.NullString
		price, start, bookingLimit                   string
	)

	err := rows.Scan(
		&b.ID, &b.InstitutionID, &b.YearID, &b.RedactorID, &b.Status, &dateCreated,
		&confirmationLimit, &cancelLimit, &confirmationDate,
		&cancellationDate, &reason, &dateUsed, &reimbursementDate,
		&b.Stock.ID, &b.Stock.OfferID, &price, &start, &bookingLimit,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan booking: %w", err)
	}

	b.DateCreated = parseTime(dateCreated)
	b.ConfirmationLimitDate = parseTime(confirmationLimit)
	b.CancellationLimitDate = parseTime(cancelLimit)
	b.ConfirmationDate = parseNullTime(confirmationDate)
	b.CancellationDate = parseNullTime(cancellationDate)
	b.DateUsed = parseNullTime(dateUsed)
	b.ReimbursementDate = parseNullTime(reimbursementDate)
	if reason.Valid {
		r := educational.CancellationReason(reason.String)
		b.CancellationReason = &r
	}

	b.Stock.StartDatetime = parseTime(start)
	b.Stock.BookingLimitDatetime = parseTime(bookingLimit)
	if b.Stock.Price, err = decimal.NewFromString(price); err != nil {
		return b, fmt.Errorf("invalid stock price %q: %w", price, err)
	}
	return b, nil
}

// =============================================================================
// LEDGER (educational.Ledger interface)
// =============================================================================

// InstitutionDeposit returns the deposit of an institution for a year.
func (q *queries) InstitutionDeposit(ctx context.Context, id educational.InstitutionID, year educational.YearID) (*educational.Deposit, error) {
	var (
		d           educational.Deposit
		amount      string
		ministry    sql.NullString
		dateCreated string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, institution_id, year_id, amount, is_final, ministry, date_created
		FROM educational_deposits
		WHERE institution_id = ? AND year_id = ?
	`, id, year).Scan(&d.ID, &d.InstitutionID, &d.YearID, &amount, &d.IsFinal, &ministry, &dateCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deposit: %w", err)
	}

	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid deposit amount %q: %w", amount, err)
	}
	if ministry.Valid {
		m := educational.Ministry(ministry.String)
		d.Ministry = &m
	}
	d.DateCreated = parseTime(dateCreated)
	return &d, nil
}

// SumBudgetConsumingBookings sums the prices of consuming bookings.
func (q *queries) SumBudgetConsumingBookings(ctx context.Context, id educational.InstitutionID, year educational.YearID, exclude *educational.BookingID) (decimal.Decimal, error) {
	return q.sumPrices(ctx, `
		SELECT s.price
		FROM collective_bookings b
		JOIN collective_stocks s ON s.id = b.stock_id
		WHERE b.institution_id = ? AND b.year_id = ?
		  AND b.status IN ('CONFIRMED', 'USED', 'REIMBURSED')
		  AND b.id <> ?
	`, id, year, excluded(exclude))
}

// MinistryDeposit returns the pooled ceiling of a ministry for a year.
func (q *queries) MinistryDeposit(ctx context.Context, ministry educational.Ministry, year educational.YearID) (*educational.MinistryDeposit, error) {
	var (
		d      educational.MinistryDeposit
		amount string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, ministry, year_id, amount
		FROM ministry_deposits
		WHERE ministry = ? AND year_id = ?
	`, ministry, year).Scan(&d.ID, &d.Ministry, &d.YearID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ministry deposit: %w", err)
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid ministry deposit amount %q: %w", amount, err)
	}
	return &d, nil
}

// SumMinistryConsumingBookings sums consuming bookings of every institution
// whose deposit for the year carries the ministry.
func (q *queries) SumMinistryConsumingBookings(ctx context.Context, ministry educational.Ministry, year educational.YearID, exclude *educational.BookingID) (decimal.Decimal, error) {
	return q.sumPrices(ctx, `
		SELECT s.price
		FROM collective_bookings b
		JOIN collective_stocks s ON s.id = b.stock_id
		JOIN educational_deposits d ON d.institution_id = b.institution_id AND d.year_id = b.year_id
		WHERE d.ministry = ? AND b.year_id = ?
		  AND b.status IN ('CONFIRMED', 'USED', 'REIMBURSED')
		  AND b.id <> ?
	`, ministry, year, excluded(exclude))
}

func (q *queries) sumPrices(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum bookings: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var price string
		if err := rows.Scan(&price); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan price: %w", err)
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid price %q: %w", price, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// excluded maps a nil exclusion to an ID no row has.
func excluded(id *educational.BookingID) educational.BookingID {
	if id == nil {
		return 0
	}
	return *id
}

// =============================================================================
// USERS AND FRAUD (users.Repository, fraud.Repository)
// =============================================================================

// GetUser returns users.ErrUserNotFound when the user does not exist.
func (q *queries) GetUser(ctx context.Context, id users.ID) (*users.User, error) {
	var (
		u                        users.User
		rolesJSON                string
		birthDate, depositExpiry sql.NullString
		eligibility              sql.NullString
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, email, is_email_validated, birth_date, roles_json, is_phone_validated,
		       phone_validation_skipped, deposit_expiration_date, eligibility
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Email, &u.IsEmailValidated, &birthDate, &rolesJSON, &u.IsPhoneValidated,
		&u.PhoneValidationSkipped, &depositExpiry, &eligibility)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if err := json.Unmarshal([]byte(rolesJSON), &u.Roles); err != nil {
		return nil, fmt.Errorf("invalid roles for user %d: %w", id, err)
	}
	u.BirthDate = parseNullTime(birthDate)
	u.DepositExpirationDate = parseNullTime(depositExpiry)
	if eligibility.Valid {
		u.Eligibility = users.Eligibility(users.EligibilityType(eligibility.String))
	}
	return &u, nil
}

// ListChecks returns the fraud checks of a user, oldest first.
func (q *queries) ListChecks(ctx context.Context, userID users.ID) ([]fraud.Check, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, user_id, type, status, eligibility, reason_codes_json, date_created, registration_date
		FROM fraud_checks WHERE user_id = ?
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
			status, eligibility sql.NullString
			codesJSON, created  string
			registration        sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Type, &status, &eligibility, &codesJSON, &created, &registration); err != nil {
			return nil, fmt.Errorf("failed to scan fraud check: %w", err)
		}
		c.Status = fraud.CheckStatus(status.String)
		if eligibility.Valid {
			c.Eligibility = users.Eligibility(users.EligibilityType(eligibility.String))
		}
		if err := json.Unmarshal([]byte(codesJSON), &c.ReasonCodes); err != nil {
			return nil, fmt.Errorf("invalid reason codes for check %d: %w", c.ID, err)
		}
		c.DateCreated = parseTime(created)
		c.RegistrationDate = parseNullTime(registration)
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// ListReviews returns the admin reviews of a user, oldest first.
func (q *queries) ListReviews(ctx context.Context, userID users.ID) ([]fraud.Review, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, user_id, author_id, result, reason, date_reviewed
		FROM fraud_reviews WHERE user_id = ?
		ORDER BY date_reviewed ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud reviews: %w", err)
	}
	defer rows.Close()

	var reviews []fraud.Review
	for rows.Next() {
		var (
			r        fraud.Review
			author   sql.NullInt64
			reason   sql.NullString
			reviewed string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &author, &r.Result, &reason, &reviewed); err != nil {
			return nil, fmt.Errorf("failed to scan fraud review: %w", err)
		}
		r.AuthorID = users.ID(author.Int64)
		r.Reason = reason.String
		r.DateReviewed = parseTime(reviewed)
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}
