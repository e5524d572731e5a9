/*
Package factory provides JSON to Go dataset conversion.

PURPOSE:
  Converts JSON dataset definitions into users, fraud checks, institutions,
  deposits and collective bookings, and writes them through a Seeder. Demo
  environments, fixtures and support reproductions are described as data
  instead of code.

JSON SCHEMA:
  {
    "years": [{"adage_id": "24", "beginning_date": "2024-09-01", "expiration_date": "2025-08-31"}],
    "institutions": [{"id": 1, "uai": "0470009E", "name": "Collège Jean Moulin"}],
    "deposits": [{"institution_id": 1, "year": "24", "amount": "1000", "is_final": true, "ministry": "MENjs"}],
    "ministry_deposits": [{"ministry": "MENjs", "year": "24", "amount": "50000"}],
    "bookings": [{
      "institution_id": 1, "year": "24", "price": "400", "status": "PENDING",
      "event_start": "2024-11-20T09:00:00Z", "confirmation_limit_in_days": 3
    }],
    "users": [{"id": 1, "email": "a@example.com", "birth_date": "2008-05-01", "eligibility": "underage"}],
    "fraud_checks": [{"user_id": 1, "type": "EDUCONNECT", "status": "OK", "eligibility": "underage", "created_in_days": -2}]
  }

DATES:
  Absolute dates accept RFC 3339 or YYYY-MM-DD. Fields ending in
  "_in_days" are offsets from the loader clock and win over absolute
  dates, so a dataset stays valid whatever day it is loaded.

SEE ALSO:
  - scenarios.go: built-in demo datasets
  - store/sqlite, store/postgres, store/memory: Seeder implementations
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
	"github.com/shopspring/decimal"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DatasetJSON is the JSON representation of a dataset.
type DatasetJSON struct {
	Years            []YearJSON            `json:"years,omitempty"`
	Institutions     []InstitutionJSON     `json:"institutions,omitempty"`
	Deposits         []DepositJSON         `json:"deposits,omitempty"`
	MinistryDeposits []MinistryDepositJSON `json:"ministry_deposits,omitempty"`
	Bookings         []BookingJSON         `json:"bookings,omitempty"`
	Users            []UserJSON            `json:"users,omitempty"`
	FraudChecks      []FraudCheckJSON      `json:"fraud_checks,omitempty"`
	Reviews          []ReviewJSON          `json:"reviews,omitempty"`
}

type YearJSON struct {
	AdageID        string `json:"adage_id"`
	BeginningDate  string `json:"beginning_date"`
	ExpirationDate string `json:"expiration_date"`
}

type InstitutionJSON struct {
	ID         int64  `json:"id"`
	UAI        string `json:"uai"`
	Name       string `json:"name"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

type DepositJSON struct {
	InstitutionID int64           `json:"institution_id"`
	Year          string          `json:"year"`
	Amount        decimal.Decimal `json:"amount"`
	IsFinal       *bool           `json:"is_final,omitempty"` // default true
	Ministry      string          `json:"ministry,omitempty"`
}

type MinistryDepositJSON struct {
	Ministry string          `json:"ministry"`
	Year     string          `json:"year"`
	Amount   decimal.Decimal `json:"amount"`
}

// BookingJSON describes a booking and its stock.
type BookingJSON struct {
	InstitutionID           int64           `json:"institution_id"`
	Year                    string          `json:"year"`
	OfferID                 int64           `json:"offer_id,omitempty"`
	Price                   decimal.Decimal `json:"price"`
	Status                  string          `json:"status,omitempty"` // default PENDING
	CancellationReason      string          `json:"cancellation_reason,omitempty"`
	EventStart              string          `json:"event_start,omitempty"`
	EventStartInDays        *int            `json:"event_start_in_days,omitempty"`
	ConfirmationLimitDate   string          `json:"confirmation_limit_date,omitempty"`
	ConfirmationLimitInDays *int            `json:"confirmation_limit_in_days,omitempty"`
	CancellationLimitInDays *int            `json:"cancellation_limit_in_days,omitempty"`
}

type UserJSON struct {
	ID                     int64    `json:"id"`
	Email                  string   `json:"email"`
	IsEmailValidated       *bool    `json:"is_email_validated,omitempty"` // default true
	BirthDate              string   `json:"birth_date,omitempty"`
	Roles                  []string `json:"roles,omitempty"`
	IsPhoneValidated       bool     `json:"is_phone_validated,omitempty"`
	PhoneValidationSkipped bool     `json:"phone_validation_skipped,omitempty"`
	DepositExpiresInDays   *int     `json:"deposit_expires_in_days,omitempty"`
	Eligibility            string   `json:"eligibility,omitempty"`
}

type FraudCheckJSON struct {
	UserID        int64    `json:"user_id"`
	Type          string   `json:"type"`
	Status        string   `json:"status,omitempty"`
	Eligibility   string   `json:"eligibility,omitempty"`
	ReasonCodes   []string `json:"reason_codes,omitempty"`
	CreatedInDays int      `json:"created_in_days,omitempty"`
}

type ReviewJSON struct {
	UserID         int64  `json:"user_id"`
	AuthorID       int64  `json:"author_id,omitempty"`
	Result         string `json:"result"`
	Reason         string `json:"reason,omitempty"`
	ReviewedInDays int    `json:"reviewed_in_days,omitempty"`
}

// =============================================================================
// SEEDER
// =============================================================================

// Seeder is the write side of a store used to load datasets.
type Seeder interface {
	SaveUser(ctx context.Context, u users.User) error
	SaveCheck(ctx context.Context, c fraud.Check) (int64, error)
	SaveReview(ctx context.Context, r fraud.Review) error
	SaveInstitution(ctx context.Context, i educational.Institution) error
	SaveYear(ctx context.Context, y educational.Year) error
	SaveDeposit(ctx context.Context, d educational.Deposit) error
	SaveMinistryDeposit(ctx context.Context, d educational.MinistryDeposit) error
	CreateBooking(ctx context.Context, b educational.Booking) (*educational.Booking, error)
}

// Summary counts what a load wrote.
type Summary struct {
	Years            int                     `json:"years"`
	Institutions     int                     `json:"institutions"`
	Deposits         int                     `json:"deposits"`
	MinistryDeposits int                     `json:"ministryDeposits"`
	Users            int                     `json:"users"`
	FraudChecks      int                     `json:"fraudChecks"`
	Reviews          int                     `json:"reviews"`
	BookingIDs       []educational.BookingID `json:"bookingIds"`
}

// =============================================================================
// LOADER
// =============================================================================

// Loader converts datasets and writes them in dependency order.
type Loader struct {
	seeder Seeder
	now    func() time.Time
}

// NewLoader creates a loader. A nil clock uses time.Now.
func NewLoader(seeder Seeder, now func() time.Time) *Loader {
	if now == nil {
		now = time.Now
	}
	return &Loader{seeder: seeder, now: now}
}

// ParseDataset parses a JSON string into a DatasetJSON.
func ParseDataset(jsonStr string) (DatasetJSON, error) {
	var ds DatasetJSON
	if err := json.Unmarshal([]byte(jsonStr), &ds); err != nil {
		return ds, fmt.Errorf("failed to parse dataset JSON: %w", err)
	}
	return ds, nil
}

// LoadJSON parses and loads a dataset.
func (l *Loader) LoadJSON(ctx context.Context, jsonStr string) (*Summary, error) {
	ds, err := ParseDataset(jsonStr)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, ds)
}

// Load writes ds. It stops at the first error; rows written before it stay.
func (l *Loader) Load(ctx context.Context, ds DatasetJSON) (*Summary, error) {
	now := l.now()
	sum := &Summary{}

	for _, yj := range ds.Years {
		y, err := toYear(yj)
		if err != nil {
			return sum, err
		}
		if err := l.seeder.SaveYear(ctx, y); err != nil {
			return sum, err
		}
		sum.Years++
	}

	for _, ij := range ds.Institutions {
		if err := l.seeder.SaveInstitution(ctx, educational.Institution{
			ID:            educational.InstitutionID(ij.ID),
			InstitutionID: ij.UAI,
			Name:          ij.Name,
			City:          ij.City,
			PostalCode:    ij.PostalCode,
		}); err != nil {
			return sum, err
		}
		sum.Institutions++
	}

	for _, dj := range ds.Deposits {
		d, err := toDeposit(dj, now)
		if err != nil {
			return sum, err
		}
		if err := l.seeder.SaveDeposit(ctx, d); err != nil {
			return sum, err
		}
		sum.Deposits++
	}

	for _, mj := range ds.MinistryDeposits {
		m, err := educational.ParseMinistry(mj.Ministry)
		if err != nil {
			return sum, err
		}
		if err := l.seeder.SaveMinistryDeposit(ctx, educational.MinistryDeposit{
			Ministry: m, YearID: educational.YearID(mj.Year), Amount: mj.Amount,
		}); err != nil {
			return sum, err
		}
		sum.MinistryDeposits++
	}

	for i, bj := range ds.Bookings {
		b, err := toBooking(bj, now)
		if err != nil {
			return sum, fmt.Errorf("booking %d: %w", i, err)
		}
		created, err := l.seeder.CreateBooking(ctx, b)
		if err != nil {
			return sum, err
		}
		sum.BookingIDs = append(sum.BookingIDs, created.ID)
	}

	for _, uj := range ds.Users {
		u, err := toUser(uj, now)
		if err != nil {
			return sum, err
		}
		if err := l.seeder.SaveUser(ctx, u); err != nil {
			return sum, err
		}
		sum.Users++
	}

	for _, cj := range ds.FraudChecks {
		c, err := toCheck(cj, now)
		if err != nil {
			return sum, err
		}
		if _, err := l.seeder.SaveCheck(ctx, c); err != nil {
			return sum, err
		}
		sum.FraudChecks++
	}

	for _, rj := range ds.Reviews {
		if err := l.seeder.SaveReview(ctx, fraud.Review{
			UserID:       users.ID(rj.UserID),
			AuthorID:     users.ID(rj.AuthorID),
			Result:       fraud.ReviewResult(strings.ToUpper(rj.Result)),
			Reason:       rj.Reason,
			DateReviewed: now.AddDate(0, 0, rj.ReviewedInDays),
		}); err != nil {
			return sum, err
		}
		sum.Reviews++
	}

	return sum, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func toYear(yj YearJSON) (educational.Year, error) {
	begin, err := parseDate(yj.BeginningDate)
	if err != nil {
		return educational.Year{}, fmt.Errorf("year %s: %w", yj.AdageID, err)
	}
	end, err := parseDate(yj.ExpirationDate)
	if err != nil {
		return educational.Year{}, fmt.Errorf("year %s: %w", yj.AdageID, err)
	}
	return educational.Year{AdageID: educational.YearID(yj.AdageID), BeginningDate: begin, ExpirationDate: end}, nil
}

func toDeposit(dj DepositJSON, now time.Time) (educational.Deposit, error) {
	d := educational.Deposit{
		InstitutionID: educational.InstitutionID(dj.InstitutionID),
		YearID:        educational.YearID(dj.Year),
		Amount:        dj.Amount,
		IsFinal:       dj.IsFinal == nil || *dj.IsFinal,
		DateCreated:   now,
	}
	if dj.Ministry != "" {
		m, err := educational.ParseMinistry(dj.Ministry)
		if err != nil {
			return d, err
		}
		d.Ministry = &m
	}
	return d, nil
}

func toBooking(bj BookingJSON, now time.Time) (educational.Booking, error) {
	b := educational.Booking{
		InstitutionID: educational.InstitutionID(bj.InstitutionID),
		YearID:        educational.YearID(bj.Year),
		Status:        educational.StatusPending,
		DateCreated:   now,
		Stock: educational.Stock{
			OfferID: bj.OfferID,
			Price:   bj.Price,
		},
	}
	if bj.Status != "" {
		b.Status = educational.BookingStatus(strings.ToUpper(bj.Status))
		if !validStatus(b.Status) {
			return b, fmt.Errorf("unknown booking status %q", bj.Status)
		}
	}

	var err error
	if b.Stock.StartDatetime, err = dateOrOffset(bj.EventStart, bj.EventStartInDays, now, now.AddDate(0, 1, 0)); err != nil {
		return b, fmt.Errorf("event_start: %w", err)
	}
	if b.ConfirmationLimitDate, err = dateOrOffset(bj.ConfirmationLimitDate, bj.ConfirmationLimitInDays, now, now.AddDate(0, 0, 15)); err != nil {
		return b, fmt.Errorf("confirmation_limit_date: %w", err)
	}
	b.Stock.BookingLimitDatetime = b.ConfirmationLimitDate
	if b.CancellationLimitDate, err = dateOrOffset("", bj.CancellationLimitInDays, now, b.Stock.StartDatetime.AddDate(0, 0, -15)); err != nil {
		return b, err
	}

	switch b.Status {
	case educational.StatusConfirmed, educational.StatusUsed, educational.StatusReimbursed:
		b.ConfirmationDate = &now
	case educational.StatusCancelled:
		reason := educational.ReasonOfferer
		if bj.CancellationReason != "" {
			reason = educational.CancellationReason(strings.ToUpper(bj.CancellationReason))
		}
		b.CancellationReason = &reason
		b.CancellationDate = &now
	}
	if b.Status == educational.StatusUsed || b.Status == educational.StatusReimbursed {
		b.DateUsed = &now
	}
	if b.Status == educational.StatusReimbursed {
		b.ReimbursementDate = &now
	}
	return b, nil
}

func validStatus(s educational.BookingStatus) bool {
	switch s {
	case educational.StatusPending, educational.StatusConfirmed, educational.StatusUsed,
		educational.StatusReimbursed, educational.StatusCancelled:
		return true
	}
	return false
}

func toUser(uj UserJSON, now time.Time) (users.User, error) {
	u := users.User{
		ID:                     users.ID(uj.ID),
		Email:                  uj.Email,
		IsEmailValidated:       uj.IsEmailValidated == nil || *uj.IsEmailValidated,
		IsPhoneValidated:       uj.IsPhoneValidated,
		PhoneValidationSkipped: uj.PhoneValidationSkipped,
	}
	if uj.BirthDate != "" {
		birth, err := parseDate(uj.BirthDate)
		if err != nil {
			return u, fmt.Errorf("user %d: %w", uj.ID, err)
		}
		u.BirthDate = &birth
	}
	for _, r := range uj.Roles {
		u.Roles = append(u.Roles, users.Role(strings.ToUpper(r)))
	}
	if uj.DepositExpiresInDays != nil {
		exp := now.AddDate(0, 0, *uj.DepositExpiresInDays)
		u.DepositExpirationDate = &exp
	}
	if uj.Eligibility != "" {
		e := users.EligibilityType(strings.ToLower(uj.Eligibility))
		if !e.Valid() {
			return u, fmt.Errorf("user %d: unknown eligibility %q", uj.ID, uj.Eligibility)
		}
		u.Eligibility = &e
	}
	return u, nil
}

func toCheck(cj FraudCheckJSON, now time.Time) (fraud.Check, error) {
	c := fraud.Check{
		UserID:      users.ID(cj.UserID),
		Type:        fraud.CheckType(strings.ToUpper(cj.Type)),
		Status:      fraud.CheckStatus(strings.ToUpper(cj.Status)),
		DateCreated: now.AddDate(0, 0, cj.CreatedInDays),
	}
	if cj.Eligibility != "" {
		e := users.EligibilityType(strings.ToLower(cj.Eligibility))
		if !e.Valid() {
			return c, fmt.Errorf("fraud check of user %d: unknown eligibility %q", cj.UserID, cj.Eligibility)
		}
		c.Eligibility = &e
	}
	for _, code := range cj.ReasonCodes {
		c.ReasonCodes = append(c.ReasonCodes, fraud.ReasonCode(strings.ToUpper(code)))
	}
	return c, nil
}

func dateOrOffset(abs string, days *int, now, fallback time.Time) (time.Time, error) {
	switch {
	case days != nil:
		return now.AddDate(0, 0, *days), nil
	case abs != "":
		return parseDate(abs)
	default:
		return fallback, nil
	}
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
