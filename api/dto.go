/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines JSON structures for HTTP API communication. DTOs decouple
  the API contract from internal domain types, allowing them to evolve
  independently.

NAMING CONVENTION:
  - XxxDTO: Response objects sent to client
  - XxxRequest: Request objects received from client

FORMATTING:
  - Dates: RFC 3339 strings in UTC, omitted when unset
  - Amounts: decimal strings with two fraction digits ("1234.50"), never floats
  - IDs: JSON numbers

SEE ALSO:
  - handlers.go: Uses these DTOs
*/
package api

import (
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/subscription"
)

// =============================================================================
// BOOKING DTOs
// =============================================================================

// BookingDTO represents a collective booking.
type BookingDTO struct {
	ID                    int64   `json:"id"`
	Status                string  `json:"status"`
	StockID               int64   `json:"stockId"`
	OfferID               int64   `json:"offerId"`
	InstitutionID         int64   `json:"institutionId"`
	Year                  string  `json:"year"`
	Price                 string  `json:"price"`
	EventStart            string  `json:"eventStart"`
	ConfirmationLimitDate string  `json:"confirmationLimitDate"`
	CancellationLimitDate string  `json:"cancellationLimitDate"`
	ConfirmationDate      *string `json:"confirmationDate"`
	CancellationDate      *string `json:"cancellationDate,omitempty"`
	CancellationReason    *string `json:"cancellationReason,omitempty"`
	DateUsed              *string `json:"dateUsed,omitempty"`
}

// FundsDTO is the ledger view of an institution for a year.
type FundsDTO struct {
	InstitutionID int64   `json:"institutionId"`
	Year          string  `json:"year"`
	Deposit       string  `json:"deposit"`
	IsFinal       bool    `json:"isFinal"`
	Ministry      *string `json:"ministry,omitempty"`
	Usable        string  `json:"usable"`
	Consumed      string  `json:"consumed"`
	Remaining     string  `json:"remaining"`
}

// ExpiryRunDTO is the result of an expiry sweep.
type ExpiryRunDTO struct {
	Cancelled []BookingDTO `json:"cancelled"`
	Count     int          `json:"count"`
}

// =============================================================================
// SUBSCRIPTION DTOs
// =============================================================================

// SubscriptionStageDTO is the computed stage of a user.
type SubscriptionStageDTO struct {
	UserID   int64    `json:"userId"`
	Stage    string   `json:"stage"`
	Terminal bool     `json:"terminal"`
	Variant  string   `json:"variant"`
	Visited  []string `json:"visited"`
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"` // "booking" or "subscription"
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// FundDetails is attached to budget errors.
type FundDetails struct {
	Scope     string `json:"scope"`
	Available string `json:"available"`
	Requested string `json:"requested"`
	Shortfall string `json:"shortfall"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBookingDTO(b educational.Booking) BookingDTO {
	dto := BookingDTO{
		ID:                    int64(b.ID),
		Status:                string(b.Status),
		StockID:               int64(b.Stock.ID),
		OfferID:               b.Stock.OfferID,
		InstitutionID:         int64(b.InstitutionID),
		Year:                  string(b.YearID),
		Price:                 b.Price().StringFixed(2),
		EventStart:            formatTime(b.Stock.StartDatetime),
		ConfirmationLimitDate: formatTime(b.ConfirmationLimitDate),
		CancellationLimitDate: formatTime(b.CancellationLimitDate),
		ConfirmationDate:      formatTimePtr(b.ConfirmationDate),
		CancellationDate:      formatTimePtr(b.CancellationDate),
		DateUsed:              formatTimePtr(b.DateUsed),
	}
	if b.CancellationReason != nil {
		r := string(*b.CancellationReason)
		dto.CancellationReason = &r
	}
	return dto
}

func toBookingDTOs(bookings []educational.Booking) []BookingDTO {
	dtos := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		dtos[i] = toBookingDTO(b)
	}
	return dtos
}

func toFundsDTO(f educational.Funds) FundsDTO {
	dto := FundsDTO{
		InstitutionID: int64(f.InstitutionID),
		Year:          string(f.YearID),
		Deposit:       f.Deposit.StringFixed(2),
		IsFinal:       f.IsFinal,
		Usable:        f.Usable.StringFixed(2),
		Consumed:      f.Consumed.StringFixed(2),
		Remaining:     f.Remaining.StringFixed(2),
	}
	if f.Ministry != nil {
		m := string(*f.Ministry)
		dto.Ministry = &m
	}
	return dto
}

func toSubscriptionStageDTO(r subscription.Result) SubscriptionStageDTO {
	visited := make([]string, len(r.Visited))
	for i, s := range r.Visited {
		visited[i] = s.String()
	}
	return SubscriptionStageDTO{
		UserID:   int64(r.UserID),
		Stage:    r.Stage.String(),
		Terminal: r.Terminal,
		Variant:  r.Variant.String(),
		Visited:  visited,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
