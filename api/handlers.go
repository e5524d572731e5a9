/*
handlers.go - HTTP API handlers for collective bookings and subscriptions

PURPOSE:
  Exposes the booking confirmation engine and the subscription stage machine
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the educational and subscription services.

ENDPOINTS:
  Collective bookings:
    GET    /api/collective/bookings/{id}          Booking details
    POST   /api/collective/bookings/{id}/confirm  Confirm against the budgets
    POST   /api/collective/bookings/{id}/refuse   Institution refuses the booking
    POST   /api/collective/bookings/{id}/use      Mark the event as having happened

  Institutions:
    GET    /api/institutions/{id}/years/{year}/funds         Ledger view
    GET    /api/institutions/{id}/years/{year}/bookings      Bookings of the year
    GET    /api/institutions/{id}/years/{year}/bookings.xlsx Spreadsheet export

  Subscription:
    GET    /api/users/{id}/subscription-stage     Current stage of a user

  Admin:
    POST   /api/admin/expire-bookings             Run the expiry sweep now

  Scenarios (only when a seeder is configured):
    GET    /api/scenarios                         List demo scenarios
    POST   /api/scenarios/load                    Load a demo scenario

ERROR HANDLING:
  Errors are returned as {"code", "error", "details"} with:
  - 400: Malformed path parameter or body
  - 404: Booking, deposit or user not found
  - 422: Business rule violation (budget, status, limit date)
  - 500: Internal errors, logged with the request ID

SECURITY NOTE:
  No authentication. The service runs behind the pass Culture backend,
  which authenticates institutions and users.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/factory"
	"github.com/passculture/eac-engine/report"
	"github.com/passculture/eac-engine/subscription"
	"github.com/passculture/eac-engine/users"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Bookings      *educational.Service
	Subscriptions *subscription.Service

	// Seeder enables the scenario endpoints; nil in production.
	Seeder factory.Seeder

	Logger   *slog.Logger
	Location *time.Location // dates in exports
	Now      func() time.Time
}

// NewHandler creates a handler with the default logger and the local time zone.
func NewHandler(bookings *educational.Service, subscriptions *subscription.Service) *Handler {
	return &Handler{
		Bookings:      bookings,
		Subscriptions: subscriptions,
		Logger:        slog.Default(),
		Location:      time.Local,
		Now:           time.Now,
	}
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// GetBooking returns a booking.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.Bookings.GetBooking(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// ConfirmBooking confirms a pending booking. Confirming twice returns the
// confirmed booking again.
func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.Bookings.Confirm(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// RefuseBooking cancels a booking on behalf of the institution.
func (h *Handler) RefuseBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.Bookings.Refuse(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// UseBooking marks a confirmed booking as used.
func (h *Handler) UseBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.Bookings.MarkUsed(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// =============================================================================
// INSTITUTION HANDLERS
// =============================================================================

// GetFunds returns the ledger view of an institution for a year.
func (h *Handler) GetFunds(w http.ResponseWriter, r *http.Request) {
	inst, year, ok := institutionYear(w, r)
	if !ok {
		return
	}
	funds, err := h.Bookings.AvailableFunds(r.Context(), inst, year)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundsDTO(*funds))
}

// ListInstitutionBookings returns the bookings of an institution for a year,
// optionally filtered by ?status=.
func (h *Handler) ListInstitutionBookings(w http.ResponseWriter, r *http.Request) {
	inst, year, ok := institutionYear(w, r)
	if !ok {
		return
	}
	filter := educational.BookingFilter{InstitutionID: inst, YearID: year}
	for _, s := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, educational.BookingStatus(s))
	}
	bookings, err := h.Bookings.ListBookings(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bookings))
}

// ExportInstitutionBookings streams the spreadsheet report.
func (h *Handler) ExportInstitutionBookings(w http.ResponseWriter, r *http.Request) {
	inst, year, ok := institutionYear(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	bookings, err := h.Bookings.ListBookings(ctx, educational.BookingFilter{InstitutionID: inst, YearID: year})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	funds, err := h.Bookings.AvailableFunds(ctx, inst, year)
	if err != nil && !errors.Is(err, educational.ErrDepositNotFound) {
		h.writeDomainError(w, r, err)
		return
	}

	data, err := report.BookingsWorkbook(funds, bookings, h.Location)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	fileName := fmt.Sprintf("bookings_%d_%s_%s.xlsx", inst, year, h.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// =============================================================================
// SUBSCRIPTION HANDLERS
// =============================================================================

// GetSubscriptionStage computes the current subscription stage of a user.
func (h *Handler) GetSubscriptionStage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user id", err)
		return
	}
	res, err := h.Subscriptions.CurrentStage(r.Context(), users.ID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionStageDTO(*res))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ExpireBookings runs the expiry sweep now.
func (h *Handler) ExpireBookings(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.Bookings.CancelExpiredBookings(r.Context())
	if err != nil && len(cancelled) == 0 {
		h.writeDomainError(w, r, err)
		return
	}
	if err != nil {
		h.Logger.WarnContext(r.Context(), "expiry sweep partially failed",
			"cancelled", len(cancelled), "err", err)
	}
	writeJSON(w, http.StatusOK, ExpiryRunDTO{Cancelled: toBookingDTOs(cancelled), Count: len(cancelled)})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Code: code, Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps service errors to responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var fundErr *educational.InsufficientFundError

	switch {
	case educational.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Code: educational.Code(err), Error: err.Error()})

	case errors.Is(err, users.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Code: "USER_NOT_FOUND", Error: err.Error()})

	case errors.As(err, &fundErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Code:  educational.Code(err),
			Error: err.Error(),
			Details: FundDetails{
				Scope:     string(fundErr.Scope),
				Available: fundErr.Available.StringFixed(2),
				Requested: fundErr.Requested.StringFixed(2),
				Shortfall: fundErr.Shortfall().StringFixed(2),
			},
		})

	case educational.IsClientError(err):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Code: educational.Code(err), Error: err.Error()})

	default:
		h.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL_ERROR", Error: "internal error"})
	}
}

func bookingID(w http.ResponseWriter, r *http.Request) (educational.BookingID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BOOKING_ID", "invalid booking id", err)
		return 0, false
	}
	return educational.BookingID(id), true
}

func institutionYear(w http.ResponseWriter, r *http.Request) (educational.InstitutionID, educational.YearID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INSTITUTION_ID", "invalid institution id", err)
		return 0, "", false
	}
	year := chi.URLParam(r, "year")
	if year == "" {
		writeError(w, http.StatusBadRequest, "INVALID_YEAR", "missing educational year", nil)
		return 0, "", false
	}
	return educational.InstitutionID(id), educational.YearID(year), true
}
