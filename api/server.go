/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in 500 logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the configured origins

ROUTE GROUPS:
  /api/collective/*     Collective booking lifecycle
  /api/institutions/*   Ledger views and exports
  /api/users/*          Subscription stage
  /api/admin/*          Admin operations
  /api/scenarios/*      Demo scenarios (dev only)
  /health               Liveness probe
  /metrics              Prometheus scrape endpoint, when configured

SECURITY NOTE:
  No authentication middleware. The service is only reachable from the
  pass Culture backend.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty means no cross-origin access.
	AllowedOrigins []string
	// Metrics is mounted on /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"Content-Disposition"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Collective booking routes
		r.Route("/collective/bookings/{id}", func(r chi.Router) {
			r.Get("/", h.GetBooking)
			r.Post("/confirm", h.ConfirmBooking)
			r.Post("/refuse", h.RefuseBooking)
			r.Post("/use", h.UseBooking)
		})

		// Institution routes
		r.Route("/institutions/{id}/years/{year}", func(r chi.Router) {
			r.Get("/funds", h.GetFunds)
			r.Get("/bookings", h.ListInstitutionBookings)
			r.Get("/bookings.xlsx", h.ExportInstitutionBookings)
		})

		// Subscription routes
		r.Get("/users/{id}/subscription-stage", h.GetSubscriptionStage)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/expire-bookings", h.ExpireBookings)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
