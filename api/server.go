/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed into logs
  2. Logging:    zap access log (logging.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters, when configured
  5. CORS:       Cross-origin requests for the marketplace frontend

ROUTE GROUPS:
  /healthz           Liveness + storage ping (public)
  /metrics           Prometheus scrape endpoint (public)
  /api/me/*          Authenticated user endpoints
  /api/staff/*       role=staff endpoints

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/points-engine/logging"
)

// RouterOptions carries the cross-cutting collaborators of the router.
type RouterOptions struct {
	Auth        *Authenticator
	Logger      *zap.Logger
	CORSOrigins []string

	// Metrics is optional; when set it wraps every route and /metrics is
	// mounted.
	Metrics interface {
		Middleware(http.Handler) http.Handler
		Handler() http.Handler
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)

		// User routes
		r.Route("/me", func(r chi.Router) {
			r.Get("/balance", h.GetMyBalance)
			r.Get("/ledger", h.GetMyLedger)
			r.Post("/redemptions", h.Redeem)
			r.Post("/disputes", h.OpenDispute)
			r.Get("/disputes", h.ListMyDisputes)
		})

		// Staff routes
		r.Route("/staff", func(r chi.Router) {
			r.Use(RequireStaff)

			r.Route("/ledger", func(r chi.Router) {
				r.Post("/grants", h.GrantPoints)
				r.Post("/{id}/approve", h.ApproveEntry())
				r.Post("/{id}/reject", h.RejectEntry())
				r.Post("/{id}/fulfill", h.FulfillEntry())
				r.Patch("/{id}", h.AdjustEntry)
			})

			r.Route("/users", func(r chi.Router) {
				r.Post("/", h.CreateUser)
				r.Get("/{id}/balance", h.GetUserBalance)
				r.Get("/{id}/ledger", h.GetUserLedger)
			})

			r.Route("/affiliate/events", func(r chi.Router) {
				r.Post("/", h.IngestEvent)
				r.Get("/", h.ListEvents)
				r.Post("/{id}/approve", h.ApproveEvent)
				r.Post("/{id}/reject", h.RejectEvent)
				r.Patch("/{id}", h.UpdateEventNotes)
			})

			r.Route("/disputes", func(r chi.Router) {
				r.Get("/", h.ListDisputes)
				r.Post("/{id}/transition", h.TransitionDispute)
			})

			r.Post("/companies", h.CreateCompany)
			r.Route("/offers", func(r chi.Router) {
				r.Post("/", h.CreateOffer)
				r.Delete("/{id}", h.DeleteOffer)
			})
		})
	})

	return r
}
