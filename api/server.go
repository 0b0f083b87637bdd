/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog line per request (method, path, status, duration, id)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Latency histogram per route
  5. CORS:       Cross-origin requests for the web client
  6. Auth:       Bearer token -> ledger.Principal, on /api only

ROUTE GROUPS:
  /api/dashboard/*      Reconciliation metrics
  /api/purchases        Purchases
  /api/transfers/*      Transfer lifecycle
  /api/assignments/*    Assignments and expenditures
  /api/stock/*          Stock positions
  /api/common/*         Reference data
  /api/admin/*          Verification
  /healthz, /metrics    Unauthenticated health and scrape endpoints

AUTHENTICATION:
  Without an Authenticator every /api request runs as ledger.System. That
  mode exists for local development only; cmd/server refuses it outside
  the development environment.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token parsing
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/warp/asset-ledger/ledger"
)

type RouterOptions struct {
	AllowedOrigins []string
	Auth           *Authenticator // nil runs every request as ledger.System
	Metrics        *Metrics       // nil disables /metrics and latency tracking
	Logger         zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Instrument)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware)
		} else {
			r.Use(asPrincipal(ledger.System))
		}

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/metrics", h.GetMetrics)
			r.Get("/net-movement-details", h.GetMovementDetails)
		})

		r.Route("/purchases", func(r chi.Router) {
			r.Get("/", h.ListPurchases)
			r.Post("/", h.RecordPurchase)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", h.ListTransfers)
			r.Post("/", h.CreateTransfer)
			r.Get("/{id}", h.GetTransfer)
			r.Post("/{id}/complete", h.CompleteTransfer)
			r.Post("/{id}/cancel", h.CancelTransfer)
		})

		r.Route("/assignments", func(r chi.Router) {
			r.Post("/assign", h.CreateAssignment)
			r.Post("/expend", h.RecordExpenditure)
			r.Get("/assignments", h.ListAssignments)
			r.Get("/expenditures", h.ListExpenditures)
			r.Get("/{id}", h.GetAssignment)
			r.Post("/{id}/return", h.ReturnAssignment)
		})

		r.Route("/stock", func(r chi.Router) {
			r.Get("/", h.StockSummary)
			r.Get("/available", h.AvailableStock)
			r.Get("/balance", h.BalanceAt)
		})

		r.Route("/common", func(r chi.Router) {
			r.Get("/assets", h.StockSummary)
			r.Get("/bases", h.ListBases)
			r.Post("/bases", h.CreateBase)
			r.Get("/equipment-types", h.ListEquipmentTypes)
			r.Post("/equipment-types", h.CreateEquipmentType)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/verify", h.Verify)
		})
	})

	return r
}

func asPrincipal(who ledger.Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), who)))
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
