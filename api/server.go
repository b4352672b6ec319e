/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RequestLog: Structured access log (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office UI

ROUTE GROUPS:
  /api/owners/{owner}/*   Balances, movements, deposits, wallet
  /api/movements/*        Single movement lookup and reversal
  /api/orders/*           Order system hooks
  /api/reconcile/*        Drift detection and repair
  /api/cashback/*         Annual cashback
  /metrics                Prometheus exposition
  /healthz                Liveness

SECURITY NOTE:
  No authentication middleware. The service is expected to sit behind the
  back-office gateway.

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

	"github.com/warp/ledger-engine/logger"
)

// NewRouter creates a new router with all routes configured. metrics may
// be nil.
func NewRouter(h *Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLog(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/owners/{owner}", func(r chi.Router) {
			r.Get("/balances", h.ListBalances)
			r.Get("/balances/{resource}", h.GetBalance)
			r.Get("/movements", h.ListMovements)
			r.Post("/adjustments", h.CreateAdjustment)

			r.Route("/deposits", func(r chi.Router) {
				r.Get("/", h.Outstanding)
				r.Post("/give", h.Give)
				r.Post("/return", h.Return)
				r.Post("/charge", h.Charge)
				r.Post("/charge-all", h.ChargeAll)
			})

			r.Route("/wallet", func(r chi.Router) {
				r.Get("/", h.WalletBalance)
				r.Post("/topup", h.TopUp)
				r.Post("/withdraw", h.Withdraw)
				r.Get("/statement", h.Statement)
			})
		})

		r.Route("/movements/{id}", func(r chi.Router) {
			r.Get("/", h.GetMovement)
			r.Post("/reverse", h.ReverseMovement)
		})

		r.Post("/orders/completed", h.OrderCompleted)

		r.Route("/reconcile", func(r chi.Router) {
			r.Post("/", h.Reconcile)
			r.Post("/all", h.ReconcileAll)
			r.Get("/last", h.LastReconciliation)
		})

		if h.Cashback != nil {
			r.Route("/cashback", func(r chi.Router) {
				r.Post("/process", h.ProcessCashback)
				r.Post("/batch", h.ProcessCashbackBatch)
				r.Post("/records/{id}/reverse", h.ReverseCashback)
				r.Get("/{period}/owners/{owner}", h.CalculateCashback)
				r.Get("/{period}/records", h.ListCashbackRecords)
			})
		}
	})

	return r
}
