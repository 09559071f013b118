/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the operator UI

ROUTE GROUPS:
  /api/accounts/*       Accounts, balances, ledgers
  /api/credits/*        Credits + reduction/deletion resolution
  /api/receivables/*    Invoices + overpayment/deletion resolution
  /api/payments/*       Payment edits
  /api/allocations/*    Allocations
  /api/tasks/*          Tasks, approval
  /api/cascade/*        Task cascades
  /api/reconcile/*      Raw check/resolve/preview/commit
  /api/scenarios/*      Demo scenarios
  /health, /metrics     Liveness, Prometheus

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins list allows the local UI origins only.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/recalculate", h.RecalculateAccount)
		})

		r.Route("/credits", func(r chi.Router) {
			r.Post("/", h.CreateCredit)
			r.Get("/{id}", h.GetCredit)
			r.Put("/{id}", h.UpdateCredit)
			r.Delete("/{id}", h.DeleteCredit)
			r.Post("/{id}/resolve-reduction", h.ResolveCreditReduction)
			r.Post("/{id}/resolve-deletion", h.ResolveCreditDeletion)
		})

		r.Route("/receivables", func(r chi.Router) {
			r.Post("/", h.CreateReceivable)
			r.Get("/{id}", h.GetReceivable)
			r.Put("/{id}", h.UpdateReceivable)
			r.Delete("/{id}", h.DeleteReceivable)
			r.Post("/{id}/resolve-overpayment", h.ResolveOverpayment)
			r.Post("/{id}/auto-resolve-overpayment", h.AutoResolveOverpayment)
			r.Post("/{id}/resolve-deletion", h.ResolveReceivableDeletion)
			r.Post("/{id}/payments", h.CreatePayment)
		})
		r.Post("/invoices/validate", h.ValidateInvoice)

		r.Route("/payments", func(r chi.Router) {
			r.Put("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
		})
		r.Post("/transactions/validate", h.ValidateTransaction)

		r.Route("/allocations", func(r chi.Router) {
			r.Post("/", h.CreateAllocation)
			r.Put("/{id}", h.UpdateAllocation)
			r.Delete("/{id}", h.DeleteAllocation)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Post("/validate", h.ValidateTask)
			r.Get("/{id}", h.GetTask)
			r.Post("/{id}/approve", h.ApproveTask)
		})
		r.Post("/cascade/task/{id}/{field}", h.CascadeTask)

		r.Route("/reconcile", func(r chi.Router) {
			r.Post("/check", h.Check)
			r.Post("/resolve", h.Resolve)
			r.Post("/preview", h.Preview)
			r.Post("/commit", h.Commit)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
