/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Auth:       Bearer token -> Actor (all /api routes)

ROUTE GROUPS:
  /healthz              Liveness (no auth)
  /api/experts/*        Expert accounts, pricing, ledger, slots, offerings
  /api/students/*       Student accounts and bookings
  /api/sessions/*       Session lifecycle and refund requests
  /api/refunds/*        Refund administration
  /api/offerings/*      Course / cohort moderation and purchase
  /api/payments/*       Payment orders and verification

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Route("/experts", func(r chi.Router) {
			r.Post("/", h.CreateExpert)
			r.Get("/{id}", h.GetExpert)
			r.Put("/{id}/pricing", h.SetPricing)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Post("/{id}/ledger/clear", h.ClearLedger)
			r.Post("/{id}/slots", h.CreateSlot)
			r.Get("/{id}/sessions", h.ListExpertSessions)
			r.Post("/{id}/offerings", h.CreateOffering)
		})

		r.Route("/students", func(r chi.Router) {
			r.Post("/", h.CreateStudent)
			r.Get("/{id}", h.GetStudent)
			r.Get("/{id}/sessions", h.ListStudentSessions)
		})

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Patch("/", h.UpdateSlot)
			r.Post("/book", h.BookSession)
			r.Post("/complete", h.CompleteSession)
			r.Post("/cancel", h.CancelSession)
			r.Post("/feedback", h.SubmitSessionFeedback)
			r.Post("/refund", h.RequestRefund)
		})

		r.Route("/refunds", func(r chi.Router) {
			r.Get("/", h.ListRefunds)
			r.Post("/{id}/approve", h.ApproveRefund)
			r.Post("/{id}/reject", h.RejectRefund)
			r.Post("/{id}/processed", h.MarkRefundProcessed)
		})

		r.Route("/offerings/{id}", func(r chi.Router) {
			r.Get("/", h.GetOffering)
			r.Put("/status", h.SetOfferingStatus)
			r.Post("/purchase", h.PurchaseOffering)
			r.Post("/feedback", h.SubmitOfferingFeedback)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/verify", h.VerifyPayment)
		})
	})

	return r
}
