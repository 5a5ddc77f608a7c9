package router

import (
	"net/http"

	"github.com/colorlab/backend/internal/auth"
	"github.com/colorlab/backend/internal/billing"
	"github.com/colorlab/backend/internal/handlers"
	"github.com/colorlab/backend/internal/middleware"
	"github.com/colorlab/backend/internal/pricing"
)

// Deps are the handlers and guards mounted by New.
type Deps struct {
	Auth     *auth.Handler
	Tasks    *handlers.TaskHandler
	Credits  *handlers.CreditsHandler
	Billing  *billing.Handler
	Features handlers.FeatureSupport
	Tokens   middleware.TokenValidator
	Pricing  *pricing.Calculator
	// Media serves locally stored results under /media/. Nil when results
	// live in a remote bucket.
	Media http.Handler
}

// New returns the API mux. Auth routes live under /api/v1, everything else
// under /v1.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	requireUser := middleware.JWTAuth(d.Tokens)
	priced := func(h http.HandlerFunc) http.Handler {
		return requireUser(middleware.CostCheck(d.Pricing)(h))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/v1/auth/register", d.Auth.Register)
	mux.HandleFunc("POST /api/v1/auth/login", d.Auth.Login)

	// Public.
	mux.HandleFunc("GET /v1/features", handlers.ListFeatures(d.Features))
	mux.HandleFunc("GET /v1/credits/plans", d.Billing.Plans)
	mux.HandleFunc("POST /v1/webhooks/stripe", d.Billing.StripeWebhook)

	// Tasks.
	mux.Handle("POST /v1/tasks", priced(d.Tasks.CreateTask))
	mux.Handle("GET /v1/tasks", requireUser(http.HandlerFunc(d.Tasks.ListTasks)))
	mux.Handle("GET /v1/tasks/{id}", requireUser(http.HandlerFunc(d.Tasks.GetTask)))
	mux.Handle("GET /v1/tasks/{id}/events", requireUser(http.HandlerFunc(d.Tasks.StreamEvents)))

	// Credits.
	mux.Handle("GET /v1/credits/balance", requireUser(http.HandlerFunc(d.Credits.Balance)))
	mux.Handle("GET /v1/credits/transactions", requireUser(http.HandlerFunc(d.Credits.Transactions)))
	mux.Handle("GET /v1/credits/transactions/recent", requireUser(http.HandlerFunc(d.Credits.Recent)))
	mux.Handle("POST /v1/credits/quote", priced(d.Credits.Quote))
	mux.Handle("POST /v1/credits/payment-intent", requireUser(http.HandlerFunc(d.Billing.CreatePaymentIntent)))

	if d.Media != nil {
		mux.Handle("GET /media/", http.StripPrefix("/media/", d.Media))
	}
	return mux
}
