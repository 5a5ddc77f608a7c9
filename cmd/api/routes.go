package main

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/colorlab/backend/internal/auth"
	"github.com/colorlab/backend/internal/billing"
	"github.com/colorlab/backend/internal/handlers"
	"github.com/colorlab/backend/internal/router"
)

// handler builds the full HTTP stack: routes, then CORS.
func (a *app) handler() http.Handler {
	mux := router.New(router.Deps{
		Auth: auth.NewHandler(a.auth, a.log.Named("http")),
		Tasks: &handlers.TaskHandler{
			Orchestrator: a.orch,
			Tasks:        a.tasks,
			Observer:     a.observer,
			Logger:       a.log.Named("http"),
		},
		Credits:  &handlers.CreditsHandler{Ledger: a.ledger, Logger: a.log.Named("http")},
		Billing:  billing.NewHandler(a.billing, a.log.Named("billing")),
		Features: a.providers,
		Tokens:   a.auth,
		Pricing:  a.pricing,
		Media:    a.media,
	})

	return cors.New(cors.Options{
		AllowedOrigins:   a.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(mux)
}
