package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "actsync/internal/api/context"
	"actsync/internal/api/handlers"
	"actsync/internal/api/middleware"
	"actsync/internal/pkg/errors"
)

type Dependencies struct {
	WebhookHandler     *handlers.WebhookHandler
	IntegrationHandler *handlers.IntegrationHandler
	HealthHandler      *handlers.HealthHandler
	MetricsHandler     *handlers.MetricsHandler
	AuthMiddleware     *middleware.AuthMiddleware
	RateLimiter        *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	router.GET("/health", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	authMid := deps.AuthMiddleware
	rl := deps.RateLimiter

	// Provider pushes
	router.POST("/webhooks/:provider",
		chain(deps.WebhookHandler.Receive, rl.Limit(middleware.ClassWebhook)))

	// OAuth redirect target; the signed state identifies the user
	router.GET("/oauth/:provider/callback",
		chain(deps.IntegrationHandler.Callback, rl.Limit(middleware.ClassAPIWrite), providerAsID))

	// Integrations. The :id segment is a provider for connect routes and an
	// integration id otherwise.
	ih := deps.IntegrationHandler
	router.GET("/api/v1/integrations",
		chain(ih.List, rl.Limit(middleware.ClassAPIRead), authMid.Handle))
	router.GET("/api/v1/integrations/:id/connect",
		chain(ih.Connect, rl.Limit(middleware.ClassAPIWrite), authMid.Handle))
	router.POST("/api/v1/integrations/:id/api-key",
		chain(ih.ConnectAPIKey, rl.Limit(middleware.ClassAPIWrite), authMid.Handle))
	router.DELETE("/api/v1/integrations/:id",
		chain(ih.Delete, rl.Limit(middleware.ClassAPIWrite), authMid.Handle))
	router.POST("/api/v1/integrations/:id/sync",
		chain(ih.Sync, rl.Limit(middleware.ClassAPIWrite), authMid.Handle))
	router.GET("/api/v1/integrations/:id/jobs",
		chain(ih.Jobs, rl.Limit(middleware.ClassAPIRead), authMid.Handle))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}

// providerAsID exposes :provider as :id so the callback shares the connect handlers' lookup.
func providerAsID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
		ps = append(httprouter.Params{{Key: "id", Value: ps.ByName("provider")}}, ps...)
		next(w, r.WithContext(context.WithValue(r.Context(), apiContext.Params, ps)))
	}
}
