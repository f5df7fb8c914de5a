/**
 * @description
 * This file sets up the HTTP router for the verification-service using the
 * go-chi/chi router. It defines the API routes, applies middleware for
 * logging, CORS, and reviewer authentication, and maps the routes to their
 * corresponding handler functions.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the verification routes.
func NewRouter(h *Handler, reviewerJWTSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Verification service is healthy"))
	})

	// User-facing endpoints correlated by request id or secret code.
	r.Post("/requests", h.handleCreateRequest)
	r.Post("/login", h.handleOAuthCallback)
	r.Post("/requests/{id}/evidence", h.handleSubmitEvidence)
	r.Get("/requests/{id}/status", h.handleStatus)

	// Review endpoints require an authenticated reviewer.
	r.Group(func(r chi.Router) {
		r.Use(ReviewerAuthMiddleware(reviewerJWTSecret))

		r.Get("/review/pending", h.handleListPending)
		r.Post("/review/{id}/accept", h.handleAccept)
		r.Post("/review/{id}/reject", h.handleReject)
		r.Post("/review/{id}/request-evidence", h.handleRequestEvidence)
		r.Get("/review/{id}/photo/{side}", h.handlePhoto)
	})

	return r
}
