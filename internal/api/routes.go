package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured. When apiKey is
// empty the loopback API runs unauthenticated; the listener is expected to
// bind localhost only.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}
			r.Get("/sync/status", h.SyncStatus)
			r.Post("/sync/trigger", h.TriggerSync)
			r.Get("/sync/queue/failed", h.ListFailed)
			r.Post("/sync/queue/{id}/requeue", h.RequeueFailed)
			r.Get("/conflicts", h.ListConflicts)
		})
	})

	return r
}
