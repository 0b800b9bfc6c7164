package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Use(middleware.RequestID)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", h.Health)

		r.Post("/threads", h.CreateThread)
		r.Get("/threads", h.ListThreads)
		r.Get("/threads/{id}", h.GetThread)
		r.Get("/threads/{id}/history", h.GetHistory)
		r.Post("/threads/{id}/resume", h.ResumeThread)
		r.Post("/threads/{id}/fork", h.ForkThread)
		r.Post("/threads/{id}/rollback", h.RollbackThread)
		r.Post("/threads/{id}/archive", h.ArchiveThread)

		r.Post("/threads/{id}/turns", h.SubmitTurn)
		r.Post("/threads/{id}/turns/interrupt", h.InterruptTurn)

		r.Get("/threads/{id}/events", h.StreamEvents)
		r.Post("/threads/{id}/approvals/{item_id}", h.ResolveApproval)
	})
}
