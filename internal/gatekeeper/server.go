package gatekeeper

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler returns the chi router exposing the ingest, policy,
// feedback, checkpoint, and stats endpoints described in spec.md §6.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/ingest", e.handleIngest)
	r.Post("/ingest/batch", e.handleIngestBatch)
	r.Post("/feedback", e.handleFeedback)

	r.Route("/policy", func(r chi.Router) {
		r.Post("/snapshot", e.handlePolicySnapshot)
		r.Get("/version", e.handlePolicyVersion)
		r.Post("/rollback", e.handlePolicyRollback)
	})

	r.Route("/checkpoint", func(r chi.Router) {
		r.Get("/export", e.handleCheckpointExport)
		r.Post("/import", e.handleCheckpointImport)
	})

	r.Get("/stats", e.handleStats)
	r.Get("/health", e.handleHealth)

	return r
}
