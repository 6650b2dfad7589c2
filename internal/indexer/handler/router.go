package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/middleware"
)

// NewRouter builds the indexer HTTP handler.
//
// Route table:
//
//	POST   /api/v1/batches                 → extract a batch (?async=true queues it)
//	GET    /api/v1/batches/{id}            → batch status
//	GET    /api/v1/batches/{id}/documents  → processed document ids
//	POST   /api/v1/postings                → in-memory postings preview
//	GET    /health/live, /health/ready     → probes
//	GET    /metrics                        → Prometheus exposition
//
// m and checker may be nil.
func NewRouter(h *Handler, m *metrics.Metrics, checker *health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(pkgmw.RequestID)
	if m != nil {
		r.Use(pkgmw.Metrics(m))
		r.Handle("/metrics", metrics.Handler())
	}

	if checker != nil {
		r.Get("/health/live", checker.LiveHandler())
		r.Get("/health/ready", checker.ReadyHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", h.SubmitBatch)
		r.Get("/batches/{id}", h.GetBatch)
		r.Get("/batches/{id}/documents", h.GetDocuments)
		r.Post("/postings", h.PreviewPostings)
	})
	return r
}
