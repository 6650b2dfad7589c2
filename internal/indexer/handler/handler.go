// Package handler serves the indexer HTTP API: synchronous and queued batch
// extraction, batch lookups and a postings preview.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/extract"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/registry"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/logger"
)

// BatchRunner extracts postings.
type BatchRunner interface {
	Run(ctx context.Context, batchID string, docs []ingestion.Document) (*pipeline.Output, error)
	Preview(docs []ingestion.Document) (index.PostingList, *roaring.Bitmap, error)
}

// BatchStore records and loads batches.
type BatchStore interface {
	Begin(ctx context.Context, id string, documents int, status ingestion.BatchStatus) error
	Complete(ctx context.Context, id string, stats extract.Stats, paths []string) error
	Fail(ctx context.Context, id string, reason string) error
	Get(ctx context.Context, id string) (*registry.Batch, error)
}

// DocSetStore keeps the processed document set of each batch.
type DocSetStore interface {
	Put(ctx context.Context, batchID string, docs *roaring.Bitmap) error
	Get(ctx context.Context, batchID string) (*roaring.Bitmap, error)
}

// Submitter queues batches for asynchronous extraction.
type Submitter interface {
	Submit(ctx context.Context, req *ingestion.BatchRequest) (*ingestion.BatchAccepted, error)
}

// Options bounds request sizes.
type Options struct {
	MaxBodyBytes int64
	MaxDocuments int
	// MaxPreviewDocuments caps the postings preview, which runs in memory.
	MaxPreviewDocuments int
}

// BatchResult is the response of a synchronous extraction.
type BatchResult struct {
	BatchID     string                `json:"batch_id"`
	Status      ingestion.BatchStatus `json:"status"`
	Stats       extract.Stats         `json:"stats"`
	DocumentIDs []uint32              `json:"document_ids"`
	OutputPaths []string              `json:"output_paths"`
	DurationMs  int64                 `json:"duration_ms"`
}

// DocumentSet lists the documents processed by a batch.
type DocumentSet struct {
	BatchID     string   `json:"batch_id"`
	Count       uint64   `json:"count"`
	DocumentIDs []uint32 `json:"document_ids"`
}

// PreviewResult is the response of the postings preview.
type PreviewResult struct {
	Documents []uint32          `json:"documents"`
	Postings  index.PostingList `json:"postings"`
}

type Handler struct {
	runner    BatchRunner
	batches   BatchStore
	docSets   DocSetStore
	submitter Submitter
	opts      Options
	logger    *slog.Logger
}

// New creates a Handler. docSets and submitter may be nil; the endpoints
// depending on them then answer 503.
func New(runner BatchRunner, batches BatchStore, docSets DocSetStore, submitter Submitter, opts Options) *Handler {
	if opts.MaxPreviewDocuments <= 0 {
		opts.MaxPreviewDocuments = 100
	}
	return &Handler{
		runner:    runner,
		batches:   batches,
		docSets:   docSets,
		submitter: submitter,
		opts:      opts,
		logger:    slog.Default().With("component", "indexer-handler"),
	}
}

// SubmitBatch extracts a batch. With ?async=true the batch is queued instead
// and 202 is returned.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	req, ok := h.decodeBatch(w, r, h.opts.MaxDocuments)
	if !ok {
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if h.submitter == nil {
			h.writeError(w, http.StatusServiceUnavailable, "asynchronous extraction is disabled")
			return
		}
		accepted, err := h.submitter.Submit(ctx, req)
		if err != nil {
			h.writeAppError(w, log, "queueing batch failed", err)
			return
		}
		h.writeJSON(w, http.StatusAccepted, accepted)
		return
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	if err := h.batches.Begin(ctx, batchID, len(req.Documents), ingestion.StatusRunning); err != nil {
		h.writeAppError(w, log, "recording batch failed", err)
		return
	}

	out, err := h.runner.Run(ctx, batchID, req.Documents)
	if err != nil {
		if ferr := h.batches.Fail(context.WithoutCancel(ctx), batchID, err.Error()); ferr != nil {
			log.Error("failed to mark batch as failed", "batch_id", batchID, "error", ferr)
		}
		h.writeAppError(w, log, "extraction failed", err)
		return
	}
	if h.docSets != nil {
		if err := h.docSets.Put(ctx, batchID, out.DocumentIDs); err != nil {
			log.Warn("failed to cache document set", "batch_id", batchID, "error", err)
		}
	}
	if err := h.batches.Complete(ctx, batchID, out.Stats, out.Paths); err != nil {
		h.writeAppError(w, log, "recording batch failed", err)
		return
	}

	log.Info("batch extracted",
		"batch_id", batchID,
		"documents", out.Stats.Documents,
		"postings", out.Stats.Postings,
		"duration_ms", out.Duration.Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, BatchResult{
		BatchID:     batchID,
		Status:      ingestion.StatusCompleted,
		Stats:       out.Stats,
		DocumentIDs: out.DocumentIDs.ToArray(),
		OutputPaths: out.Paths,
		DurationMs:  out.Duration.Milliseconds(),
	})
}

// GetBatch returns the recorded state of a batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	batch, err := h.batches.Get(r.Context(), id)
	if err != nil {
		h.writeAppError(w, logger.FromContext(r.Context()), "loading batch failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// GetDocuments returns the processed document set of a batch.
func (h *Handler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	if h.docSets == nil {
		h.writeError(w, http.StatusServiceUnavailable, "document set cache is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	docs, err := h.docSets.Get(r.Context(), id)
	if err != nil {
		h.writeAppError(w, logger.FromContext(r.Context()), "loading document set failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, DocumentSet{
		BatchID:     id,
		Count:       docs.GetCardinality(),
		DocumentIDs: docs.ToArray(),
	})
}

// PreviewPostings extracts a small batch in memory and returns the decoded
// postings without storing anything.
func (h *Handler) PreviewPostings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logger.FromContext(r.Context())
	req, ok := h.decodeBatch(w, r, h.opts.MaxPreviewDocuments)
	if !ok {
		return
	}
	postings, docs, err := h.runner.Preview(req.Documents)
	if err != nil {
		h.writeAppError(w, log, "preview failed", err)
		return
	}
	if postings == nil {
		postings = index.PostingList{}
	}
	log.Debug("postings preview", "documents", docs.GetCardinality(), "postings", len(postings), "duration", time.Since(start))
	h.writeJSON(w, http.StatusOK, PreviewResult{
		Documents: docs.ToArray(),
		Postings:  postings,
	})
}

func (h *Handler) decodeBatch(w http.ResponseWriter, r *http.Request, maxDocuments int) (*ingestion.BatchRequest, bool) {
	body := r.Body
	if h.opts.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	}
	var req ingestion.BatchRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return nil, false
	}
	if err := validator.ValidateBatch(&req, maxDocuments); err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": verr.Fields,
			})
			return nil, false
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeAppError(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg, "error", err)
	} else {
		log.Warn(msg, "error", err)
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
