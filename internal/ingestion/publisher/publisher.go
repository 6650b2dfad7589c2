// Package publisher queues document batches for asynchronous extraction. A
// batch is recorded as QUEUED and published to Kafka, keyed by batch id, for
// the indexer consumer to pick up.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/kafka"
)

// BatchRecorder records the lifecycle of queued batches.
type BatchRecorder interface {
	Begin(ctx context.Context, id string, documents int, status ingestion.BatchStatus) error
	Fail(ctx context.Context, id string, reason string) error
}

// EventPublisher writes events to the batch topic.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Publisher coordinates batch bookkeeping and Kafka event production.
type Publisher struct {
	batches  BatchRecorder
	producer EventPublisher
	logger   *slog.Logger
}

// New creates a Publisher.
func New(batches BatchRecorder, producer EventPublisher) *Publisher {
	return &Publisher{
		batches:  batches,
		producer: producer,
		logger:   slog.Default().With("component", "publisher"),
	}
}

// Submit records req as QUEUED and publishes it. The request must already be
// validated. A batch whose event cannot be published is marked FAILED and
// ErrUnavailable is returned.
func (p *Publisher) Submit(ctx context.Context, req *ingestion.BatchRequest) (*ingestion.BatchAccepted, error) {
	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	if err := p.batches.Begin(ctx, batchID, len(req.Documents), ingestion.StatusQueued); err != nil {
		return nil, fmt.Errorf("recording batch: %w", err)
	}

	event := kafka.Event{
		Key: batchID,
		Value: ingestion.BatchEvent{
			BatchID:     batchID,
			Documents:   req.Documents,
			SubmittedAt: time.Now().UTC(),
		},
	}
	if err := p.producer.Publish(ctx, event); err != nil {
		p.logger.Error("failed to publish batch",
			"batch_id", batchID,
			"documents", len(req.Documents),
			"error", err,
		)
		if ferr := p.batches.Fail(context.WithoutCancel(ctx), batchID, "publishing batch: "+err.Error()); ferr != nil {
			p.logger.Error("failed to mark batch as failed", "batch_id", batchID, "error", ferr)
		}
		return nil, apperrors.Wrap(apperrors.ErrUnavailable, err, "queueing batch %s", batchID)
	}

	p.logger.Info("batch queued", "batch_id", batchID, "documents", len(req.Documents))
	return &ingestion.BatchAccepted{
		BatchID: batchID,
		Status:  ingestion.StatusQueued,
	}, nil
}
