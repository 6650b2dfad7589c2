// Package consumer reads batch events from Kafka and runs them through the
// extraction pipeline, recording each batch's lifecycle as it goes.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/extract"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/kafka"
)

// Runner extracts the postings of a batch.
type Runner interface {
	Run(ctx context.Context, batchID string, docs []ingestion.Document) (*pipeline.Output, error)
}

// BatchTracker records batch state transitions.
type BatchTracker interface {
	Start(ctx context.Context, id string, documents int) error
	Complete(ctx context.Context, id string, stats extract.Stats, paths []string) error
	Fail(ctx context.Context, id string, reason string) error
}

// DocSetWriter stores the processed document set of a batch.
type DocSetWriter interface {
	Put(ctx context.Context, batchID string, docs *roaring.Bitmap) error
}

// EventPublisher announces completed batches.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Deps wires a batch handler. DocSets and Completed are optional.
type Deps struct {
	Pipeline     Runner
	Batches      BatchTracker
	DocSets      DocSetWriter
	Completed    EventPublisher
	MaxDocuments int
}

// IndexConsumer wraps a Kafka consumer to drive the extraction pipeline.
type IndexConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates an IndexConsumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *IndexConsumer {
	return &IndexConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "index-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting")
	return ic.consumer.Start(ctx)
}

// HandleMessage returns a Kafka MessageHandler that extracts each batch
// event. Malformed events and batches that fail on their content are
// recorded and acknowledged; infrastructure failures are returned so the
// message is redelivered.
func HandleMessage(deps Deps) kafka.MessageHandler {
	logger := slog.Default().With("component", "index-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ingestion.BatchEvent](value)
		if err != nil {
			logger.Error("failed to decode batch event",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		req := &ingestion.BatchRequest{BatchID: event.BatchID, Documents: event.Documents}
		if event.BatchID == "" {
			logger.Error("dropping batch event without id", "key", string(key))
			return nil
		}
		if err := validator.ValidateBatch(req, deps.MaxDocuments); err != nil {
			logger.Error("dropping invalid batch", "batch_id", event.BatchID, "error", err)
			if validator.ValidateBatchID(event.BatchID) == nil {
				return markFailed(ctx, deps.Batches, event.BatchID, err, logger)
			}
			return nil
		}

		if err := deps.Batches.Start(ctx, event.BatchID, len(event.Documents)); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				logger.Info("batch already completed, skipping", "batch_id", event.BatchID)
				return nil
			}
			return fmt.Errorf("starting batch %s: %w", event.BatchID, err)
		}
		logger.Debug("processing batch event",
			"batch_id", event.BatchID,
			"documents", len(event.Documents),
			"queued_for", time.Since(event.SubmittedAt),
		)

		out, err := deps.Pipeline.Run(ctx, event.BatchID, event.Documents)
		if err != nil {
			if ctx.Err() != nil || apperrors.Retryable(err) {
				return fmt.Errorf("extracting batch %s: %w", event.BatchID, err)
			}
			return markFailed(ctx, deps.Batches, event.BatchID, err, logger)
		}

		if deps.DocSets != nil {
			if err := deps.DocSets.Put(ctx, event.BatchID, out.DocumentIDs); err != nil {
				logger.Warn("failed to cache document set", "batch_id", event.BatchID, "error", err)
			}
		}
		if err := deps.Batches.Complete(ctx, event.BatchID, out.Stats, out.Paths); err != nil {
			return fmt.Errorf("completing batch %s: %w", event.BatchID, err)
		}
		if deps.Completed != nil {
			completed := kafka.Event{
				Key: event.BatchID,
				Value: ingestion.BatchCompletedEvent{
					BatchID:     event.BatchID,
					Documents:   out.Stats.Documents,
					Postings:    out.Stats.Postings,
					OutputPaths: out.Paths,
					DocumentIDs: out.DocumentIDs.ToArray(),
					CompletedAt: time.Now().UTC(),
				},
			}
			if err := deps.Completed.Publish(ctx, completed); err != nil {
				logger.Error("failed to publish completion", "batch_id", event.BatchID, "error", err)
			}
		}

		logger.Info("batch extracted",
			"batch_id", event.BatchID,
			"documents", out.Stats.Documents,
			"postings", out.Stats.Postings,
			"outputs", len(out.Paths),
		)
		return nil
	}
}

func markFailed(ctx context.Context, batches BatchTracker, id string, cause error, logger *slog.Logger) error {
	if err := batches.Fail(ctx, id, cause.Error()); err != nil {
		return fmt.Errorf("failing batch %s: %w", id, err)
	}
	logger.Warn("batch failed", "batch_id", id, "error", cause)
	return nil
}
