package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/extract"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/sorter"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/resilience"
)

type fakeBatches struct {
	statuses map[string]ingestion.BatchStatus
	reasons  map[string]string
	paths    map[string][]string
	startErr error
}

func newFakeBatches() *fakeBatches {
	return &fakeBatches{
		statuses: map[string]ingestion.BatchStatus{},
		reasons:  map[string]string{},
		paths:    map[string][]string{},
	}
}

func (f *fakeBatches) Start(_ context.Context, id string, _ int) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.statuses[id] == ingestion.StatusCompleted {
		return apperrors.Newf(apperrors.ErrConflict, 0, "batch %s already completed", id)
	}
	f.statuses[id] = ingestion.StatusRunning
	return nil
}

func (f *fakeBatches) Complete(_ context.Context, id string, _ extract.Stats, paths []string) error {
	f.statuses[id] = ingestion.StatusCompleted
	f.paths[id] = paths
	return nil
}

func (f *fakeBatches) Fail(_ context.Context, id, reason string) error {
	f.statuses[id] = ingestion.StatusFailed
	f.reasons[id] = reason
	return nil
}

type fakeDocSets map[string]*roaring.Bitmap

func (f fakeDocSets) Put(_ context.Context, id string, docs *roaring.Bitmap) error {
	f[id] = docs
	return nil
}

type fakeProducer struct{ events []kafka.Event }

func (f *fakeProducer) Publish(_ context.Context, e kafka.Event) error {
	f.events = append(f.events, e)
	return nil
}

type runnerFunc func(ctx context.Context, id string, docs []ingestion.Document) (*pipeline.Output, error)

func (f runnerFunc) Run(ctx context.Context, id string, docs []ingestion.Document) (*pipeline.Output, error) {
	return f(ctx, id, docs)
}

func newPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	dir := t.TempDir()
	return pipeline.New(pipeline.Config{
		DataDir:    dir,
		ChunkDir:   filepath.Join(dir, "tmp"),
		MaxThreads: 2,
		BatchSize:  2,
		Params: extract.Params{
			AttributeSpan: 1000,
			Sorter:        sorter.Config{CompressionType: sorter.CompressionNone},
		},
		Retry: resilience.RetryConfig{MaxAttempts: 1},
	}, nil)
}

func encode(t *testing.T, id string, fields ...string) []byte {
	t.Helper()
	event := ingestion.BatchEvent{BatchID: id, SubmittedAt: time.Now()}
	for i, f := range fields {
		event.Documents = append(event.Documents, ingestion.Document{
			ID:     uint32(i + 1),
			Fields: map[uint16]json.RawMessage{0: json.RawMessage(f)},
		})
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return data
}

func TestHandleMessageExtractsBatch(t *testing.T) {
	batches, docSets, completed := newFakeBatches(), fakeDocSets{}, &fakeProducer{}
	handle := HandleMessage(Deps{
		Pipeline:  newPipeline(t),
		Batches:   batches,
		DocSets:   docSets,
		Completed: completed,
	})

	require.NoError(t, handle(t.Context(), []byte("b1"), encode(t, "b1", `"alpha beta"`, `"gamma"`, `"delta"`)))
	assert.Equal(t, ingestion.StatusCompleted, batches.statuses["b1"])
	assert.Len(t, batches.paths["b1"], 2)
	assert.Equal(t, []uint32{1, 2, 3}, docSets["b1"].ToArray())

	require.Len(t, completed.events, 1)
	event := completed.events[0].Value.(ingestion.BatchCompletedEvent)
	assert.Equal(t, "b1", event.BatchID)
	assert.Equal(t, 3, event.Documents)
	assert.Equal(t, 4, event.Postings)
	assert.Equal(t, []uint32{1, 2, 3}, event.DocumentIDs)
}

func TestHandleMessageSkipsCompletedBatch(t *testing.T) {
	batches := newFakeBatches()
	batches.statuses["b1"] = ingestion.StatusCompleted
	ran := false
	handle := HandleMessage(Deps{
		Pipeline: runnerFunc(func(context.Context, string, []ingestion.Document) (*pipeline.Output, error) {
			ran = true
			return nil, nil
		}),
		Batches: batches,
	})
	require.NoError(t, handle(t.Context(), nil, encode(t, "b1", `"x"`)))
	assert.False(t, ran)
}

func TestHandleMessageAcknowledgesBadInput(t *testing.T) {
	batches := newFakeBatches()
	handle := HandleMessage(Deps{Pipeline: newPipeline(t), Batches: batches})

	assert.NoError(t, handle(t.Context(), nil, []byte("not json")))
	assert.NoError(t, handle(t.Context(), nil, encode(t, "", `"x"`)))

	require.NoError(t, handle(t.Context(), nil, encode(t, "b2", `{"broken"`)))
	assert.Equal(t, ingestion.StatusFailed, batches.statuses["b2"])
	assert.Contains(t, batches.reasons["b2"], "valid JSON")
}

func TestHandleMessageFailsBatchOnContentError(t *testing.T) {
	batches := newFakeBatches()
	handle := HandleMessage(Deps{
		Pipeline: runnerFunc(func(context.Context, string, []ingestion.Document) (*pipeline.Output, error) {
			return nil, apperrors.Newf(apperrors.ErrSerialization, 0, "offset overflow")
		}),
		Batches: batches,
	})
	require.NoError(t, handle(t.Context(), nil, encode(t, "b3", `"x"`)))
	assert.Equal(t, ingestion.StatusFailed, batches.statuses["b3"])
	assert.Contains(t, batches.reasons["b3"], "offset overflow")
}

func TestHandleMessageRedeliversOnInfrastructureError(t *testing.T) {
	batches := newFakeBatches()
	handle := HandleMessage(Deps{
		Pipeline: runnerFunc(func(context.Context, string, []ingestion.Document) (*pipeline.Output, error) {
			return nil, apperrors.Wrap(apperrors.ErrSorter, errors.New("disk full"), "spilling")
		}),
		Batches: batches,
	})
	err := handle(t.Context(), nil, encode(t, "b4", `"x"`))
	assert.ErrorIs(t, err, apperrors.ErrSorter)
	assert.Equal(t, ingestion.StatusRunning, batches.statuses["b4"])

	batches.startErr = errors.New("postgres down")
	assert.Error(t, handle(t.Context(), nil, encode(t, "b5", `"x"`)))
}
