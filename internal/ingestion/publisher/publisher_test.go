package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/kafka"
)

type fakeRecorder struct {
	begun  map[string]ingestion.BatchStatus
	failed map[string]string
	err    error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{begun: map[string]ingestion.BatchStatus{}, failed: map[string]string{}}
}

func (f *fakeRecorder) Begin(_ context.Context, id string, _ int, status ingestion.BatchStatus) error {
	if f.err != nil {
		return f.err
	}
	f.begun[id] = status
	return nil
}

func (f *fakeRecorder) Fail(_ context.Context, id, reason string) error {
	f.failed[id] = reason
	return nil
}

type fakeProducer struct {
	events []kafka.Event
	err    error
}

func (f *fakeProducer) Publish(_ context.Context, e kafka.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func request(id string) *ingestion.BatchRequest {
	return &ingestion.BatchRequest{
		BatchID: id,
		Documents: []ingestion.Document{
			{ID: 1, Fields: map[uint16]json.RawMessage{0: json.RawMessage(`"hello"`)}},
		},
	}
}

func TestSubmitQueuesAndPublishes(t *testing.T) {
	rec, prod := newFakeRecorder(), &fakeProducer{}
	p := New(rec, prod)

	accepted, err := p.Submit(t.Context(), request("b1"))
	require.NoError(t, err)
	assert.Equal(t, &ingestion.BatchAccepted{BatchID: "b1", Status: ingestion.StatusQueued}, accepted)
	assert.Equal(t, ingestion.StatusQueued, rec.begun["b1"])

	require.Len(t, prod.events, 1)
	assert.Equal(t, "b1", prod.events[0].Key)
	event := prod.events[0].Value.(ingestion.BatchEvent)
	assert.Equal(t, "b1", event.BatchID)
	assert.Len(t, event.Documents, 1)
	assert.False(t, event.SubmittedAt.IsZero())
}

func TestSubmitGeneratesBatchID(t *testing.T) {
	prod := &fakeProducer{}
	accepted, err := New(newFakeRecorder(), prod).Submit(t.Context(), request(""))
	require.NoError(t, err)
	assert.Len(t, accepted.BatchID, 36)
	assert.Equal(t, accepted.BatchID, prod.events[0].Key)
}

func TestSubmitConflict(t *testing.T) {
	rec := newFakeRecorder()
	rec.err = apperrors.Newf(apperrors.ErrConflict, 0, "batch b1 already exists")
	prod := &fakeProducer{}
	_, err := New(rec, prod).Submit(t.Context(), request("b1"))
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Empty(t, prod.events)
}

func TestSubmitPublishFailureMarksBatchFailed(t *testing.T) {
	rec := newFakeRecorder()
	prod := &fakeProducer{err: errors.New("broker down")}
	_, err := New(rec, prod).Submit(t.Context(), request("b2"))
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.Contains(t, rec.failed["b2"], "broker down")
}
