package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/extract"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/registry"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/sorter"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/resilience"
)

type memBatches struct {
	mu      sync.Mutex
	batches map[string]*registry.Batch
}

func (m *memBatches) Begin(_ context.Context, id string, documents int, status ingestion.BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[id]; ok {
		return apperrors.Newf(apperrors.ErrConflict, 0, "batch %s already exists", id)
	}
	m.batches[id] = &registry.Batch{ID: id, Status: status, Documents: documents}
	return nil
}

func (m *memBatches) Complete(_ context.Context, id string, stats extract.Stats, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batches[id]
	b.Status, b.Stats, b.OutputPaths = ingestion.StatusCompleted, &stats, paths
	return nil
}

func (m *memBatches) Fail(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batches[id]
	b.Status, b.Error = ingestion.StatusFailed, reason
	return nil
}

func (m *memBatches) Get(_ context.Context, id string) (*registry.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "batch %s not found", id)
	}
	cp := *b
	return &cp, nil
}

type memDocSets struct {
	mu   sync.Mutex
	sets map[string]*roaring.Bitmap
}

func (m *memDocSets) Put(_ context.Context, id string, docs *roaring.Bitmap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[id] = docs
	return nil
}

func (m *memDocSets) Get(_ context.Context, id string) (*roaring.Bitmap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.sets[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "document set of %s not cached", id)
	}
	return docs, nil
}

type stubSubmitter struct {
	got *ingestion.BatchRequest
	err error
}

func (s *stubSubmitter) Submit(_ context.Context, req *ingestion.BatchRequest) (*ingestion.BatchAccepted, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.got = req
	return &ingestion.BatchAccepted{BatchID: req.BatchID, Status: ingestion.StatusQueued}, nil
}

type testServer struct {
	handler   http.Handler
	batches   *memBatches
	docSets   *memDocSets
	submitter *stubSubmitter
	metrics   *metrics.Metrics
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	dir := t.TempDir()
	p := pipeline.New(pipeline.Config{
		DataDir:    dir,
		ChunkDir:   filepath.Join(dir, "tmp"),
		MaxThreads: 2,
		BatchSize:  10,
		Params: extract.Params{
			AttributeSpan: 1000,
			Sorter:        sorter.Config{CompressionType: sorter.CompressionZstd},
		},
		Retry: resilience.RetryConfig{MaxAttempts: 1},
	}, nil)
	ts := &testServer{
		batches:   &memBatches{batches: map[string]*registry.Batch{}},
		docSets:   &memDocSets{sets: map[string]*roaring.Bitmap{}},
		submitter: &stubSubmitter{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	checker := health.NewChecker()
	checker.Register("data_dir", health.DirCheck(dir))
	h := New(p, ts.batches, ts.docSets, ts.submitter, opts)
	ts.handler = NewRouter(h, ts.metrics, checker)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

const batchBody = `{
	"batch_id": "b1",
	"documents": [
		{"id": 2, "fields": {"0": "Zig is fast", "1": {"lang": "go"}}},
		{"id": 1, "fields": {"0": "hello world"}}
	]
}`

func TestSubmitBatchSync(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodPost, "/api/v1/batches", batchBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(pkgmw.RequestIDHeader))

	var res BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "b1", res.BatchID)
	assert.Equal(t, ingestion.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Stats.Documents)
	assert.Equal(t, 7, res.Stats.Postings)
	assert.Equal(t, []uint32{1, 2}, res.DocumentIDs)
	require.Len(t, res.OutputPaths, 1)
	assert.FileExists(t, res.OutputPaths[0])

	assert.Equal(t, ingestion.StatusCompleted, ts.batches.batches["b1"].Status)
	assert.Equal(t, []uint32{1, 2}, ts.docSets.sets["b1"].ToArray())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		ts.metrics.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/batches", "200")))

	rec = ts.do(t, http.MethodPost, "/api/v1/batches", batchBody)
	assert.Equal(t, http.StatusConflict, rec.Code, "batch ids are single use")
}

func TestSubmitBatchAsync(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodPost, "/api/v1/batches?async=true", batchBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"batch_id":"b1","status":"QUEUED"}`, rec.Body.String())
	require.NotNil(t, ts.submitter.got)
	assert.Len(t, ts.submitter.got.Documents, 2)

	ts.submitter.err = apperrors.Wrap(apperrors.ErrUnavailable, errors.New("broker down"), "queueing batch")
	rec = ts.do(t, http.MethodPost, "/api/v1/batches?async=true", batchBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitBatchValidation(t *testing.T) {
	ts := newTestServer(t, Options{MaxDocuments: 1, MaxBodyBytes: 4096})
	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"malformed body", `{"documents": [`, http.StatusBadRequest, ""},
		{"empty batch", `{"documents": []}`, http.StatusBadRequest, "documents"},
		{"too many documents", batchBody, http.StatusBadRequest, "documents"},
		{"bad batch id", `{"batch_id": "../etc", "documents": [{"id": 1, "fields": {}}]}`, http.StatusBadRequest, "batch_id"},
		{"too large", `{"documents": [{"id": 1, "fields": {"0": "` + strings.Repeat("x", 5000) + `"}}]}`, http.StatusRequestEntityTooLarge, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/batches", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.field != "" {
				var body struct {
					Fields map[string]string `json:"fields"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Contains(t, body.Fields, tt.field)
			}
		})
	}
	assert.Empty(t, ts.batches.batches, "rejected requests are not recorded")
}

func TestGetBatchAndDocuments(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/batches", batchBody).Code)

	rec := ts.do(t, http.MethodGet, "/api/v1/batches/b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var batch registry.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, ingestion.StatusCompleted, batch.Status)
	assert.Equal(t, 2, batch.Documents)

	rec = ts.do(t, http.MethodGet, "/api/v1/batches/b1/documents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"batch_id":"b1","count":2,"document_ids":[1,2]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/batches/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/batches/nope/documents", "").Code)
}

func TestPreviewPostings(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodPost, "/api/v1/postings",
		`{"documents": [{"id": 7, "fields": {"0": "hello world", "3": null}}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{
		"documents": [7],
		"postings": [
			{"doc_id": 7, "term": "hello", "positions": [0]},
			{"doc_id": 7, "term": "world", "positions": [1]}
		]
	}`, rec.Body.String())
	assert.Empty(t, ts.batches.batches, "previews are not recorded")
}

func TestHealthRoutes(t *testing.T) {
	ts := newTestServer(t, Options{})
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/live", "").Code)
	rec := ts.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("data_dir")))
}
