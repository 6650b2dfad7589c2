package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/extract"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/sorter"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/resilience"
)

func doc(id uint32, fields ...string) ingestion.Document {
	d := ingestion.Document{ID: id, Fields: map[uint16]json.RawMessage{}}
	for i, f := range fields {
		d.Fields[uint16(i)] = json.RawMessage(f)
	}
	return d
}

func testConfig(t *testing.T, batchSize, threads int) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		DataDir:    dir,
		ChunkDir:   filepath.Join(dir, "tmp"),
		MaxThreads: threads,
		BatchSize:  batchSize,
		Params: extract.Params{
			AttributeSpan: 1000,
			Sorter:        sorter.Config{CompressionType: sorter.CompressionSnappy},
		},
		Retry: resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond},
	}
}

func TestPartition(t *testing.T) {
	docs := []ingestion.Document{doc(1), doc(2), doc(3), doc(4), doc(5)}
	tests := []struct {
		size  int
		sizes []int
	}{
		{2, []int{2, 2, 1}},
		{5, []int{5}},
		{10, []int{5}},
		{0, []int{5}},
		{1, []int{1, 1, 1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.size), func(t *testing.T) {
			parts := Partition(docs, tt.size)
			var sizes []int
			for _, p := range parts {
				sizes = append(sizes, len(p))
			}
			assert.Equal(t, tt.sizes, sizes)
		})
	}
	assert.Nil(t, Partition(nil, 3))
}

func TestWriteBatchOrdersDocumentsAndFields(t *testing.T) {
	docs := []ingestion.Document{
		{ID: 9, Fields: map[uint16]json.RawMessage{3: json.RawMessage(`"c"`), 1: json.RawMessage(`"a"`)}},
		{ID: 2, Fields: map[uint16]json.RawMessage{0: json.RawMessage(`1`)}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteBatch(&buf, docs, sorter.CompressionLz4))

	r, err := sorter.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	key, value, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2}, key)
	fr := obkv.NewReader(value)
	require.True(t, fr.Next())
	assert.Equal(t, index.FieldID(0), fr.Field())
	assert.Equal(t, []byte(`1`), fr.Value())

	key, value, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 9}, key)
	fr = obkv.NewReader(value)
	var fields []index.FieldID
	for fr.Next() {
		fields = append(fields, fr.Field())
	}
	require.NoError(t, fr.Err())
	assert.Equal(t, []index.FieldID{1, 3}, fields)
}

func TestWriteBatchRejectsDuplicateIDs(t *testing.T) {
	var buf bytes.Buffer
	err := WriteBatch(&buf, []ingestion.Document{doc(4, `"a"`), doc(4, `"b"`)}, sorter.CompressionNone)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func readOutputs(t *testing.T, paths []string) index.PostingList {
	t.Helper()
	var all index.PostingList
	for _, path := range paths {
		r, err := sorter.OpenReader(path)
		require.NoError(t, err)
		postings, err := index.Collect(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		all = append(all, postings...)
	}
	return all
}

func TestRunMatchesPreview(t *testing.T) {
	var docs []ingestion.Document
	for i := uint32(0); i < 9; i++ {
		docs = append(docs, doc(i,
			fmt.Sprintf(`"document number %d"`, i),
			`{"tags": ["go", "search"], "year": 2024}`,
		))
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := New(testConfig(t, 2, 3), m)

	out, err := p.Run(t.Context(), "batch-1", docs)
	require.NoError(t, err)
	assert.Equal(t, "batch-1", out.BatchID)
	require.Len(t, out.Paths, 5)
	for i, path := range out.Paths {
		assert.Equal(t, filepath.Join(p.PostingsDir(), fmt.Sprintf("batch-1-%d.pchk", i)), path)
	}
	assert.Equal(t, uint64(9), out.DocumentIDs.GetCardinality())
	assert.Equal(t, 9, out.Stats.Documents)

	want, ids, err := p.Preview(docs)
	require.NoError(t, err)
	assert.True(t, ids.Equals(out.DocumentIDs))
	assert.Equal(t, want, readOutputs(t, out.Paths))
	assert.Equal(t, len(want), out.Stats.Postings)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("success")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.DocsExtractedTotal))
	assert.Equal(t, float64(out.Stats.Postings), testutil.ToFloat64(m.PostingsTotal))
	assert.Zero(t, testutil.ToFloat64(m.ActiveBatches))

	leftovers, err := os.ReadDir(filepath.Join(p.cfg.DataDir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "batch and sorter chunks are removed")
}

func TestRunGeneratesBatchID(t *testing.T) {
	p := New(testConfig(t, 10, 1), nil)
	out, err := p.Run(t.Context(), "", []ingestion.Document{doc(1, `"hello"`)})
	require.NoError(t, err)
	assert.Len(t, out.BatchID, 36)
	require.Len(t, out.Paths, 1)
	assert.FileExists(t, out.Paths[0])
}

func TestRunFailureKeepsNoOutput(t *testing.T) {
	docs := []ingestion.Document{
		doc(1, `"fine"`), doc(2, `"fine"`), doc(3, `"fine"`),
		doc(4, `{"broken"`),
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := New(testConfig(t, 1, 1), m)

	_, err := p.Run(t.Context(), "bad", docs)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInternal)
	assert.False(t, apperrors.Retryable(err))
	assert.Zero(t, testutil.ToFloat64(m.BatchRetriesTotal), "malformed input is not retried")

	files, err := os.ReadDir(p.PostingsDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRunHonoursCancellation(t *testing.T) {
	p := New(testConfig(t, 1, 1), nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := p.Run(ctx, "cancelled", []ingestion.Document{doc(1, `"a"`), doc(2, `"b"`)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPreviewAppliesStopWordsAndSearchable(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Indexer.DataDir = t.TempDir()
	cfg.Extractor.EnglishStopWords = true
	cfg.Extractor.SearchableFields = []uint16{1}
	pc, err := ConfigFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, sorter.CompressionSnappy, pc.Params.Sorter.CompressionType)
	assert.True(t, pc.Searchable.Contains(1))
	assert.False(t, pc.Searchable.Contains(0))

	postings, _, err := New(pc, nil).Preview([]ingestion.Document{
		doc(5, `"ignored field"`, `"the lord of the rings"`),
	})
	require.NoError(t, err)
	got := map[string][]uint32{}
	for _, posting := range postings {
		got[posting.Term] = posting.Positions
	}
	assert.Equal(t, map[string][]uint32{
		"lord":  {1000 + 1},
		"rings": {1000 + 4},
	}, got)
}

func TestConfigFromRejectsUnknownCompression(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sorter.CompressionType = "brotli"
	_, err = ConfigFrom(cfg)
	assert.Error(t, err)
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	require.NoError(t, moveFile(src, dst))
	assert.NoFileExists(t, src)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
