// Package pipeline runs postings extraction over a set of documents. The
// documents are partitioned into batches, each batch is encoded to a chunk
// file and handed to its own Extractor, and the batches run concurrently up
// to a thread limit. Finished postings chunks are moved into the data
// directory.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/extract"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/sorter"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/tracing"
)

// PostingsExt is the file extension of finished postings chunks.
const PostingsExt = ".pchk"

// Config is the resolved configuration of a Pipeline.
type Config struct {
	DataDir    string
	ChunkDir   string
	MaxThreads int
	BatchSize  int
	// Params.Sorter.MaxMemory is the budget of each batch.
	Params     extract.Params
	Searchable index.FieldSet
	StopWords  *tokenizer.StopWords
	Retry      resilience.RetryConfig
}

// ConfigFrom resolves the application configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	compression, err := sorter.ParseCompression(cfg.Sorter.CompressionType)
	if err != nil {
		return Config{}, err
	}
	words := cfg.Extractor.StopWords
	if cfg.Extractor.EnglishStopWords {
		words = append(tokenizer.English(), words...)
	}
	var stopWords *tokenizer.StopWords
	if len(words) > 0 {
		stopWords, err = tokenizer.NewStopWords(words)
		if err != nil {
			return Config{}, fmt.Errorf("building stop words: %w", err)
		}
	}
	var searchable index.FieldSet
	if len(cfg.Extractor.SearchableFields) > 0 {
		ids := make([]index.FieldID, len(cfg.Extractor.SearchableFields))
		for i, id := range cfg.Extractor.SearchableFields {
			ids[i] = index.FieldID(id)
		}
		searchable = index.NewFieldSet(ids...)
	}
	return Config{
		DataDir:    cfg.Indexer.DataDir,
		ChunkDir:   cfg.Indexer.ChunkDir(),
		MaxThreads: cfg.Indexer.MaxThreads,
		BatchSize:  cfg.Indexer.BatchSize,
		Params: extract.Params{
			AttributeSpan: cfg.Extractor.AttributeSpan,
			Stemming:      cfg.Extractor.Stemming,
			Sorter: sorter.Config{
				CompressionType:  compression,
				CompressionLevel: cfg.Sorter.CompressionLevel,
				MaxChunks:        cfg.Sorter.MaxChunks,
				MaxMemory:        cfg.Indexer.MaxMemoryByThread(),
			},
		},
		Searchable: searchable,
		StopWords:  stopWords,
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Indexer.RetryAttempts,
			InitialDelay: cfg.Indexer.RetryDelay,
		},
	}, nil
}

// Output describes the postings produced for one Run.
type Output struct {
	BatchID     string
	DocumentIDs *roaring.Bitmap
	Stats       extract.Stats
	// Paths lists one postings chunk per batch, in batch order.
	Paths    []string
	Duration time.Duration
}

// Pipeline runs extraction batches concurrently.
type Pipeline struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Pipeline. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Pipeline {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1
	}
	cfg.Params.Sorter.TempDir = cfg.ChunkDir
	return &Pipeline{
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "pipeline"),
	}
}

// PostingsDir is where finished postings chunks are stored.
func (p *Pipeline) PostingsDir() string {
	return filepath.Join(p.cfg.DataDir, "postings")
}

// Run extracts the postings of docs. An empty batchID is replaced by a new
// UUID. Either every batch succeeds or no output is kept.
func (p *Pipeline) Run(ctx context.Context, batchID string, docs []ingestion.Document) (out *Output, err error) {
	start := time.Now()
	if batchID == "" {
		batchID = uuid.NewString()
	}
	root := tracing.FromContext(ctx) == nil
	ctx, span := tracing.Start(ctx, "pipeline.run")
	span.SetAttr("batch_id", batchID)
	span.SetAttr("documents", len(docs))
	defer func() {
		span.End(err)
		if root {
			span.Log(ctx, p.logger)
		}
	}()
	for _, dir := range []string{p.PostingsDir(), p.cfg.ChunkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSorter, err, "creating %s", dir)
		}
	}

	parts := Partition(docs, p.cfg.BatchSize)
	results := make([]*batchResult, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxThreads)
	for i, part := range parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bctx, bspan := tracing.Start(gctx, "extract.batch")
			bspan.SetAttr("index", i)
			bspan.SetAttr("documents", len(part))
			dest := filepath.Join(p.PostingsDir(), fmt.Sprintf("%s-%d%s", batchID, i, PostingsExt))
			res, err := p.runBatch(bctx, part, dest)
			if res != nil {
				bspan.SetAttr("postings", res.stats.Postings)
				bspan.SetAttr("spills", res.stats.Spills)
			}
			bspan.End(err)
			if err != nil {
				return fmt.Errorf("batch %d of %s: %w", i, batchID, err)
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()
	if err != nil {
		for _, res := range results {
			if res != nil {
				os.Remove(res.path)
			}
		}
		p.observe(len(parts), extract.Stats{}, time.Since(start), err)
		p.logger.Error("extraction failed", "batch_id", batchID, "error", err)
		return nil, err
	}

	out = &Output{
		BatchID: batchID,
		Paths:   make([]string, 0, len(results)),
	}
	bitmaps := make([]*roaring.Bitmap, 0, len(results))
	for _, res := range results {
		out.Stats.Add(res.stats)
		out.Paths = append(out.Paths, res.path)
		bitmaps = append(bitmaps, res.docIDs)
	}
	out.DocumentIDs = roaring.New()
	if len(bitmaps) > 0 {
		out.DocumentIDs = roaring.FastOr(bitmaps...)
	}
	out.Duration = time.Since(start)
	p.observe(len(parts), out.Stats, out.Duration, nil)
	p.logger.Info("extraction complete",
		"batch_id", batchID,
		"batches", len(parts),
		"documents", out.Stats.Documents,
		"postings", out.Stats.Postings,
		"duration", out.Duration,
	)
	return out, nil
}

type batchResult struct {
	docIDs *roaring.Bitmap
	stats  extract.Stats
	path   string
}

func (p *Pipeline) runBatch(ctx context.Context, docs []ingestion.Document, dest string) (*batchResult, error) {
	if p.metrics != nil {
		p.metrics.ActiveBatches.Inc()
		defer p.metrics.ActiveBatches.Dec()
	}
	batch, err := p.writeBatchFile(docs)
	if err != nil {
		return nil, err
	}
	defer batch.Remove()

	extractor, err := extract.New(p.cfg.Params, p.cfg.Searchable, p.cfg.StopWords)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err, "configuring extractor")
	}
	retry := p.cfg.Retry
	retry.OnRetry = func(attempt int, _ error) {
		tracing.FromContext(ctx).SetAttr("retry", attempt)
		if p.metrics != nil {
			p.metrics.BatchRetriesTotal.Inc()
		}
	}

	var res *extract.Result
	err = resilience.RetryIf(ctx, "extract batch", retry, apperrors.Retryable, func() error {
		batch.Reset()
		var err error
		res, err = extractor.Extract(batch)
		return err
	})
	if err != nil {
		return nil, err
	}

	src := res.Postings.Path()
	if err := res.Postings.Close(); err != nil {
		os.Remove(src)
		return nil, apperrors.Wrap(apperrors.ErrSorter, err, "closing postings")
	}
	if err := moveFile(src, dest); err != nil {
		os.Remove(src)
		return nil, apperrors.Wrap(apperrors.ErrSorter, err, "storing postings")
	}
	return &batchResult{docIDs: res.DocumentIDs, stats: res.Stats, path: dest}, nil
}

func (p *Pipeline) writeBatchFile(docs []ingestion.Document) (*sorter.Reader, error) {
	f, err := os.CreateTemp(p.cfg.ChunkDir, "batch-*.chunk")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSorter, err, "creating batch file")
	}
	path := f.Name()
	if err := WriteBatch(f, docs, p.cfg.Params.Sorter.CompressionType); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, apperrors.Wrap(apperrors.ErrSorter, err, "closing batch file")
	}
	r, err := sorter.OpenReader(path)
	if err != nil {
		os.Remove(path)
		return nil, apperrors.Wrap(apperrors.ErrSorter, err, "opening batch file")
	}
	return r, nil
}

// Preview extracts docs as a single in-memory batch and returns the decoded
// postings. Nothing is written to the data directory.
func (p *Pipeline) Preview(docs []ingestion.Document) (index.PostingList, *roaring.Bitmap, error) {
	var buf bytes.Buffer
	if err := WriteBatch(&buf, docs, sorter.CompressionNone); err != nil {
		return nil, nil, err
	}
	batch, err := sorter.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternal, err, "reading batch")
	}
	if err := os.MkdirAll(p.cfg.ChunkDir, 0755); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrSorter, err, "creating %s", p.cfg.ChunkDir)
	}
	res, err := extract.DocidWordPositions(batch, p.cfg.Params, p.cfg.Searchable, p.cfg.StopWords)
	if err != nil {
		return nil, nil, err
	}
	defer res.Postings.Remove()
	postings, err := index.Collect(res.Postings)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrSorter, err, "reading postings")
	}
	return postings, res.DocumentIDs, nil
}

func (p *Pipeline) observe(batches int, stats extract.Stats, d time.Duration, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.BatchesTotal.WithLabelValues(status).Add(float64(batches))
	p.metrics.BatchDuration.Observe(d.Seconds())
	p.metrics.DocsExtractedTotal.Add(float64(stats.Documents))
	p.metrics.PostingsTotal.Add(float64(stats.Postings))
	p.metrics.FieldsTruncatedTotal.Add(float64(stats.FieldsTruncated))
	p.metrics.SorterSpillsTotal.Add(float64(stats.Spills))
}

// moveFile renames src to dst, copying when they live on different file
// systems. dst appears atomically either way.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying postings: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing postings: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing postings: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming postings: %w", err)
	}
	return os.Remove(src)
}
