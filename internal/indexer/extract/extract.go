// Package extract turns a batch of documents into sorted
// (document, term) -> positions records.
//
// Each document of the batch is a big-endian document id key and an obkv
// field map whose values are JSON. Searchable fields are flattened to text,
// tokenized, given proximity-aware offsets and written to an external sorter
// keyed by document id ‖ term. Colliding keys concatenate their positions, so
// the finished stream holds every position of a term within a document in
// encounter order.
package extract

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/flatten"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/position"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/sorter"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
)

// DocumentReader yields the documents of a batch: a 4-byte big-endian
// document id and its encoded field map. Next returns io.EOF at the end.
type DocumentReader = index.Cursor

// Params tunes an extraction.
type Params struct {
	// AttributeSpan is the number of positions reserved per field. Zero
	// selects position.DefaultAttributeSpan.
	AttributeSpan uint32
	Sorter        sorter.Config
	Stemming      bool
}

// Stats counts what an extraction did.
type Stats struct {
	Documents int `json:"documents"`
	// FieldsSeen counts searchable fields that were decoded.
	FieldsSeen int `json:"fields_seen"`
	// FieldsFiltered counts fields outside the searchable set.
	FieldsFiltered int `json:"fields_filtered"`
	// FieldsSkipped counts searchable fields with nothing to index.
	FieldsSkipped   int `json:"fields_skipped"`
	FieldsTruncated int `json:"fields_truncated"`
	Postings        int `json:"postings"`
	// Spills counts sorter buffers written to disk.
	Spills int `json:"spills"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Documents += o.Documents
	s.FieldsSeen += o.FieldsSeen
	s.FieldsFiltered += o.FieldsFiltered
	s.FieldsSkipped += o.FieldsSkipped
	s.FieldsTruncated += o.FieldsTruncated
	s.Postings += o.Postings
	s.Spills += o.Spills
}

// Result is the output of one extraction. The caller owns Postings and must
// Close or Remove it.
type Result struct {
	DocumentIDs *roaring.Bitmap
	Postings    *sorter.Reader
	Stats       Stats
}

// Extractor holds the scratch state for extracting batches one at a time.
// It is not safe for concurrent use; run one Extractor per goroutine.
type Extractor struct {
	params     Params
	encoder    position.Encoder
	analyzer   *tokenizer.Analyzer
	flattener  flatten.Flattener
	searchable index.FieldSet
	key        []byte
	logger     *slog.Logger
}

// New creates an Extractor. A nil searchable set indexes every field and a
// nil stopWords set disables stop-word handling.
func New(params Params, searchable index.FieldSet, stopWords *tokenizer.StopWords) (*Extractor, error) {
	if params.AttributeSpan == 0 {
		params.AttributeSpan = position.DefaultAttributeSpan
	}
	encoder, err := position.NewEncoder(params.AttributeSpan)
	if err != nil {
		return nil, fmt.Errorf("creating position encoder: %w", err)
	}
	return &Extractor{
		params:  params,
		encoder: encoder,
		analyzer: tokenizer.NewAnalyzer(tokenizer.Config{
			StopWords: stopWords,
			Stemming:  params.Stemming,
		}),
		searchable: searchable,
		logger:     slog.Default().With("component", "extractor"),
	}, nil
}

// DocidWordPositions extracts the postings of one batch with a fresh
// Extractor.
func DocidWordPositions(batch DocumentReader, params Params, searchable index.FieldSet, stopWords *tokenizer.StopWords) (*Result, error) {
	e, err := New(params, searchable, stopWords)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err, "configuring extractor")
	}
	return e.Extract(batch)
}

// Extract processes every document of batch in order. Any failure aborts
// the whole batch and removes whatever the sorter had written.
func (e *Extractor) Extract(batch DocumentReader) (*Result, error) {
	start := time.Now()
	sink := sorter.New(e.params.Sorter, index.ConcatPositions)
	docIDs := roaring.New()
	var stats Stats

	for {
		key, fields, err := batch.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			sink.Discard()
			return nil, apperrors.Wrap(apperrors.ErrInternal, err, "reading document %d of batch", stats.Documents)
		}
		docID, ok := index.DecodeDocID(key)
		if !ok {
			sink.Discard()
			return nil, apperrors.Wrap(apperrors.ErrSerialization,
				fmt.Errorf("document id key of %d bytes", len(key)), "decoding document id")
		}
		if !docIDs.CheckedAdd(docID) {
			sink.Discard()
			return nil, apperrors.Newf(apperrors.ErrInternal, 0, "document %d appears twice in batch", docID)
		}
		stats.Documents++
		if err := e.extractDocument(sink, docID, fields, &stats); err != nil {
			sink.Discard()
			return nil, err
		}
	}

	postings, err := sink.IntoReader()
	if err != nil {
		sink.Discard()
		return nil, apperrors.Wrap(apperrors.ErrSorter, err, "finalizing postings")
	}
	stats.Spills = sink.Spills()
	e.logger.Info("batch extracted",
		"documents", stats.Documents,
		"postings", stats.Postings,
		"records", postings.Len(),
		"spills", stats.Spills,
		"duration", time.Since(start),
	)
	return &Result{
		DocumentIDs: docIDs,
		Postings:    postings,
		Stats:       stats,
	}, nil
}

func (e *Extractor) extractDocument(sink *sorter.Sorter, docID index.DocumentID, fields []byte, stats *Stats) error {
	r := obkv.NewReader(fields)
	for r.Next() {
		field := r.Field()
		if !e.searchable.Contains(field) {
			stats.FieldsFiltered++
			continue
		}
		value, err := flatten.Parse(r.Value())
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, err, "decoding field %d of document %d", field, docID)
		}
		stats.FieldsSeen++
		text, ok := e.flattener.Flatten(value)
		if !ok {
			stats.FieldsSkipped++
			continue
		}

		for offset, tok := range position.Assign(e.analyzer.Analyze(text)) {
			if offset >= int(e.encoder.Span()) {
				stats.FieldsTruncated++
				break
			}
			term := strings.TrimSpace(tok.Text)
			if term == "" {
				continue
			}
			pos, ok := e.encoder.Encode(field, offset)
			if !ok {
				return apperrors.Newf(apperrors.ErrSerialization, 0,
					"offset %d of field %d does not fit a position", offset, field)
			}
			e.key = index.AppendPostingsKey(e.key[:0], docID, term)
			value := index.EncodePosition(pos)
			if err := sink.Insert(e.key, value[:]); err != nil {
				return apperrors.Wrap(apperrors.ErrSorter, err, "inserting postings of document %d", docID)
			}
			stats.Postings++
		}
	}
	if err := r.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, err, "reading field map of document %d", docID)
	}
	return nil
}
