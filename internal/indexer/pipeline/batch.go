package pipeline

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/sorter"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
)

// WriteBatch encodes docs as a chunk readable by the extractor: keys are
// big-endian document ids in increasing order, values are obkv field maps.
func WriteBatch(w io.Writer, docs []ingestion.Document, compression sorter.CompressionType) error {
	sorted := slices.Clone(docs)
	slices.SortFunc(sorted, func(a, b ingestion.Document) int {
		return cmp.Compare(a.ID, b.ID)
	})

	cw, err := sorter.NewWriter(w, compression, 0)
	if err != nil {
		return fmt.Errorf("creating batch writer: %w", err)
	}
	var (
		fields obkv.Writer
		key    []byte
		ids    []uint16
	)
	for i, doc := range sorted {
		if i > 0 && sorted[i-1].ID == doc.ID {
			return apperrors.Newf(apperrors.ErrInvalidInput, 0, "document id %d appears twice", doc.ID)
		}
		ids = ids[:0]
		for id := range doc.Fields {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		fields.Reset()
		for _, id := range ids {
			if err := fields.Insert(index.FieldID(id), doc.Fields[id]); err != nil {
				return fmt.Errorf("encoding document %d: %w", doc.ID, err)
			}
		}
		key = index.AppendDocID(key[:0], doc.ID)
		if err := cw.Insert(key, fields.Bytes()); err != nil {
			return fmt.Errorf("writing document %d: %w", doc.ID, err)
		}
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("finishing batch: %w", err)
	}
	return nil
}

// Partition splits docs into consecutive groups of at most size documents.
// A size of zero or less keeps everything in one group.
func Partition(docs []ingestion.Document, size int) [][]ingestion.Document {
	if len(docs) == 0 {
		return nil
	}
	if size <= 0 || size >= len(docs) {
		return [][]ingestion.Document{docs}
	}
	parts := make([][]ingestion.Document, 0, (len(docs)+size-1)/size)
	for chunk := range slices.Chunk(docs, size) {
		parts = append(parts, chunk)
	}
	return parts
}
