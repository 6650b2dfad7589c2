// Package registry records extraction batches. BatchStore keeps the batch
// lifecycle and output files in PostgreSQL; DocSetCache keeps the set of
// processed document ids of each batch in Redis.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/extract"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/postgres"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS extraction_batches (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    documents   INTEGER NOT NULL DEFAULT 0,
    stats       JSONB,
    error       TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS batch_outputs (
    batch_id TEXT NOT NULL REFERENCES extraction_batches(id) ON DELETE CASCADE,
    seq      INTEGER NOT NULL,
    path     TEXT NOT NULL,
    PRIMARY KEY (batch_id, seq)
);`

// Batch is the recorded state of one extraction batch.
type Batch struct {
	ID          string                `json:"batch_id"`
	Status      ingestion.BatchStatus `json:"status"`
	Documents   int                   `json:"documents"`
	Stats       *extract.Stats        `json:"stats,omitempty"`
	OutputPaths []string              `json:"output_paths,omitempty"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// BatchStore persists batches in PostgreSQL.
type BatchStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewBatchStore creates a BatchStore.
func NewBatchStore(db *postgres.Client) *BatchStore {
	return &BatchStore{
		db:     db,
		logger: slog.Default().With("component", "batch-store"),
	}
}

// EnsureSchema creates the batch tables when missing.
func (s *BatchStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating batch schema: %w", err)
	}
	return nil
}

// Begin records a new batch with the given status. A batch id that is
// already known yields ErrConflict.
func (s *BatchStore) Begin(ctx context.Context, id string, documents int, status ingestion.BatchStatus) error {
	var inserted string
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO extraction_batches (id, status, documents)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
		RETURNING id`, id, string(status), documents).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Newf(apperrors.ErrConflict, 0, "batch %s already exists", id)
	}
	if err != nil {
		return fmt.Errorf("inserting batch %s: %w", id, err)
	}
	return nil
}

// Start marks a batch as running, creating it when unknown. Completed
// batches are left untouched and yield ErrConflict.
func (s *BatchStore) Start(ctx context.Context, id string, documents int) error {
	var updated string
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO extraction_batches (id, status, documents)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, error = NULL, updated_at = NOW()
		WHERE extraction_batches.status <> $4
		RETURNING id`,
		id, string(ingestion.StatusRunning), documents, string(ingestion.StatusCompleted),
	).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Newf(apperrors.ErrConflict, 0, "batch %s already completed", id)
	}
	if err != nil {
		return fmt.Errorf("starting batch %s: %w", id, err)
	}
	return nil
}

// Complete records the statistics and output files of a finished batch.
func (s *BatchStore) Complete(ctx context.Context, id string, stats extract.Stats, paths []string) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE extraction_batches
			SET status = $2, stats = $3, error = NULL, updated_at = NOW()
			WHERE id = $1`, id, string(ingestion.StatusCompleted), data)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return apperrors.Newf(apperrors.ErrNotFound, 0, "batch %s not found", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM batch_outputs WHERE batch_id = $1`, id); err != nil {
			return err
		}
		for i, path := range paths {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO batch_outputs (batch_id, seq, path) VALUES ($1, $2, $3)`,
				id, i, path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("completing batch %s: %w", id, err)
	}
	s.logger.Info("batch completed", "batch_id", id, "outputs", len(paths))
	return nil
}

// Fail marks a batch as failed with the given reason.
func (s *BatchStore) Fail(ctx context.Context, id string, reason string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE extraction_batches SET status = $2, error = $3, updated_at = NOW() WHERE id = $1`,
		id, string(ingestion.StatusFailed), reason)
	if err != nil {
		return fmt.Errorf("failing batch %s: %w", id, err)
	}
	return nil
}

// Get loads a batch and its outputs. Unknown ids yield ErrNotFound.
func (s *BatchStore) Get(ctx context.Context, id string) (*Batch, error) {
	var (
		b      Batch
		status string
		stats  []byte
		reason sql.NullString
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, status, documents, stats, error, created_at, updated_at
		FROM extraction_batches WHERE id = $1`, id,
	).Scan(&b.ID, &status, &b.Documents, &stats, &reason, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "batch %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying batch %s: %w", id, err)
	}
	b.Status = ingestion.BatchStatus(status)
	b.Error = reason.String
	if len(stats) > 0 {
		b.Stats = &extract.Stats{}
		if err := json.Unmarshal(stats, b.Stats); err != nil {
			return nil, fmt.Errorf("unmarshaling stats of batch %s: %w", id, err)
		}
	}

	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT path FROM batch_outputs WHERE batch_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("listing outputs of batch %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scanning output row: %w", err)
		}
		b.OutputPaths = append(b.OutputPaths, path)
	}
	return &b, rows.Err()
}
