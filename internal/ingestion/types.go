// Package ingestion defines the request/response types and Kafka event schemas
// used to hand document batches to the indexer.
package ingestion

import (
	"encoding/json"
	"time"
)

// Document is one document of a batch. Field values are raw JSON keyed by
// field id; in JSON the ids are object keys ("0", "1", ...).
type Document struct {
	ID     uint32                     `json:"id"`
	Fields map[uint16]json.RawMessage `json:"fields"`
}

// BatchRequest is the JSON body accepted by the batch HTTP endpoint.
type BatchRequest struct {
	BatchID   string     `json:"batch_id,omitempty"`
	Documents []Document `json:"documents"`
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	StatusQueued    BatchStatus = "QUEUED"
	StatusRunning   BatchStatus = "RUNNING"
	StatusCompleted BatchStatus = "COMPLETED"
	StatusFailed    BatchStatus = "FAILED"
)

// BatchEvent is the Kafka message payload carrying a batch to extract.
type BatchEvent struct {
	BatchID     string     `json:"batch_id"`
	Documents   []Document `json:"documents"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// BatchCompletedEvent is published once a batch's postings are on disk.
type BatchCompletedEvent struct {
	BatchID     string    `json:"batch_id"`
	Documents   int       `json:"documents"`
	Postings    int       `json:"postings"`
	OutputPaths []string  `json:"output_paths"`
	DocumentIDs []uint32  `json:"document_ids"`
	CompletedAt time.Time `json:"completed_at"`
}

// BatchAccepted is returned when a batch is queued for asynchronous
// extraction.
type BatchAccepted struct {
	BatchID string      `json:"batch_id"`
	Status  BatchStatus `json:"status"`
}
