// Package validator provides input validation for document batches. It
// enforces batch size and id constraints and returns per-field error
// details.
package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/flatten"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
)

const maxBatchIDLength = 128

// batchIDPattern keeps batch ids safe to use in file names.
var batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateBatchID checks a caller-supplied batch id. The empty id is valid
// and means one is generated.
func ValidateBatchID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > maxBatchIDLength {
		return &ValidationError{Fields: map[string]string{
			"batch_id": fmt.Sprintf("batch id must be at most %d characters", maxBatchIDLength),
		}}
	}
	if !batchIDPattern.MatchString(id) {
		return &ValidationError{Fields: map[string]string{
			"batch_id": "batch id may only contain letters, digits, '.', '_' and '-'",
		}}
	}
	return nil
}

// ValidateBatch checks that a batch is non-empty, below maxDocuments, free
// of duplicate document ids and that every field value decodes the way the
// extractor decodes it (valid UTF-8, strict number literals, paired
// surrogate escapes).
// maxDocuments <= 0 disables the size limit.
func ValidateBatch(req *ingestion.BatchRequest, maxDocuments int) error {
	errs := make(map[string]string)
	if err := ValidateBatchID(req.BatchID); err != nil {
		for k, v := range err.(*ValidationError).Fields {
			errs[k] = v
		}
	}
	switch {
	case len(req.Documents) == 0:
		errs["documents"] = "at least one document is required"
	case maxDocuments > 0 && len(req.Documents) > maxDocuments:
		errs["documents"] = fmt.Sprintf("batch must contain at most %d documents", maxDocuments)
	}

	seen := make(map[uint32]int, len(req.Documents))
	for i, doc := range req.Documents {
		if first, ok := seen[doc.ID]; ok {
			errs[fmt.Sprintf("documents[%d].id", i)] = fmt.Sprintf("document id %d already used by documents[%d]", doc.ID, first)
			continue
		}
		seen[doc.ID] = i
		for field, raw := range doc.Fields {
			if _, err := flatten.Parse(raw); err != nil {
				errs[fmt.Sprintf("documents[%d].fields.%d", i, field)] = "field value must be valid JSON"
			}
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
