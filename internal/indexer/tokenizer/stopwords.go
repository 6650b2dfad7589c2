package tokenizer

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/blevesearch/vellum"
)

// StopWords is an immutable set of normalised words backed by an FST. A nil
// *StopWords is the empty set. Lookups are safe for concurrent use.
type StopWords struct {
	fst *vellum.FST
}

// NewStopWords builds a set from words. Words are normalised the way Analyze
// normalises word tokens; blank entries are ignored.
func NewStopWords(words []string) (*StopWords, error) {
	keys := make([]string, 0, len(words))
	for _, w := range words {
		if n := Normalize(w); n != "" {
			keys = append(keys, n)
		}
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	var buf bytes.Buffer
	builder, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("creating stop-word fst builder: %w", err)
	}
	for _, k := range keys {
		if err := builder.Insert([]byte(k), 0); err != nil {
			return nil, fmt.Errorf("inserting stop word %q: %w", k, err)
		}
	}
	if err := builder.Close(); err != nil {
		return nil, fmt.Errorf("finishing stop-word fst: %w", err)
	}
	fst, err := vellum.Load(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("loading stop-word fst: %w", err)
	}
	return &StopWords{fst: fst}, nil
}

// Contains reports whether the normalised word is a stop word.
func (s *StopWords) Contains(word string) bool {
	if s == nil || s.fst == nil {
		return false
	}
	ok, err := s.fst.Contains([]byte(word))
	return err == nil && ok
}

// Len returns the number of stop words.
func (s *StopWords) Len() int {
	if s == nil || s.fst == nil {
		return 0
	}
	return s.fst.Len()
}

// English returns a small English stop-word list.
func English() []string {
	return []string{
		"a", "an", "and", "are", "as", "at",
		"be", "by", "for", "from", "has", "he",
		"in", "is", "it", "its", "of", "on",
		"or", "that", "the", "to", "was", "were",
		"will", "with", "this", "but", "they",
		"have", "had", "what", "when", "where",
		"who", "which", "their", "if", "each",
		"do", "not", "no", "so", "can",
	}
}
