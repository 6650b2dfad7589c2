// Package position assigns proximity-aware offsets to word tokens and packs
// (field, offset) pairs into a single global position.
package position

import (
	"fmt"
	"iter"
	"math"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/tokenizer"
)

const (
	// DefaultAttributeSpan is the number of positions reserved for each field.
	DefaultAttributeSpan uint32 = 1000

	// HardSeparatorGap is the offset distance between two words separated by
	// a hard separator.
	HardSeparatorGap = 8
	// WordGap is the offset distance between two adjacent words.
	WordGap = 1
)

// Assign pairs every word token of a single field with its relative offset.
// Leading separators are dropped, the first word-class token sits at offset
// 0, and every following word-class token is placed HardSeparatorGap after
// the previous one when a hard separator came in between and WordGap after
// it otherwise. Stop words and unknown tokens take up an offset but are not
// yielded. The input is consumed once.
func Assign(tokens iter.Seq[tokenizer.Token]) iter.Seq2[int, tokenizer.Token] {
	return func(yield func(int, tokenizer.Token) bool) {
		var (
			offset  int
			last    tokenizer.Kind
			hasLast bool
			started bool
		)
		for tok := range tokens {
			if !started {
				if tok.Kind.IsSeparator() {
					continue
				}
				started = true
			}
			switch {
			case tok.Kind.IsWordClass():
				if hasLast {
					if last == tokenizer.KindHardSeparator {
						offset += HardSeparatorGap
					} else {
						offset += WordGap
					}
				}
				last, hasLast = tok.Kind, true
			case tok.Kind == tokenizer.KindHardSeparator:
				last, hasLast = tok.Kind, true
			case tok.Kind == tokenizer.KindSoftSeparator:
				if !hasLast || last != tokenizer.KindHardSeparator {
					last, hasLast = tok.Kind, true
				}
			}
			if tok.IsWord() && !yield(offset, tok) {
				return
			}
		}
	}
}

// Encoder packs (field, offset) pairs into global positions of the form
// field*span + offset.
type Encoder struct {
	span uint32
}

// NewEncoder returns an Encoder for the given per-field span. The span must
// leave room for every uint16 field id inside a uint32.
func NewEncoder(span uint32) (Encoder, error) {
	if span == 0 {
		return Encoder{}, fmt.Errorf("attribute span must be positive")
	}
	if uint64(span)*(math.MaxUint16+1) > math.MaxUint32+1 {
		return Encoder{}, fmt.Errorf("attribute span %d overflows uint32 positions", span)
	}
	return Encoder{span: span}, nil
}

// Span returns the number of positions reserved per field.
func (e Encoder) Span() uint32 { return e.span }

// Encode returns the global position of offset within field. Offsets outside
// [0, span) are dropped.
func (e Encoder) Encode(field index.FieldID, offset int) (uint32, bool) {
	if offset < 0 || uint64(offset) >= uint64(e.span) {
		return 0, false
	}
	return uint32(field)*e.span + uint32(offset), true
}

// Field recovers the field id of a global position.
func (e Encoder) Field(pos uint32) index.FieldID {
	return index.FieldID(pos / e.span)
}

// Offset recovers the relative offset of a global position.
func (e Encoder) Offset(pos uint32) uint32 {
	return pos % e.span
}
