// Package index defines the identifiers and byte framing shared by the
// extraction stage and whatever later merges its output: postings keys are a
// big-endian document id followed by the raw term bytes, postings values are
// arrays of native-endian uint32 positions.
package index

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FieldID identifies a field within a document. Field ids are small and
// unique per document.
type FieldID uint16

// DocumentID is the internal 32-bit document identifier.
type DocumentID = uint32

// DocIDSize is the byte length of the document id prefix of a postings key.
const DocIDSize = 4

// PositionSize is the byte length of one encoded position.
const PositionSize = 4

// FieldSet restricts extraction to a set of fields. A nil FieldSet accepts
// every field.
type FieldSet map[FieldID]struct{}

// NewFieldSet builds a FieldSet from the given ids.
func NewFieldSet(ids ...FieldID) FieldSet {
	fs := make(FieldSet, len(ids))
	for _, id := range ids {
		fs[id] = struct{}{}
	}
	return fs
}

// Contains reports whether the field passes the filter.
func (fs FieldSet) Contains(id FieldID) bool {
	if fs == nil {
		return true
	}
	_, ok := fs[id]
	return ok
}

// AppendDocID appends the big-endian encoding of docID to dst.
func AppendDocID(dst []byte, docID DocumentID) []byte {
	return binary.BigEndian.AppendUint32(dst, docID)
}

// AppendPostingsKey appends docID ‖ term to dst.
func AppendPostingsKey(dst []byte, docID DocumentID, term string) []byte {
	dst = AppendDocID(dst, docID)
	return append(dst, term...)
}

// SplitPostingsKey returns the document id and term bytes of a postings key.
func SplitPostingsKey(key []byte) (DocumentID, []byte, error) {
	if len(key) < DocIDSize {
		return 0, nil, fmt.Errorf("postings key too short: %d bytes", len(key))
	}
	return binary.BigEndian.Uint32(key[:DocIDSize]), key[DocIDSize:], nil
}

// DecodeDocID decodes a 4-byte big-endian document id.
func DecodeDocID(b []byte) (DocumentID, bool) {
	if len(b) != DocIDSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// EncodePosition writes pos in native byte order into a 4-byte array.
func EncodePosition(pos uint32) [PositionSize]byte {
	var b [PositionSize]byte
	binary.NativeEndian.PutUint32(b[:], pos)
	return b
}

// DecodePositions decodes a concatenation of native-endian positions.
func DecodePositions(value []byte) ([]uint32, error) {
	if len(value)%PositionSize != 0 {
		return nil, fmt.Errorf("positions value of %d bytes is not a multiple of %d", len(value), PositionSize)
	}
	out := make([]uint32, 0, len(value)/PositionSize)
	for i := 0; i < len(value); i += PositionSize {
		out = append(out, binary.NativeEndian.Uint32(value[i:i+PositionSize]))
	}
	return out, nil
}

// ConcatPositions merges colliding postings values by appending them in the
// order given.
func ConcatPositions(_ []byte, values [][]byte) ([]byte, error) {
	size := 0
	for _, v := range values {
		size += len(v)
	}
	out := make([]byte, 0, size)
	for _, v := range values {
		out = append(out, v...)
	}
	return out, nil
}

// Posting is one decoded (document, term) record.
type Posting struct {
	DocID     DocumentID `json:"doc_id"`
	Term      string     `json:"term"`
	Positions []uint32   `json:"positions"`
}

// PostingList is a list of postings in key order.
type PostingList []Posting

// Cursor is a sequential reader over key/value records. Next returns io.EOF
// once the records are exhausted.
type Cursor interface {
	Next() (key, value []byte, err error)
}

// Collect drains a cursor of postings records into a PostingList.
func Collect(c Cursor) (PostingList, error) {
	var out PostingList
	for {
		key, value, err := c.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading postings: %w", err)
		}
		docID, term, err := SplitPostingsKey(key)
		if err != nil {
			return nil, err
		}
		positions, err := DecodePositions(value)
		if err != nil {
			return nil, fmt.Errorf("decoding positions of %q: %w", term, err)
		}
		out = append(out, Posting{
			DocID:     docID,
			Term:      string(term),
			Positions: positions,
		})
	}
}
