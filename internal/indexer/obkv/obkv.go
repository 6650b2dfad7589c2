// Package obkv encodes the field map of a document: a sequence of
// (field id, value) pairs ordered by field id. Each pair is framed as a
// 2-byte big-endian field id, a 4-byte big-endian value length and the raw
// value bytes.
package obkv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/index"
)

const (
	fieldIDSize = 2
	lengthSize  = 4
	frameSize   = fieldIDSize + lengthSize
)

// ErrTruncated is reported when a field map ends in the middle of a frame.
var ErrTruncated = errors.New("truncated field map")

// Writer builds a field map. Fields must be inserted in strictly increasing
// id order.
type Writer struct {
	buf     []byte
	last    index.FieldID
	hasLast bool
}

// Insert appends one field.
func (w *Writer) Insert(field index.FieldID, value []byte) error {
	if w.hasLast && field <= w.last {
		return fmt.Errorf("field %d inserted after field %d", field, w.last)
	}
	if uint64(len(value)) > math.MaxUint32 {
		return fmt.Errorf("field %d value of %d bytes is too large", field, len(value))
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(field))
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(value)))
	w.buf = append(w.buf, value...)
	w.last, w.hasLast = field, true
	return nil
}

// Bytes returns the encoded map. The slice is reused after Reset.
func (w *Writer) Bytes() []byte { return w.buf }

// Reset empties the writer for reuse.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.hasLast = false
}

// Reader walks the fields of an encoded map.
//
//	r := obkv.NewReader(data)
//	for r.Next() {
//		use(r.Field(), r.Value())
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	data  []byte
	field index.FieldID
	value []byte
	err   error
}

// NewReader returns a Reader over data. The data is not copied.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Next advances to the following field and reports whether one was read.
func (r *Reader) Next() bool {
	if r.err != nil || len(r.data) == 0 {
		return false
	}
	if len(r.data) < frameSize {
		r.err = fmt.Errorf("%w: %d bytes left, frame needs %d", ErrTruncated, len(r.data), frameSize)
		return false
	}
	field := index.FieldID(binary.BigEndian.Uint16(r.data))
	n := uint64(binary.BigEndian.Uint32(r.data[fieldIDSize:]))
	rest := r.data[frameSize:]
	if uint64(len(rest)) < n {
		r.err = fmt.Errorf("%w: field %d declares %d bytes, %d left", ErrTruncated, field, n, len(rest))
		return false
	}
	r.field = field
	r.value = rest[:n:n]
	r.data = rest[n:]
	return true
}

// Field returns the id of the current field.
func (r *Reader) Field() index.FieldID { return r.field }

// Value returns the raw bytes of the current field.
func (r *Reader) Value() []byte { return r.value }

// Err returns the framing error that stopped iteration, if any.
func (r *Reader) Err() error { return r.err }
