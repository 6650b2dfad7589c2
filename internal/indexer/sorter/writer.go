// Package sorter implements an external sort: key/value pairs are buffered in
// memory, spilled as sorted and compressed chunk files once a memory budget
// is exceeded, and finally merged into a single sorted chunk. Values sharing
// a key are combined with a caller-supplied merge function.
package sorter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

const (
	// MagicBytes identifies a chunk file.
	MagicBytes    uint32 = 0x4b484350
	FormatVersion uint32 = 1
	HeaderSize    int    = 16
	FooterSize    int    = 24
)

// ErrCorrupted is returned when a chunk fails structural or checksum
// validation.
var ErrCorrupted = errors.New("corrupted chunk")

// ErrUnsorted is returned by Writer.Insert when keys are not strictly
// increasing.
var ErrUnsorted = errors.New("keys inserted out of order")

// Writer serialises strictly increasing key/value records into a chunk. The
// header is written on creation, the footer by Close.
type Writer struct {
	out     *countingWriter
	comp    io.WriteCloser
	buf     *bufio.Writer
	digest  *xxhash.Digest
	lastKey []byte
	hasLast bool
	count   uint64
	scratch [2 * binary.MaxVarintLen64]byte
	closed  bool
}

// NewWriter writes a chunk header to w and returns a Writer for its records.
func NewWriter(w io.Writer, compression CompressionType, level int) (*Writer, error) {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	header[8] = byte(compression)
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("writing chunk header: %w", err)
	}
	out := &countingWriter{w: w}
	comp, err := newCompressor(out, compression, level)
	if err != nil {
		return nil, err
	}
	return &Writer{
		out:    out,
		comp:   comp,
		buf:    bufio.NewWriterSize(comp, 64<<10),
		digest: xxhash.New(),
	}, nil
}

// Insert appends one record. Keys must be strictly greater than the previous
// key.
func (w *Writer) Insert(key, value []byte) error {
	if w.closed {
		return fmt.Errorf("insert into closed chunk writer")
	}
	if w.hasLast && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrUnsorted, key, w.lastKey)
	}
	n := binary.PutUvarint(w.scratch[:], uint64(len(key)))
	n += binary.PutUvarint(w.scratch[n:], uint64(len(value)))
	for _, part := range [][]byte{w.scratch[:n], key, value} {
		if _, err := w.buf.Write(part); err != nil {
			return fmt.Errorf("writing chunk record: %w", err)
		}
		w.digest.Write(part)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.hasLast = true
	w.count++
	return nil
}

// Len returns the number of records written so far.
func (w *Writer) Len() uint64 { return w.count }

// Close flushes the record stream and writes the footer. It does not close
// the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flushing chunk records: %w", err)
	}
	if err := w.comp.Close(); err != nil {
		return fmt.Errorf("finishing chunk compression: %w", err)
	}
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(footer[0:8], w.count)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(w.out.n))
	binary.LittleEndian.PutUint64(footer[16:24], w.digest.Sum64())
	if _, err := w.out.w.Write(footer); err != nil {
		return fmt.Errorf("writing chunk footer: %w", err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
