package sorter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// maxRecordPart bounds a single key or value so a corrupted length cannot
// trigger a huge allocation.
const maxRecordPart = 1 << 30

// Reader iterates the records of a chunk in key order. Slices returned by
// Next are only valid until the following call.
type Reader struct {
	ra          io.ReaderAt
	file        *os.File
	path        string
	compression CompressionType
	count       uint64
	payload     int64
	checksum    uint64

	dec    io.ReadCloser
	br     *bufio.Reader
	digest *xxhash.Digest
	read   uint64
	key    []byte
	value  []byte
	err    error
}

// OpenReader opens the chunk file at path. The Reader owns the file.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening chunk file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat chunk file: %w", err)
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	r.path = path
	return r, nil
}

// NewReader validates the header and footer of a chunk of the given size.
func NewReader(ra io.ReaderAt, size int64) (*Reader, error) {
	if size < int64(HeaderSize+FooterSize) {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header and footer", ErrCorrupted, size)
	}
	header := make([]byte, HeaderSize)
	if _, err := ra.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("reading chunk header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != MagicBytes {
		return nil, fmt.Errorf("%w: bad magic bytes %x", ErrCorrupted, magic)
	}
	if version := binary.LittleEndian.Uint32(header[4:8]); version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, version)
	}
	compression := CompressionType(header[8])
	if compression > CompressionZstd {
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupted, header[8])
	}
	footer := make([]byte, FooterSize)
	if _, err := ra.ReadAt(footer, size-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("reading chunk footer: %w", err)
	}
	payload := int64(binary.LittleEndian.Uint64(footer[8:16]))
	if payload != size-int64(HeaderSize+FooterSize) {
		return nil, fmt.Errorf("%w: payload size %d does not match file size %d", ErrCorrupted, payload, size)
	}
	return &Reader{
		ra:          ra,
		compression: compression,
		count:       binary.LittleEndian.Uint64(footer[0:8]),
		payload:     payload,
		checksum:    binary.LittleEndian.Uint64(footer[16:24]),
		digest:      xxhash.New(),
	}, nil
}

// Len returns the number of records in the chunk.
func (r *Reader) Len() uint64 { return r.count }

// Path returns the backing file path, or "" for readers built with NewReader.
func (r *Reader) Path() string { return r.path }

// Compression returns the codec of the record stream.
func (r *Reader) Compression() CompressionType { return r.compression }

// Next returns the next record, or io.EOF once every record has been read
// and the checksum verified.
func (r *Reader) Next() ([]byte, []byte, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	if r.br == nil {
		if err := r.open(); err != nil {
			r.err = err
			return nil, nil, err
		}
	}
	if r.read == r.count {
		r.err = r.finish()
		return nil, nil, r.err
	}
	key, value, err := r.readRecord()
	if err != nil {
		r.err = err
		return nil, nil, err
	}
	r.read++
	return key, value, nil
}

func (r *Reader) open() error {
	section := io.NewSectionReader(r.ra, int64(HeaderSize), r.payload)
	dec, err := newDecompressor(section, r.compression)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	r.dec = dec
	r.br = bufio.NewReaderSize(dec, 64<<10)
	r.digest.Reset()
	return nil
}

func (r *Reader) readRecord() ([]byte, []byte, error) {
	keyLen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return nil, nil, r.truncated(err)
	}
	valueLen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return nil, nil, r.truncated(err)
	}
	if keyLen > maxRecordPart || valueLen > maxRecordPart {
		return nil, nil, fmt.Errorf("%w: record of %d+%d bytes", ErrCorrupted, keyLen, valueLen)
	}
	r.key = grow(r.key, int(keyLen))
	r.value = grow(r.value, int(valueLen))
	if _, err := io.ReadFull(r.br, r.key); err != nil {
		return nil, nil, r.truncated(err)
	}
	if _, err := io.ReadFull(r.br, r.value); err != nil {
		return nil, nil, r.truncated(err)
	}
	var lens [2 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lens[:], keyLen)
	n += binary.PutUvarint(lens[n:], valueLen)
	r.digest.Write(lens[:n])
	r.digest.Write(r.key)
	r.digest.Write(r.value)
	return r.key, r.value, nil
}

func (r *Reader) finish() error {
	if _, err := r.br.ReadByte(); err != io.EOF {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return fmt.Errorf("%w: trailing data after %d records", ErrCorrupted, r.count)
	}
	if sum := r.digest.Sum64(); sum != r.checksum {
		return fmt.Errorf("%w: checksum %x, footer says %x", ErrCorrupted, sum, r.checksum)
	}
	return io.EOF
}

func (r *Reader) truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated after %d of %d records", ErrCorrupted, r.read, r.count)
	}
	return fmt.Errorf("%w: %v", ErrCorrupted, err)
}

// Reset rewinds the reader to the first record.
func (r *Reader) Reset() {
	if r.dec != nil {
		r.dec.Close()
	}
	r.dec = nil
	r.br = nil
	r.read = 0
	r.err = nil
}

// Close releases the decoder and, for readers opened from a path, the file.
func (r *Reader) Close() error {
	r.Reset()
	r.err = fmt.Errorf("chunk reader closed")
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Remove closes the reader and deletes its backing file.
func (r *Reader) Remove() error {
	if err := r.Close(); err != nil {
		return err
	}
	if r.path == "" {
		return nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing chunk file: %w", err)
	}
	return nil
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
