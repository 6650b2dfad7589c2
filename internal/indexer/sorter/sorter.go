package sorter

import (
	"bytes"
	"container/heap"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
)

// MergeFunc combines the values stored under one key. Values are passed in
// insertion order, older first.
type MergeFunc func(key []byte, values [][]byte) ([]byte, error)

// Config controls chunk encoding and the spill policy of a Sorter.
type Config struct {
	CompressionType  CompressionType
	CompressionLevel int
	// MaxChunks is the chunk count at which spilled chunks are compacted
	// into one. Values below 2 disable compaction.
	MaxChunks int
	// MaxMemory is the approximate in-memory budget in bytes. Zero keeps
	// everything in memory until IntoReader.
	MaxMemory int
	// TempDir receives chunk files. Empty means os.TempDir().
	TempDir string
}

// entryOverhead approximates the slice headers kept per buffered entry.
const entryOverhead = 48

type entry struct {
	key   []byte
	value []byte
}

// Sorter buffers key/value pairs and produces them sorted by key with
// colliding values merged. It is not safe for concurrent use.
type Sorter struct {
	cfg     Config
	merge   MergeFunc
	entries []entry
	memory  int
	chunks  []*Reader
	spills  int
	logger  *slog.Logger
}

// New creates a Sorter.
func New(cfg Config, merge MergeFunc) *Sorter {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Sorter{
		cfg:    cfg,
		merge:  merge,
		logger: slog.Default().With("component", "sorter"),
	}
}

// Insert buffers a copy of key and value, spilling to disk when the memory
// budget is exceeded.
func (s *Sorter) Insert(key, value []byte) error {
	buf := make([]byte, len(key)+len(value))
	copy(buf, key)
	copy(buf[len(key):], value)
	s.entries = append(s.entries, entry{key: buf[:len(key):len(key)], value: buf[len(key):]})
	s.memory += len(buf) + entryOverhead
	if s.cfg.MaxMemory > 0 && s.memory >= s.cfg.MaxMemory {
		return s.spill()
	}
	return nil
}

// Chunks returns the number of chunk files currently on disk.
func (s *Sorter) Chunks() int { return len(s.chunks) }

// Spills returns how many times the in-memory buffer was written out.
func (s *Sorter) Spills() int { return s.spills }

func (s *Sorter) spill() error {
	if len(s.entries) == 0 {
		return nil
	}
	slices.SortStableFunc(s.entries, func(a, b entry) int {
		return bytes.Compare(a.key, b.key)
	})
	reader, err := s.writeChunk(func(w *Writer) error {
		return s.drainMemory(w)
	})
	if err != nil {
		return fmt.Errorf("spilling %d entries: %w", len(s.entries), err)
	}
	s.logger.Debug("spilled sorter buffer",
		"entries", len(s.entries),
		"records", reader.Len(),
		"memory", s.memory,
		"chunk", reader.Path(),
	)
	s.chunks = append(s.chunks, reader)
	s.entries = s.entries[:0]
	s.memory = 0
	s.spills++
	if s.cfg.MaxChunks >= 2 && len(s.chunks) >= s.cfg.MaxChunks {
		return s.compact()
	}
	return nil
}

func (s *Sorter) drainMemory(w *Writer) error {
	var values [][]byte
	for i := 0; i < len(s.entries); {
		j := i + 1
		for j < len(s.entries) && bytes.Equal(s.entries[j].key, s.entries[i].key) {
			j++
		}
		key := s.entries[i].key
		if j-i == 1 {
			if err := w.Insert(key, s.entries[i].value); err != nil {
				return err
			}
		} else {
			values = values[:0]
			for _, e := range s.entries[i:j] {
				values = append(values, e.value)
			}
			if err := s.insertMerged(w, key, values); err != nil {
				return err
			}
		}
		i = j
	}
	return nil
}

func (s *Sorter) compact() error {
	chunks := s.chunks
	reader, err := s.writeChunk(func(w *Writer) error {
		return s.mergeChunks(w, chunks)
	})
	if err != nil {
		return fmt.Errorf("compacting %d chunks: %w", len(chunks), err)
	}
	for _, c := range chunks {
		if err := c.Remove(); err != nil {
			s.logger.Warn("removing compacted chunk", "chunk", c.Path(), "error", err)
		}
	}
	s.logger.Debug("compacted sorter chunks", "chunks", len(chunks), "records", reader.Len())
	s.chunks = []*Reader{reader}
	return nil
}

// IntoReader finishes the sort and returns a Reader over a single chunk
// holding every key once. The Sorter must not be used afterwards; the caller
// owns the returned Reader and its file.
func (s *Sorter) IntoReader() (*Reader, error) {
	if len(s.chunks) == 0 {
		slices.SortStableFunc(s.entries, func(a, b entry) int {
			return bytes.Compare(a.key, b.key)
		})
		reader, err := s.writeChunk(s.drainMemory)
		if err != nil {
			return nil, fmt.Errorf("writing final chunk: %w", err)
		}
		s.entries = nil
		s.memory = 0
		return reader, nil
	}
	if err := s.spill(); err != nil {
		return nil, err
	}
	if len(s.chunks) == 1 {
		reader := s.chunks[0]
		s.chunks = nil
		reader.Reset()
		return reader, nil
	}
	if err := s.compact(); err != nil {
		return nil, err
	}
	reader := s.chunks[0]
	s.chunks = nil
	reader.Reset()
	return reader, nil
}

// Discard drops buffered entries and deletes every chunk file.
func (s *Sorter) Discard() error {
	var firstErr error
	for _, c := range s.chunks {
		if err := c.Remove(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.chunks = nil
	s.entries = nil
	s.memory = 0
	return firstErr
}

func (s *Sorter) writeChunk(fill func(*Writer) error) (*Reader, error) {
	f, err := os.CreateTemp(s.cfg.TempDir, "sorter-*.chunk")
	if err != nil {
		return nil, fmt.Errorf("creating chunk file: %w", err)
	}
	path := f.Name()
	fail := func(err error) (*Reader, error) {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	w, err := NewWriter(f, s.cfg.CompressionType, s.cfg.CompressionLevel)
	if err != nil {
		return fail(err)
	}
	if err := fill(w); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("closing chunk file: %w", err)
	}
	reader, err := OpenReader(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return reader, nil
}

func (s *Sorter) insertMerged(w *Writer, key []byte, values [][]byte) error {
	merged, err := s.merge(key, values)
	if err != nil {
		return fmt.Errorf("merging values of %q: %w", key, err)
	}
	return w.Insert(key, merged)
}

// mergeChunks performs a k-way merge of chunks into w. Values of equal keys
// are merged in chunk order.
func (s *Sorter) mergeChunks(w *Writer, chunks []*Reader) error {
	h := make(cursorHeap, 0, len(chunks))
	for i, c := range chunks {
		c.Reset()
		cur := &cursor{reader: c, order: i}
		ok, err := cur.advance()
		if err != nil {
			return err
		}
		if ok {
			h = append(h, cur)
		}
	}
	heap.Init(&h)

	var (
		key    []byte
		values [][]byte
	)
	for h.Len() > 0 {
		key = append(key[:0], h[0].key...)
		values = values[:0]
		for h.Len() > 0 && bytes.Equal(h[0].key, key) {
			cur := h[0]
			values = append(values, cur.value)
			ok, err := cur.advance()
			if err != nil {
				return err
			}
			if ok {
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
			}
		}
		var err error
		if len(values) == 1 {
			err = w.Insert(key, values[0])
		} else {
			err = s.insertMerged(w, key, values)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type cursor struct {
	reader *Reader
	order  int
	key    []byte
	value  []byte
}

// advance loads the next record. The previous value stays valid because a
// fresh copy is taken.
func (c *cursor) advance() (bool, error) {
	key, value, err := c.reader.Next()
	if err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	c.key = bytes.Clone(key)
	c.value = bytes.Clone(value)
	return true, nil
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].order < h[j].order
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x interface{}) {
	*h = append(*h, x.(*cursor))
}

func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
