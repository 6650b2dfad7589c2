package index

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceCursor struct {
	keys, values [][]byte
	err          error
}

func (c *sliceCursor) Next() ([]byte, []byte, error) {
	if len(c.keys) == 0 {
		if c.err != nil {
			return nil, nil, c.err
		}
		return nil, nil, io.EOF
	}
	k, v := c.keys[0], c.values[0]
	c.keys, c.values = c.keys[1:], c.values[1:]
	return k, v, nil
}

func positions(ps ...uint32) []byte {
	var out []byte
	for _, p := range ps {
		b := EncodePosition(p)
		out = append(out, b[:]...)
	}
	return out
}

func TestPostingsKeyRoundTrip(t *testing.T) {
	key := AppendPostingsKey(nil, 0x01020304, "hello")
	assert.Equal(t, []byte{1, 2, 3, 4, 'h', 'e', 'l', 'l', 'o'}, key)

	docID, term, err := SplitPostingsKey(key)
	require.NoError(t, err)
	assert.Equal(t, DocumentID(0x01020304), docID)
	assert.Equal(t, "hello", string(term))

	_, _, err = SplitPostingsKey([]byte{1, 2})
	assert.Error(t, err)
}

func TestPostingsKeysSortByDocumentFirst(t *testing.T) {
	a := AppendPostingsKey(nil, 1, "zebra")
	b := AppendPostingsKey(nil, 256, "apple")
	assert.True(t, string(a) < string(b))
}

func TestDecodeDocID(t *testing.T) {
	id, ok := DecodeDocID(AppendDocID(nil, 42))
	assert.True(t, ok)
	assert.Equal(t, DocumentID(42), id)

	_, ok = DecodeDocID([]byte{0, 0, 42})
	assert.False(t, ok)
}

func TestDecodePositions(t *testing.T) {
	got, err := DecodePositions(positions(0, 7, 1001))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 7, 1001}, got)

	_, err = DecodePositions([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestConcatPositionsKeepsOrder(t *testing.T) {
	merged, err := ConcatPositions([]byte("key"), [][]byte{positions(3), positions(1, 2)})
	require.NoError(t, err)
	got, err := DecodePositions(merged)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 1, 2}, got)
}

func TestFieldSet(t *testing.T) {
	var all FieldSet
	assert.True(t, all.Contains(9))

	fs := NewFieldSet(1, 3)
	assert.True(t, fs.Contains(1))
	assert.False(t, fs.Contains(2))

	assert.False(t, NewFieldSet().Contains(0))
}

func TestCollect(t *testing.T) {
	c := &sliceCursor{
		keys:   [][]byte{AppendPostingsKey(nil, 1, "a"), AppendPostingsKey(nil, 2, "b")},
		values: [][]byte{positions(0, 1), positions(1000)},
	}
	list, err := Collect(c)
	require.NoError(t, err)
	assert.Equal(t, PostingList{
		{DocID: 1, Term: "a", Positions: []uint32{0, 1}},
		{DocID: 2, Term: "b", Positions: []uint32{1000}},
	}, list)
}

func TestCollectErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Collect(&sliceCursor{err: boom})
	assert.ErrorIs(t, err, boom)

	_, err = Collect(&sliceCursor{keys: [][]byte{{1}}, values: [][]byte{nil}})
	assert.Error(t, err)

	_, err = Collect(&sliceCursor{
		keys:   [][]byte{AppendPostingsKey(nil, 1, "a")},
		values: [][]byte{{1, 2}},
	})
	assert.Error(t, err)
}
