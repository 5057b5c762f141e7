package catalog

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeRaw(t *testing.T, path string, h Header, blob []byte, entries []Entry) {
	t.Helper()
	hb, err := h.MarshalBinary()
	require.NoError(t, err)
	buf := append(hb, blob...)
	for _, e := range entries {
		eb, err := e.MarshalBinary()
		require.NoError(t, err)
		buf = append(buf, eb...)
	}
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

func openStore(t *testing.T, path string, ts uint32) *Store {
	t.Helper()
	s, err := Open(path, ts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntryLayout(t *testing.T) {
	e := Entry{
		Key:   Key{Level: 1, Scheme: 2, X: 3, Y: 4},
		Value: Value{Offset: 5, Size: 6},
	}
	b, err := e.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, EntrySize)
	for i := 0; i < 6; i++ {
		assert.Equal(t, uint32(i+1), binary.LittleEndian.Uint32(b[i*4:]))
	}

	var back Entry
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, e, back)
	assert.Error(t, back.UnmarshalBinary(b[:10]))
}

func TestPutGet(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "a.tc"), 1)

	for level := 0; level < levelLimit; level++ {
		for scheme := uint32(0); scheme < schemeLimit; scheme++ {
			v := Value{Offset: uint32(100 + level), Size: scheme + 7}
			s.Put(NewEntry(level, level*2, level*3, scheme, v))

			got, ok := s.Get(level, level*2, level*3, scheme)
			require.True(t, ok)
			assert.Equal(t, v, got)
		}
	}

	s.Put(NewEntry(0, 0, 0, 0, Value{Offset: 40, Size: 1}))
	got, _ := s.Get(0, 0, 0, 0)
	assert.Equal(t, Value{Offset: 40, Size: 1}, got, "put replaces")

	_, ok := s.Get(4, 9, 9, 3)
	assert.False(t, ok)
	assert.True(t, s.Dirty())
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tc")
	s, err := Open(path, 42, zap.NewNop())
	require.NoError(t, err)

	blobs := map[Key][]byte{}
	for i := 0; i < 10; i++ {
		data := []byte{byte(i), byte(i), byte(i + 1)}
		v, err := s.AppendBlob(data)
		require.NoError(t, err)
		e := NewEntry(i%levelLimit, i, i+1, uint32(i%schemeLimit), v)
		s.Put(e)
		blobs[e.Key] = data
	}
	require.NoError(t, s.WriteCatalogAndHeader())
	written := s.index
	require.NoError(t, s.Close())

	r := openStore(t, path, 42)
	rebuilt, _ := r.Rebuilt()
	require.False(t, rebuilt)
	assert.Equal(t, written, r.index)
	assert.Equal(t, uint32(10), r.Header().EntryCount)

	for k, want := range blobs {
		v, ok := r.Get(int(k.Level), int(k.X), int(k.Y), k.Scheme)
		require.True(t, ok)
		got, err := r.ReadBlob(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEmptyStoreLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.tc")
	writeRaw(t, path, Header{Magic: 0xF010, Format: 1, EntryCount: 0}, nil, nil)

	s := openStore(t, path, 0)
	rebuilt, _ := s.Rebuilt()
	assert.False(t, rebuilt)
	assert.Zero(t, s.Len())
}

func TestBadMagicRejectedBeforeCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tc")
	// The catalog fields point far outside the file; only the magic may be consulted.
	writeRaw(t, path, Header{Magic: 0xBEEF, Format: 1, EntryCount: 1 << 20, CatalogOffset: 1 << 30}, nil, nil)

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	raw := newStore(path, f, nil)
	require.NoError(t, raw.statSize())

	err = raw.LoadHeader()
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, uint32(0xBEEF), fe.Magic)
	assert.Equal(t, Header{}, raw.Header(), "header not adopted")
	f.Close()

	s := openStore(t, path, 0)
	rebuilt, cause := s.Rebuilt()
	assert.True(t, rebuilt)
	assert.ErrorAs(t, cause, &fe)
	assert.Equal(t, Magic, s.Header().Magic)
	assert.Zero(t, s.Len())
}

func TestUnknownFormatRebuilds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2.tc")
	writeRaw(t, path, Header{Magic: Magic, Format: 2}, nil, nil)

	s := openStore(t, path, 0)
	_, cause := s.Rebuilt()
	var fe *FormatError
	require.ErrorAs(t, cause, &fe)
	assert.Contains(t, fe.Error(), "unsupported format 2")
}

func TestCorruptCatalogRebuilds(t *testing.T) {
	blob := make([]byte, 16)
	catalogAt := uint32(HeaderSize + len(blob))

	tests := []struct {
		name    string
		header  Header
		entries []Entry
	}{
		{
			name:   "truncated catalog",
			header: Header{Magic: Magic, Format: 1, EntryCount: 3, CatalogOffset: catalogAt},
			entries: []Entry{
				NewEntry(0, 0, 0, 0, Value{Offset: HeaderSize, Size: 16}),
			},
		},
		{
			name:   "blob past catalog",
			header: Header{Magic: Magic, Format: 1, EntryCount: 1, CatalogOffset: catalogAt},
			entries: []Entry{
				NewEntry(0, 0, 0, 0, Value{Offset: HeaderSize, Size: 400}),
			},
		},
		{
			name:   "duplicate key",
			header: Header{Magic: Magic, Format: 1, EntryCount: 2, CatalogOffset: catalogAt},
			entries: []Entry{
				NewEntry(1, 2, 3, 1, Value{Offset: HeaderSize, Size: 8}),
				NewEntry(1, 2, 3, 1, Value{Offset: HeaderSize + 8, Size: 8}),
			},
		},
		{
			name:   "level out of range",
			header: Header{Magic: Magic, Format: 1, EntryCount: 1, CatalogOffset: catalogAt},
			entries: []Entry{
				NewEntry(levelLimit, 0, 0, 0, Value{Offset: HeaderSize, Size: 8}),
			},
		},
		{
			name:   "truncated header",
			header: Header{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.tc")
			if tt.header == (Header{}) {
				require.NoError(t, os.WriteFile(path, []byte{0x10, 0xf0, 0}, 0644))
			} else {
				writeRaw(t, path, tt.header, blob, tt.entries)
			}

			s := openStore(t, path, 0)
			rebuilt, cause := s.Rebuilt()
			require.True(t, rebuilt)
			var ce *CorruptionError
			assert.ErrorAs(t, cause, &ce)
			assert.Zero(t, s.Len())
			assert.Equal(t, int64(HeaderSize), s.Stats().FileBytes)
		})
	}
}

func TestStaleSourceRebuilds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tc")
	s, err := Open(path, 100, zap.NewNop())
	require.NoError(t, err)
	v, err := s.AppendBlob([]byte("tile"))
	require.NoError(t, err)
	s.Put(NewEntry(0, 0, 0, 1, v))
	require.NoError(t, s.Close())

	same := openStore(t, path, 100)
	assert.Equal(t, 1, same.Len())
	require.NoError(t, same.Close())

	newer := openStore(t, path, 200)
	rebuilt, cause := newer.Rebuilt()
	assert.True(t, rebuilt)
	assert.True(t, errors.Is(cause, errStale))
	assert.Equal(t, uint32(200), newer.Header().SourceTimestamp)
	assert.Zero(t, newer.Len())
}

func TestCompactReclaimsDeadBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tc")
	s := openStore(t, path, 1)

	payload := func(b byte) []byte {
		out := make([]byte, 1000)
		for i := range out {
			out[i] = b
		}
		return out
	}

	// Overwrite the same keys repeatedly so most of the file is dead.
	for round := 0; round < 5; round++ {
		for x := 0; x < 4; x++ {
			v, err := s.AppendBlob(payload(byte(round*10 + x)))
			require.NoError(t, err)
			s.Put(NewEntry(0, x, 0, 1, v))
		}
		require.NoError(t, s.WriteCatalogAndHeader())
	}

	before := s.Stats()
	assert.Equal(t, int64(4000), before.LiveBytes)
	assert.Greater(t, before.DeadBytes, before.LiveBytes)
	assert.True(t, s.ShouldCompact(1024, 0.5))
	assert.False(t, s.ShouldCompact(1<<30, 0.5), "below minimum size")

	require.NoError(t, s.Compact())
	after := s.Stats()
	assert.Zero(t, after.DeadBytes)
	assert.Equal(t, int64(HeaderSize+4000+4*EntrySize), after.FileBytes)
	assert.False(t, s.ShouldCompact(1024, 0.5))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, after.FileBytes, info.Size())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	check := func(st *Store) {
		for x := 0; x < 4; x++ {
			v, ok := st.Get(0, x, 0, 1)
			require.True(t, ok)
			got, err := st.ReadBlob(v)
			require.NoError(t, err)
			assert.Equal(t, payload(byte(40+x)), got)
		}
	}
	check(s)

	// The compacted file must load on its own.
	require.NoError(t, s.Close())
	check(openStore(t, path, 1))
}

func TestDeleteAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tc")
	s := openStore(t, path, 1)
	v, err := s.AppendBlob([]byte("abc"))
	require.NoError(t, err)
	e := NewEntry(2, 1, 1, 3, v)
	s.Put(e)
	require.NoError(t, s.Flush())
	assert.False(t, s.Dirty())

	assert.True(t, s.Delete(e.Key))
	assert.False(t, s.Delete(e.Key))
	require.NoError(t, s.Close())

	r := openStore(t, path, 1)
	assert.Zero(t, r.Len(), "close flushes the delete")
}

func TestDiscardKeepsLastFlushedCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tc")
	s, err := Open(path, 1, zap.NewNop())
	require.NoError(t, err)

	v, err := s.AppendBlob([]byte("kept"))
	require.NoError(t, err)
	s.Put(NewEntry(0, 0, 0, 0, v))
	require.NoError(t, s.Flush())

	v, err = s.AppendBlob([]byte("dropped"))
	require.NoError(t, err)
	s.Put(NewEntry(1, 0, 0, 0, v))
	require.NoError(t, s.Discard())
	require.NoError(t, s.Discard())
	assert.ErrorIs(t, s.WriteCatalogAndHeader(), ErrClosed)

	r := openStore(t, path, 1)
	rebuilt, _ := r.Rebuilt()
	require.False(t, rebuilt)
	assert.Equal(t, 1, r.Len())
	kept, ok := r.Get(0, 0, 0, 0)
	require.True(t, ok)
	got, err := r.ReadBlob(kept)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
	_, ok = r.Get(1, 0, 0, 0)
	assert.False(t, ok)
}

func TestOpenReportsIOError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := Open(filepath.Join(blocker, "a.tc"), 0, zap.NewNop())
	var ioe *IOError
	require.ErrorAs(t, err, &ioe)
	assert.False(t, NeedsRebuild(err))
}

func TestClosedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tc")
	s, err := Open(path, 0, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.AppendBlob([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.WriteCatalogAndHeader(), ErrClosed)

	require.NoError(t, s.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
