package catalog

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"
)

// Store is the durable key to blob index of one source. A Store is owned by
// exactly one cache and is not safe for concurrent use.
type Store struct {
	path   string
	f      *os.File
	logger *zap.Logger

	header    Header
	index     map[Key]Value
	size      int64
	liveBytes int64
	dirty     bool
	closed    bool

	rebuildCause error
}

type Stats struct {
	Entries   int
	FileBytes int64
	LiveBytes int64
	DeadBytes int64
}

// Open opens or creates the store at path. A store whose header or catalog
// fails validation, or whose source timestamp is older than sourceTimestamp,
// is discarded and rebuilt empty. Only operating system failures are returned.
func Open(path string, sourceTimestamp uint32, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	s := newStore(path, f, logger)
	if err := s.statSize(); err != nil {
		f.Close()
		return nil, err
	}

	if s.size == 0 {
		if err := s.reset(sourceTimestamp); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}

	err = s.load(sourceTimestamp)
	if err == nil {
		return s, nil
	}
	if !NeedsRebuild(err) {
		f.Close()
		return nil, err
	}

	s.logger.Warn("Discarding compressed cache", zap.String("path", path), zap.Error(err))
	if err := s.reset(sourceTimestamp); err != nil {
		f.Close()
		return nil, err
	}
	s.rebuildCause = err
	return s, nil
}

func newStore(path string, f *os.File, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   path,
		f:      f,
		logger: logger,
		index:  make(map[Key]Value),
	}
}

func (s *Store) statSize() error {
	info, err := s.f.Stat()
	if err != nil {
		return &IOError{Op: "stat", Path: s.path, Err: err}
	}
	s.size = info.Size()
	return nil
}

func (s *Store) load(sourceTimestamp uint32) error {
	if err := s.LoadHeader(); err != nil {
		return err
	}
	if s.header.SourceTimestamp < sourceTimestamp {
		return fmt.Errorf("%s: %w", s.path, errStale)
	}
	return s.LoadCatalog()
}

// LoadHeader reads and validates the header. The magic is checked before
// anything else in the file is trusted.
func (s *Store) LoadHeader() error {
	if s.closed {
		return ErrClosed
	}

	buf := make([]byte, HeaderSize)
	n, err := s.f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return &IOError{Op: "read header", Path: s.path, Err: err}
	}
	if n < HeaderSize {
		return &CorruptionError{Path: s.path, Reason: fmt.Sprintf("truncated header: %d bytes", n)}
	}

	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return &CorruptionError{Path: s.path, Reason: err.Error()}
	}
	if h.Magic != Magic || h.Format != FormatVersion {
		return &FormatError{Path: s.path, Magic: h.Magic, Format: h.Format}
	}

	s.header = h
	return nil
}

// LoadCatalog reads header.EntryCount records at header.CatalogOffset and
// replaces the in-memory index.
func (s *Store) LoadCatalog() error {
	if s.closed {
		return ErrClosed
	}

	count := int64(s.header.EntryCount)
	off := int64(s.header.CatalogOffset)
	if count == 0 {
		if off > s.size {
			return &CorruptionError{Path: s.path, Reason: "catalog offset past end of file"}
		}
		s.index = make(map[Key]Value)
		s.liveBytes = 0
		return nil
	}

	if off < HeaderSize || off+count*EntrySize > s.size {
		return &CorruptionError{
			Path:   s.path,
			Reason: fmt.Sprintf("catalog [%d,+%d entries) outside file of %d bytes", off, count, s.size),
		}
	}

	buf := make([]byte, count*EntrySize)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return &IOError{Op: "read catalog", Path: s.path, Err: err}
	}

	index := make(map[Key]Value, count)
	var live int64
	for i := int64(0); i < count; i++ {
		var e Entry
		if err := e.UnmarshalBinary(buf[i*EntrySize:]); err != nil {
			return &CorruptionError{Path: s.path, Reason: err.Error()}
		}
		if e.Level >= levelLimit || e.Scheme >= schemeLimit {
			return &CorruptionError{Path: s.path, Reason: fmt.Sprintf("entry %s out of range", e.Key)}
		}
		if int64(e.Offset) < HeaderSize || e.End() > off {
			return &CorruptionError{
				Path:   s.path,
				Reason: fmt.Sprintf("entry %s blob [%d,%d) outside blob region", e.Key, e.Offset, e.End()),
			}
		}
		if _, dup := index[e.Key]; dup {
			return &CorruptionError{Path: s.path, Reason: fmt.Sprintf("duplicate entry %s", e.Key)}
		}
		index[e.Key] = e.Value
		live += int64(e.Size)
	}

	s.index = index
	s.liveBytes = live
	s.dirty = false
	return nil
}

// WriteCatalogAndHeader appends the full index as a new catalog and repoints
// the header at it. Committed blob bytes are never rewritten.
func (s *Store) WriteCatalogAndHeader() error {
	if s.closed {
		return ErrClosed
	}

	off := s.size
	buf := encodeCatalog(s.index)
	if off+int64(len(buf)) > math.MaxUint32 {
		return ErrStoreFull
	}
	if _, err := s.f.WriteAt(buf, off); err != nil {
		return &IOError{Op: "write catalog", Path: s.path, Err: err}
	}
	s.size += int64(len(buf))

	s.header.EntryCount = uint32(len(s.index))
	s.header.CatalogOffset = uint32(off)
	if err := s.writeHeader(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return &IOError{Op: "sync", Path: s.path, Err: err}
	}

	s.dirty = false
	return nil
}

func encodeCatalog(index map[Key]Value) []byte {
	keys := make([]Key, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		}
		return 0
	})

	buf := make([]byte, len(keys)*EntrySize)
	for i, k := range keys {
		Entry{Key: k, Value: index[k]}.put(buf[i*EntrySize:])
	}
	return buf
}

func (s *Store) writeHeader() error {
	buf, _ := s.header.MarshalBinary()
	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return &IOError{Op: "write header", Path: s.path, Err: err}
	}
	return nil
}

// reset truncates the file to a bare header.
func (s *Store) reset(sourceTimestamp uint32) error {
	if err := s.f.Truncate(0); err != nil {
		return &IOError{Op: "truncate", Path: s.path, Err: err}
	}
	s.header = Header{
		Magic:           Magic,
		Format:          FormatVersion,
		SourceTimestamp: sourceTimestamp,
		CatalogOffset:   HeaderSize,
	}
	s.index = make(map[Key]Value)
	s.liveBytes = 0
	s.size = HeaderSize
	s.dirty = false
	if err := s.writeHeader(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return &IOError{Op: "sync", Path: s.path, Err: err}
	}
	return nil
}

func (s *Store) Get(level, x, y int, scheme uint32) (Value, bool) {
	v, ok := s.index[Key{Level: uint32(level), Scheme: scheme, X: uint32(x), Y: uint32(y)}]
	return v, ok
}

// Put inserts or replaces the entry for e.Key. The change reaches the file on
// the next WriteCatalogAndHeader.
func (s *Store) Put(e Entry) {
	if old, ok := s.index[e.Key]; ok {
		s.liveBytes -= int64(old.Size)
	}
	s.index[e.Key] = e.Value
	s.liveBytes += int64(e.Size)
	s.dirty = true
}

func (s *Store) Delete(k Key) bool {
	old, ok := s.index[k]
	if !ok {
		return false
	}
	delete(s.index, k)
	s.liveBytes -= int64(old.Size)
	s.dirty = true
	return true
}

// AppendBlob writes data at the end of the file and returns its location.
func (s *Store) AppendBlob(data []byte) (Value, error) {
	if s.closed {
		return Value{}, ErrClosed
	}
	off := s.size
	if off+int64(len(data)) > math.MaxUint32 {
		return Value{}, ErrStoreFull
	}
	if _, err := s.f.WriteAt(data, off); err != nil {
		return Value{}, &IOError{Op: "write blob", Path: s.path, Err: err}
	}
	s.size += int64(len(data))
	return Value{Offset: uint32(off), Size: uint32(len(data))}, nil
}

func (s *Store) ReadBlob(v Value) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if int64(v.Offset) < HeaderSize || v.End() > s.size {
		return nil, &CorruptionError{Path: s.path, Reason: fmt.Sprintf("blob [%d,%d) outside file", v.Offset, v.End())}
	}
	buf := make([]byte, v.Size)
	if _, err := s.f.ReadAt(buf, int64(v.Offset)); err != nil {
		return nil, &IOError{Op: "read blob", Path: s.path, Err: err}
	}
	return buf, nil
}

func (s *Store) Header() Header { return s.header }

func (s *Store) Len() int { return len(s.index) }

func (s *Store) Path() string { return s.path }

// Dirty reports whether the index has changes not yet in the file.
func (s *Store) Dirty() bool { return s.dirty }

// Rebuilt reports whether Open discarded the previous content, and why.
func (s *Store) Rebuilt() (bool, error) { return s.rebuildCause != nil, s.rebuildCause }

func (s *Store) Stats() Stats {
	catalogBytes := int64(s.header.EntryCount) * EntrySize
	dead := s.size - HeaderSize - s.liveBytes - catalogBytes
	if dead < 0 {
		dead = 0
	}
	return Stats{
		Entries:   len(s.index),
		FileBytes: s.size,
		LiveBytes: s.liveBytes,
		DeadBytes: dead,
	}
}

// Flush writes the catalog if the index changed since the last write.
func (s *Store) Flush() error {
	if s.closed {
		return ErrClosed
	}
	if !s.dirty {
		return nil
	}
	return s.WriteCatalogAndHeader()
}

func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	flushErr := s.Flush()
	s.closed = true
	if err := s.f.Close(); err != nil && flushErr == nil {
		return &IOError{Op: "close", Path: s.path, Err: err}
	}
	return flushErr
}

// Discard closes the store without writing pending catalog changes. The
// file keeps its last flushed catalog.
func (s *Store) Discard() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Close(); err != nil {
		return &IOError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}

// Remove closes the store without flushing and deletes its file.
func (s *Store) Remove() error {
	if !s.closed {
		s.closed = true
		s.f.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return &IOError{Op: "remove", Path: s.path, Err: err}
	}
	return nil
}
