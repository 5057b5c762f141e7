package catalog

import (
	"cmp"
	"os"
	"slices"

	"go.uber.org/zap"
)

// ShouldCompact reports whether dead bytes make up at least ratio of a file
// that is at least minBytes long.
func (s *Store) ShouldCompact(minBytes int64, ratio float64) bool {
	st := s.Stats()
	if st.FileBytes < minBytes || st.FileBytes == 0 {
		return false
	}
	return float64(st.DeadBytes) >= ratio*float64(st.FileBytes)
}

// Compact copies every live blob into a fresh file, writes the catalog and
// header behind them, and atomically replaces the store file.
func (s *Store) Compact() error {
	if s.closed {
		return ErrClosed
	}

	before := s.size
	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &IOError{Op: "open", Path: tmpPath, Err: err}
	}

	index, size, err := s.copyLive(tmp)
	if err == nil {
		err = tmp.Sync()
		if err != nil {
			err = &IOError{Op: "sync", Path: tmpPath, Err: err}
		}
	}
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = &IOError{Op: "close", Path: tmpPath, Err: cerr}
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := s.f.Close(); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "close", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return s.reopen(&IOError{Op: "rename", Path: s.path, Err: err})
	}
	if err := s.reopen(nil); err != nil {
		return err
	}

	s.index = index
	s.size = size
	s.header.EntryCount = uint32(len(index))
	s.header.CatalogOffset = uint32(size - int64(len(index))*EntrySize)
	s.dirty = false

	s.logger.Info("Compacted compressed cache",
		zap.String("path", s.path),
		zap.Int64("before_bytes", before),
		zap.Int64("after_bytes", size),
		zap.Int("entries", len(index)),
	)
	return nil
}

func (s *Store) copyLive(tmp *os.File) (map[Key]Value, int64, error) {
	keys := make([]Key, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	// Copy in file order so reads stay sequential.
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Compare(s.index[a].Offset, s.index[b].Offset)
	})

	index := make(map[Key]Value, len(keys))
	pos := int64(HeaderSize)
	for _, k := range keys {
		data, err := s.ReadBlob(s.index[k])
		if err != nil {
			return nil, 0, err
		}
		if _, err := tmp.WriteAt(data, pos); err != nil {
			return nil, 0, &IOError{Op: "write blob", Path: tmp.Name(), Err: err}
		}
		index[k] = Value{Offset: uint32(pos), Size: uint32(len(data))}
		pos += int64(len(data))
	}

	buf := encodeCatalog(index)
	if _, err := tmp.WriteAt(buf, pos); err != nil {
		return nil, 0, &IOError{Op: "write catalog", Path: tmp.Name(), Err: err}
	}

	h := s.header
	h.EntryCount = uint32(len(index))
	h.CatalogOffset = uint32(pos)
	hb, _ := h.MarshalBinary()
	if _, err := tmp.WriteAt(hb, 0); err != nil {
		return nil, 0, &IOError{Op: "write header", Path: tmp.Name(), Err: err}
	}
	return index, pos + int64(len(buf)), nil
}

// reopen reattaches the store to its path after the file was swapped.
// cause, when set, is returned after a successful reopen.
func (s *Store) reopen(cause error) error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		s.closed = true
		return &IOError{Op: "reopen", Path: s.path, Err: err}
	}
	s.f = f
	return cause
}
