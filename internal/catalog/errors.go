package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("catalog store closed")
	// ErrStoreFull is returned when a write would move past the 32-bit offset range.
	ErrStoreFull = errors.New("catalog store exceeds 32-bit offset range")
)

// FormatError reports a header whose magic or format version is not ours.
type FormatError struct {
	Path   string
	Magic  uint32
	Format uint32
}

func (e *FormatError) Error() string {
	if e.Magic != Magic {
		return fmt.Sprintf("%s: bad magic 0x%x", e.Path, e.Magic)
	}
	return fmt.Sprintf("%s: unsupported format %d", e.Path, e.Format)
}

// CorruptionError reports a catalog that is inconsistent with the file.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: corrupt catalog: %s", e.Path, e.Reason)
}

// IOError wraps an operating system failure on the store file.
//
// The underlying error can be accessed via errors.Unwrap.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NeedsRebuild reports whether err means the store content must be discarded.
func NeedsRebuild(err error) bool {
	var fe *FormatError
	var ce *CorruptionError
	return errors.As(err, &fe) || errors.As(err, &ce) || errors.Is(err, errStale)
}

var errStale = errors.New("source is newer than cached data")
