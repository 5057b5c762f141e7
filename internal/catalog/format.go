package catalog

import (
	"encoding/binary"
	"fmt"

	"texcache/internal/tile"
)

// Store file layout:
//
//	[Header][blob region][catalog region]
//
// Header (20 bytes, little endian):
//   - Magic (4): 0xF010
//   - Format (4): record layout version
//   - SourceTimestamp (4): modification time of the source, unix seconds
//   - EntryCount (4): number of catalog records
//   - CatalogOffset (4): file offset of the current catalog
//
// Catalog record (24 bytes): level, scheme, x, y, offset, size.
// Rewriting the catalog appends a new table and repoints the header; blobs
// referenced by the previous table stay in place until Compact.
const (
	Magic         uint32 = 0xF010 // change when the layout changes
	FormatVersion uint32 = 1

	HeaderSize = 5 * 4
	EntrySize  = 6 * 4

	levelLimit  = tile.MaxLevel
	schemeLimit = tile.NumSchemes
)

type Header struct {
	Magic           uint32
	Format          uint32
	SourceTimestamp uint32
	EntryCount      uint32
	CatalogOffset   uint32
}

func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Format)
	binary.LittleEndian.PutUint32(buf[8:12], h.SourceTimestamp)
	binary.LittleEndian.PutUint32(buf[12:16], h.EntryCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.CatalogOffset)
	return buf, nil
}

func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("header too short: %d bytes", len(buf))
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Format = binary.LittleEndian.Uint32(buf[4:8])
	h.SourceTimestamp = binary.LittleEndian.Uint32(buf[8:12])
	h.EntryCount = binary.LittleEndian.Uint32(buf[12:16])
	h.CatalogOffset = binary.LittleEndian.Uint32(buf[16:20])
	return nil
}

// Key identifies one compressed tile variant.
type Key struct {
	Level  uint32
	Scheme uint32
	X      uint32
	Y      uint32
}

func (k Key) String() string {
	return fmt.Sprintf("L%d/s%d/%d,%d", k.Level, k.Scheme, k.X, k.Y)
}

func (k Key) less(o Key) bool {
	if k.Level != o.Level {
		return k.Level < o.Level
	}
	if k.Scheme != o.Scheme {
		return k.Scheme < o.Scheme
	}
	if k.Y != o.Y {
		return k.Y < o.Y
	}
	return k.X < o.X
}

// Value locates a blob inside the store file.
type Value struct {
	Offset uint32
	Size   uint32
}

func (v Value) End() int64 {
	return int64(v.Offset) + int64(v.Size)
}

type Entry struct {
	Key
	Value
}

func NewEntry(level, x, y int, scheme uint32, v Value) Entry {
	return Entry{
		Key:   Key{Level: uint32(level), Scheme: scheme, X: uint32(x), Y: uint32(y)},
		Value: v,
	}
}

func (e Entry) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], e.Level)
	binary.LittleEndian.PutUint32(buf[4:8], e.Scheme)
	binary.LittleEndian.PutUint32(buf[8:12], e.X)
	binary.LittleEndian.PutUint32(buf[12:16], e.Y)
	binary.LittleEndian.PutUint32(buf[16:20], e.Offset)
	binary.LittleEndian.PutUint32(buf[20:24], e.Size)
}

func (e Entry) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EntrySize)
	e.put(buf)
	return buf, nil
}

func (e *Entry) UnmarshalBinary(buf []byte) error {
	if len(buf) < EntrySize {
		return fmt.Errorf("catalog entry too short: %d bytes", len(buf))
	}
	e.Level = binary.LittleEndian.Uint32(buf[0:4])
	e.Scheme = binary.LittleEndian.Uint32(buf[4:8])
	e.X = binary.LittleEndian.Uint32(buf[8:12])
	e.Y = binary.LittleEndian.Uint32(buf[12:16])
	e.Offset = binary.LittleEndian.Uint32(buf[16:20])
	e.Size = binary.LittleEndian.Uint32(buf[20:24])
	return nil
}
