package cache

import (
	"context"
	"errors"

	"texcache/internal/catalog"
	"texcache/internal/tile"
)

// Source provides the raw pixels a cache compresses.
type Source interface {
	ID() string
	// Size returns the full resolution of the source in pixels.
	Size() (width, height int)
	// Timestamp is the modification time of the source content. Stores
	// written before it are discarded.
	Timestamp() uint32
	// Pixels renders region into a dim x dim RGBA buffer using scheme.
	// Edge regions smaller than the tile are padded.
	Pixels(ctx context.Context, region tile.Rect, dim int, scheme tile.ColorScheme) ([]byte, error)
}

// ErrUnknownSource is wrapped by a SourceFunc that has no source with the id.
var ErrUnknownSource = errors.New("unknown source")

// SourceFunc resolves a source id to its Source.
type SourceFunc func(id string) (Source, error)

// store is the persistence a TileCache writes through. *catalog.Store is the
// durable implementation; noopStore keeps a cache in memory only.
type store interface {
	Get(level, x, y int, scheme uint32) (catalog.Value, bool)
	Put(e catalog.Entry)
	Delete(k catalog.Key) bool
	AppendBlob(data []byte) (catalog.Value, error)
	ReadBlob(v catalog.Value) ([]byte, error)
	Flush() error
	ShouldCompact(minBytes int64, ratio float64) bool
	Compact() error
	Stats() catalog.Stats
	Close() error
	// Discard closes without writing the catalog.
	Discard() error
	Remove() error
}

// Stats is a point-in-time view of one source cache.
type Stats struct {
	SourceID       string `json:"source_id"`
	Tiles          int    `json:"tiles"`
	ResidentBytes  int64  `json:"resident_bytes"`
	ResidentLevels int    `json:"resident_levels"`
	PendingLevels  int    `json:"pending_levels"`
	LRUTime        uint64 `json:"lru_time"`
	MemoryOnly     bool   `json:"memory_only"`
	StoreEntries   int    `json:"store_entries"`
	StoreBytes     int64  `json:"store_bytes"`
	DeadBytes      int64  `json:"dead_bytes"`
}
