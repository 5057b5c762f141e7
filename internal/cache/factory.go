package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"texcache/internal/catalog"
	"texcache/internal/codec"
	"texcache/internal/metrics"
)

const storeExt = ".texc"

// Options configures every TileCache a Manager creates.
type Options struct {
	// Type is "file" for persistent stores or "disabled" for memory only.
	Type string
	Dir  string

	TileDim      int
	Codec        codec.Compressor
	PostCompress bool
	// PostKind frames blobs when PostCompress is set. Defaults to zstd.
	PostKind codec.Kind
	// ThrottleRate bounds how many new jobs per second throttled
	// PrepareTexture calls may schedule for one source.
	ThrottleRate float64

	CompactMinBytes int64
	CompactRatio    float64

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Type == "" {
		o.Type = "file"
	}
	if o.TileDim <= 0 {
		o.TileDim = 256
	}
	if o.Codec == nil {
		o.Codec = codec.LZ4{}
	}
	if o.PostCompress && o.PostKind == codec.KindNone {
		o.PostKind = codec.KindZstd
	}
	if o.ThrottleRate <= 0 {
		o.ThrottleRate = 8
	}
	if o.CompactRatio <= 0 {
		o.CompactRatio = 0.5
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) validate() error {
	switch o.Type {
	case "file", "disabled":
		return nil
	default:
		return fmt.Errorf("unknown cache type: %s (supported: file, disabled)", o.Type)
	}
}

// openStore opens the persistent store for src. A store that cannot be
// opened leaves the cache in memory-only mode instead of failing it.
func openStore(opts Options, src Source, log *zap.Logger) (st store, memoryOnly bool) {
	if opts.Type == "disabled" {
		return noopStore{}, true
	}

	path := storeFile(opts, src.ID())
	s, err := catalog.Open(path, src.Timestamp(), log)
	if err != nil {
		log.Error("Compressed cache unavailable, keeping textures in memory only",
			zap.String("path", path),
			zap.Error(err),
		)
		return noopStore{}, true
	}

	if rebuilt, cause := s.Rebuilt(); rebuilt {
		metrics.StoreRebuilds.Inc()
		log.Info("Rebuilding compressed cache", zap.String("path", path), zap.NamedError("cause", cause))
	}
	return s, false
}

func storeFile(opts Options, id string) string {
	return filepath.Join(opts.Dir, id+storeExt)
}

// removeStore deletes the store file of source id, opened or not.
func removeStore(opts Options, id string) error {
	if opts.Type != "file" {
		return nil
	}
	path := storeFile(opts, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &catalog.IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}
