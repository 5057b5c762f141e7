package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"texcache/internal/codec"
	"texcache/internal/tile"
	"texcache/internal/workerpool"
)

// CompressJob renders the ticket's region at its minimum level and produces
// every level from there to the coarsest, halving the pixels between levels.
// It runs on a pool worker and reads only immutable cache fields.
func (c *TileCache) CompressJob(ctx context.Context, t *workerpool.Ticket) ([]workerpool.LevelData, error) {
	level := t.Key.Level
	dim := c.grid.LevelDim(level)

	raw, err := c.src.Pixels(ctx, t.Key.Region, dim, t.Key.Scheme)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Key.Region, err)
	}

	kind := codec.KindNone
	if t.PostCompress {
		kind = c.opts.PostKind
	}

	out := make([]workerpool.LevelData, 0, tile.MaxLevel-level)
	for ; level < tile.MaxLevel; level++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := t.Pace(ctx); err != nil {
			return nil, err
		}

		tex, err := c.opts.Codec.Compress(raw, dim)
		if err != nil {
			return nil, fmt.Errorf("compress level %d: %w", level, err)
		}
		blob, err := codec.Pack(tex, kind)
		if err != nil {
			return nil, fmt.Errorf("pack level %d: %w", level, err)
		}
		out = append(out, workerpool.LevelData{Level: level, Texture: tex, Blob: blob})

		if level+1 < tile.MaxLevel {
			raw = codec.HalfScale(dim, raw)
			dim = c.grid.LevelDim(level + 1)
		}
	}
	return out, nil
}

// ApplyJobResult installs a finished job. A failed job leaves the tile at its
// last good level until it is requested again. Jobs purged before the cache
// lock was taken are dropped.
func (c *TileCache) ApplyJobResult(t *workerpool.Ticket) {
	d, err := c.descriptor(t.Key.Region)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || t.Cancelled() {
		return
	}

	if t.Err != nil {
		c.markPendingLocked(d, t.Key.Level, t.Key.Scheme, false)
		c.logger.Debug("Compression job failed, keeping last good level",
			zap.String("ticket", t.ID.String()),
			zap.Stringer("region", t.Key.Region),
			zap.Error(t.Err),
		)
		return
	}

	if err := c.updateAllLevelsLocked(d, t.Key.Scheme, t.Result); err != nil {
		c.logger.Warn("Failed to persist compressed levels",
			zap.String("ticket", t.ID.String()),
			zap.Stringer("region", t.Key.Region),
			zap.Error(err),
		)
	}
}
