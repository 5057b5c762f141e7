package cache

import (
	"cmp"
	"slices"

	"go.uber.org/zap"

	"texcache/internal/metrics"
	"texcache/internal/tile"
)

type candidate struct {
	d      *tile.Descriptor
	level  int
	scheme tile.ColorScheme
	access uint64
}

// DeleteSome releases resident levels until at most target bytes stay
// resident. Levels go least recently used first, coarsest first within a
// tile, then by ascending row and column. A level that a running job is
// producing is never released. It returns the number of bytes freed.
func (c *TileCache) DeleteSome(target int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resident <= target {
		return 0
	}

	var cands []candidate
	for _, d := range c.tiles {
		for s := tile.ColorScheme(0); s < tile.NumSchemes; s++ {
			for l := 0; l < tile.MaxLevel; l++ {
				if d.Resident(l, s) != nil {
					cands = append(cands, candidate{d: d, level: l, scheme: s, access: d.LastAccess()})
				}
			}
		}
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(a.access, b.access),
			cmp.Compare(b.level, a.level),
			cmp.Compare(a.d.Row, b.d.Row),
			cmp.Compare(a.d.Col, b.d.Col),
			cmp.Compare(a.scheme, b.scheme),
		)
	})

	var freed int64
	evicted, skipped := 0, 0
	for _, cd := range cands {
		if c.resident <= target {
			break
		}
		if c.pool.IsRunning(c.id, cd.d.Rect, cd.level, cd.scheme) {
			skipped++
			continue
		}
		freed += c.dropLocked(cd.d, cd.level, cd.scheme)
		evicted++
	}

	metrics.Evictions.Add(float64(evicted))
	c.logger.Debug("Evicted resident textures",
		zap.Int("levels", evicted),
		zap.Int("skipped_running", skipped),
		zap.Int64("freed_bytes", freed),
		zap.Int64("resident_bytes", c.resident),
	)
	return freed
}
