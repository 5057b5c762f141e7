package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"texcache/internal/catalog"
	"texcache/internal/codec"
	"texcache/internal/metrics"
	"texcache/internal/tile"
	"texcache/internal/workerpool"
)

var (
	ErrClosed        = errors.New("tile cache closed")
	ErrInvalidRegion = errors.New("region is not a tile of this source")
	ErrInvalidLevel  = errors.New("mip level out of range")
	ErrInvalidScheme = errors.New("unknown color scheme")
)

// TileCache tracks the compressed textures of one source: which (level,
// scheme) variants of each grid cell are resident in memory, which are
// persisted in the store, and which are being produced by the worker pool.
//
// Query methods may be called from any goroutine. Job results are installed
// by ApplyJobResult, which the pool calls from the delivering goroutine.
type TileCache struct {
	id      string
	src     Source
	pool    *workerpool.Pool
	opts    Options
	logger  *zap.Logger
	grid    tile.Grid
	limiter *rate.Limiter

	mu         sync.Mutex
	tiles      []*tile.Descriptor
	st         store
	memoryOnly bool
	resident   int64
	lruTime    uint64
	closed     bool
}

// New creates the cache for src. The store is opened on the first miss.
func New(src Source, pool *workerpool.Pool, opts Options) (*TileCache, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	w, h := src.Size()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("source %s has invalid size %dx%d", src.ID(), w, h)
	}
	grid := tile.NewGrid(w, h, opts.TileDim)

	c := &TileCache{
		id:      src.ID(),
		src:     src,
		pool:    pool,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("source", src.ID())),
		grid:    grid,
		limiter: rate.NewLimiter(rate.Limit(opts.ThrottleRate), int(math.Ceil(opts.ThrottleRate))),
		tiles:   make([]*tile.Descriptor, grid.Count()),
	}
	for i := range c.tiles {
		col, row := i%grid.Cols(), i/grid.Cols()
		c.tiles[i] = tile.NewDescriptor(grid.Cell(col, row), col, row)
	}
	return c, nil
}

func (c *TileCache) SourceID() string { return c.id }

func (c *TileCache) Grid() tile.Grid { return c.grid }

func (c *TileCache) descriptor(region tile.Rect) (*tile.Descriptor, error) {
	i, ok := c.grid.Index(region)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRegion, region)
	}
	return c.tiles[i], nil
}

func (c *TileCache) lookup(region tile.Rect, level int, scheme tile.ColorScheme) (*tile.Descriptor, error) {
	if level < 0 || level >= tile.MaxLevel {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	if !scheme.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScheme, scheme)
	}
	return c.descriptor(region)
}

// storeLocked opens the store on first use.
func (c *TileCache) storeLocked() store {
	if c.st == nil {
		c.st, c.memoryOnly = openStore(c.opts, c.src, c.logger)
	}
	return c.st
}

// storeFailedLocked switches the cache to memory only after an IO failure.
func (c *TileCache) storeFailedLocked(err error) {
	var ioErr *catalog.IOError
	if !errors.As(err, &ioErr) || c.memoryOnly {
		return
	}
	c.logger.Error("Compressed cache failed, keeping textures in memory only", zap.Error(err))
	if c.st != nil {
		c.st.Close()
	}
	c.st = noopStore{}
	c.memoryOnly = true
}

func (c *TileCache) touchLocked(d *tile.Descriptor) {
	c.lruTime = d.Touch()
}

func (c *TileCache) setResidentLocked(d *tile.Descriptor, level int, scheme tile.ColorScheme, tex []byte) {
	delta := d.SetResident(level, scheme, tex)
	c.resident += delta
	metrics.ResidentBytes.Add(float64(delta))
}

func (c *TileCache) dropLocked(d *tile.Descriptor, level int, scheme tile.ColorScheme) int64 {
	n := d.Drop(level, scheme)
	c.resident -= n
	metrics.ResidentBytes.Sub(float64(n))
	return n
}

func (c *TileCache) dropAllLocked() int64 {
	var n int64
	for _, d := range c.tiles {
		n += d.DropAll()
	}
	c.resident -= n
	metrics.ResidentBytes.Sub(float64(n))
	return n
}

// PrepareTexture makes sure region at level becomes available. It returns
// true when the texture is usable now, either resident or loaded from the
// store. Otherwise a compression job is scheduled, unless one is already in
// flight or throttle is set and this source has used up its scheduling rate,
// and false is returned; the caller shows a coarser level meanwhile.
func (c *TileCache) PrepareTexture(ctx context.Context, level int, region tile.Rect, scheme tile.ColorScheme, throttle bool) (bool, error) {
	d, err := c.lookup(region, level, scheme)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	c.touchLocked(d)
	if d.Resident(level, scheme) != nil {
		c.mu.Unlock()
		metrics.TextureRequests.WithLabelValues(metrics.ResultResident).Inc()
		return true, nil
	}
	if c.loadLocked(d, level, scheme) {
		c.mu.Unlock()
		metrics.TextureRequests.WithLabelValues(metrics.ResultStore).Inc()
		return true, nil
	}
	c.mu.Unlock()

	if c.pool.IsScheduled(c.id, d.Rect, level, scheme) {
		metrics.TextureRequests.WithLabelValues(metrics.ResultPending).Inc()
		return false, nil
	}
	if throttle && !c.limiter.Allow() {
		metrics.TextureRequests.WithLabelValues(metrics.ResultThrottled).Inc()
		return false, nil
	}

	// Flagged first so a failure delivered before ScheduleJob returns clears it.
	c.markPending(d, level, scheme, true)
	if _, err := c.pool.ScheduleJob(ctx, c.request(d, level, scheme, throttle)); err != nil {
		c.markPending(d, level, scheme, false)
		return false, fmt.Errorf("schedule %s level %d: %w", d.Rect, level, err)
	}
	metrics.TextureRequests.WithLabelValues(metrics.ResultScheduled).Inc()
	return false, nil
}

func (c *TileCache) request(d *tile.Descriptor, level int, scheme tile.ColorScheme, throttle bool) workerpool.Request {
	return workerpool.Request{
		Owner:        c,
		Region:       d.Rect,
		MinLevel:     level,
		Scheme:       scheme,
		Throttle:     throttle,
		PostCompress: c.opts.PostCompress,
	}
}

func (c *TileCache) markPending(d *tile.Descriptor, from int, scheme tile.ColorScheme, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markPendingLocked(d, from, scheme, pending)
}

func (c *TileCache) markPendingLocked(d *tile.Descriptor, from int, scheme tile.ColorScheme, pending bool) {
	for l := from; l < tile.MaxLevel; l++ {
		if d.Resident(l, scheme) == nil {
			d.SetPending(l, scheme, pending)
		}
	}
}

// loadLocked installs a persisted level. An unreadable blob is dropped from
// the index so the level gets recompressed.
func (c *TileCache) loadLocked(d *tile.Descriptor, level int, scheme tile.ColorScheme) bool {
	st := c.storeLocked()
	v, ok := st.Get(level, d.Col, d.Row, uint32(scheme))
	if !ok {
		return false
	}

	blob, err := st.ReadBlob(v)
	var tex []byte
	if err == nil {
		tex, err = codec.Unpack(blob)
	}
	if err != nil {
		c.logger.Warn("Dropping unreadable cached texture",
			zap.Int("level", level),
			zap.Stringer("scheme", scheme),
			zap.Int("x", d.Col),
			zap.Int("y", d.Row),
			zap.Error(err),
		)
		st.Delete(catalog.Key{Level: uint32(level), Scheme: uint32(scheme), X: uint32(d.Col), Y: uint32(d.Row)})
		c.storeFailedLocked(err)
		return false
	}

	c.setResidentLocked(d, level, scheme, tex)
	return true
}

// GetTextureLevel returns the finest resident level at or coarser than level.
// It never blocks on compression and never schedules work.
func (c *TileCache) GetTextureLevel(region tile.Rect, level int, scheme tile.ColorScheme) (int, []byte, bool) {
	d, err := c.lookup(region, level, scheme)
	if err != nil {
		return -1, nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for l := level; l < tile.MaxLevel; l++ {
		if tex := d.Resident(l, scheme); tex != nil {
			c.touchLocked(d)
			return l, tex, true
		}
	}
	return -1, nil, false
}

// UpdateCacheLevel installs one compressed level, appends it to the store and,
// with writeCatalog set, rewrites the catalog.
func (c *TileCache) UpdateCacheLevel(region tile.Rect, level int, scheme tile.ColorScheme, data []byte, writeCatalog bool) error {
	d, err := c.lookup(region, level, scheme)
	if err != nil {
		return err
	}
	blob, err := codec.Pack(data, c.blobKind())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.updateLevelLocked(d, level, scheme, data, blob); err != nil {
		return err
	}
	if writeCatalog {
		return c.flushLocked()
	}
	return nil
}

// UpdateCacheAllLevels installs every level of a job result and rewrites the
// catalog once at the end.
func (c *TileCache) UpdateCacheAllLevels(region tile.Rect, scheme tile.ColorScheme, levels []workerpool.LevelData) error {
	d, err := c.lookup(region, 0, scheme)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.updateAllLevelsLocked(d, scheme, levels)
}

func (c *TileCache) updateAllLevelsLocked(d *tile.Descriptor, scheme tile.ColorScheme, levels []workerpool.LevelData) error {
	var errs []error
	for _, ld := range levels {
		if ld.Level < 0 || ld.Level >= tile.MaxLevel {
			errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidLevel, ld.Level))
			continue
		}
		blob := ld.Blob
		if blob == nil {
			var err error
			if blob, err = codec.Pack(ld.Texture, c.blobKind()); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := c.updateLevelLocked(d, ld.Level, scheme, ld.Texture, blob); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, c.flushLocked())
	return errors.Join(errs...)
}

func (c *TileCache) updateLevelLocked(d *tile.Descriptor, level int, scheme tile.ColorScheme, tex, blob []byte) error {
	c.setResidentLocked(d, level, scheme, tex)

	st := c.storeLocked()
	v, err := st.AppendBlob(blob)
	if err != nil {
		c.storeFailedLocked(err)
		return fmt.Errorf("persist %s level %d: %w", d.Rect, level, err)
	}
	st.Put(catalog.NewEntry(level, d.Col, d.Row, uint32(scheme), v))
	return nil
}

func (c *TileCache) blobKind() codec.Kind {
	if c.opts.PostCompress {
		return c.opts.PostKind
	}
	return codec.KindNone
}

// IsCompressedArrayComplete reports whether every level from level to the
// coarsest is persisted for region.
func (c *TileCache) IsCompressedArrayComplete(level int, region tile.Rect, scheme tile.ColorScheme) bool {
	d, err := c.lookup(region, level, scheme)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	st := c.storeLocked()
	for l := level; l < tile.MaxLevel; l++ {
		if _, ok := st.Get(l, d.Col, d.Row, uint32(scheme)); !ok {
			return false
		}
	}
	return true
}

// IsLevelInCache reports whether region at level is resident.
func (c *TileCache) IsLevelInCache(level int, region tile.Rect, scheme tile.ColorScheme) bool {
	d, err := c.lookup(region, level, scheme)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return d.Resident(level, scheme) != nil
}

// DoImmediateFullCompress compresses every level of region on the calling
// goroutine and installs the result before returning.
func (c *TileCache) DoImmediateFullCompress(ctx context.Context, region tile.Rect, scheme tile.ColorScheme) error {
	d, err := c.lookup(region, 0, scheme)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	req := c.request(d, 0, scheme, false)
	req.Immediate = true
	if _, err := c.pool.ScheduleJob(ctx, req); err != nil {
		return fmt.Errorf("compress %s: %w", d.Rect, err)
	}
	return nil
}

// Delete releases the resident textures of region. Persisted levels are kept.
func (c *TileCache) Delete(region tile.Rect) error {
	d, err := c.descriptor(region)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := d.DropAll()
	c.resident -= n
	metrics.ResidentBytes.Sub(float64(n))
	return nil
}

// DeleteAll releases every resident texture and returns the bytes freed.
func (c *TileCache) DeleteAll() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropAllLocked()
}

// Invalidate discards everything known about the source: queued, running
// and undelivered jobs, resident textures and the store file, whether or not
// this process opened it. The next miss starts a new store.
func (c *TileCache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeJobsLocked()
	c.dropAllLocked()
	for _, d := range c.tiles {
		for s := tile.ColorScheme(0); s < tile.NumSchemes; s++ {
			for l := 0; l < tile.MaxLevel; l++ {
				d.SetPending(l, s, false)
			}
		}
	}

	var err error
	if c.st != nil {
		err = c.st.Remove()
	}
	err = errors.Join(err, removeStore(c.opts, c.id))
	c.st, c.memoryOnly = nil, false
	c.logger.Info("Invalidated compressed cache")
	return err
}

// purgeJobsLocked cancels every job of this source. Holding c.mu orders the
// purge against ApplyJobResult.
func (c *TileCache) purgeJobsLocked() int {
	return c.pool.PurgeJobList(c.id)
}

func (c *TileCache) purgeJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeJobsLocked()
}

func (c *TileCache) SetLRUTime(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lruTime = t
}

// GetLRUTime returns the shared clock ordinal of the last access to this source.
func (c *TileCache) GetLRUTime() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruTime
}

func (c *TileCache) ResidentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident
}

func (c *TileCache) flushLocked() error {
	if c.st == nil {
		return nil
	}
	if err := c.st.Flush(); err != nil {
		c.storeFailedLocked(err)
		return fmt.Errorf("flush %s: %w", c.id, err)
	}
	return nil
}

// Flush writes the catalog if it changed.
func (c *TileCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.flushLocked()
}

// Housekeep flushes the catalog and compacts the store when enough of it is
// dead space.
func (c *TileCache) Housekeep() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.flushLocked(); err != nil {
		return err
	}
	return c.compactLocked()
}

func (c *TileCache) compactLocked() error {
	if c.st == nil || !c.st.ShouldCompact(c.opts.CompactMinBytes, c.opts.CompactRatio) {
		return nil
	}
	if err := c.st.Compact(); err != nil {
		c.storeFailedLocked(err)
		return fmt.Errorf("compact %s: %w", c.id, err)
	}
	metrics.StoreCompactions.Inc()
	return nil
}

// Close releases resident memory and closes the store. Jobs for this source
// must be purged and drained first.
func (c *TileCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dropAllLocked()

	if c.st == nil {
		return nil
	}
	err := c.flushLocked()
	if err == nil {
		err = c.compactLocked()
	}
	return errors.Join(err, c.st.Close())
}

// abandon closes the cache without writing its catalog. Blobs appended since
// the last flush become dead space in the store.
func (c *TileCache) abandon() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dropAllLocked()
	if c.st == nil {
		return nil
	}
	return c.st.Discard()
}

func (c *TileCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		SourceID:      c.id,
		Tiles:         len(c.tiles),
		ResidentBytes: c.resident,
		LRUTime:       c.lruTime,
		MemoryOnly:    c.memoryOnly,
	}
	for _, d := range c.tiles {
		for sc := tile.ColorScheme(0); sc < tile.NumSchemes; sc++ {
			for l := 0; l < tile.MaxLevel; l++ {
				if d.Resident(l, sc) != nil {
					s.ResidentLevels++
				}
				if d.Pending(l, sc) {
					s.PendingLevels++
				}
			}
		}
	}
	if c.st != nil {
		st := c.st.Stats()
		s.StoreEntries = st.Entries
		s.StoreBytes = st.FileBytes
		s.DeadBytes = st.DeadBytes
	}
	return s
}
