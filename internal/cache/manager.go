package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"texcache/internal/workerpool"
)

type ManagerConfig struct {
	Options

	// MaxResidentBytes is the resident texture budget shared by all sources.
	// Zero disables global eviction.
	MaxResidentBytes int64
	// StaleJobAge drops queued jobs that waited longer. Zero keeps them.
	StaleJobAge       time.Duration
	HousekeepInterval time.Duration
}

// Manager owns one TileCache per open source and runs the single goroutine
// that applies job results, housekeeping and global eviction.
type Manager struct {
	cfg     ManagerConfig
	pool    *workerpool.Pool
	sources SourceFunc
	logger  *zap.Logger

	mu       sync.Mutex
	caches   map[string]*TileCache
	released map[string]*TileCache
}

func NewManager(cfg ManagerConfig, pool *workerpool.Pool, sources SourceFunc) (*Manager, error) {
	cfg.Options = cfg.Options.withDefaults()
	if err := cfg.Options.validate(); err != nil {
		return nil, err
	}
	if cfg.HousekeepInterval <= 0 {
		cfg.HousekeepInterval = 5 * time.Second
	}

	log := cfg.Logger
	switch cfg.Type {
	case "file":
		log.Info("Using file cache", zap.String("cache_dir", cfg.Dir))
	case "disabled":
		log.Info("Cache disabled, textures stay in memory only")
	}

	return &Manager{
		cfg:      cfg,
		pool:     pool,
		sources:  sources,
		logger:   log,
		caches:   make(map[string]*TileCache),
		released: make(map[string]*TileCache),
	}, nil
}

// Cache returns the cache for source id, creating it on first use. A
// released cache still draining its jobs is abandoned and replaced, so the
// new cache sees the current source.
func (m *Manager) Cache(id string) (*TileCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.caches[id]; ok {
		return c, nil
	}
	if old, ok := m.released[id]; ok {
		delete(m.released, id)
		if err := old.abandon(); err != nil {
			m.logger.Warn("Failed to abandon released cache", zap.String("source", id), zap.Error(err))
		}
	}

	src, err := m.sources(id)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", id, err)
	}
	c, err := New(src, m.pool, m.cfg.Options)
	if err != nil {
		return nil, err
	}
	m.caches[id] = c
	return c, nil
}

func (m *Manager) snapshot() []*TileCache {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*TileCache, 0, len(m.caches))
	for _, c := range m.caches {
		out = append(out, c)
	}
	return out
}

// Run applies finished jobs and runs housekeeping on every tick until ctx
// is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HousekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.pool.Ready():
			m.pool.Deliver()
		case <-ticker.C:
			m.Housekeep()
		}
	}
}

// Housekeep drops stale queued jobs, flushes and compacts stores, closes
// released caches whose jobs have drained and evicts resident textures
// while the shared budget is exceeded.
func (m *Manager) Housekeep() {
	if m.cfg.StaleJobAge > 0 {
		if n := m.pool.PurgeStale(m.cfg.StaleJobAge); n > 0 {
			m.logger.Info("Purged stale jobs", zap.Int("count", n))
		}
	}

	for _, c := range m.snapshot() {
		if err := c.Housekeep(); err != nil {
			m.logger.Warn("Cache housekeeping failed", zap.String("source", c.SourceID()), zap.Error(err))
		}
	}

	m.mu.Lock()
	var drained []*TileCache
	for id, c := range m.released {
		if !m.pool.HasPending(id) {
			drained = append(drained, c)
			delete(m.released, id)
		}
	}
	m.mu.Unlock()
	for _, c := range drained {
		m.closeCache(c)
	}

	m.evict()
}

// evict trims the least recently used sources until the total resident
// bytes fit the budget.
func (m *Manager) evict() {
	if m.cfg.MaxResidentBytes <= 0 {
		return
	}

	caches := m.snapshot()
	var total int64
	for _, c := range caches {
		total += c.ResidentBytes()
	}
	if total <= m.cfg.MaxResidentBytes {
		return
	}

	slices.SortFunc(caches, func(a, b *TileCache) int {
		return cmp.Compare(a.GetLRUTime(), b.GetLRUTime())
	})

	before := total
	for _, c := range caches {
		excess := total - m.cfg.MaxResidentBytes
		if excess <= 0 {
			break
		}
		target := max(c.ResidentBytes()-excess, 0)
		total -= c.DeleteSome(target)
	}
	m.logger.Debug("Global eviction",
		zap.Int64("before_bytes", before),
		zap.Int64("after_bytes", total),
		zap.Int64("budget_bytes", m.cfg.MaxResidentBytes),
	)
}

// Release stops using source id. Its queued jobs are purged; the cache is
// closed once no job for it is running or waiting for delivery.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	c, ok := m.caches[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.caches, id)
	c.purgeJobs()
	if m.pool.HasPending(id) {
		m.released[id] = c
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.closeCache(c)
}

func (m *Manager) closeCache(c *TileCache) {
	if err := c.Close(); err != nil {
		m.logger.Warn("Failed to close cache", zap.String("source", c.SourceID()), zap.Error(err))
		return
	}
	m.logger.Debug("Closed cache", zap.String("source", c.SourceID()))
}

// FlushAll writes every changed catalog in parallel.
func (m *Manager) FlushAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.snapshot() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return c.Flush()
		})
	}
	return g.Wait()
}

func (m *Manager) Stats() []Stats {
	caches := m.snapshot()
	out := make([]Stats, 0, len(caches))
	for _, c := range caches {
		out = append(out, c.Stats())
	}
	slices.SortFunc(out, func(a, b Stats) int {
		return cmp.Compare(a.SourceID, b.SourceID)
	})
	return out
}

// Close closes every cache. The pool must be closed first so no job result
// arrives afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := make([]*TileCache, 0, len(m.caches)+len(m.released))
	for _, c := range m.caches {
		all = append(all, c)
	}
	for _, c := range m.released {
		all = append(all, c)
	}
	m.caches = make(map[string]*TileCache)
	m.released = make(map[string]*TileCache)
	m.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.SourceID(), err))
		}
	}
	return errors.Join(errs...)
}
