package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texcache/internal/catalog"
	"texcache/internal/codec"
	"texcache/internal/tile"
	"texcache/internal/workerpool"
)

type fakeSource struct {
	id    string
	w, h  int
	ts    uint32
	fail  error
	calls atomic.Int32

	block chan struct{}
	// ignoreCancel keeps Pixels blocked after its job is purged.
	ignoreCancel bool
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, w: 128, h: 96, ts: 100}
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Size() (int, int) { return s.w, s.h }

func (s *fakeSource) Timestamp() uint32 { return s.ts }

func (s *fakeSource) Pixels(ctx context.Context, region tile.Rect, dim int, scheme tile.ColorScheme) ([]byte, error) {
	s.calls.Add(1)
	if s.block != nil && s.ignoreCancel {
		<-s.block
	} else if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail != nil {
		return nil, s.fail
	}
	buf := make([]byte, dim*dim*4)
	for i := range buf {
		buf[i] = byte(region.X/8 + region.Y/4 + int(scheme)*31 + (i/4)%13)
	}
	return buf, nil
}

const testDim = 64

func newTestPool(t *testing.T) *workerpool.Pool {
	p := workerpool.New(workerpool.Config{MaxJobs: 2})
	t.Cleanup(p.Close)
	return p
}

func newTestCache(t *testing.T, src Source, pool *workerpool.Pool, opts Options) *TileCache {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.TileDim = testDim
	c, err := New(src, pool, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func deliverUntil(t *testing.T, pool *workerpool.Pool, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		pool.Deliver()
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func storePath(dir, id string) string {
	return filepath.Join(dir, id+storeExt)
}

func TestPrepareTextureSchedulesThenServes(t *testing.T) {
	pool := newTestPool(t)
	src := newFakeSource("chart")
	c := newTestCache(t, src, pool, Options{})
	ctx := context.Background()
	r := c.Grid().Cell(1, 0)

	ready, err := c.PrepareTexture(ctx, 1, r, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.False(t, ready)

	ready, err = c.PrepareTexture(ctx, 1, r, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.False(t, ready, "still in flight")

	deliverUntil(t, pool, func() bool { return c.IsLevelInCache(1, r, tile.SchemeDay) })
	assert.Equal(t, int32(1), src.calls.Load(), "the second request was coalesced")

	ready, err = c.PrepareTexture(ctx, 1, r, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.True(t, ready)

	for l := 1; l < tile.MaxLevel; l++ {
		assert.True(t, c.IsLevelInCache(l, r, tile.SchemeDay), "level %d", l)
	}
	assert.False(t, c.IsLevelInCache(0, r, tile.SchemeDay))
	assert.False(t, c.IsLevelInCache(1, r, tile.SchemeNight), "schemes are independent")
	assert.True(t, c.IsCompressedArrayComplete(1, r, tile.SchemeDay))
	assert.False(t, c.IsCompressedArrayComplete(0, r, tile.SchemeDay))
	assert.Positive(t, c.ResidentBytes())
}

func TestGetTextureLevelDegrades(t *testing.T) {
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{})
	r := c.Grid().Cell(0, 0)

	_, _, ok := c.GetTextureLevel(r, 0, tile.SchemeDay)
	assert.False(t, ok)

	require.NoError(t, c.UpdateCacheLevel(r, 3, tile.SchemeDay, []byte("coarse"), false))
	level, tex, ok := c.GetTextureLevel(r, 0, tile.SchemeDay)
	require.True(t, ok)
	assert.Equal(t, 3, level)
	assert.Equal(t, []byte("coarse"), tex)

	require.NoError(t, c.UpdateCacheLevel(r, 1, tile.SchemeDay, []byte("finer"), false))
	level, tex, ok = c.GetTextureLevel(r, 0, tile.SchemeDay)
	require.True(t, ok)
	assert.Equal(t, 1, level)
	assert.Equal(t, []byte("finer"), tex)

	_, _, ok = c.GetTextureLevel(r, 4, tile.SchemeDay)
	assert.False(t, ok, "never returns a finer level than asked for")
	assert.Zero(t, pool.QueuedJobCount()+pool.GetRunningJobCount(), "never schedules")
}

func TestPersistedLevelsReload(t *testing.T) {
	tests := []struct {
		name         string
		codec        codec.Compressor
		postCompress bool
		postKind     codec.Kind
	}{
		{"lz4", codec.LZ4{}, false, codec.KindNone},
		{"lz4 with zstd frame", codec.LZ4{}, true, codec.KindNone},
		{"zstd with lz4 frame", codec.Zstd{}, true, codec.KindLZ4},
		{"zstd", codec.Zstd{}, false, codec.KindNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			pool := newTestPool(t)
			src := newFakeSource("chart")
			opts := Options{Dir: dir, Codec: tt.codec, PostCompress: tt.postCompress, PostKind: tt.postKind}
			ctx := context.Background()

			first := newTestCache(t, src, pool, opts)
			r := first.Grid().Cell(1, 1)
			require.NoError(t, first.DoImmediateFullCompress(ctx, r, tile.SchemeDusk))
			_, want, ok := first.GetTextureLevel(r, 0, tile.SchemeDusk)
			require.True(t, ok)
			require.NoError(t, first.Close())
			calls := src.calls.Load()

			second := newTestCache(t, src, pool, opts)
			assert.True(t, second.IsCompressedArrayComplete(0, r, tile.SchemeDusk))
			ready, err := second.PrepareTexture(ctx, 0, r, tile.SchemeDusk, false)
			require.NoError(t, err)
			require.True(t, ready, "served from the store")
			assert.Equal(t, calls, src.calls.Load(), "nothing recompressed")

			_, got, ok := second.GetTextureLevel(r, 0, tile.SchemeDusk)
			require.True(t, ok)
			assert.Equal(t, want, got)

			raw, err := tt.codec.Decompress(got, testDim)
			require.NoError(t, err)
			assert.Len(t, raw, testDim*testDim*4)
		})
	}
}

func TestImmediateFullCompress(t *testing.T) {
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{})
	r := c.Grid().Cell(0, 1)

	require.NoError(t, c.DoImmediateFullCompress(context.Background(), r, tile.SchemeNight))

	for l := 0; l < tile.MaxLevel; l++ {
		assert.True(t, c.IsLevelInCache(l, r, tile.SchemeNight), "level %d", l)
	}
	assert.True(t, c.IsCompressedArrayComplete(0, r, tile.SchemeNight))
	assert.Zero(t, pool.GetRunningJobCount())
}

func TestImmediateFullCompressReportsFailure(t *testing.T) {
	pool := newTestPool(t)
	src := newFakeSource("chart")
	src.fail = errors.New("unreadable")
	c := newTestCache(t, src, pool, Options{})
	r := c.Grid().Cell(0, 0)

	err := c.DoImmediateFullCompress(context.Background(), r, tile.SchemeDay)
	assert.ErrorIs(t, err, src.fail)
	assert.False(t, c.IsLevelInCache(4, r, tile.SchemeDay))
	assert.Zero(t, c.Stats().PendingLevels)
}

func TestRegionAndLevelValidation(t *testing.T) {
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{})
	ctx := context.Background()

	_, err := c.PrepareTexture(ctx, 0, tile.Rect{X: 10, Y: 0, W: 64, H: 64}, tile.SchemeDay, false)
	assert.ErrorIs(t, err, ErrInvalidRegion)
	_, err = c.PrepareTexture(ctx, tile.MaxLevel, c.Grid().Cell(0, 0), tile.SchemeDay, false)
	assert.ErrorIs(t, err, ErrInvalidLevel)
	_, err = c.PrepareTexture(ctx, 0, c.Grid().Cell(0, 0), tile.ColorScheme(9), false)
	assert.ErrorIs(t, err, ErrInvalidScheme)
}

func TestDeleteSomeOrder(t *testing.T) {
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{Type: "disabled"})
	a, b := c.Grid().Cell(0, 0), c.Grid().Cell(1, 0)
	payload := make([]byte, 10)

	for _, r := range []tile.Rect{a, b} {
		for _, l := range []int{2, 3} {
			require.NoError(t, c.UpdateCacheLevel(r, l, tile.SchemeDay, payload, false))
		}
	}
	require.EqualValues(t, 40, c.ResidentBytes())

	// b is used first, so a is the most recent.
	c.GetTextureLevel(b, 2, tile.SchemeDay)
	c.GetTextureLevel(a, 2, tile.SchemeDay)

	assert.EqualValues(t, 10, c.DeleteSome(35))
	assert.False(t, c.IsLevelInCache(3, b, tile.SchemeDay), "coarsest level of the oldest tile goes first")
	assert.True(t, c.IsLevelInCache(2, b, tile.SchemeDay))

	assert.EqualValues(t, 10, c.DeleteSome(20))
	assert.False(t, c.IsLevelInCache(2, b, tile.SchemeDay))
	assert.True(t, c.IsLevelInCache(3, a, tile.SchemeDay))

	assert.EqualValues(t, 10, c.DeleteSome(10))
	assert.False(t, c.IsLevelInCache(3, a, tile.SchemeDay))
	assert.True(t, c.IsLevelInCache(2, a, tile.SchemeDay))

	assert.Zero(t, c.DeleteSome(10), "already within target")
}

func TestDeleteSomeTieBreaksByGridPosition(t *testing.T) {
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{Type: "disabled"})
	cells := []tile.Rect{c.Grid().Cell(1, 1), c.Grid().Cell(0, 1), c.Grid().Cell(1, 0)}
	for _, r := range cells {
		require.NoError(t, c.UpdateCacheLevel(r, 0, tile.SchemeDay, make([]byte, 4), false))
	}

	c.DeleteSome(8)
	assert.False(t, c.IsLevelInCache(0, c.Grid().Cell(1, 0), tile.SchemeDay), "lowest row first")
	assert.True(t, c.IsLevelInCache(0, c.Grid().Cell(0, 1), tile.SchemeDay))

	c.DeleteSome(4)
	assert.False(t, c.IsLevelInCache(0, c.Grid().Cell(0, 1), tile.SchemeDay), "then lowest column")
	assert.True(t, c.IsLevelInCache(0, c.Grid().Cell(1, 1), tile.SchemeDay))
}

func TestDeleteSomeSkipsRunningJobs(t *testing.T) {
	pool := newTestPool(t)
	src := newFakeSource("chart")
	src.block = make(chan struct{})
	defer close(src.block)
	c := newTestCache(t, src, pool, Options{Type: "disabled"})
	a, b := c.Grid().Cell(0, 0), c.Grid().Cell(1, 0)

	require.NoError(t, c.UpdateCacheLevel(a, 3, tile.SchemeDay, make([]byte, 10), false))
	require.NoError(t, c.UpdateCacheLevel(b, 3, tile.SchemeDay, make([]byte, 10), false))

	_, err := c.PrepareTexture(context.Background(), 2, a, tile.SchemeDay, false)
	require.NoError(t, err)
	require.True(t, pool.IsRunning("chart", a, 3, tile.SchemeDay))

	assert.EqualValues(t, 10, c.DeleteSome(0))
	assert.True(t, c.IsLevelInCache(3, a, tile.SchemeDay), "a job is producing this level")
	assert.False(t, c.IsLevelInCache(3, b, tile.SchemeDay))
}

func TestDeleteKeepsPersistedLevels(t *testing.T) {
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{})
	r := c.Grid().Cell(0, 0)
	require.NoError(t, c.DoImmediateFullCompress(context.Background(), r, tile.SchemeRGB))

	require.NoError(t, c.Delete(r))
	assert.Zero(t, c.ResidentBytes())
	assert.True(t, c.IsCompressedArrayComplete(0, r, tile.SchemeRGB))

	ready, err := c.PrepareTexture(context.Background(), 2, r, tile.SchemeRGB, false)
	require.NoError(t, err)
	assert.True(t, ready)

	assert.Positive(t, c.DeleteAll())
	assert.Zero(t, c.ResidentBytes())
}

func TestPurgedJobIsNotApplied(t *testing.T) {
	pool := newTestPool(t)
	src := newFakeSource("chart")
	src.block = make(chan struct{})
	c := newTestCache(t, src, pool, Options{})
	r := c.Grid().Cell(1, 0)

	_, err := c.PrepareTexture(context.Background(), 0, r, tile.SchemeDay, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	pool.PurgeJobList("chart")
	close(src.block)
	require.Eventually(t, func() bool { return !pool.HasPending("chart") }, 5*time.Second, time.Millisecond)
	pool.Deliver()

	assert.False(t, c.IsLevelInCache(0, r, tile.SchemeDay))
	assert.False(t, c.IsCompressedArrayComplete(4, r, tile.SchemeDay))
	assert.Zero(t, c.ResidentBytes())
}

func TestFailedJobKeepsLastGoodLevel(t *testing.T) {
	pool := newTestPool(t)
	src := newFakeSource("chart")
	c := newTestCache(t, src, pool, Options{})
	r := c.Grid().Cell(0, 0)
	require.NoError(t, c.UpdateCacheLevel(r, 4, tile.SchemeDay, []byte("last good"), true))

	src.fail = errors.New("decode failed")
	_, err := c.PrepareTexture(context.Background(), 0, r, tile.SchemeDay, false)
	require.NoError(t, err)
	deliverUntil(t, pool, func() bool { return !pool.HasPending("chart") })

	level, tex, ok := c.GetTextureLevel(r, 0, tile.SchemeDay)
	require.True(t, ok)
	assert.Equal(t, 4, level)
	assert.Equal(t, []byte("last good"), tex)
	assert.Zero(t, c.Stats().PendingLevels)
	assert.Equal(t, int32(1), src.calls.Load(), "no automatic retry")
}

func TestThrottledRequestsAreRateLimited(t *testing.T) {
	pool := newTestPool(t)
	src := newFakeSource("chart")
	src.block = make(chan struct{})
	defer close(src.block)
	c := newTestCache(t, src, pool, Options{ThrottleRate: 1})
	ctx := context.Background()
	a, b := c.Grid().Cell(0, 0), c.Grid().Cell(1, 0)

	_, err := c.PrepareTexture(ctx, 0, a, tile.SchemeDay, true)
	require.NoError(t, err)
	assert.True(t, pool.IsScheduled("chart", a, 0, tile.SchemeDay))

	_, err = c.PrepareTexture(ctx, 0, b, tile.SchemeDay, true)
	require.NoError(t, err)
	assert.False(t, pool.IsScheduled("chart", b, 0, tile.SchemeDay), "over the rate, retried on a later frame")

	_, err = c.PrepareTexture(ctx, 0, b, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.True(t, pool.IsScheduled("chart", b, 0, tile.SchemeDay), "unthrottled requests are not limited")
}

func TestCorruptStoreIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	garbage := make([]byte, 64)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	require.NoError(t, os.WriteFile(storePath(dir, "chart"), garbage, 0644))

	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{Dir: dir})
	r := c.Grid().Cell(0, 0)

	ready, err := c.PrepareTexture(context.Background(), 0, r, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.False(t, ready, "treated as empty and recompressed")
	assert.False(t, c.Stats().MemoryOnly)

	deliverUntil(t, pool, func() bool { return c.IsCompressedArrayComplete(0, r, tile.SchemeDay) })
	require.NoError(t, c.Close())

	st, err := catalog.Open(storePath(dir, "chart"), 100, nil)
	require.NoError(t, err)
	defer st.Close()
	rebuilt, _ := st.Rebuilt()
	assert.False(t, rebuilt, "the rebuilt store is valid")
	assert.Equal(t, tile.MaxLevel, st.Len())
}

func TestUnreadableBlobIsRecompressed(t *testing.T) {
	dir := t.TempDir()
	pool := newTestPool(t)
	src := newFakeSource("chart")
	ctx := context.Background()

	first := newTestCache(t, src, pool, Options{Dir: dir})
	r := first.Grid().Cell(0, 0)
	require.NoError(t, first.DoImmediateFullCompress(ctx, r, tile.SchemeDay))
	require.NoError(t, first.Close())

	// Level 0 is the first blob after the header.
	f, err := os.OpenFile(storePath(dir, "chart"), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x7F}, catalog.HeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second := newTestCache(t, src, pool, Options{Dir: dir})
	ready, err := second.PrepareTexture(ctx, 0, r, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.False(t, second.IsCompressedArrayComplete(0, r, tile.SchemeDay), "the bad entry was dropped")

	deliverUntil(t, pool, func() bool { return second.IsLevelInCache(0, r, tile.SchemeDay) })
	assert.True(t, second.IsCompressedArrayComplete(0, r, tile.SchemeDay))
}

func TestStaleSourceDiscardsStore(t *testing.T) {
	dir := t.TempDir()
	pool := newTestPool(t)
	src := newFakeSource("chart")

	first := newTestCache(t, src, pool, Options{Dir: dir})
	r := first.Grid().Cell(0, 0)
	require.NoError(t, first.DoImmediateFullCompress(context.Background(), r, tile.SchemeDay))
	require.NoError(t, first.Close())

	src.ts = 200
	second := newTestCache(t, src, pool, Options{Dir: dir})
	assert.False(t, second.IsCompressedArrayComplete(0, r, tile.SchemeDay))
}

func TestStoreOpenFailureFallsBackToMemory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{Dir: blocker})
	r := c.Grid().Cell(0, 0)

	ready, err := c.PrepareTexture(context.Background(), 2, r, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.True(t, c.Stats().MemoryOnly)

	deliverUntil(t, pool, func() bool { return c.IsLevelInCache(2, r, tile.SchemeDay) })
	assert.False(t, c.IsCompressedArrayComplete(2, r, tile.SchemeDay), "nothing is persisted")
	assert.NoError(t, c.Flush())
}

func TestInvalidateRemovesStore(t *testing.T) {
	dir := t.TempDir()
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{Dir: dir})
	r := c.Grid().Cell(0, 0)
	require.NoError(t, c.DoImmediateFullCompress(context.Background(), r, tile.SchemeDay))

	require.NoError(t, c.Invalidate())
	assert.Zero(t, c.ResidentBytes())
	_, err := os.Stat(storePath(dir, "chart"))
	assert.True(t, os.IsNotExist(err))

	assert.False(t, c.IsCompressedArrayComplete(4, r, tile.SchemeDay), "a fresh store is started")
	_, err = os.Stat(storePath(dir, "chart"))
	assert.NoError(t, err)
}

func TestInvalidateRemovesUnopenedStore(t *testing.T) {
	dir := t.TempDir()
	pool := newTestPool(t)
	src := newFakeSource("chart")
	ctx := context.Background()

	first := newTestCache(t, src, pool, Options{Dir: dir})
	r := first.Grid().Cell(0, 0)
	require.NoError(t, first.DoImmediateFullCompress(ctx, r, tile.SchemeDay))
	require.NoError(t, first.Close())
	require.FileExists(t, storePath(dir, "chart"))

	second := newTestCache(t, src, pool, Options{Dir: dir})
	require.NoError(t, second.Invalidate())
	assert.NoFileExists(t, storePath(dir, "chart"))

	ready, err := second.PrepareTexture(ctx, 0, r, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.False(t, ready, "nothing is served from the removed store")
}

// invalidatingOwner invalidates its cache right before a result is applied,
// the way a concurrent DELETE can land between delivery and apply.
type invalidatingOwner struct {
	*TileCache
	applied *atomic.Bool
}

func (o invalidatingOwner) ApplyJobResult(t *workerpool.Ticket) {
	o.Invalidate()
	o.TileCache.ApplyJobResult(t)
	o.applied.Store(true)
}

func TestInvalidateDuringDeliveryDropsResult(t *testing.T) {
	dir := t.TempDir()
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{Dir: dir})
	r := c.Grid().Cell(1, 0)

	req := c.request(c.tiles[1], 0, tile.SchemeDay, false)
	applied := &atomic.Bool{}
	req.Owner = invalidatingOwner{TileCache: c, applied: applied}
	_, err := pool.ScheduleJob(context.Background(), req)
	require.NoError(t, err)
	deliverUntil(t, pool, applied.Load)

	assert.False(t, c.IsLevelInCache(0, r, tile.SchemeDay))
	assert.Zero(t, c.ResidentBytes())
	assert.NoFileExists(t, storePath(dir, "chart"), "the store is not recreated by the dropped result")
}

func TestScheduleFailureClearsPending(t *testing.T) {
	pool := workerpool.New(workerpool.Config{MaxJobs: 1})
	c := newTestCache(t, newFakeSource("chart"), pool, Options{})
	pool.Close()

	_, err := c.PrepareTexture(context.Background(), 0, c.Grid().Cell(0, 0), tile.SchemeDay, false)
	assert.ErrorIs(t, err, workerpool.ErrClosed)
	assert.Zero(t, c.Stats().PendingLevels)
}

func TestHousekeepCompactsStore(t *testing.T) {
	dir := t.TempDir()
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{Dir: dir, CompactMinBytes: 1, CompactRatio: 0.5})
	r := c.Grid().Cell(0, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.DoImmediateFullCompress(ctx, r, tile.SchemeDay))
	}
	before := c.Stats()
	require.Positive(t, before.DeadBytes)

	require.NoError(t, c.Housekeep())
	after := c.Stats()
	assert.Less(t, after.StoreBytes, before.StoreBytes)
	assert.Zero(t, after.DeadBytes)
	assert.Equal(t, tile.MaxLevel, after.StoreEntries)

	c.DeleteAll()
	ready, err := c.PrepareTexture(ctx, 0, r, tile.SchemeDay, false)
	require.NoError(t, err)
	assert.True(t, ready, "live blobs survive compaction")
}

func TestLRUTime(t *testing.T) {
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{Type: "disabled"})

	c.SetLRUTime(7)
	assert.EqualValues(t, 7, c.GetLRUTime())

	before := tile.Now()
	_, err := c.PrepareTexture(context.Background(), 4, c.Grid().Cell(0, 0), tile.SchemeDay, false)
	require.NoError(t, err)
	assert.Greater(t, c.GetLRUTime(), before)
}

func TestClosedCache(t *testing.T) {
	pool := newTestPool(t)
	c := newTestCache(t, newFakeSource("chart"), pool, Options{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.PrepareTexture(context.Background(), 0, c.Grid().Cell(0, 0), tile.SchemeDay, false)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.DoImmediateFullCompress(context.Background(), c.Grid().Cell(0, 0), tile.SchemeDay), ErrClosed)
}
