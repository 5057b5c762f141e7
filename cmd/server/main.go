package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"texcache/internal/cache"
	"texcache/internal/codec"
	"texcache/internal/config"
	httphandlers "texcache/internal/http"
	"texcache/internal/logger"
	"texcache/internal/source_list"
	"texcache/internal/tile"
	"texcache/internal/tile_renderer"
	"texcache/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting texcache server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("codec", cfg.Codec),
		zap.Int("max_jobs", cfg.MaxJobs),
	)

	compressor, err := codec.New(cfg.Codec)
	if err != nil {
		log.Fatal("Invalid codec", zap.Error(err))
	}
	postKind, err := codec.ParseKind(cfg.PostCodec)
	if err != nil {
		log.Fatal("Invalid post-compression", zap.Error(err))
	}

	if cfg.CacheType == "file" {
		if err := os.MkdirAll(cfg.CacheFileDir, 0755); err != nil {
			log.Warn("Failed to create cache directory", zap.String("cache_dir", cfg.CacheFileDir), zap.Error(err))
		}
	}

	scanner := source_list.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	pool := workerpool.New(workerpool.Config{
		MaxJobs:      cfg.MaxJobs,
		ThrottleRate: cfg.JobLevelRate,
		Logger:       log,
	})

	manager, err := cache.NewManager(cache.ManagerConfig{
		Options: cache.Options{
			Type:            cfg.CacheType,
			Dir:             cfg.CacheFileDir,
			TileDim:         cfg.TileDim,
			Codec:           compressor,
			PostCompress:    cfg.PostCompress,
			PostKind:        postKind,
			ThrottleRate:    cfg.ThrottleRate,
			CompactMinBytes: cfg.CompactMinBytes,
			CompactRatio:    cfg.CompactRatio,
			Logger:          log,
		},
		MaxResidentBytes:  cfg.MaxResidentBytes(),
		StaleJobAge:       cfg.StaleJobAge,
		HousekeepInterval: cfg.HousekeepInterval,
	}, pool, func(id string) (cache.Source, error) {
		info, ok := scanner.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", cache.ErrUnknownSource, id)
		}
		return tile_renderer.NewVipsSource(info, scanner.Path(info), cfg.TileDim, log), nil
	})
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go manager.Run(ctx)

	handlers := httphandlers.New(cfg, log, scanner, manager, pool, compressor)

	mux := http.NewServeMux()
	handlers.Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	if cfg.WarmupLevels > 0 {
		go warmupTiles(ctx, cfg.WarmupLevels, cfg.WarmupWorkers, scanner, manager, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	stop()
	pool.Close()
	// Results finished after the delivery loop stopped are still installed.
	pool.Deliver()

	if err := manager.FlushAll(shutdownCtx); err != nil {
		log.Error("Failed to flush caches", zap.Error(err))
	}
	if err := manager.Close(); err != nil {
		log.Error("Failed to close caches", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmupTiles makes the coarsest levels of every source resident. Tiles whose
// coarse levels are not persisted yet are compressed in full.
func warmupTiles(ctx context.Context, levels int, workerLimit int, scanner *source_list.Scanner, manager *cache.Manager, log *zap.Logger) {
	sources := scanner.Sources()
	if len(sources) == 0 {
		return
	}

	level := max(tile.MaxLevel-levels, 0)
	log.Info("Starting tile warmup", zap.Int("level", level), zap.Int("sources", len(sources)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit)

	for _, src := range sources {
		c, err := manager.Cache(src.ID)
		if err != nil {
			log.Warn("Warmup skipped source", zap.String("source", src.ID), zap.Error(err))
			continue
		}

		grid := c.Grid()
		for i := 0; i < grid.Count(); i++ {
			region := grid.RectAt(i)
			g.Go(func() error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if c.IsCompressedArrayComplete(level, region, tile.SchemeDay) {
					_, err := c.PrepareTexture(ctx, level, region, tile.SchemeDay, false)
					return stopOnClose(err)
				}
				err := c.DoImmediateFullCompress(ctx, region, tile.SchemeDay)
				if err != nil && !errors.Is(err, cache.ErrClosed) && !errors.Is(err, workerpool.ErrClosed) {
					log.Debug("Warmup tile failed", zap.String("source", src.ID), zap.Stringer("region", region), zap.Error(err))
				}
				return stopOnClose(err)
			})
		}
	}

	if err := g.Wait(); err != nil {
		log.Info("Tile warmup stopped", zap.Error(err))
		return
	}
	log.Info("Tile warmup completed")
}

// stopOnClose keeps only shutdown errors, so one failing tile does not end the warmup.
func stopOnClose(err error) error {
	if errors.Is(err, cache.ErrClosed) || errors.Is(err, workerpool.ErrClosed) {
		return err
	}
	return nil
}
