package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"texcache/internal/cache"
	"texcache/internal/codec"
	"texcache/internal/config"
	"texcache/internal/source_list"
	"texcache/internal/tile"
	"texcache/internal/workerpool"
)

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	scanner *source_list.Scanner
	manager *cache.Manager
	pool    *workerpool.Pool
	codec   codec.Compressor
}

func New(config *config.Config, logger *zap.Logger, scanner *source_list.Scanner, manager *cache.Manager, pool *workerpool.Pool, compressor codec.Compressor) *Handlers {
	return &Handlers{
		config:  config,
		logger:  logger,
		scanner: scanner,
		manager: manager,
		pool:    pool,
		codec:   compressor,
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sources", h.HandleSources)
	mux.HandleFunc("POST /api/sources/rescan", h.HandleRescan)
	mux.HandleFunc("GET /api/sources/{id}/tiles/{level}/{x}/{y}", h.HandleTile)
	mux.HandleFunc("POST /api/sources/{id}/tiles/{x}/{y}/compress", h.HandleCompress)
	mux.HandleFunc("DELETE /api/sources/{id}/cache", h.HandleInvalidate)
	mux.HandleFunc("GET /api/stats", h.HandleStats)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "X-Tile-Level, X-Tile-Codec")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scanner.Sources())
}

// HandleRescan rescans the data directory and releases the caches of sources
// that changed or disappeared, so their next use validates the store again.
func (h *Handlers) HandleRescan(w http.ResponseWriter, r *http.Request) {
	before := make(map[string]source_list.SourceInfo)
	for _, src := range h.scanner.Sources() {
		before[src.ID] = src
	}

	if err := h.scanner.Scan(); err != nil {
		h.logger.Error("Rescan failed", zap.Error(err))
		http.Error(w, "Failed to scan data directory", http.StatusInternalServerError)
		return
	}

	after := h.scanner.Sources()
	released := []string{}
	for _, src := range after {
		if old, ok := before[src.ID]; ok && old.ModTime != src.ModTime {
			released = append(released, src.ID)
		}
		delete(before, src.ID)
	}
	for id := range before {
		released = append(released, id)
	}
	for _, id := range released {
		h.manager.Release(id)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sources":  len(after),
		"released": released,
	})
}

// HandleTile serves the finest available compressed texture of a tile. If the
// requested level is not ready it schedules a job and answers 202 when no
// coarser level is resident either. With format=rgba the texture is decoded
// to raw RGBA pixels.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.Atoi(r.PathValue("level"))
	if err != nil {
		http.Error(w, "Invalid level", http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("format")
	if format != "" && format != "rgba" {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	c, region, scheme, ok := h.resolveTile(w, r)
	if !ok {
		return
	}

	if _, err := c.PrepareTexture(r.Context(), level, region, scheme, true); err != nil {
		h.writeCacheError(w, err)
		return
	}

	got, tex, ok := c.GetTextureLevel(region, level, scheme)
	if !ok {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	codecName := h.config.Codec
	if format == "rgba" {
		tex, err = h.codec.Decompress(tex, c.Grid().LevelDim(got))
		if err != nil {
			h.writeCacheError(w, err)
			return
		}
		codecName = "rgba"
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(tex)))
	w.Header().Set("X-Tile-Level", strconv.Itoa(got))
	w.Header().Set("X-Tile-Codec", codecName)
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(tex)
}

// HandleCompress compresses every level of a tile before responding.
func (h *Handlers) HandleCompress(w http.ResponseWriter, r *http.Request) {
	c, region, scheme, ok := h.resolveTile(w, r)
	if !ok {
		return
	}

	if err := c.DoImmediateFullCompress(r.Context(), region, scheme); err != nil {
		h.writeCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.Cache(r.PathValue("id"))
	if err != nil {
		h.writeCacheError(w, err)
		return
	}
	if err := c.Invalidate(); err != nil {
		h.logger.Warn("Failed to remove compressed store", zap.String("source", c.SourceID()), zap.Error(err))
		http.Error(w, "Failed to remove compressed store", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	RunningJobs int           `json:"running_jobs"`
	QueuedJobs  int           `json:"queued_jobs"`
	Caches      []cache.Stats `json:"caches"`
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		RunningJobs: h.pool.GetRunningJobCount(),
		QueuedJobs:  h.pool.QueuedJobCount(),
		Caches:      h.manager.Stats(),
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// resolveTile parses the source id, grid column x, grid row y and scheme of a
// tile request. It writes the error response itself and reports false when
// the request cannot be served.
func (h *Handlers) resolveTile(w http.ResponseWriter, r *http.Request) (*cache.TileCache, tile.Rect, tile.ColorScheme, bool) {
	x, errX := strconv.Atoi(r.PathValue("x"))
	y, errY := strconv.Atoi(r.PathValue("y"))
	if errX != nil || errY != nil || x < 0 || y < 0 {
		http.Error(w, "Invalid tile coordinates", http.StatusBadRequest)
		return nil, tile.Rect{}, 0, false
	}

	scheme, err := tile.ParseColorScheme(r.URL.Query().Get("scheme"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, tile.Rect{}, 0, false
	}

	c, err := h.manager.Cache(r.PathValue("id"))
	if err != nil {
		h.writeCacheError(w, err)
		return nil, tile.Rect{}, 0, false
	}

	grid := c.Grid()
	if x >= grid.Cols() || y >= grid.Rows() {
		http.NotFound(w, r)
		return nil, tile.Rect{}, 0, false
	}
	return c, grid.Cell(x, y), scheme, true
}

func (h *Handlers) writeCacheError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cache.ErrUnknownSource), errors.Is(err, cache.ErrInvalidRegion):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, cache.ErrInvalidLevel), errors.Is(err, cache.ErrInvalidScheme):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, cache.ErrClosed), errors.Is(err, workerpool.ErrClosed):
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, workerpool.ErrCancelled):
		http.Error(w, "Tile cache was invalidated", http.StatusConflict)
	default:
		h.logger.Error("Tile cache request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
