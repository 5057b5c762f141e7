package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	DataDir       string `env:"DATA_DIR" envDefault:"/data"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	// CacheType is "file" or "disabled".
	CacheType    string `env:"CACHE" envDefault:"file"`
	CacheFileDir string `env:"CACHE_FILE_DIR"`

	TileDim       int     `env:"TILE_DIM" envDefault:"256"`
	Codec         string  `env:"CODEC" envDefault:"lz4"`
	PostCompress  bool    `env:"POST_COMPRESS" envDefault:"false"`
	PostCodec     string  `env:"POST_CODEC" envDefault:"zstd"`
	MaxJobs       int     `env:"MAX_JOBS" envDefault:"4"`
	MaxResidentMB int64   `env:"MAX_RESIDENT_MB" envDefault:"512"`
	ThrottleRate  float64 `env:"THROTTLE_RATE" envDefault:"8"`
	JobLevelRate  float64 `env:"JOB_LEVEL_RATE" envDefault:"0"`

	HousekeepInterval time.Duration `env:"HOUSEKEEP_INTERVAL" envDefault:"5s"`
	StaleJobAge       time.Duration `env:"STALE_JOB_AGE" envDefault:"2m"`
	CompactMinBytes   int64         `env:"COMPACT_MIN_BYTES" envDefault:"1048576"`
	CompactRatio      float64       `env:"COMPACT_RATIO" envDefault:"0.5"`

	WarmupLevels  int `env:"WARMUP_LEVELS" envDefault:"0"`
	WarmupWorkers int `env:"WARMUP_WORKERS" envDefault:"1"`

	VipsMaxCacheMB  int `env:"VIPS_MAX_CACHE_MB" envDefault:"256"`
	VipsConcurrency int `env:"VIPS_CONCURRENCY" envDefault:"1"`
}

// Load reads the configuration from the environment, after applying a .env
// file from the working directory if there is one.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}
	if cfg.CacheFileDir == "" {
		cfg.CacheFileDir = filepath.Join(cfg.DataDir, "cache")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.TileDim <= 0:
		return fmt.Errorf("TILE_DIM must be positive, got %d", c.TileDim)
	case c.MaxJobs <= 0:
		return fmt.Errorf("MAX_JOBS must be positive, got %d", c.MaxJobs)
	case c.CompactRatio <= 0 || c.CompactRatio > 1:
		return fmt.Errorf("COMPACT_RATIO must be in (0, 1], got %g", c.CompactRatio)
	}
	return nil
}

// MaxResidentBytes is the shared resident texture budget. Zero disables eviction.
func (c *Config) MaxResidentBytes() int64 {
	return c.MaxResidentMB << 20
}
