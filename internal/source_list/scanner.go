package source_list

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SourceInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
	// ModTime is the source file's modification time in unix seconds.
	ModTime int64 `json:"mod_time"`
}

// Sizer reads the pixel dimensions of an image file.
type Sizer func(path string) (width, height int, err error)

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// Scanner keeps the list of raster sources found in the data directory.
// Every image gets a stable uuid and a JSON sidecar named after it.
type Scanner struct {
	dataDir string
	logger  *zap.Logger
	sizer   Sizer

	mu      sync.RWMutex
	sources []SourceInfo
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return NewWithSizer(dataDir, logger, VipsSize)
}

func NewWithSizer(dataDir string, logger *zap.Logger, sizer Sizer) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		sizer:   sizer,
		sources: []SourceInfo{},
	}
}

// Scan rebuilds the source list. Images without a sidecar are renamed to a
// new uuid; images changed since their sidecar was written are measured again.
func (s *Scanner) Scan() error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	sources := []SourceInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !extensions[ext] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ext)
		jsonPath := s.getFilePath(basename + ".json")

		var src *SourceInfo
		if _, err := os.Stat(jsonPath); err != nil {
			src, err = s.migrate(path, ext, info)
			if err != nil {
				s.logger.Warn("Failed to add source", zap.String("path", path), zap.Error(err))
				continue
			}
		} else {
			src, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
			if src.ModTime != info.ModTime().Unix() || src.Bytes != info.Size() {
				if err := s.refresh(src, path, info); err != nil {
					s.logger.Warn("Failed to rescan changed source", zap.String("path", path), zap.Error(err))
					continue
				}
				if err := s.saveMetadata(jsonPath, src); err != nil {
					s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
				}
				s.logger.Info("Source changed on disk", zap.String("id", src.ID), zap.Int64("mod_time", src.ModTime))
			}
		}
		sources = append(sources, *src)
	}

	s.mu.Lock()
	s.sources = sources
	s.mu.Unlock()
	return nil
}

// migrate renames a new image to a fresh uuid and writes its sidecar.
func (s *Scanner) migrate(path, ext string, info os.FileInfo) (*SourceInfo, error) {
	id := uuid.New().String()
	finalPath := s.getFilePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	src := &SourceInfo{
		ID:               id,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
	}
	if err := s.refresh(src, finalPath, info); err != nil {
		return nil, err
	}

	jsonPath := s.getFilePath(id + ".json")
	if err := s.saveMetadata(jsonPath, src); err != nil {
		s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		s.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
	}
	return src, nil
}

func (s *Scanner) refresh(src *SourceInfo, path string, info os.FileInfo) error {
	width, height, err := s.sizer(path)
	if err != nil {
		return fmt.Errorf("failed to read image size: %w", err)
	}
	src.Width = width
	src.Height = height
	src.Bytes = info.Size()
	src.ModTime = info.ModTime().Unix()
	return nil
}

func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ".json")
		reason := ""
		meta, err := s.loadMetadata(path)
		switch {
		case err != nil:
			reason = "invalid"
		case meta.ID != basename:
			reason = "uuid mismatch"
		default:
			if _, err := os.Stat(s.getFilePath(meta.CurrentFilename)); err != nil {
				reason = "orphaned"
			}
		}
		if reason == "" {
			continue
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
		} else {
			s.logger.Info("Deleted JSON file", zap.String("path", path), zap.String("reason", reason))
		}
	}

	return nil
}

// VipsSize reads image dimensions with libvips.
func VipsSize(path string) (int, int, error) {
	// Sequential access is enough to read the header.
	image, err := Load(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}

// Load opens an image with the loader matching its file extension.
func Load(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}

func (s *Scanner) Sources() []SourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SourceInfo(nil), s.sources...)
}

func (s *Scanner) Get(id string) (SourceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range s.sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceInfo{}, false
}

func (s *Scanner) Path(src SourceInfo) string {
	return s.getFilePath(src.CurrentFilename)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*SourceInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta SourceInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *SourceInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}
