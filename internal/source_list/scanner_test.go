package source_list

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedSize(w, h int) Sizer {
	return func(string) (int, int, error) { return w, h, nil }
}

func TestScanMigratesNewImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "harbour.tif"), []byte("pixels"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0644))

	s := NewWithSizer(dir, zap.NewNop(), fixedSize(4096, 2048))
	require.NoError(t, s.Scan())

	sources := s.Sources()
	require.Len(t, sources, 1)
	src := sources[0]
	assert.Equal(t, "harbour.tif", src.OriginalFilename)
	assert.Equal(t, src.ID+".tif", src.CurrentFilename)
	assert.Equal(t, 4096, src.Width)
	assert.Equal(t, 2048, src.Height)
	assert.EqualValues(t, 6, src.Bytes)
	assert.NotZero(t, src.ModTime)

	_, err := os.Stat(filepath.Join(dir, "harbour.tif"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, filepath.Join(dir, src.ID+".json"))

	got, ok := s.Get(src.ID)
	require.True(t, ok)
	assert.Equal(t, src, got)
	assert.Equal(t, filepath.Join(dir, src.CurrentFilename), s.Path(src))

	// A second scan reuses the sidecar and keeps the id.
	require.NoError(t, s.Scan())
	require.Len(t, s.Sources(), 1)
	assert.Equal(t, src.ID, s.Sources()[0].ID)
}

func TestScanRefreshesChangedSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chart.png"), []byte("v1"), 0644))

	s := NewWithSizer(dir, zap.NewNop(), fixedSize(100, 100))
	require.NoError(t, s.Scan())
	src := s.Sources()[0]

	path := s.Path(src)
	require.NoError(t, os.WriteFile(path, []byte("version two"), 0644))
	later := time.Unix(src.ModTime, 0).Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	s.sizer = fixedSize(200, 50)
	require.NoError(t, s.Scan())
	changed := s.Sources()[0]
	assert.Equal(t, src.ID, changed.ID)
	assert.Equal(t, later.Unix(), changed.ModTime)
	assert.Equal(t, 200, changed.Width)

	data, err := os.ReadFile(filepath.Join(dir, src.ID+".json"))
	require.NoError(t, err)
	var meta SourceInfo
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, changed, meta, "sidecar rewritten")
}

func TestScanRemovesBrokenSidecars(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{"), 0644))
	orphan, _ := json.Marshal(SourceInfo{ID: "orphan", CurrentFilename: "orphan.tif"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.json"), orphan, 0644))
	mismatch, _ := json.Marshal(SourceInfo{ID: "other", CurrentFilename: "x.tif"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.json"), mismatch, 0644))

	s := NewWithSizer(dir, zap.NewNop(), fixedSize(1, 1))
	require.NoError(t, s.Scan())

	for _, name := range []string{"garbage.json", "orphan.json", "x.json"} {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}
	assert.Empty(t, s.Sources())
}

func TestScanMissingDirectory(t *testing.T) {
	s := NewWithSizer(filepath.Join(t.TempDir(), "missing"), zap.NewNop(), fixedSize(1, 1))
	assert.Error(t, s.Scan())
}
