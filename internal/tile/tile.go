package tile

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// MaxLevel is the number of mip levels kept per tile. Level 0 is the finest.
const MaxLevel = 5

// ColorScheme selects the palette a tile is rendered with.
type ColorScheme uint32

const (
	SchemeRGB ColorScheme = iota
	SchemeDay
	SchemeDusk
	SchemeNight

	NumSchemes = 4
)

var schemeNames = [NumSchemes]string{"rgb", "day", "dusk", "night"}

func (s ColorScheme) String() string {
	if s.Valid() {
		return schemeNames[s]
	}
	return fmt.Sprintf("scheme(%d)", uint32(s))
}

func (s ColorScheme) Valid() bool {
	return s < NumSchemes
}

// ParseColorScheme maps a scheme name to its value. Empty selects day.
func ParseColorScheme(name string) (ColorScheme, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return SchemeDay, nil
	}
	for i, n := range schemeNames {
		if n == name {
			return ColorScheme(i), nil
		}
	}
	return 0, fmt.Errorf("unknown color scheme: %s", name)
}

// Rect is a rectangle in source pixel coordinates.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) String() string {
	return fmt.Sprintf("%d,%d+%dx%d", r.X, r.Y, r.W, r.H)
}

// Grid splits a source image into square tiles of Dim pixels.
// Edge tiles are clipped to the image bounds.
type Grid struct {
	Width  int
	Height int
	Dim    int
}

func NewGrid(width, height, dim int) Grid {
	return Grid{Width: width, Height: height, Dim: dim}
}

func (g Grid) Cols() int {
	if g.Dim <= 0 {
		return 0
	}
	return (g.Width + g.Dim - 1) / g.Dim
}

func (g Grid) Rows() int {
	if g.Dim <= 0 {
		return 0
	}
	return (g.Height + g.Dim - 1) / g.Dim
}

func (g Grid) Count() int {
	return g.Cols() * g.Rows()
}

// Cell returns the tile rectangle at the given column and row.
func (g Grid) Cell(col, row int) Rect {
	r := Rect{X: col * g.Dim, Y: row * g.Dim, W: g.Dim, H: g.Dim}
	if r.X+r.W > g.Width {
		r.W = g.Width - r.X
	}
	if r.Y+r.H > g.Height {
		r.H = g.Height - r.Y
	}
	return r
}

// Locate returns the column and row of the tile whose origin is r's origin.
func (g Grid) Locate(r Rect) (col, row int, ok bool) {
	if g.Dim <= 0 || r.X < 0 || r.Y < 0 || r.X%g.Dim != 0 || r.Y%g.Dim != 0 {
		return 0, 0, false
	}
	col, row = r.X/g.Dim, r.Y/g.Dim
	if col >= g.Cols() || row >= g.Rows() {
		return 0, 0, false
	}
	return col, row, true
}

// Index is the dense array index of the tile containing r's origin.
func (g Grid) Index(r Rect) (int, bool) {
	col, row, ok := g.Locate(r)
	if !ok {
		return 0, false
	}
	return row*g.Cols() + col, true
}

// RectAt is the inverse of Index.
func (g Grid) RectAt(index int) Rect {
	cols := g.Cols()
	return g.Cell(index%cols, index/cols)
}

// LevelDim is the edge length in pixels of a tile at the given mip level.
func (g Grid) LevelDim(level int) int {
	d := g.Dim >> level
	if d < 1 {
		return 1
	}
	return d
}

var lruClock atomic.Uint64

// Touch advances the process-wide access clock and returns the new ordinal.
// Ordinals are shared by every source so eviction can be ranked globally.
func Touch() uint64 {
	return lruClock.Add(1)
}

// Now returns the current access ordinal without advancing it.
func Now() uint64 {
	return lruClock.Load()
}
