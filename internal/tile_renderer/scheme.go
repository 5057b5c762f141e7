package tile_renderer

import "texcache/internal/tile"

// Per channel gains applied to R, G, B. Night keeps red so the display does
// not spoil dark adaptation.
var gains = [tile.NumSchemes][3]float64{
	tile.SchemeRGB:   {1, 1, 1},
	tile.SchemeDay:   {1, 1, 1},
	tile.SchemeDusk:  {0.5, 0.5, 0.55},
	tile.SchemeNight: {0.28, 0.094, 0.094},
}

// schemeGains returns the per band multipliers for an RGBA image, or false
// when scheme leaves the pixels unchanged. Alpha keeps a gain of one.
func schemeGains(scheme tile.ColorScheme) ([]float64, bool) {
	if !scheme.Valid() {
		return nil, false
	}
	g := gains[scheme]
	if g == [3]float64{1, 1, 1} {
		return nil, false
	}
	return []float64{g[0], g[1], g[2], 1}, true
}
