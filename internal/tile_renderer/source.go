package tile_renderer

import (
	"context"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"texcache/internal/source_list"
	"texcache/internal/tile"
)

// VipsSource renders tiles of one source image with libvips.
type VipsSource struct {
	info    source_list.SourceInfo
	path    string
	tileDim int
	logger  *zap.Logger
}

func NewVipsSource(info source_list.SourceInfo, path string, tileDim int, logger *zap.Logger) *VipsSource {
	return &VipsSource{
		info:    info,
		path:    path,
		tileDim: tileDim,
		logger:  logger,
	}
}

func (s *VipsSource) ID() string { return s.info.ID }

func (s *VipsSource) Size() (int, int) { return s.info.Width, s.info.Height }

func (s *VipsSource) Timestamp() uint32 { return uint32(s.info.ModTime) }

// Pixels extracts region from the source, scales it so a full tile spans
// dim pixels, pads edge tiles and returns dim x dim RGBA pixels recolored
// for scheme.
func (s *VipsSource) Pixels(ctx context.Context, region tile.Rect, dim int, scheme tile.ColorScheme) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if region.W <= 0 || region.H <= 0 || dim <= 0 {
		return nil, fmt.Errorf("invalid tile bounds %s", region)
	}

	// Random access keeps extraction from large files cheap.
	img, err := source_list.Load(s.path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	// Step 1: Extract the tile region from the source image.
	if err := img.ExtractArea(region.X, region.Y, region.W, region.H); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	// Step 2: Scale relative to a full tile so every tile of a level has the same scale.
	if scale := float64(dim) / float64(s.tileDim); scale != 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := img.Resize(scale, resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	// Step 3: Normalize to 8-bit sRGB with an opaque alpha band.
	if err := toRGBA(img); err != nil {
		return nil, err
	}

	// Step 4: Crop rounding overshoot and pad edge tiles, anchored top-left.
	w, h := img.Width(), img.Height()
	if w > dim || h > dim {
		w, h = min(w, dim), min(h, dim)
		if err := img.ExtractArea(0, 0, w, h); err != nil {
			return nil, fmt.Errorf("failed to crop: %w", err)
		}
	}
	if w < dim || h < dim {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221, 255} // #ddd
		if err := img.Embed(0, 0, dim, dim, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	if a, ok := schemeGains(scheme); ok {
		if err := img.Linear(a, make([]float64, len(a)), &vips.LinearOptions{Uchar: true}); err != nil {
			return nil, fmt.Errorf("failed to apply %s scheme: %w", scheme, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 5: Export the raw interleaved pixels.
	pix, err := img.RawsaveBuffer(vips.DefaultRawsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	if len(pix) != dim*dim*4 {
		return nil, fmt.Errorf("unexpected raw tile size %d for %dx%d RGBA", len(pix), dim, dim)
	}

	s.logger.Debug("Rendered tile",
		zap.String("source", s.info.ID),
		zap.Stringer("region", region),
		zap.Int("dim", dim),
		zap.Stringer("scheme", scheme),
	)
	return pix, nil
}

// toRGBA converts img to four 8-bit sRGB bands.
func toRGBA(img *vips.Image) error {
	if img.Interpretation() != vips.InterpretationSrgb {
		if err := img.Colourspace(vips.InterpretationSrgb, nil); err != nil {
			return fmt.Errorf("failed to convert to sRGB: %w", err)
		}
	}
	if img.BandFormat() != vips.BandFormatUchar {
		if err := img.Cast(vips.BandFormatUchar, nil); err != nil {
			return fmt.Errorf("failed to cast to 8-bit: %w", err)
		}
	}
	switch bands := img.Bands(); {
	case bands == 3:
		if err := img.BandjoinConst([]float64{255}); err != nil {
			return fmt.Errorf("failed to add alpha: %w", err)
		}
	case bands > 4:
		if err := img.ExtractBand(0, &vips.ExtractBandOptions{N: 4}); err != nil {
			return fmt.Errorf("failed to drop extra bands: %w", err)
		}
	}
	return nil
}
