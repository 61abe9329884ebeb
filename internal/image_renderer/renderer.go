package image_renderer

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tileview/internal/tile"
	"tileview/internal/tilemath"
)

// Renderer cuts XYZ tiles out of one local image. Zoom 0 shows the whole
// image in a single tile and MaxZoom shows it at full resolution.
type Renderer struct {
	path    string
	width   int
	height  int
	maxZoom int
	logger  *zap.Logger
}

// New reads the dimensions of the image at path. vips must be started.
func New(path string, logger *zap.Logger) (*Renderer, error) {
	image, err := loadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	r := &Renderer{
		path:   path,
		width:  image.Width(),
		height: image.Height(),
		logger: logger.Named("image_renderer"),
	}
	r.maxZoom = tilemath.MaxZoom(r.width, r.height, tilemath.TileSize)

	r.logger.Info("Opened image",
		zap.String("path", path),
		zap.Int("width", r.width),
		zap.Int("height", r.height),
		zap.Int("max_zoom", r.maxZoom),
	)
	return r, nil
}

func (r *Renderer) MaxZoom() int { return r.maxZoom }

func (r *Renderer) Size() (width, height int) { return r.width, r.height }

// pixelsPerTile is the number of source pixels one tile covers at zoom z.
func (r *Renderer) pixelsPerTile(z int) float64 {
	return tilemath.TileSize * math.Exp2(float64(r.maxZoom-z))
}

// Normalize accepts grid positions covered by the image at zoom z.
func (r *Renderer) Normalize(z, x, y int) (tile.Coord, bool) {
	if z < 0 || z > r.maxZoom || x < 0 || y < 0 {
		return tile.Coord{}, false
	}
	span := r.pixelsPerTile(z)
	tilesX := int(math.Ceil(float64(r.width) / span))
	tilesY := int(math.Ceil(float64(r.height) / span))
	if x >= tilesX || y >= tilesY {
		return tile.Coord{}, false
	}
	return tile.Coord{Z: z, X: x, Y: y}, true
}

// Fetch renders coord as a 256x256 JPEG.
func (r *Renderer) Fetch(ctx context.Context, coord tile.Coord) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := r.Normalize(coord.Z, coord.X, coord.Y); !ok {
		return nil, fmt.Errorf("tile %s is outside the image (max zoom %d)", coord.Key(), r.maxZoom)
	}

	image, err := loadImage(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	tileSize := float64(tilemath.TileSize)
	span := r.pixelsPerTile(coord.Z)

	// Edge tiles are clamped to the image and padded afterwards.
	startX := int(float64(coord.X) * span)
	startY := int(float64(coord.Y) * span)
	endX := int(math.Min(float64(startX)+span, float64(r.width)))
	endY := int(math.Min(float64(startY)+span, float64(r.height)))

	width := endX - startX
	height := endY - startY
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid tile bounds for %s", coord.Key())
	}

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(tileSize/span, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	if image.Width() < tilemath.TileSize || image.Height() < tilemath.TileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221} // #ddd
		if err := image.Embed(0, 0, tilemath.TileSize, tilemath.TileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	// Cancelled fetches skip the encode.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = 82
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	r.logger.Debug("Rendered tile", zap.String("key", coord.Key()), zap.Int("bytes", len(data)))
	return data, nil
}

// loadImage opens path with random access, picking the loader by extension.
func loadImage(path string) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	access := vips.AccessRandom

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
