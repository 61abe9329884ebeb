// Package layer binds a tile source to the frame loop. A TileLayer owns the
// tiles of one source, decides which of them the viewport needs on every
// frame and fetches them in the background when the scheduler asks.
package layer

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/frame"
	"tileview/internal/metrics"
	"tileview/internal/tile"
	"tileview/internal/tilemath"
)

const (
	DefaultCacheSize    = 512
	DefaultFetchTimeout = 30 * time.Second
	recentKeys          = 10
)

var ErrNotAttached = errors.New("layer is not attached to a map")

// Fetcher returns the encoded bytes of a tile.
type Fetcher interface {
	Fetch(ctx context.Context, coord tile.Coord) ([]byte, error)
}

// Normalizer maps a raw grid position to the tile that covers it. It
// returns false when no tile exists there.
type Normalizer func(z, x, y int) (tile.Coord, bool)

// XYZ wraps columns around the antimeridian and clamps rows to the grid.
func XYZ(z, x, y int) (tile.Coord, bool) {
	if z < 0 || z > tilemath.MaxSupportedZoom {
		return tile.Coord{}, false
	}
	return tile.Coord{Z: z, X: tilemath.WrapTileX(x, z), Y: tilemath.ClampTileY(y, z)}, true
}

// Bounded accepts only positions inside the 2^z x 2^z grid.
func Bounded(z, x, y int) (tile.Coord, bool) {
	if z < 0 || z > tilemath.MaxSupportedZoom {
		return tile.Coord{}, false
	}
	limit := 1 << z
	if x < 0 || y < 0 || x >= limit || y >= limit {
		return tile.Coord{}, false
	}
	return tile.Coord{Z: z, X: x, Y: y}, true
}

type Option func(*TileLayer)

// WithCacheSize sets the number of tiles kept after each frame's expiry.
func WithCacheSize(size int) Option {
	return func(l *TileLayer) { l.cacheSize = size }
}

func WithFetchTimeout(timeout time.Duration) Option {
	return func(l *TileLayer) { l.fetchTimeout = timeout }
}

func WithNormalizer(fn Normalizer) Option {
	return func(l *TileLayer) { l.normalize = fn }
}

func WithVisible(visible bool) Option {
	return func(l *TileLayer) { l.visible = visible }
}

// Summary describes what a layer contributed to one frame.
type Summary struct {
	Drawn        int
	Placeholders int
}

type Stats struct {
	Name    string   `json:"name"`
	Visible bool     `json:"visible"`
	Cached  int      `json:"cached"`
	Idle    int      `json:"idle"`
	Loading int      `json:"loading"`
	Loaded  int      `json:"loaded"`
	Errors  int      `json:"errors"`
	Recent  []string `json:"recent"`
}

// TileLayer must be used from the frame loop goroutine, except for the
// fetches it starts itself, which hand their result back through post.
type TileLayer struct {
	name         string
	fetcher      Fetcher
	logger       *zap.Logger
	cacheSize    int
	fetchTimeout time.Duration
	normalize    Normalizer
	visible      bool

	tiles *cache.LRU[string, *tile.Tile]

	ctx  context.Context
	post func(func()) bool
}

func New(name string, fetcher Fetcher, logger *zap.Logger, opts ...Option) *TileLayer {
	l := &TileLayer{
		name:         name,
		fetcher:      fetcher,
		logger:       logger.Named("layer").With(zap.String("layer", name)),
		cacheSize:    DefaultCacheSize,
		fetchTimeout: DefaultFetchTimeout,
		normalize:    XYZ,
		visible:      true,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tiles = cache.NewLRU[string, *tile.Tile](l.cacheSize,
		cache.WithEvictFunc[string, *tile.Tile](l.handleEvict))
	return l
}

// Attach binds the layer to a frame loop. Fetches run under ctx and
// complete their tile through post, which reports false once the loop has
// stopped accepting work.
func (l *TileLayer) Attach(ctx context.Context, post func(func()) bool) {
	l.ctx = ctx
	l.post = post
}

func (l *TileLayer) Name() string { return l.name }

func (l *TileLayer) Visible() bool { return l.visible }

func (l *TileLayer) SetVisible(visible bool) { l.visible = visible }

// GetTile returns the cached tile for coord, creating an Idle one on a miss.
func (l *TileLayer) GetTile(coord tile.Coord) *tile.Tile {
	key := coord.Key()
	if t, ok := l.tiles.Get(key); ok {
		return t
	}
	t := tile.New(coord, l.load)
	if err := l.tiles.Set(key, t); err != nil {
		l.logger.Error("Failed to cache tile", zap.String("key", key), zap.Error(err))
	}
	metrics.CachedTiles.WithLabelValues(l.name).Set(float64(l.tiles.Count()))
	return t
}

// Peek returns the cached tile for key without touching its recency.
func (l *TileLayer) Peek(key string) (*tile.Tile, bool) {
	return l.tiles.Peek(key)
}

// PrepareFrame projects the viewport of fs onto the tile grid at the view
// zoom and records every covering tile as wanted by this layer.
func (l *TileLayer) PrepareFrame(fs *frame.State) Summary {
	var summary Summary
	if !l.visible {
		return summary
	}

	zoom := fs.ViewState.Zoom
	center := fs.ViewState.Center
	size := float64(tilemath.TileSize)
	resolution := tilemath.Resolution(zoom)

	minX := center[0] - float64(fs.Size[0])/2
	minY := center[1] - float64(fs.Size[1])/2
	maxX := center[0] + float64(fs.Size[0])/2
	maxY := center[1] + float64(fs.Size[1])/2

	minTileX := int(math.Floor(minX / size))
	maxTileX := int(math.Floor((maxX - 1) / size))
	minTileY := int(math.Floor(minY / size))
	maxTileY := int(math.Floor((maxY - 1) / size))

	for ty := minTileY; ty <= maxTileY; ty++ {
		for tx := minTileX; tx <= maxTileX; tx++ {
			coord, ok := l.normalize(zoom, tx, ty)
			if !ok {
				continue
			}
			t := l.GetTile(coord)
			fs.Want(l.name, t.Key(), frame.TileMeta{
				Center:     [2]float64{float64(tx)*size + size/2, float64(coord.Y)*size + size/2},
				Resolution: resolution,
			})
			if t.State() == tile.StateLoaded {
				summary.Drawn++
			} else {
				summary.Placeholders++
			}
		}
	}
	return summary
}

// WantedTiles returns the tiles fs wants from this layer.
func (l *TileLayer) WantedTiles(fs *frame.State) []*tile.Tile {
	wanted := fs.WantedTiles[l.name]
	tiles := make([]*tile.Tile, 0, len(wanted))
	for key := range wanted {
		if t, ok := l.tiles.Peek(key); ok {
			tiles = append(tiles, t)
		}
	}
	return tiles
}

// ExpireCache trims the cache back to its size, stopping at the first
// least-recently-used tile that fs still wants. It returns the number of
// evicted tiles.
func (l *TileLayer) ExpireCache(fs *frame.State) int {
	n := l.tiles.ExpireKeeping(func(key string) bool {
		return fs.IsWanted(l.name, key)
	})
	if n > 0 {
		metrics.CachedTiles.WithLabelValues(l.name).Set(float64(l.tiles.Count()))
	}
	return n
}

// RetryFailed replaces every tile in the Error state with a new Idle tile
// for the same coordinate. It returns the number of replaced tiles.
func (l *TileLayer) RetryFailed() int {
	n := 0
	for _, key := range l.tiles.Keys() {
		t, _ := l.tiles.Peek(key)
		if t.State() != tile.StateError {
			continue
		}
		l.tiles.Remove(key)
		if err := l.tiles.Set(key, tile.New(t.Coord(), l.load)); err != nil {
			l.logger.Error("Failed to replace tile", zap.String("key", key), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		l.logger.Info("Retrying failed tiles", zap.Int("count", n))
	}
	return n
}

func (l *TileLayer) Stats() Stats {
	stats := Stats{
		Name:    l.name,
		Visible: l.visible,
		Cached:  l.tiles.Count(),
	}
	for i, key := range l.tiles.Keys() {
		t, _ := l.tiles.Peek(key)
		switch t.State() {
		case tile.StateIdle:
			stats.Idle++
		case tile.StateLoading:
			stats.Loading++
		case tile.StateLoaded:
			stats.Loaded++
		case tile.StateError:
			stats.Errors++
		}
		if i < recentKeys {
			stats.Recent = append(stats.Recent, key)
		}
	}
	return stats
}

func (l *TileLayer) handleEvict(key string, _ *tile.Tile) {
	metrics.CacheEvictions.WithLabelValues(l.name).Inc()
	l.logger.Debug("Evicted tile", zap.String("key", key))
}

// load is the loader of every tile this layer creates.
func (l *TileLayer) load(t *tile.Tile) {
	if l.post == nil {
		t.Finish(nil, ErrNotAttached)
		return
	}
	go l.fetch(l.ctx, t)
}

func (l *TileLayer) fetch(ctx context.Context, t *tile.Tile) {
	ctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()

	start := time.Now()
	img, err := l.fetchImage(ctx, t.Coord())
	metrics.FetchDuration.WithLabelValues(l.name).Observe(time.Since(start).Seconds())

	result := "loaded"
	if err != nil {
		result = "error"
		l.logger.Debug("Failed to fetch tile",
			zap.String("key", t.Key()),
			zap.Error(err),
		)
	}
	metrics.TileLoads.WithLabelValues(l.name, result).Inc()

	if !l.post(func() { t.Finish(img, err) }) {
		l.logger.Debug("Dropped tile result after shutdown", zap.String("key", t.Key()))
	}
}

func (l *TileLayer) fetchImage(ctx context.Context, coord tile.Coord) (*tile.Image, error) {
	data, err := l.fetcher.Fetch(ctx, coord)
	if err != nil {
		return nil, err
	}
	return tile.Decode(data)
}
