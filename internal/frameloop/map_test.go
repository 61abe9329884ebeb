package frameloop

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tileview/internal/frame"
	"tileview/internal/layer"
	"tileview/internal/tile"
	"tileview/internal/tilequeue"
)

type pngFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	data  []byte
}

func newPNGFetcher(t *testing.T) *pngFetcher {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 256, 256))))
	return &pngFetcher{calls: make(map[string]int), data: buf.Bytes()}
}

func (f *pngFetcher) Fetch(_ context.Context, coord tile.Coord) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[coord.Key()]++
	return f.data, nil
}

func (f *pngFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// stepClock advances by step on every reading.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestMap(t *testing.T, policy tilequeue.Policy, clock func() time.Time) (*Map, *pngFetcher) {
	t.Helper()
	fetcher := newPNGFetcher(t)
	m := New(Options{
		// Lon/lat 0/0 at zoom 3 sits on a tile corner: a 2x2 block is wanted.
		Size:   [2]int{512, 512},
		View:   frame.NewView(0, 0, 3, 0, 19),
		Policy: policy,
		Clock:  clock,
	}, zap.NewNop())
	require.NoError(t, m.AddLayer(layer.New("osm", fetcher, zap.NewNop())))
	t.Cleanup(m.Close)
	return m, fetcher
}

// runPending runs queued tasks without blocking and reports how many ran.
func (m *Map) runPending() int {
	n := 0
	for {
		select {
		case fn := <-m.tasks:
			fn()
			n++
		default:
			return n
		}
	}
}

func (m *Map) waitTasks(t *testing.T, n int) {
	t.Helper()
	ran := 0
	require.Eventually(t, func() bool {
		ran += m.runPending()
		return ran >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func smallBudget(total, newLoads int) tilequeue.Policy {
	policy := tilequeue.DefaultPolicy()
	policy.Idle = tilequeue.Budget{MaxTotalLoading: total, MaxNewLoads: newLoads}
	return policy
}

func TestRenderFrameAdmitsWithinBudget(t *testing.T) {
	m, fetcher := newTestMap(t, smallBudget(2, 2), nil)

	m.RenderFrame()
	stats := m.Stats()
	assert.Equal(t, 2, stats.TilesLoading)
	assert.Equal(t, 2, stats.TilesQueued)
	require.Len(t, stats.Layers, 1)
	assert.Equal(t, 4, stats.Layers[0].Wanted)
	assert.Equal(t, 4, stats.Layers[0].Placeholders)
	assert.False(t, m.dirty)

	m.waitTasks(t, 2)
	assert.Equal(t, 0, m.queue.TilesLoading())
	assert.True(t, m.dirty, "tile completion requests a frame")

	m.RenderFrame()
	assert.Equal(t, 2, m.queue.TilesLoading())
	assert.Equal(t, 0, m.queue.Count())
	m.waitTasks(t, 2)

	m.RenderFrame()
	stats = m.Stats()
	assert.Equal(t, 4, stats.Layers[0].Drawn)
	assert.Equal(t, 4, stats.Layers[0].Loaded)
	for _, key := range []string{"3/3/3", "3/4/3", "3/3/4", "3/4/4"} {
		assert.Equal(t, 1, fetcher.count(key), key)
	}
}

func TestRenderFrameOrdersByDistance(t *testing.T) {
	m, _ := newTestMap(t, smallBudget(1, 1), nil)
	m.View().Pan(64, 64)

	m.RenderFrame()

	// The view center moved into tile 3/4/4.
	l, ok := m.Layer("osm")
	require.True(t, ok)
	tl, ok := l.Peek("3/4/4")
	require.True(t, ok)
	assert.Equal(t, tile.StateLoading, tl.State())
}

func TestRenderFrameInteractingBudget(t *testing.T) {
	m, _ := newTestMap(t, tilequeue.DefaultPolicy(), nil)
	m.SetInteracting(true)

	m.RenderFrame()

	assert.Equal(t, 2, m.queue.TilesLoading())
	assert.Equal(t, 2, m.queue.Count())
}

func TestRenderFrameOverBudgetStartsNothing(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0), step: 10 * time.Millisecond}
	m, fetcher := newTestMap(t, tilequeue.DefaultPolicy(), clock.Now)
	m.SetInteracting(true)

	m.RenderFrame()

	assert.Equal(t, 0, m.queue.TilesLoading())
	assert.Equal(t, 4, m.queue.Count())
	assert.True(t, m.dirty, "queued work with nothing loading requests another frame")
	assert.Equal(t, 0, fetcher.count("3/3/3"))

	m.SetInteracting(false)
	m.RenderFrame()
	assert.Equal(t, 4, m.queue.TilesLoading())
}

func TestZoomChangeDropsStaleTiles(t *testing.T) {
	m, fetcher := newTestMap(t, smallBudget(1, 1), nil)

	m.RenderFrame()
	require.Equal(t, 3, m.queue.Count())

	m.View().SetZoom(5)
	m.RenderFrame()

	for _, key := range []string{"3/3/3", "3/4/3", "3/3/4", "3/4/4"} {
		assert.False(t, m.queue.IsKeyQueued("osm/"+key), key)
	}
	assert.Equal(t, 4, m.FrameState().Wanted("osm"))
	// The load started at zoom 3 still counts against the budget.
	assert.Equal(t, 1, m.queue.TilesLoading())
	assert.Equal(t, 4, m.queue.Count())

	m.waitTasks(t, 1)
	assert.Equal(t, 0, m.queue.TilesLoading())
	m.RenderFrame()
	assert.Equal(t, 1, m.queue.TilesLoading())

	fetched := 0
	for _, key := range []string{"3/3/3", "3/4/3", "3/3/4", "3/4/4"} {
		fetched += fetcher.count(key)
	}
	assert.Equal(t, 1, fetched, "dropped tiles are never fetched")
}

func TestLayersScheduleIndependently(t *testing.T) {
	m, osm := newTestMap(t, tilequeue.DefaultPolicy(), nil)
	sat := newPNGFetcher(t)
	require.NoError(t, m.AddLayer(layer.New("sat", sat, zap.NewNop())))

	m.RenderFrame()

	assert.Equal(t, 8, m.queue.TilesLoading())
	assert.Equal(t, 0, m.queue.Count())
	stats := m.Stats()
	require.Len(t, stats.Layers, 2)
	for _, ls := range stats.Layers {
		assert.Equal(t, 4, ls.Wanted, ls.Name)
		assert.Equal(t, 4, ls.Loading, ls.Name)
	}

	m.waitTasks(t, 8)
	assert.Equal(t, 0, m.queue.TilesLoading())
	for _, key := range []string{"3/3/3", "3/4/3", "3/3/4", "3/4/4"} {
		assert.Equal(t, 1, osm.count(key), key)
		assert.Equal(t, 1, sat.count(key), key)
	}
}

func TestTileMetaIsPerSource(t *testing.T) {
	m, _ := newTestMap(t, tilequeue.DefaultPolicy(), nil)
	require.NoError(t, m.AddLayer(layer.New("sat", newPNGFetcher(t), zap.NewNop())))

	m.RenderFrame()

	fs := m.FrameState()
	osmMeta, ok := fs.Meta("osm", "3/3/3")
	require.True(t, ok)
	satMeta, ok := fs.Meta("sat", "3/3/3")
	require.True(t, ok)
	assert.Equal(t, osmMeta, satMeta)
	_, ok = fs.Meta("other", "3/3/3")
	assert.False(t, ok)
}

func TestRenderFrameNegativeZoomRange(t *testing.T) {
	m := New(Options{
		Size: [2]int{512, 512},
		View: frame.NewView(0, 0, -1, -1, 19),
	}, zap.NewNop())
	require.NoError(t, m.AddLayer(layer.New("osm", newPNGFetcher(t), zap.NewNop())))
	require.NoError(t, m.AddLayer(layer.New("image", newPNGFetcher(t), zap.NewNop(), layer.WithNormalizer(layer.Bounded))))
	t.Cleanup(m.Close)

	require.NotPanics(t, m.RenderFrame)
	assert.Equal(t, 0, m.View().Zoom())
	assert.Equal(t, 1, m.FrameState().Wanted("osm"))
	assert.Equal(t, 1, m.FrameState().Wanted("image"))
}

func TestAddLayerDuplicate(t *testing.T) {
	m, _ := newTestMap(t, tilequeue.DefaultPolicy(), nil)

	err := m.AddLayer(layer.New("osm", newPNGFetcher(t), zap.NewNop()))
	assert.ErrorIs(t, err, ErrDuplicateLayer)
}

func TestPostAfterClose(t *testing.T) {
	m, _ := newTestMap(t, tilequeue.DefaultPolicy(), nil)
	m.Close()

	assert.False(t, m.Post(func() {}))
	assert.ErrorIs(t, m.Do(context.Background(), func() {}), ErrClosed)
	_, err := m.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunLoadsViewport(t *testing.T) {
	m, _ := newTestMap(t, tilequeue.DefaultPolicy(), nil)
	m.opts.FrameInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := m.Snapshot(ctx)
		return err == nil && len(stats.Layers) == 1 && stats.Layers[0].Drawn == 4
	}, 5*time.Second, 10*time.Millisecond)

	var interacting bool
	require.NoError(t, m.Do(ctx, func() {
		m.SetInteracting(true)
		interacting = m.Interacting()
	}))
	assert.True(t, interacting)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, m.Post(func() {}))
}
