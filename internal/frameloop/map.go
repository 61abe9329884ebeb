// Package frameloop drives rendering. A Map owns the view, its layers and
// the tile queue, and runs every frame and every tile completion on a single
// goroutine so none of them need locking.
package frameloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tileview/internal/frame"
	"tileview/internal/layer"
	"tileview/internal/metrics"
	"tileview/internal/tile"
	"tileview/internal/tilequeue"
)

const taskBuffer = 256

var (
	ErrClosed         = errors.New("frame loop closed")
	ErrDuplicateLayer = errors.New("layer already added")
)

type Options struct {
	Size          [2]int
	PixelRatio    float64
	View          *frame.View
	Policy        tilequeue.Policy
	FrameInterval time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type Map struct {
	opts   Options
	logger *zap.Logger
	view   *frame.View

	layers  []*layer.TileLayer
	byName  map[string]*layer.TileLayer
	summary map[string]layer.Summary

	queue       *tilequeue.TileQueue
	frameState  *frame.State
	frameIndex  int
	interacting bool
	dirty       bool

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(opts Options, logger *zap.Logger) *Map {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 16 * time.Millisecond
	}
	if opts.PixelRatio <= 0 {
		opts.PixelRatio = 1
	}
	if opts.Policy == (tilequeue.Policy{}) {
		opts.Policy = tilequeue.DefaultPolicy()
	}
	if opts.View == nil {
		opts.View = frame.NewView(0, 0, 0, 0, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Map{
		opts:    opts,
		logger:  logger.Named("frameloop"),
		view:    opts.View,
		byName:  make(map[string]*layer.TileLayer),
		summary: make(map[string]layer.Summary),
		tasks:   make(chan func(), taskBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		dirty:   true,
	}
	m.queue = tilequeue.New(
		tilequeue.FramePriority(func() *frame.State { return m.frameState }),
		m.Render,
	)
	return m
}

// AddLayer attaches l to this map. Layer names must be unique.
func (m *Map) AddLayer(l *layer.TileLayer) error {
	if _, ok := m.byName[l.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLayer, l.Name())
	}
	l.Attach(m.ctx, m.Post)
	m.layers = append(m.layers, l)
	m.byName[l.Name()] = l
	m.Render()
	return nil
}

func (m *Map) Layer(name string) (*layer.TileLayer, bool) {
	l, ok := m.byName[name]
	return l, ok
}

func (m *Map) View() *frame.View { return m.view }

// FrameState returns the state of the last rendered frame, or nil.
func (m *Map) FrameState() *frame.State { return m.frameState }

// Post queues fn to run on the loop goroutine. It is safe to call from any
// goroutine and returns false once the map is closed.
func (m *Map) Post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.tasks <- fn:
		return true
	case <-m.done:
		return false
	}
}

// Do runs fn on the loop goroutine and waits for it to return.
func (m *Map) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !m.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Render requests a frame on the next tick.
func (m *Map) Render() {
	m.dirty = true
}

func (m *Map) SetInteracting(interacting bool) {
	if m.interacting == interacting {
		return
	}
	m.interacting = interacting
	m.Render()
}

func (m *Map) Interacting() bool { return m.interacting }

// Run processes posted tasks and renders requested frames until ctx is done
// or the map is closed.
func (m *Map) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.FrameInterval)
	defer ticker.Stop()
	defer m.Close()

	m.logger.Info("Frame loop started",
		zap.Duration("interval", m.opts.FrameInterval),
		zap.Int("layers", len(m.layers)),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Frame loop stopped", zap.Int("frames", m.frameIndex))
			return nil
		case <-m.done:
			return nil
		case fn := <-m.tasks:
			fn()
		case <-ticker.C:
			if m.dirty {
				m.RenderFrame()
			}
		}
	}
}

// Close stops accepting tasks and cancels in-flight fetches.
func (m *Map) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.cancel()
	})
}

// RenderFrame renders one frame and runs admission control for it.
func (m *Map) RenderFrame() {
	start := m.opts.Clock()
	m.dirty = false
	m.frameIndex++

	fs := frame.NewState(m.frameIndex, start, m.opts.Size, m.opts.PixelRatio, m.view.State(), m.interacting)
	m.frameState = fs

	for _, l := range m.layers {
		m.summary[l.Name()] = l.PrepareFrame(fs)
	}
	for _, l := range m.layers {
		l.ExpireCache(fs)
	}
	m.scheduleTiles(fs, start)

	metrics.FramesRendered.Inc()
	metrics.FrameDuration.Observe(m.opts.Clock().Sub(start).Seconds())
	metrics.TilesQueued.Set(float64(m.queue.Count()))
	metrics.TilesLoading.Set(float64(m.queue.TilesLoading()))
}

func (m *Map) scheduleTiles(fs *frame.State, start time.Time) {
	for _, l := range m.layers {
		for _, t := range l.WantedTiles(fs) {
			e := tilequeue.Element{Tile: t, Source: l.Name()}
			if t.State() != tile.StateIdle || m.queue.IsKeyQueued(e.Key()) {
				continue
			}
			if _, err := m.queue.Enqueue(e); err != nil {
				m.logger.Error("Failed to enqueue tile",
					zap.String("layer", l.Name()),
					zap.String("key", t.Key()),
					zap.Error(err),
				)
			}
		}
	}

	m.queue.Reprioritize()

	budget := m.opts.Policy.Budget(m.interacting, m.opts.Clock().Sub(start))
	if m.queue.TilesLoading() < budget.MaxTotalLoading {
		if n := m.queue.LoadMoreTiles(budget.MaxTotalLoading, budget.MaxNewLoads); n > 0 {
			metrics.TilesAdmitted.Add(float64(n))
			m.logger.Debug("Admitted tile loads",
				zap.Int("frame", fs.Index),
				zap.Int("started", n),
				zap.Int("loading", m.queue.TilesLoading()),
				zap.Int("queued", m.queue.Count()),
			)
		}
	}

	// Completions request the next frame while loads are outstanding.
	if m.queue.Count() > 0 && m.queue.TilesLoading() == 0 {
		m.Render()
	}
}

type LayerStats struct {
	layer.Stats
	Wanted       int `json:"wanted"`
	Drawn        int `json:"drawn"`
	Placeholders int `json:"placeholders"`
}

type Stats struct {
	Frame        int          `json:"frame"`
	Zoom         int          `json:"zoom"`
	CenterLonLat [2]float64   `json:"center_lon_lat"`
	Interacting  bool         `json:"interacting"`
	TilesQueued  int          `json:"tiles_queued"`
	TilesLoading int          `json:"tiles_loading"`
	Layers       []LayerStats `json:"layers"`
}

// Stats must be called on the loop goroutine. Use Snapshot elsewhere.
func (m *Map) Stats() Stats {
	lon, lat := m.view.LonLat()
	stats := Stats{
		Frame:        m.frameIndex,
		Zoom:         m.view.Zoom(),
		CenterLonLat: [2]float64{lon, lat},
		Interacting:  m.interacting,
		TilesQueued:  m.queue.Count(),
		TilesLoading: m.queue.TilesLoading(),
		Layers:       make([]LayerStats, 0, len(m.layers)),
	}
	for _, l := range m.layers {
		ls := LayerStats{Stats: l.Stats()}
		if m.frameState != nil {
			ls.Wanted = m.frameState.Wanted(l.Name())
		}
		summary := m.summary[l.Name()]
		ls.Drawn = summary.Drawn
		ls.Placeholders = summary.Placeholders
		stats.Layers = append(stats.Layers, ls)
	}
	return stats
}

func (m *Map) Snapshot(ctx context.Context) (Stats, error) {
	var stats Stats
	err := m.Do(ctx, func() { stats = m.Stats() })
	return stats, err
}
