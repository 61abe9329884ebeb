package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesRendered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_frames_rendered_total",
		Help: "Total number of rendered frames",
	})

	FrameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileview_frame_duration_seconds",
		Help:    "Wall-clock time spent in one frame pass",
		Buckets: []float64{.0005, .001, .002, .004, .008, .016, .033, .066, .1},
	})

	TilesQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileview_tiles_queued",
		Help: "Tiles waiting in the load queue after the last frame",
	})

	TilesLoading = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileview_tiles_loading",
		Help: "Loads started by the scheduler that have not completed",
	})

	TilesAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_tiles_admitted_total",
		Help: "Total number of tile loads started by admission control",
	})

	TileLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_tile_loads_total",
		Help: "Completed tile loads by layer and result",
	}, []string{"layer", "result"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tileview_fetch_duration_seconds",
		Help:    "Duration of tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"layer"})

	CachedTiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tileview_cached_tiles",
		Help: "Tiles held by each layer cache",
	}, []string{"layer"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_cache_evictions_total",
		Help: "Tiles evicted from each layer cache",
	}, []string{"layer"})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_upstream_requests_total",
		Help: "Upstream tile requests by HTTP status class",
	}, []string{"status"})
)
