package tilequeue

import (
	"math"

	"tileview/internal/frame"
	"tileview/internal/priorityqueue"
)

// ResolutionWeight makes the resolution term dominate the distance term, so
// every tile at the active resolution comes before any lower-detail tile.
const ResolutionWeight = 65536

// Priority ranks a tile for the given frame: lower resolution tiles last,
// then by distance from the view center. Tiles the frame does not want, or
// that have no projected placement, get priorityqueue.Drop.
func Priority(fs *frame.State, e Element) float64 {
	if fs == nil {
		return priorityqueue.Drop
	}
	key := e.Tile.Key()
	if !fs.IsWanted(e.Source, key) {
		return priorityqueue.Drop
	}
	meta, ok := fs.Meta(e.Source, key)
	if !ok || meta.Resolution <= 0 {
		return priorityqueue.Drop
	}
	center := fs.ViewState.Center
	dx := meta.Center[0] - center[0]
	dy := meta.Center[1] - center[1]
	return ResolutionWeight*math.Log(meta.Resolution) + math.Hypot(dx, dy)/meta.Resolution
}

// FramePriority returns a priority function evaluated against whatever
// frame current returns at call time.
func FramePriority(current func() *frame.State) priorityqueue.PriorityFunc[Element] {
	return func(e Element) float64 {
		return Priority(current(), e)
	}
}
