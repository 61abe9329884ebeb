// Package tilequeue schedules tile fetches. It keeps wanted tiles in a
// priority queue, tracks the loads it started and admits new loads within the
// limits the frame loop grants on each frame.
package tilequeue

import (
	"tileview/internal/frame"
	"tileview/internal/priorityqueue"
	"tileview/internal/tile"
)

// Element is a queued tile together with the source that wants it.
type Element struct {
	Tile   *tile.Tile
	Source string
}

// Key identifies the element in the queue. Layers share tile coordinates, so
// the key is qualified by the source: "<source>/z/x/y".
func (e Element) Key() string {
	return frame.MetaKey(e.Source, e.Tile.Key())
}

type watched struct {
	cancel func()
	key    string
}

// TileQueue must only be used from the frame loop goroutine.
type TileQueue struct {
	queue    *priorityqueue.Queue[Element, string]
	onChange func()

	tilesLoading int
	loadingKeys  map[string]struct{}

	// watching holds the subscription and element key of every tile this
	// queue listens to.
	watching map[*tile.Tile]watched
}

// New creates a queue ordered by priorityFn. onChange runs whenever a
// watched tile finishes loading, successfully or not.
func New(priorityFn priorityqueue.PriorityFunc[Element], onChange func()) *TileQueue {
	q := &TileQueue{
		onChange:    onChange,
		loadingKeys: make(map[string]struct{}),
		watching:    make(map[*tile.Tile]watched),
	}
	q.queue = priorityqueue.New[Element, string](priorityFn, Element.Key,
		priorityqueue.WithDropFunc[Element, string](q.handleDrop))
	return q
}

// Enqueue adds e unless its priority is Drop. Enqueuing a key that is
// already queued returns priorityqueue.ErrDuplicateKey.
func (q *TileQueue) Enqueue(e Element) (bool, error) {
	added, err := q.queue.Enqueue(e)
	if err != nil || !added {
		return added, err
	}
	q.watch(e)
	return true, nil
}

func (q *TileQueue) Reprioritize() {
	q.queue.Reprioritize()
}

func (q *TileQueue) Count() int {
	return q.queue.Count()
}

// IsKeyQueued reports whether an element with the given Element.Key is queued.
func (q *TileQueue) IsKeyQueued(key string) bool {
	return q.queue.IsKeyQueued(key)
}

// TilesLoading returns the number of loads started by this queue that have
// not completed yet.
func (q *TileQueue) TilesLoading() int {
	return q.tilesLoading
}

// LoadMoreTiles dequeues tiles in priority order and starts loading them
// while fewer than maxTotalLoading loads are outstanding and fewer than
// maxNewLoads were started by this call. Tiles that are no longer Idle are
// discarded. It returns the number of loads started.
func (q *TileQueue) LoadMoreTiles(maxTotalLoading, maxNewLoads int) int {
	newLoads := 0
	for q.tilesLoading < maxTotalLoading && newLoads < maxNewLoads && q.queue.Count() > 0 {
		e, err := q.queue.Dequeue()
		if err != nil {
			break
		}
		t := e.Tile
		key := e.Key()
		if t.State() != tile.StateIdle {
			if t.State().Terminal() {
				q.unwatch(t)
			}
			continue
		}
		if _, loading := q.loadingKeys[key]; loading {
			// Another tile object with this key is still loading.
			q.unwatch(t)
			continue
		}
		q.loadingKeys[key] = struct{}{}
		q.tilesLoading++
		newLoads++
		t.Load()
	}
	return newLoads
}

func (q *TileQueue) watch(e Element) {
	if _, ok := q.watching[e.Tile]; ok {
		return
	}
	q.watching[e.Tile] = watched{cancel: e.Tile.Subscribe(q.handleTileChange), key: e.Key()}
}

func (q *TileQueue) unwatch(t *tile.Tile) {
	if w, ok := q.watching[t]; ok {
		w.cancel()
		delete(q.watching, t)
	}
}

func (q *TileQueue) handleTileChange(t *tile.Tile) {
	if !t.State().Terminal() {
		return
	}
	w, ok := q.watching[t]
	if !ok {
		return
	}
	if _, loading := q.loadingKeys[w.key]; loading {
		delete(q.loadingKeys, w.key)
		q.tilesLoading--
	}
	q.unwatch(t)
	if q.onChange != nil {
		q.onChange()
	}
}

// handleDrop stops watching tiles removed by Reprioritize before they started loading.
func (q *TileQueue) handleDrop(e Element) {
	if e.Tile.State() == tile.StateIdle {
		q.unwatch(e.Tile)
	}
}
