// Package frame describes what a single rendered frame looks at: the view,
// the viewport size and the tiles each source needs to cover it.
package frame

import "time"

type ViewState struct {
	// Center in world pixels at Zoom.
	Center     [2]float64
	Zoom       int
	Resolution float64
	Rotation   float64
}

// TileMeta is the projected placement of a wanted tile.
type TileMeta struct {
	Center     [2]float64
	Resolution float64
}

// State is built once per frame by the frame loop and read by the tile
// priority function until the next frame replaces it.
type State struct {
	Index       int
	Time        time.Time
	Size        [2]int
	PixelRatio  float64
	ViewState   ViewState
	Interacting bool

	// WantedTiles maps a source name to the set of tile keys it needs.
	WantedTiles map[string]map[string]struct{}
	// TileMeta is keyed by MetaKey, since sources share tile keys.
	TileMeta map[string]TileMeta
}

func NewState(index int, now time.Time, size [2]int, pixelRatio float64, view ViewState, interacting bool) *State {
	return &State{
		Index:       index,
		Time:        now,
		Size:        size,
		PixelRatio:  pixelRatio,
		ViewState:   view,
		Interacting: interacting,
		WantedTiles: make(map[string]map[string]struct{}),
		TileMeta:    make(map[string]TileMeta),
	}
}

// Want records that source needs key to cover the viewport.
func (s *State) Want(source, key string, meta TileMeta) {
	wanted, ok := s.WantedTiles[source]
	if !ok {
		wanted = make(map[string]struct{})
		s.WantedTiles[source] = wanted
	}
	wanted[key] = struct{}{}
	s.TileMeta[MetaKey(source, key)] = meta
}

// MetaKey qualifies a tile key with its source: "<source>/z/x/y".
func MetaKey(source, key string) string {
	return source + "/" + key
}

func (s *State) IsWanted(source, key string) bool {
	_, ok := s.WantedTiles[source][key]
	return ok
}

// Wanted returns the number of tiles source needs.
func (s *State) Wanted(source string) int {
	return len(s.WantedTiles[source])
}

func (s *State) Meta(source, key string) (TileMeta, bool) {
	meta, ok := s.TileMeta[MetaKey(source, key)]
	return meta, ok
}
