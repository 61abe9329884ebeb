// Package tile models a single fetchable map tile and its load lifecycle.
//
// A Tile starts Idle, moves to Loading when Load is called and ends in
// Loaded or Error once its fetch completes. There is no way back to Idle: a
// retry means creating a new Tile for the same coordinate.
package tile

import (
	"fmt"

	"github.com/google/uuid"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateLoaded || s == StateError
}

// Coord addresses a tile in an XYZ grid.
type Coord struct {
	Z int
	X int
	Y int
}

func (c Coord) Key() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

type listener struct {
	id int
	fn func(*Tile)
}

// Tile is owned by the goroutine driving the frame loop; none of its methods
// may be called concurrently.
type Tile struct {
	id     uuid.UUID
	coord  Coord
	key    string
	state  State
	image  *Image
	err    error
	loader func(*Tile)

	listeners      []listener
	nextListenerID int
}

// New creates an Idle tile. loader is invoked once, by the first Load call,
// and must eventually arrange for Finish to be called on the owning goroutine.
func New(coord Coord, loader func(*Tile)) *Tile {
	return &Tile{
		id:     uuid.New(),
		coord:  coord,
		key:    coord.Key(),
		loader: loader,
	}
}

// ID identifies this tile object. Two tiles with the same key never share an ID.
func (t *Tile) ID() uuid.UUID { return t.id }

func (t *Tile) Coord() Coord { return t.coord }

func (t *Tile) Key() string { return t.key }

func (t *Tile) State() State { return t.state }

// Image returns the decoded resource of a Loaded tile.
func (t *Tile) Image() *Image { return t.image }

// Err returns the fetch failure of a tile in StateError.
func (t *Tile) Err() error { return t.err }

// Load starts fetching the tile. It does nothing unless the tile is Idle.
func (t *Tile) Load() {
	if t.state != StateIdle {
		return
	}
	t.setState(StateLoading)
	if t.loader != nil {
		t.loader(t)
	}
}

// Finish completes a Loading tile: Loaded when err is nil, Error otherwise.
// Calls on tiles that are not Loading are ignored.
func (t *Tile) Finish(img *Image, err error) {
	if t.state != StateLoading {
		return
	}
	if err != nil {
		t.err = err
		t.setState(StateError)
		return
	}
	t.image = img
	t.setState(StateLoaded)
}

// Subscribe registers fn to be called after every state change. The returned
// function removes the registration.
func (t *Tile) Subscribe(fn func(*Tile)) (cancel func()) {
	id := t.nextListenerID
	t.nextListenerID++
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	return func() {
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

func (t *Tile) setState(state State) {
	t.state = state
	// Listeners may unsubscribe while being notified.
	listeners := append([]listener(nil), t.listeners...)
	for _, l := range listeners {
		l.fn(t)
	}
}
