package tile

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestCoordKey(t *testing.T) {
	assert.Equal(t, "3/4/5", Coord{Z: 3, X: 4, Y: 5}.Key())
}

func TestLoadIsIdempotent(t *testing.T) {
	fetches := 0
	tl := New(Coord{Z: 1}, func(*Tile) { fetches++ })

	var states []State
	tl.Subscribe(func(t *Tile) { states = append(states, t.State()) })

	tl.Load()
	tl.Load()
	assert.Equal(t, 1, fetches)
	assert.Equal(t, StateLoading, tl.State())

	tl.Finish(&Image{}, nil)
	tl.Finish(nil, errors.New("late"))

	assert.Equal(t, StateLoaded, tl.State())
	assert.NoError(t, tl.Err())
	assert.Equal(t, []State{StateLoading, StateLoaded}, states)
}

func TestFinishWithError(t *testing.T) {
	tl := New(Coord{}, nil)
	tl.Load()

	failure := errors.New("boom")
	tl.Finish(nil, failure)

	assert.Equal(t, StateError, tl.State())
	assert.ErrorIs(t, tl.Err(), failure)
	assert.Nil(t, tl.Image())
	assert.True(t, tl.State().Terminal())
}

func TestFinishIgnoredWhenIdle(t *testing.T) {
	tl := New(Coord{}, nil)
	tl.Finish(&Image{}, nil)
	assert.Equal(t, StateIdle, tl.State())
}

func TestSubscribeCancel(t *testing.T) {
	tl := New(Coord{}, nil)
	var first, second int
	cancelFirst := tl.Subscribe(func(*Tile) { first++ })
	tl.Subscribe(func(*Tile) { second++ })

	tl.Load()
	cancelFirst()
	tl.Finish(&Image{}, nil)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestUnsubscribeDuringNotification(t *testing.T) {
	tl := New(Coord{}, nil)
	calls := 0
	var cancel func()
	cancel = tl.Subscribe(func(*Tile) {
		calls++
		cancel()
	})

	tl.Load()
	tl.Finish(&Image{}, nil)

	assert.Equal(t, 1, calls)
}

func TestNewTilesHaveDistinctIDs(t *testing.T) {
	a := New(Coord{Z: 2, X: 1, Y: 1}, nil)
	b := New(Coord{Z: 2, X: 1, Y: 1}, nil)
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestDecode(t *testing.T) {
	img, err := Decode(pngBytes(t, 256, 256))
	require.NoError(t, err)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, 256, img.Width)
	assert.Equal(t, 256, img.Height)

	_, err = Decode([]byte("not an image"))
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "State(9)", State(9).String())
}
