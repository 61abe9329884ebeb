package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tileview/internal/tile"
)

func TestNewRejectsTemplate(t *testing.T) {
	_, err := New("https://tiles.example.com/{z}/{x}.png", zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestURL(t *testing.T) {
	f, err := New("https://tiles.example.com/{z}/{x}/{y}.png?v={z}", zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "https://tiles.example.com/5/10/12.png?v=5", f.URL(tile.Coord{Z: 5, X: 10, Y: 12}))
}

func TestFetch(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		if r.URL.Path != "/3/4/2.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("tile-bytes"))
	}))
	defer server.Close()

	f, err := New(server.URL+"/{z}/{x}/{y}.png", zap.NewNop(), WithUserAgent("tileview-test"))
	require.NoError(t, err)

	data, err := f.Fetch(context.Background(), tile.Coord{Z: 3, X: 4, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-bytes"), data)
	assert.Equal(t, "tileview-test", userAgent.Load())

	_, err = f.Fetch(context.Background(), tile.Coord{Z: 3, X: 0, Y: 0})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestFetchCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	f, err := New(server.URL+"/{z}/{x}/{y}.png", zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, tile.Coord{})
	assert.Error(t, err)
}

func TestFetchRateLimited(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f, err := New(server.URL+"/{z}/{x}/{y}", zap.NewNop(), WithRateLimit(0.001, 1))
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), tile.Coord{})
	require.NoError(t, err)

	// The single token is spent: the next wait cannot finish before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, tile.Coord{Z: 1})
	assert.ErrorContains(t, err, "rate limit")
	assert.Equal(t, int32(1), requests.Load())
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
}
