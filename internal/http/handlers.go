package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tileview/internal/config"
	"tileview/internal/frameloop"
	"tileview/internal/tile"
)

// loopTimeout bounds how long a request waits for the frame loop.
const loopTimeout = 5 * time.Second

type Handlers struct {
	config *config.Config
	logger *zap.Logger
	m      *frameloop.Map
}

func New(config *config.Config, logger *zap.Logger, m *frameloop.Map) *Handlers {
	return &Handlers{
		config: config,
		logger: logger,
		m:      m,
	}
}

// Register mounts every API route on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/view", h.HandleView)
	mux.HandleFunc("/api/layers/", h.HandleLayerRoutes)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()

	stats, err := h.m.Snapshot(ctx)
	if err != nil {
		h.loopError(w, err)
		return
	}
	writeJSON(w, stats)
}

// viewRequest changes the view. Absent fields are left untouched.
type viewRequest struct {
	Zoom        *int     `json:"zoom"`
	Lon         *float64 `json:"lon"`
	Lat         *float64 `json:"lat"`
	PanX        float64  `json:"pan_x"`
	PanY        float64  `json:"pan_y"`
	Interacting *bool    `json:"interacting"`
}

func (h *Handlers) HandleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req viewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid view request", http.StatusBadRequest)
		return
	}
	if (req.Lon == nil) != (req.Lat == nil) {
		http.Error(w, "lon and lat must be set together", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()

	var stats frameloop.Stats
	err := h.m.Do(ctx, func() {
		view := h.m.View()
		if req.Zoom != nil {
			view.SetZoom(*req.Zoom)
		}
		if req.Lon != nil {
			view.CenterOn(*req.Lon, *req.Lat)
		}
		if req.PanX != 0 || req.PanY != 0 {
			view.Pan(req.PanX, req.PanY)
		}
		if req.Interacting != nil {
			h.m.SetInteracting(*req.Interacting)
		}
		h.m.Render()
		stats = h.m.Stats()
	})
	if err != nil {
		h.loopError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (h *Handlers) HandleLayerRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/layers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) < 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	layerName := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "retry":
		h.handleRetry(w, r, layerName)
	case len(parts) == 5 && parts[1] == "tiles":
		h.handleTile(w, r, layerName, parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleRetry(w http.ResponseWriter, r *http.Request, layerName string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()

	found := false
	retried := 0
	err := h.m.Do(ctx, func() {
		l, ok := h.m.Layer(layerName)
		if !ok {
			return
		}
		found = true
		retried = l.RetryFailed()
		if retried > 0 {
			h.m.Render()
		}
	})
	if err != nil {
		h.loopError(w, err)
		return
	}
	if !found {
		http.Error(w, "layer not found: "+layerName, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]int{"retried": retried})
}

// tileSnapshot copies what a response needs out of a tile on the loop goroutine.
type tileSnapshot struct {
	state tile.State
	id    string
	image *tile.Image
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, layerName string, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	coord, err := parseCoord(tileParts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := coord.Key()

	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()

	layerFound := false
	var snap *tileSnapshot
	err = h.m.Do(ctx, func() {
		l, ok := h.m.Layer(layerName)
		if !ok {
			return
		}
		layerFound = true
		t, ok := l.Peek(key)
		if !ok {
			return
		}
		snap = &tileSnapshot{state: t.State(), id: t.ID().String(), image: t.Image()}
	})
	if err != nil {
		h.loopError(w, err)
		return
	}

	switch {
	case !layerFound:
		http.Error(w, "layer not found: "+layerName, http.StatusNotFound)
		return
	case snap == nil:
		http.Error(w, "tile not cached: "+key, http.StatusNotFound)
		return
	case snap.state != tile.StateLoaded:
		http.Error(w, fmt.Sprintf("tile %s is %s", key, snap.state), http.StatusNotFound)
		return
	}

	etag := `"` + generateETag(layerName, key, snap.id) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	size := len(snap.image.Data)
	w.Header().Set("Content-Type", "image/"+snap.image.Format)
	w.Header().Set("Content-Length", strconv.Itoa(size))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(size))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(snap.image.Data)
}

func parseCoord(parts []string) (tile.Coord, error) {
	z, err := strconv.Atoi(parts[0])
	if err != nil {
		return tile.Coord{}, errors.New("invalid zoom level")
	}
	x, err := strconv.Atoi(parts[1])
	if err != nil {
		return tile.Coord{}, errors.New("invalid x coordinate")
	}
	yPart := parts[2]
	if i := strings.IndexByte(yPart, '.'); i >= 0 {
		yPart = yPart[:i]
	}
	y, err := strconv.Atoi(yPart)
	if err != nil {
		return tile.Coord{}, errors.New("invalid y coordinate")
	}
	if z < 0 || x < 0 || y < 0 {
		return tile.Coord{}, errors.New("coordinates must be non-negative")
	}
	return tile.Coord{Z: z, X: x, Y: y}, nil
}

// generateETag changes whenever the tile object behind a key is replaced.
func generateETag(layerName, key, tileID string) string {
	hash := sha256.Sum256([]byte(layerName + "/" + key + "#" + tileID))
	return hex.EncodeToString(hash[:])[:16]
}

func (h *Handlers) loopError(w http.ResponseWriter, err error) {
	if errors.Is(err, frameloop.ErrClosed) {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	h.logger.Warn("Frame loop did not answer", zap.Error(err))
	http.Error(w, "Frame loop busy", http.StatusGatewayTimeout)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
