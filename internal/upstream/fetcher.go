// Package upstream fetches tiles from an XYZ tile server over HTTP.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tileview/internal/metrics"
	"tileview/internal/telemetry"
	"tileview/internal/tile"
)

// maxTileBytes bounds a single tile response.
const maxTileBytes = 8 << 20

var ErrInvalidTemplate = errors.New("tile URL template must contain {z}, {x} and {y}")

// StatusError is returned for non-200 upstream responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

type Option func(*Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

func WithUserAgent(userAgent string) Option {
	return func(f *Fetcher) { f.userAgent = userAgent }
}

// WithRateLimit caps requests per second. A limit of zero or less disables it.
func WithRateLimit(limit float64, burst int) Option {
	return func(f *Fetcher) {
		if limit <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(limit), max(1, burst))
	}
}

type Fetcher struct {
	template  string
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
	logger    *zap.Logger
}

func New(template string, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	for _, placeholder := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(template, placeholder) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTemplate, template)
		}
	}
	f := &Fetcher{
		template:  template,
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "tileview/1.0",
		logger:    logger.Named("upstream"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// URL expands the template for coord.
func (f *Fetcher) URL(coord tile.Coord) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(coord.Z),
		"{x}", strconv.Itoa(coord.X),
		"{y}", strconv.Itoa(coord.Y),
	).Replace(f.template)
}

func (f *Fetcher) Fetch(ctx context.Context, coord tile.Coord) (data []byte, err error) {
	url := f.URL(coord)
	ctx, span := telemetry.StartSpan(ctx, "upstream.fetch",
		attribute.String("tile.key", coord.Key()),
		attribute.String("http.url", url),
	)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	metrics.UpstreamRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if len(data) > maxTileBytes {
		return nil, fmt.Errorf("tile %s exceeds %d bytes", coord.Key(), maxTileBytes)
	}

	f.logger.Debug("Fetched tile",
		zap.String("key", coord.Key()),
		zap.Int("bytes", len(data)),
	)
	return data, nil
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
