package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tileview/internal/config"
	"tileview/internal/frame"
	"tileview/internal/frameloop"
	httphandlers "tileview/internal/http"
	"tileview/internal/image_renderer"
	"tileview/internal/layer"
	"tileview/internal/logger"
	"tileview/internal/telemetry"
	"tileview/internal/tilequeue"
	"tileview/internal/upstream"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	log.Info("Starting tileview",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
		zap.String("source", cfg.Source.Type),
	)

	fetcher, layerOpts, maxZoom := setupSource(cfg, log)
	defer func() {
		if cfg.Source.Type == config.SourceImage {
			vips.Shutdown()
		}
	}()

	view := frame.NewView(cfg.View.Lon, cfg.View.Lat, cfg.View.Zoom, cfg.View.MinZoom, min(cfg.View.MaxZoom, maxZoom))
	m := frameloop.New(frameloop.Options{
		Size:       [2]int{cfg.View.Width, cfg.View.Height},
		PixelRatio: cfg.View.PixelRatio,
		View:       view,
		Policy: tilequeue.Policy{
			Idle:        tilequeue.Budget{MaxTotalLoading: cfg.Load.MaxTotal, MaxNewLoads: cfg.Load.MaxNew},
			Interacting: tilequeue.Budget{MaxTotalLoading: cfg.Load.InteractingMaxTotal, MaxNewLoads: cfg.Load.InteractingMaxNew},
			FrameBudget: cfg.Frame.Budget,
		},
		FrameInterval: cfg.Frame.Interval,
	}, log)

	layerOpts = append(layerOpts,
		layer.WithCacheSize(cfg.Source.CacheSize),
		layer.WithFetchTimeout(cfg.Source.FetchTimeout),
	)
	if err := m.AddLayer(layer.New(cfg.Source.Name, fetcher, log, layerOpts...)); err != nil {
		log.Fatal("Failed to add layer", zap.Error(err))
	}

	handlers := httphandlers.New(cfg, log, m)

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.Run(gctx)
	})

	g.Go(func() error {
		log.Info("Server started", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		m.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Stopped with error", zap.Error(err))
		return
	}
	log.Info("Server stopped")
}

// setupSource builds the fetcher for the configured tile source, starting
// vips when tiles are cut from a local image.
func setupSource(cfg *config.Config, log *zap.Logger) (layer.Fetcher, []layer.Option, int) {
	switch cfg.Source.Type {
	case config.SourceImage:
		startVips(cfg, log)
		renderer, err := image_renderer.New(cfg.Source.ImagePath, log)
		if err != nil {
			log.Fatal("Failed to open image", zap.Error(err))
		}
		return renderer, []layer.Option{layer.WithNormalizer(renderer.Normalize)}, renderer.MaxZoom()
	default:
		fetcher, err := upstream.New(cfg.Source.URL, log,
			upstream.WithUserAgent(cfg.Source.UserAgent),
			upstream.WithRateLimit(cfg.Source.RateLimit, cfg.Source.RateBurst),
		)
		if err != nil {
			log.Fatal("Failed to create upstream fetcher", zap.Error(err))
		}
		return fetcher, nil, cfg.View.MaxZoom
	}
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.Vips.Concurrency,
		MaxCacheMem:      cfg.Vips.MaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                 // Disable disk cache
		MaxCacheSize:     0,                                 // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.Vips.MaxCacheMB),
		zap.Int("concurrency", cfg.Vips.Concurrency),
	)
}
