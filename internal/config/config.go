package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"tileview/internal/tilemath"
)

const (
	SourceXYZ   = "xyz"
	SourceImage = "image"
)

type (
	Config struct {
		Port          int    `env:"PORT" envDefault:"8080"`
		LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
		LogEncoding   string `env:"LOG_ENCODING" envDefault:"json"`
		AllowedOrigin string `env:"ALLOWED_ORIGIN"`

		Source    Source     `envPrefix:"SOURCE_"`
		View      View       `envPrefix:"VIEW_"`
		Frame     Frame      `envPrefix:"FRAME_"`
		Load      LoadLimits `envPrefix:"LOAD_"`
		Vips      Vips       `envPrefix:"VIPS_"`
		Telemetry Telemetry  `envPrefix:"TELEMETRY_"`
	}

	Source struct {
		// Type is "xyz" for an upstream tile server or "image" for a local image.
		Type         string        `env:"TYPE" envDefault:"xyz"`
		Name         string        `env:"NAME" envDefault:"osm"`
		URL          string        `env:"URL" envDefault:"https://tile.openstreetmap.org/{z}/{x}/{y}.png"`
		UserAgent    string        `env:"USER_AGENT" envDefault:"tileview/1.0"`
		RateLimit    float64       `env:"RATE_LIMIT" envDefault:"0"`
		RateBurst    int           `env:"RATE_BURST" envDefault:"4"`
		ImagePath    string        `env:"IMAGE_PATH"`
		CacheSize    int           `env:"CACHE_SIZE" envDefault:"512"`
		FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	}

	View struct {
		Width      int     `env:"WIDTH" envDefault:"800"`
		Height     int     `env:"HEIGHT" envDefault:"500"`
		PixelRatio float64 `env:"PIXEL_RATIO" envDefault:"1"`
		Lon        float64 `env:"LON" envDefault:"0"`
		Lat        float64 `env:"LAT" envDefault:"0"`
		Zoom       int     `env:"ZOOM" envDefault:"3"`
		MinZoom    int     `env:"MIN_ZOOM" envDefault:"0"`
		MaxZoom    int     `env:"MAX_ZOOM" envDefault:"19"`
	}

	Frame struct {
		Interval time.Duration `env:"INTERVAL" envDefault:"16ms"`
		Budget   time.Duration `env:"BUDGET" envDefault:"8ms"`
	}

	LoadLimits struct {
		MaxTotal            int `env:"MAX_TOTAL" envDefault:"16"`
		MaxNew              int `env:"MAX_NEW" envDefault:"16"`
		InteractingMaxTotal int `env:"INTERACTING_MAX_TOTAL" envDefault:"8"`
		InteractingMaxNew   int `env:"INTERACTING_MAX_NEW" envDefault:"2"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	}

	Telemetry struct {
		Enabled     bool    `env:"ENABLED" envDefault:"false"`
		ServiceName string  `env:"SERVICE_NAME" envDefault:"tileview"`
		Endpoint    string  `env:"ENDPOINT" envDefault:"localhost:4317"`
		Insecure    bool    `env:"INSECURE" envDefault:"true"`
		SampleRate  float64 `env:"SAMPLE_RATE" envDefault:"1"`
	}
)

// Load reads the configuration from the environment, after loading a .env
// file from the working directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Source.Type {
	case SourceXYZ:
		if !strings.Contains(c.Source.URL, "{z}") {
			return fmt.Errorf("SOURCE_URL must contain {z}, {x} and {y}: %s", c.Source.URL)
		}
	case SourceImage:
		if c.Source.ImagePath == "" {
			return errors.New("SOURCE_IMAGE_PATH is required for the image source")
		}
	default:
		return fmt.Errorf("unknown source type: %s (supported: xyz, image)", c.Source.Type)
	}
	if c.View.Width <= 0 || c.View.Height <= 0 {
		return fmt.Errorf("invalid view size %dx%d", c.View.Width, c.View.Height)
	}
	if c.View.MinZoom < 0 || c.View.MaxZoom > tilemath.MaxSupportedZoom {
		return fmt.Errorf("view zoom range %d-%d is outside 0-%d", c.View.MinZoom, c.View.MaxZoom, tilemath.MaxSupportedZoom)
	}
	if c.View.MinZoom > c.View.MaxZoom {
		return fmt.Errorf("VIEW_MIN_ZOOM %d exceeds VIEW_MAX_ZOOM %d", c.View.MinZoom, c.View.MaxZoom)
	}
	if c.Frame.Interval <= 0 {
		return fmt.Errorf("FRAME_INTERVAL must be positive")
	}
	return nil
}
