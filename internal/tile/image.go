package tile

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Image is the decoded resource of a loaded tile. Data keeps the encoded
// bytes so they can be served again without re-encoding.
type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Decode validates an encoded tile and reads its dimensions.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty tile data")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	return &Image{
		Data:   data,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}
