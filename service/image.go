package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"
)

// MaxImageSide bounds either side of a decoded image.
const MaxImageSide = 8192

var ErrImage = errors.New("service: unsupported or corrupt image")

// DecodeImage decodes a jpeg, png, gif, webp or avif image and returns its
// format name.
func DecodeImage(data []byte) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrImage, err)
	}
	if cfg.Width < 1 || cfg.Height < 1 || cfg.Width > MaxImageSide || cfg.Height > MaxImageSide {
		return nil, format, fmt.Errorf("%w: %dx%d outside 1..%d", ErrImage, cfg.Width, cfg.Height, MaxImageSide)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %w", ErrImage, err)
	}
	return img, format, nil
}
