package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"
)

// FromImage copies an image into an RGB frame.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			pix = append(pix, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}
	return &Frame{Width: w, Height: h, Channels: 3, Pix: pix}
}

// ImageSource is a single-frame source over a still image.
type ImageSource struct {
	mu    sync.Mutex
	frame *Frame
	done  bool
}

// DefaultMaxImagePixels is the pixel budget used when none is given.
const DefaultMaxImagePixels = 25_000_000

// NewImageSource decodes a PNG, JPEG or GIF image of at most maxPixels
// pixels (DefaultMaxImagePixels when maxPixels <= 0). The dimensions are
// checked from the header before any pixel is decoded. Failures are reported
// as *DecodeError.
func NewImageSource(r io.Reader, maxPixels int64) (*ImageSource, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxImagePixels
	}

	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("failed to decode image: %w", err)}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Err: fmt.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, &DecodeError{Err: fmt.Errorf("image of %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)}
	}

	img, _, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("failed to decode image: %w", err)}
	}
	return &ImageSource{frame: FromImage(img)}, nil
}

func (s *ImageSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	f := s.frame
	s.frame = nil
	return f, nil
}

func (s *ImageSource) Close() error {
	s.mu.Lock()
	s.done = true
	s.frame = nil
	s.mu.Unlock()
	return nil
}
