package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"framegeist/internal/ascii"
	"framegeist/pkg/frames"
)

// BulkConverter converts a whole input in one call and returns every frame.
// It buffers the full result, so callers bound the input size.
type BulkConverter struct {
	converter *ascii.Converter
	open      SourceFactory
	maxPixels int64
}

// NewBulkConverter creates a converter. maxImagePixels bounds decoded
// images; zero selects frames.DefaultMaxImagePixels.
func NewBulkConverter(converter *ascii.Converter, open SourceFactory, maxImagePixels int64) *BulkConverter {
	return &BulkConverter{converter: converter, open: open, maxPixels: maxImagePixels}
}

// ConvertVideo converts the video at path.
func (b *BulkConverter) ConvertVideo(ctx context.Context, path string) ([]ascii.Frame, error) {
	start := time.Now()

	src, err := b.open(ctx, path, b.converter.Options())
	if err != nil {
		return nil, err
	}

	out, err := b.converter.ConvertAll(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to convert video: %w", err)
	}

	slog.Info("bulk: video converted", "path", path, "frames", len(out), "duration", time.Since(start))
	return out, nil
}

// ConvertImage converts a single PNG, JPEG or GIF image.
func (b *BulkConverter) ConvertImage(ctx context.Context, r io.Reader) (ascii.Frame, error) {
	src, err := frames.NewImageSource(r, b.maxPixels)
	if err != nil {
		return ascii.Frame{}, err
	}

	out, err := b.converter.ConvertAll(ctx, src)
	if err != nil {
		return ascii.Frame{}, fmt.Errorf("failed to convert image: %w", err)
	}
	if len(out) != 1 {
		return ascii.Frame{}, fmt.Errorf("image produced %d frames", len(out))
	}
	return out[0], nil
}
