package service

import (
	"context"
	"fmt"

	"framegeist/internal/ascii"
	"framegeist/internal/config"
	"framegeist/pkg/ffmpeg"
	"framegeist/pkg/frames"
	"framegeist/pkg/gstreamer"
)

// SourceFactory opens a frame source over a staged video. Frames are sampled
// at opts.SampleRate and may be pre-scaled towards opts.Width.
type SourceFactory func(ctx context.Context, path string, opts ascii.Options) (frames.Source, error)

// NewFrameExtractor returns the SourceFactory for the configured decoder
// backend.
func NewFrameExtractor(cfg config.DecoderConfig) (SourceFactory, error) {
	switch cfg.Backend {
	case "", "ffmpeg":
		binary := cfg.FFmpegPath
		return func(ctx context.Context, path string, opts ascii.Options) (frames.Source, error) {
			return ffmpeg.Open(ctx, path, ffmpeg.Options{
				Binary: binary,
				Width:  opts.Width,
				FPS:    opts.SampleRate,
			})
		}, nil
	case "gstreamer":
		if !gstreamer.Available() {
			return nil, fmt.Errorf("decoder backend gstreamer: %w", gstreamer.ErrUnavailable)
		}
		return func(ctx context.Context, path string, opts ascii.Options) (frames.Source, error) {
			return gstreamer.Open(ctx, path, gstreamer.Options{
				Width: opts.Width,
				FPS:   opts.SampleRate,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown decoder backend %q", cfg.Backend)
	}
}
