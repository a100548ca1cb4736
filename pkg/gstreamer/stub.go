//go:build !gstreamer

package gstreamer

import (
	"context"

	"framegeist/pkg/frames"
)

// Available reports whether the GStreamer backend was compiled in.
func Available() bool { return false }

// Open always fails without the gstreamer build tag.
func Open(ctx context.Context, path string, opts Options) (frames.Source, error) {
	return nil, ErrUnavailable
}
