// Package gstreamer decodes video files into raw frames with a GStreamer
// pipeline. The backend is compiled in only with the "gstreamer" build tag;
// without it Open returns ErrUnavailable.
package gstreamer

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnavailable is returned when the binary was built without GStreamer.
var ErrUnavailable = errors.New("gstreamer support not compiled in (build with -tags gstreamer)")

// Options controls frame extraction
type Options struct {
	// Width scales frames to this many pixels wide with square pixels.
	// Zero keeps the source size.
	Width int
	// FPS is the sampling rate in frames per second.
	FPS float64
}

func (o Options) validate() error {
	if o.FPS <= 0 || math.IsNaN(o.FPS) || math.IsInf(o.FPS, 0) {
		return fmt.Errorf("invalid sampling rate %v", o.FPS)
	}
	if o.Width < 0 {
		return fmt.Errorf("invalid width %d", o.Width)
	}
	return nil
}

// caps is the appsink caps filter for opts.
func caps(opts Options) string {
	num := int(math.Round(opts.FPS * 1000))
	s := fmt.Sprintf("video/x-raw,format=RGB,framerate=%d/1000", num)
	if opts.Width > 0 {
		s += fmt.Sprintf(",width=%d,pixel-aspect-ratio=1/1", opts.Width)
	}
	return s
}

// launchLine builds the pipeline description; the file location is set on
// the element named "src" after parsing.
func launchLine(opts Options) string {
	return "filesrc name=src ! decodebin ! videoconvert ! videorate ! videoscale ! " +
		caps(opts) + " ! appsink name=sink sync=false max-buffers=1"
}

// compact strips row padding: GStreamer aligns RGB rows to 4 bytes.
func compact(data []byte, width, height, channels int) ([]byte, error) {
	row := width * channels
	if height <= 0 || row <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %dx%d", width, height)
	}
	if len(data) < row*height {
		return nil, fmt.Errorf("short buffer: %d bytes for %dx%d", len(data), width, height)
	}
	stride := len(data) / height
	pix := make([]byte, row*height)
	if stride == row {
		copy(pix, data)
		return pix, nil
	}
	for y := 0; y < height; y++ {
		copy(pix[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return pix, nil
}
