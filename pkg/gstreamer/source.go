//go:build gstreamer

package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"framegeist/pkg/frames"
)

// Available reports whether the GStreamer backend was compiled in and can
// create elements.
func Available() bool {
	gst.Init(nil)

	elem, err := gst.NewElement("appsink")
	if err != nil {
		slog.Warn("gstreamer: not available or not properly installed", "error", err)
		return false
	}
	elem.SetState(gst.StateNull)
	return true
}

// Source pulls decoded RGB frames from an appsink. Samples are pulled on
// demand, so at most one frame is materialized per call.
type Source struct {
	path     string
	pipeline *gst.Pipeline
	sink     *app.Sink

	mu        sync.Mutex
	delivered int
	err       error
	closed    bool

	stop      func() bool
	closeOnce sync.Once
}

// Open builds and starts the pipeline. It is stopped when ctx is cancelled.
func Open(ctx context.Context, path string, opts Options) (frames.Source, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &frames.DecodeError{Err: fmt.Errorf("failed to open input: %w", err)}
	}

	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(launchLine(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to find filesrc: %w", err)
	}
	if err := src.SetProperty("location", path); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to set location: %w", err)
	}

	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to find appsink: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, &frames.DecodeError{Err: fmt.Errorf("failed to start pipeline: %w", err)}
	}

	s := &Source{
		path:     path,
		pipeline: pipeline,
		sink:     app.SinkFromElement(sinkElem),
	}
	// Stopping the pipeline unblocks a pending PullSample.
	s.stop = context.AfterFunc(ctx, func() { s.Close() })

	slog.Debug("gstreamer: pipeline started", "path", path, "fps", opts.FPS, "width", opts.Width)
	return s, nil
}

// Next returns the next frame, io.EOF after the last one, or a
// *frames.DecodeError.
func (s *Source) Next(ctx context.Context) (*frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	if s.closed {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.mu.Unlock()

	sample := s.sink.PullSample()
	if sample == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.sink.IsEOS() {
			return nil, s.fail(io.EOF)
		}
		return nil, s.fail(s.decodeError(s.busError()))
	}

	frame, err := toFrame(sample)
	if err != nil {
		derr := s.decodeError(err)
		s.Close()
		return nil, s.fail(derr)
	}

	s.mu.Lock()
	s.delivered++
	s.mu.Unlock()
	return frame, nil
}

// Close stops the pipeline. Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.stop != nil {
			s.stop()
		}
		if err := s.pipeline.SetState(gst.StateNull); err != nil {
			slog.Warn("gstreamer: failed to stop pipeline", "path", s.path, "error", err)
		}
		slog.Debug("gstreamer: pipeline stopped", "path", s.path, "frames", s.Frames())
	})
	return nil
}

// Frames returns how many frames were delivered so far.
func (s *Source) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

func (s *Source) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	return s.err
}

func (s *Source) decodeError(err error) *frames.DecodeError {
	return &frames.DecodeError{Frames: s.Frames(), Err: err}
}

// busError drains pending bus messages looking for the pipeline error.
func (s *Source) busError() error {
	bus := s.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(10 * time.Millisecond)
		if msg == nil {
			return errors.New("pipeline stopped without end of stream")
		}
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			return fmt.Errorf("%s: %s", gerr.Error(), gerr.DebugString())
		}
	}
}

func toFrame(sample *gst.Sample) (*frames.Frame, error) {
	structure := sample.GetCaps().GetStructureAt(0)
	width, err := intField(structure, "width")
	if err != nil {
		return nil, err
	}
	height, err := intField(structure, "height")
	if err != nil {
		return nil, err
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errors.New("sample without buffer")
	}

	// Copy frame data (GStreamer will reuse buffer)
	mapInfo := buffer.Map(gst.MapRead)
	pix, err := compact(mapInfo.Bytes(), width, height, 3)
	buffer.Unmap()
	if err != nil {
		return nil, err
	}

	return &frames.Frame{Width: width, Height: height, Channels: 3, Pix: pix}, nil
}

func intField(structure *gst.Structure, name string) (int, error) {
	val, err := structure.GetValue(name)
	if err != nil {
		return 0, fmt.Errorf("caps without %s: %w", name, err)
	}
	n, ok := val.(int)
	if !ok {
		return 0, fmt.Errorf("caps %s has type %T", name, val)
	}
	return n, nil
}
