package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"framegeist/pkg/frames"
)

const (
	stderrTailSize = 4 * 1024
	waitDelay      = 5 * time.Second
)

// Options controls frame extraction
type Options struct {
	// Binary is the ffmpeg executable, "ffmpeg" when empty.
	Binary string
	// Width scales frames to this many pixels wide, keeping the aspect ratio.
	// Zero keeps the source width.
	Width int
	// FPS is the sampling rate in frames per second.
	FPS float64
}

// Source streams decoded frames from an ffmpeg child process. Only one frame
// is held in memory at a time.
type Source struct {
	path   string
	cmd    *exec.Cmd
	ppm    *ppmReader
	stderr *tailBuffer

	delivered int
	err       error

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

// Open starts ffmpeg on the given file. The process is bound to ctx and is
// killed when ctx is cancelled.
func Open(ctx context.Context, path string, opts Options) (*Source, error) {
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("invalid sampling rate %v", opts.FPS)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &frames.DecodeError{Err: fmt.Errorf("failed to open input: %w", err)}
	}

	binary := opts.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, binary, buildArgs(path, opts)...)
	tail := newTailBuffer(stderrTailSize)
	cmd.Stderr = tail
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &frames.DecodeError{Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	slog.Debug("ffmpeg: decoder started", "path", path, "pid", cmd.Process.Pid, "fps", opts.FPS, "width", opts.Width)

	return &Source{
		path:   path,
		cmd:    cmd,
		ppm:    newPPMReader(stdout),
		stderr: tail,
	}, nil
}

func buildArgs(path string, opts Options) []string {
	filters := []string{"fps=" + strconv.FormatFloat(opts.FPS, 'f', -1, 64)}
	if opts.Width > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:-1", opts.Width))
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-i", path,
		"-vf", strings.Join(filters, ","),
		"-f", "image2pipe",
		"-c:v", "ppm",
		"-",
	}
}

// Next returns the next frame, io.EOF after the last one, or a
// *frames.DecodeError. Once an error is returned every later call returns it
// again.
func (s *Source) Next(ctx context.Context) (*frames.Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		_ = s.Close()
		return nil, err
	}

	frame, err := s.ppm.next()
	if err == nil {
		s.delivered++
		return frame, nil
	}

	if cerr := ctx.Err(); cerr != nil {
		s.err = cerr
		_ = s.Close()
		return nil, cerr
	}

	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			s.err = s.decodeError(fmt.Errorf("ffmpeg exited: %w", werr))
			return nil, s.err
		}
		s.err = io.EOF
		return nil, io.EOF
	}

	_ = s.Close()
	s.err = s.decodeError(err)
	return nil, s.err
}

// Close kills the decoder if it is still running and reaps it.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug("ffmpeg: kill failed", "path", s.path, "error", err)
		}
		_ = s.wait()
		slog.Debug("ffmpeg: decoder released", "path", s.path, "frames", s.delivered)
	})
	return nil
}

// Frames reports how many frames were delivered so far.
func (s *Source) Frames() int {
	return s.delivered
}

func (s *Source) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func (s *Source) decodeError(err error) *frames.DecodeError {
	return &frames.DecodeError{
		Frames: s.delivered,
		Detail: s.stderr.String(),
		Err:    err,
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
