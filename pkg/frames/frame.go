// Package frames defines decoded raster frames and the forward-only sources
// that produce them.
package frames

import (
	"context"
	"errors"
	"fmt"
)

// Frame is one decoded picture. Pix is row-major with Channels 8-bit samples
// per pixel (1 = gray, 3 = RGB, 4 = RGBA).
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Validate checks that the pixel buffer matches the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	switch f.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Pix) < want {
		return fmt.Errorf("short pixel buffer: got %d bytes, want %d", len(f.Pix), want)
	}
	return nil
}

// Source yields frames in presentation order. Next returns io.EOF once the
// sequence is exhausted. Close releases the decoder and is safe to call more
// than once and on every exit path.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// ErrDecode matches every *DecodeError.
var ErrDecode = errors.New("decode failed")

// DecodeError reports that the input could not be opened or a frame could not
// be decoded. Frames delivered before the failure remain valid.
type DecodeError struct {
	// Frames is the number of frames delivered before the failure.
	Frames int
	// Detail holds diagnostic output of the decoder, if any.
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode failed after %d frames", e.Frames)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += "\n" + e.Detail
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// IsDecodeError checks if the error came from a frame decoder
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrDecode)
}
