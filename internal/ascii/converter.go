package ascii

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"framegeist/pkg/frames"
)

// ErrConversion matches every *ConversionError.
var ErrConversion = errors.New("conversion failed")

// ConversionError reports a frame that could not be reduced to characters.
type ConversionError struct {
	Index int
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("failed to convert frame %d: %v", e.Index, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

func (e *ConversionError) Is(target error) bool {
	return target == ErrConversion
}

// IsConversionError checks if the error came from the converter
func IsConversionError(err error) bool {
	return errors.Is(err, ErrConversion)
}

// Frame is one converted picture. Every row holds exactly Width glyphs.
type Frame struct {
	Rows []string
}

func (f Frame) String() string {
	return strings.Join(f.Rows, "\n")
}

// Converter turns raw frames into character frames. It holds no per-frame
// state and is safe for concurrent use.
type Converter struct {
	opts Options
	ramp Ramp
}

func NewConverter(opts Options) (*Converter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ramp, err := NewRamp(opts.Ramp)
	if err != nil {
		return nil, err
	}
	return &Converter{opts: opts, ramp: ramp}, nil
}

func (c *Converter) Options() Options {
	return c.opts
}

// Convert renders one frame. The row count follows GridHeight.
func (c *Converter) Convert(frame *frames.Frame) (Frame, error) {
	if err := frame.Validate(); err != nil {
		return Frame{}, &ConversionError{Err: err}
	}

	cols := c.opts.Width
	rows := GridHeight(cols, frame.Width, frame.Height, c.opts.AspectCorrection)

	grid, err := Reduce(frame, cols, rows)
	if err != nil {
		return Frame{}, &ConversionError{Err: err}
	}

	out := Frame{Rows: make([]string, rows)}
	line := make([]rune, cols)
	for r := 0; r < rows; r++ {
		for col := 0; col < cols; col++ {
			line[col] = c.ramp.Glyph(grid[r*cols+col])
		}
		out.Rows[r] = string(line)
	}
	return out, nil
}

// ConvertAll drains src and returns every converted frame. It buffers the
// whole result and is meant for small inputs only. src is always closed.
func (c *Converter) ConvertAll(ctx context.Context, src frames.Source) ([]Frame, error) {
	defer src.Close()

	var out []Frame
	for i := 0; ; i++ {
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}

		frame, err := c.Convert(raw)
		if err != nil {
			var convErr *ConversionError
			if errors.As(err, &convErr) {
				convErr.Index = i
			}
			return out, err
		}
		out = append(out, frame)
	}
}
