package ascii

import (
	"errors"
	"fmt"
	"strings"

	"framegeist/internal/protocol"
)

const (
	// DefaultRamp is ordered darkest to lightest.
	DefaultRamp             = "@%#*+=-:. "
	DefaultWidth            = 80
	DefaultSampleRate       = 10.0
	DefaultAspectCorrection = 0.55
)

// Options is the immutable configuration of one conversion
type Options struct {
	Width            int
	Ramp             string
	SampleRate       float64
	AspectCorrection float64
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Width:            DefaultWidth,
		Ramp:             DefaultRamp,
		SampleRate:       DefaultSampleRate,
		AspectCorrection: DefaultAspectCorrection,
	}
}

// Validate checks the options without touching any frame.
func (o Options) Validate() error {
	if o.Width < 1 {
		return fmt.Errorf("invalid width %d: must be at least 1", o.Width)
	}
	if o.Ramp == "" {
		return errors.New("character ramp must not be empty")
	}
	if strings.ContainsAny(o.Ramp, "\r\n") {
		return errors.New("character ramp must not contain line breaks")
	}
	if o.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %v: must be positive", o.SampleRate)
	}
	if o.AspectCorrection <= 0 {
		return fmt.Errorf("invalid aspect correction %v: must be positive", o.AspectCorrection)
	}
	if protocol.Collides(o.Width, o.Ramp) {
		return fmt.Errorf("ramp %q at width %d can reproduce the %s marker", o.Ramp, o.Width, protocol.FrameEnd)
	}
	return nil
}
