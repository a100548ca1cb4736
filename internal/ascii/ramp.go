package ascii

import (
	"errors"
	"math"
)

// Ramp is an ordered glyph set, darkest first.
type Ramp []rune

func NewRamp(s string) (Ramp, error) {
	r := Ramp(s)
	if len(r) == 0 {
		return nil, errors.New("character ramp must not be empty")
	}
	return r, nil
}

// Glyph maps a brightness in [0,1] to floor(s*(K-1)), clamped to the ramp.
// A single-glyph ramp always yields that glyph.
func (r Ramp) Glyph(s float64) rune {
	if math.IsNaN(s) || s <= 0 {
		return r[0]
	}
	last := len(r) - 1
	if s >= 1 {
		return r[last]
	}
	idx := int(math.Floor(s * float64(last)))
	if idx > last {
		idx = last
	}
	return r[idx]
}
