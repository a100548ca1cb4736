package ascii

import (
	"fmt"
	"math"

	"framegeist/pkg/frames"
)

// Rec.601 luma weights in thousandths, kept integral so that pure white
// reduces to exactly 1.
const (
	lumaR     = 299
	lumaG     = 587
	lumaB     = 114
	lumaScale = 1000 * 255
)

// GridHeight is the number of character rows for a source of srcW x srcH
// rendered width columns wide. Character cells are taller than wide, so the
// row count is scaled by aspect. Never less than one row.
func GridHeight(width, srcW, srcH int, aspect float64) int {
	if width < 1 || srcW < 1 || srcH < 1 {
		return 1
	}
	rows := int(math.Floor(float64(width) * float64(srcH) / float64(srcW) * aspect))
	if rows < 1 {
		return 1
	}
	return rows
}

// Reduce averages the frame into a cols x rows grid of brightness values in
// [0,1], row-major. Cell (c, r) covers source columns [c*W/cols, (c+1)*W/cols)
// and rows [r*H/rows, (r+1)*H/rows). An empty span, which happens when the
// source is smaller than the grid, samples the nearest source pixel instead.
func Reduce(frame *frames.Frame, cols, rows int) ([]float64, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if cols < 1 || rows < 1 {
		return nil, fmt.Errorf("invalid grid %dx%d", cols, rows)
	}

	w, h, ch := frame.Width, frame.Height, frame.Channels
	grid := make([]float64, cols*rows)

	for r := 0; r < rows; r++ {
		y0, y1 := span(r, rows, h)
		for c := 0; c < cols; c++ {
			x0, x1 := span(c, cols, w)

			var sum int64
			for y := y0; y < y1; y++ {
				row := frame.Pix[y*w*ch:]
				for x := x0; x < x1; x++ {
					sum += luma(row[x*ch : x*ch+ch])
				}
			}
			count := int64((y1 - y0) * (x1 - x0))
			grid[r*cols+c] = float64(sum) / float64(count*lumaScale)
		}
	}

	return grid, nil
}

// span returns the source interval for cell i of n over size pixels,
// widened to one pixel when empty.
func span(i, n, size int) (int, int) {
	lo := i * size / n
	hi := (i + 1) * size / n
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

func luma(px []byte) int64 {
	if len(px) < 3 {
		return 1000 * int64(px[0])
	}
	return lumaR*int64(px[0]) + lumaG*int64(px[1]) + lumaB*int64(px[2])
}
