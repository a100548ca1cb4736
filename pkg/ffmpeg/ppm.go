package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"framegeist/pkg/frames"
)

// maxDimension guards against allocating absurd buffers from a garbled header.
const maxDimension = 16384

var errBadHeader = errors.New("malformed ppm header")

// ppmReader splits a concatenated stream of binary PPM/PGM images, the
// format ffmpeg emits with "-f image2pipe -c:v ppm".
type ppmReader struct {
	r *bufio.Reader
}

func newPPMReader(r io.Reader) *ppmReader {
	return &ppmReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns io.EOF only when the stream ends cleanly between images.
func (p *ppmReader) next() (*frames.Frame, error) {
	magic := make([]byte, 2)
	if _, err := io.ReadFull(p.r, magic); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("truncated ppm header: %w", io.ErrUnexpectedEOF)
	}

	var channels int
	switch string(magic) {
	case "P6":
		channels = 3
	case "P5":
		channels = 1
	default:
		return nil, fmt.Errorf("%w: unexpected magic %q", errBadHeader, magic)
	}

	width, err := p.readInt()
	if err != nil {
		return nil, err
	}
	height, err := p.readInt()
	if err != nil {
		return nil, err
	}
	maxval, err := p.readInt()
	if err != nil {
		return nil, err
	}

	if width <= 0 || height <= 0 || width > maxDimension || height > maxDimension {
		return nil, fmt.Errorf("%w: invalid size %dx%d", errBadHeader, width, height)
	}
	if maxval <= 0 || maxval > 255 {
		return nil, fmt.Errorf("%w: unsupported maxval %d", errBadHeader, maxval)
	}

	pix := make([]byte, width*height*channels)
	if _, err := io.ReadFull(p.r, pix); err != nil {
		return nil, fmt.Errorf("truncated ppm raster: %w", io.ErrUnexpectedEOF)
	}

	if maxval != 255 {
		for i, v := range pix {
			pix[i] = byte(int(v) * 255 / maxval)
		}
	}

	return &frames.Frame{Width: width, Height: height, Channels: channels, Pix: pix}, nil
}

// readInt reads one decimal header token, skipping whitespace and comments.
// The single whitespace byte ending the token is consumed.
func (p *ppmReader) readInt() (int, error) {
	var b byte
	var err error
	for {
		b, err = p.r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("truncated ppm header: %w", io.ErrUnexpectedEOF)
		}
		if b == '#' {
			if _, err := p.r.ReadString('\n'); err != nil {
				return 0, fmt.Errorf("truncated ppm header: %w", io.ErrUnexpectedEOF)
			}
			continue
		}
		if !isSpace(b) {
			break
		}
	}

	n := 0
	digits := 0
	for {
		if b < '0' || b > '9' {
			if digits == 0 || !isSpace(b) {
				return 0, fmt.Errorf("%w: unexpected byte %q", errBadHeader, b)
			}
			return n, nil
		}
		n = n*10 + int(b-'0')
		digits++
		if digits > 6 {
			return 0, fmt.Errorf("%w: number too long", errBadHeader)
		}
		b, err = p.r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("truncated ppm header: %w", io.ErrUnexpectedEOF)
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}
