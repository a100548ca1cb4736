package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"framegeist/internal/protocol"
)

const (
	cursorHome  = "\x1b[H"
	clearScreen = "\x1b[2J"
)

// eventSource is satisfied by *client.Stream and *protocol.Reader.
type eventSource interface {
	Next() (protocol.Event, error)
}

// Player renders frames at a fixed rate. On a terminal each frame replaces
// the previous one; otherwise frames are printed one after another.
type Player struct {
	out      io.Writer
	interval time.Duration
	animate  bool
	// terminal width, 0 when unknown
	columns int
}

func NewPlayer(out io.Writer, interval time.Duration) *Player {
	p := &Player{out: out, interval: interval}
	if f, ok := out.(*os.File); ok {
		fd := f.Fd()
		p.animate = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		if w, _, err := term.GetSize(int(fd)); err == nil && w > 0 {
			p.columns = w
		}
	}
	return p
}

// Play renders every frame until the stream terminates and returns how many
// frames were shown. An ERROR block from the server is returned as an error.
func (p *Player) Play(ctx context.Context, src eventSource) (int, error) {
	w := bufio.NewWriter(p.out)
	defer w.Flush()

	if p.animate {
		w.WriteString(clearScreen)
	}

	var (
		shown  int
		next   time.Time
		warned bool
	)
	for {
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			return shown, nil
		}
		if err != nil {
			return shown, err
		}

		switch ev.Type {
		case protocol.EventFrame:
			if !warned && p.columns > 0 && len(ev.Rows) > 0 && utf8.RuneCountInString(ev.Rows[0]) > p.columns {
				warned = true
				fmt.Fprintf(os.Stderr, "warning: frames are %d columns wide, terminal has %d\n", utf8.RuneCountInString(ev.Rows[0]), p.columns)
			}

			if wait := time.Until(next); shown > 0 && wait > 0 {
				select {
				case <-ctx.Done():
					return shown, ctx.Err()
				case <-time.After(wait):
				}
			}
			next = time.Now().Add(p.interval)

			if p.animate {
				w.WriteString(cursorHome)
			} else if shown > 0 {
				w.WriteString("\n")
			}
			w.WriteString(strings.Join(ev.Rows, "\n"))
			w.WriteString("\n")
			if err := w.Flush(); err != nil {
				return shown, err
			}
			shown++

		case protocol.EventComplete:
			if ev.Count != shown {
				return shown, fmt.Errorf("server announced %d frames, received %d", ev.Count, shown)
			}

		case protocol.EventError:
			return shown, fmt.Errorf("stream failed: %s", ev.Message)
		}
	}
}
