package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformed is returned for input that does not follow the framing.
var ErrMalformed = errors.New("malformed stream")

type EventType int

const (
	EventFrame EventType = iota + 1
	EventComplete
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventFrame:
		return "frame"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded protocol unit.
type Event struct {
	Type EventType
	// Index of a frame event.
	Index int
	Rows  []string
	// Count of frames announced by a complete event.
	Count int
	// Message of an error event.
	Message string
}

// Content joins the frame rows with newlines.
func (e Event) Content() string {
	return strings.Join(e.Rows, "\n")
}

type parseState int

const (
	stateIdle parseState = iota
	stateFrame
	stateError
	stateDone
)

// Parser is an incremental decoder. Chunks may split lines anywhere; partial
// lines are buffered until their newline arrives. Blank lines between blocks
// are ignored. Once a terminator is seen the rest of the input is discarded.
type Parser struct {
	partial []byte
	state   parseState
	current Event
	pending int
	lines   []string
}

// Feed consumes a chunk and returns the events it completed.
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	if p.state == stateDone {
		return nil, nil
	}
	p.partial = append(p.partial, chunk...)

	var events []Event
	for p.state != stateDone {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(p.partial[:i], []byte{'\r'}))
		p.partial = p.partial[i+1:]

		ev, ok, err := p.line(line)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}

	if p.state == stateDone {
		p.partial = nil
	}
	return events, nil
}

// Finish flushes a final line that lacks a trailing newline and reports
// io.ErrUnexpectedEOF if no terminator was seen.
func (p *Parser) Finish() ([]Event, error) {
	var events []Event
	if p.state != stateDone && len(p.partial) > 0 {
		evs, err := p.Feed([]byte{'\n'})
		if err != nil {
			return evs, err
		}
		events = evs
	}
	if p.state != stateDone {
		return events, io.ErrUnexpectedEOF
	}
	return events, nil
}

// Done reports whether a terminator has been parsed.
func (p *Parser) Done() bool {
	return p.state == stateDone
}

func (p *Parser) line(line string) (Event, bool, error) {
	switch p.state {
	case stateFrame:
		if line == FrameEnd {
			ev := p.current
			p.current = Event{}
			p.state = stateIdle
			return ev, true, nil
		}
		p.current.Rows = append(p.current.Rows, line)
		return Event{}, false, nil

	case stateError:
		if p.pending > 0 {
			p.lines = append(p.lines, line)
			p.pending--
			return Event{}, false, nil
		}
		if line != ErrorEnd {
			return Event{}, false, fmt.Errorf("%w: expected %s, got %q", ErrMalformed, ErrorEnd, line)
		}
		p.state = stateDone
		return Event{Type: EventError, Message: strings.Join(p.lines, "\n")}, true, nil
	}

	switch {
	case line == "":
		return Event{}, false, nil

	case strings.HasPrefix(line, FramePrefix):
		idx, err := parseNumber(line, FramePrefix)
		if err != nil {
			return Event{}, false, err
		}
		p.current = Event{Type: EventFrame, Index: idx}
		p.state = stateFrame
		return Event{}, false, nil

	case strings.HasPrefix(line, CompletePrefix):
		n, err := parseNumber(line, CompletePrefix)
		if err != nil {
			return Event{}, false, err
		}
		p.state = stateDone
		return Event{Type: EventComplete, Count: n}, true, nil

	case strings.HasPrefix(line, ErrorPrefix):
		n, err := parseNumber(line, ErrorPrefix)
		if err != nil {
			return Event{}, false, err
		}
		if n > MaxErrorLines {
			return Event{}, false, fmt.Errorf("%w: error block of %d lines exceeds %d", ErrMalformed, n, MaxErrorLines)
		}
		p.pending = n
		p.lines = make([]string, 0, n)
		p.state = stateError
		return Event{}, false, nil
	}

	return Event{}, false, fmt.Errorf("%w: unexpected line %q", ErrMalformed, line)
}

func parseNumber(line, prefix string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefix)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad number in %q", ErrMalformed, line)
	}
	return n, nil
}

// Reader pulls events from a byte stream.
type Reader struct {
	r      io.Reader
	parser Parser
	queue  []Event
	buf    []byte
	err    error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 32*1024)}
}

// Next returns the next event. After the terminating event it returns io.EOF;
// a stream that ends without a terminator yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Event, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return Event{}, r.err
		}
		if r.parser.Done() {
			r.err = io.EOF
			return Event{}, r.err
		}

		n, err := r.r.Read(r.buf)
		if n > 0 {
			events, perr := r.parser.Feed(r.buf[:n])
			r.queue = append(r.queue, events...)
			if perr != nil {
				r.err = perr
				break
			}
		}
		if err == io.EOF {
			events, ferr := r.parser.Finish()
			r.queue = append(r.queue, events...)
			if ferr != nil {
				r.err = ferr
			} else {
				r.err = io.EOF
			}
		} else if err != nil {
			r.err = err
		}
	}

	if len(r.queue) == 0 {
		return Event{}, r.err
	}
	ev := r.queue[0]
	r.queue = r.queue[1:]
	return ev, nil
}
