// Package protocol implements the line-oriented framing used to deliver
// character frames progressively over a byte stream.
//
//	FRAME:<index>
//	<row>...
//	END_FRAME
//
// repeated per frame, then exactly one terminator:
//
//	COMPLETE:<count>
//
// or
//
//	ERROR:<line count>
//	<message line>...
//	END_ERROR
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	FramePrefix    = "FRAME:"
	FrameEnd       = "END_FRAME"
	CompletePrefix = "COMPLETE:"
	ErrorPrefix    = "ERROR:"
	ErrorEnd       = "END_ERROR"

	// MaxErrorLines bounds the body of an ERROR block.
	MaxErrorLines = 256
)

// Flusher pushes buffered output to the peer.
type Flusher interface {
	Flush() error
}

// Writer serializes protocol events. Every event is flushed as soon as it is
// written. Any error returned comes from the underlying transport.
type Writer struct {
	buf   *bufio.Writer
	flush func() error
}

// NewWriter wraps w. If flusher is non-nil it is called after each event,
// once the internal buffer has been drained into w.
func NewWriter(w io.Writer, flusher Flusher) *Writer {
	pw := &Writer{buf: bufio.NewWriter(w)}
	if flusher != nil {
		pw.flush = flusher.Flush
	}
	return pw
}

// WriteFrame writes one FRAME block.
func (w *Writer) WriteFrame(index int, rows []string) error {
	w.buf.WriteString(FramePrefix)
	w.buf.WriteString(strconv.Itoa(index))
	w.buf.WriteByte('\n')
	for _, row := range rows {
		w.buf.WriteString(row)
		w.buf.WriteByte('\n')
	}
	w.buf.WriteString(FrameEnd)
	w.buf.WriteByte('\n')
	return w.commit()
}

// WriteComplete writes the success terminator.
func (w *Writer) WriteComplete(count int) error {
	w.buf.WriteString(CompletePrefix)
	w.buf.WriteString(strconv.Itoa(count))
	w.buf.WriteByte('\n')
	return w.commit()
}

// WriteError writes the failure terminator. Multi-line messages are kept
// intact; the header carries the line count.
func (w *Writer) WriteError(message string) error {
	lines := MessageLines(message)
	fmt.Fprintf(w.buf, "%s%d\n", ErrorPrefix, len(lines))
	for _, line := range lines {
		w.buf.WriteString(line)
		w.buf.WriteByte('\n')
	}
	w.buf.WriteString(ErrorEnd)
	w.buf.WriteByte('\n')
	return w.commit()
}

func (w *Writer) commit() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.flush != nil {
		return w.flush()
	}
	return nil
}

// MessageLines normalizes a message into lines safe to embed in an ERROR
// block. It always returns between 1 and MaxErrorLines lines.
func MessageLines(message string) []string {
	message = strings.ToValidUTF8(message, string(utf8.RuneError))
	message = strings.ReplaceAll(message, "\r\n", "\n")
	message = strings.ReplaceAll(message, "\r", "\n")
	lines := strings.Split(message, "\n")
	if len(lines) > MaxErrorLines {
		lines = lines[:MaxErrorLines]
	}
	return lines
}

// Collides reports whether a frame of the given width drawn from ramp could
// contain a row equal to the frame terminator.
func Collides(width int, ramp string) bool {
	if width != utf8.RuneCountInString(FrameEnd) {
		return false
	}
	for _, r := range FrameEnd {
		if !strings.ContainsRune(ramp, r) {
			return false
		}
	}
	return true
}
