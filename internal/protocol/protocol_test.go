package protocol_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framegeist/internal/protocol"
)

type countingFlusher struct {
	n int
}

func (f *countingFlusher) Flush() error {
	f.n++
	return nil
}

func readAll(t *testing.T, r io.Reader) ([]protocol.Event, error) {
	t.Helper()
	reader := protocol.NewReader(r)
	var events []protocol.Event
	for {
		ev, err := reader.Next()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestWriter_Format(t *testing.T) {
	var buf bytes.Buffer
	flusher := &countingFlusher{}
	w := protocol.NewWriter(&buf, flusher)

	require.NoError(t, w.WriteFrame(0, []string{"@@", ".."}))
	require.NoError(t, w.WriteFrame(1, []string{"##", "  "}))
	require.NoError(t, w.WriteComplete(2))

	want := "FRAME:0\n@@\n..\nEND_FRAME\nFRAME:1\n##\n  \nEND_FRAME\nCOMPLETE:2\n"
	assert.Equal(t, want, buf.String())
	assert.Equal(t, 3, flusher.n)
}

func TestWriter_MultiLineError(t *testing.T) {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf, nil)

	require.NoError(t, w.WriteError("decode failed\r\nffmpeg: invalid data"))
	assert.Equal(t, "ERROR:2\ndecode failed\nffmpeg: invalid data\nEND_ERROR\n", buf.String())
}

func TestWriter_PropagatesTransportError(t *testing.T) {
	w := protocol.NewWriter(iotest.TruncateWriter(io.Discard, 0), nil)
	assert.NoError(t, w.WriteComplete(1))

	broken := errors.New("broken pipe")
	w = protocol.NewWriter(failingWriter{err: broken}, nil)
	assert.ErrorIs(t, w.WriteFrame(0, []string{"x"}), broken)
}

type failingWriter struct {
	err error
}

func (f failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

func TestRoundTrip(t *testing.T) {
	frames := [][]string{
		{"@@@@", "####"},
		{"....", "    "},
		{"@#. ", " .#@"},
		{"    ", "    "},
	}

	var buf bytes.Buffer
	w := protocol.NewWriter(&buf, nil)
	for i, rows := range frames {
		require.NoError(t, w.WriteFrame(i, rows))
	}
	require.NoError(t, w.WriteComplete(len(frames)))

	// one byte per read exercises partial line buffering
	events, err := readAll(t, iotest.OneByteReader(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, io.EOF, err)
	require.Len(t, events, len(frames)+1)

	for i, rows := range frames {
		assert.Equal(t, protocol.EventFrame, events[i].Type)
		assert.Equal(t, i, events[i].Index)
		assert.Equal(t, strings.Join(rows, "\n"), events[i].Content())
	}
	last := events[len(events)-1]
	assert.Equal(t, protocol.EventComplete, last.Type)
	assert.Equal(t, len(frames), last.Count)
}

func TestRoundTrip_Error(t *testing.T) {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf, nil)
	require.NoError(t, w.WriteFrame(0, []string{"ab"}))
	require.NoError(t, w.WriteError("line one\nEND_FRAME\nline three"))

	events, err := readAll(t, &buf)
	assert.Equal(t, io.EOF, err)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventError, events[1].Type)
	assert.Equal(t, "line one\nEND_FRAME\nline three", events[1].Message)
}

func TestParser_IgnoresBlankLinesAndTrailingData(t *testing.T) {
	input := "\n\r\nFRAME:0\r\nab\r\nEND_FRAME\r\n\nCOMPLETE:1\nFRAME:1\ngarbage"

	var p protocol.Parser
	events, err := p.Feed([]byte(input))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []string{"ab"}, events[0].Rows)
	assert.Equal(t, 1, events[1].Count)
	assert.True(t, p.Done())

	more, err := p.Feed([]byte("FRAME:9\n"))
	assert.NoError(t, err)
	assert.Empty(t, more)
}

func TestParser_SplitAcrossChunks(t *testing.T) {
	var p protocol.Parser
	var events []protocol.Event
	for _, chunk := range []string{"FRA", "ME:3\n@", "@\nEND_", "FRAME\nCOMP", "LETE:4\n"} {
		evs, err := p.Feed([]byte(chunk))
		require.NoError(t, err)
		events = append(events, evs...)
	}
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[0].Index)
	assert.Equal(t, "@@", events[0].Content())
	assert.Equal(t, 4, events[1].Count)
}

func TestParser_Malformed(t *testing.T) {
	tests := []string{
		"HELLO\n",
		"FRAME:x\n",
		"COMPLETE:-1\n",
		"ERROR:1\nmsg\nnot the end\n",
		"ERROR:9223372036854775807\n",
		"ERROR:257\n",
	}
	for _, input := range tests {
		var p protocol.Parser
		_, err := p.Feed([]byte(input))
		assert.ErrorIs(t, err, protocol.ErrMalformed, "input %q", input)
	}
}

func TestReader_UnexpectedEOF(t *testing.T) {
	events, err := readAll(t, strings.NewReader("FRAME:0\nab\nEND_FRAME\nFRAME:1\nab"))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	assert.Len(t, events, 1)
}

func TestReader_TerminatorWithoutNewline(t *testing.T) {
	events, err := readAll(t, strings.NewReader("COMPLETE:0"))
	assert.Equal(t, io.EOF, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Count)
}

func TestMessageLines_Capped(t *testing.T) {
	lines := protocol.MessageLines(strings.Repeat("x\n", 1000))
	assert.Len(t, lines, protocol.MaxErrorLines)

	var buf bytes.Buffer
	w := protocol.NewWriter(&buf, nil)
	require.NoError(t, w.WriteError(strings.Repeat("line\n", 1000)))

	events, err := readAll(t, &buf)
	assert.Equal(t, io.EOF, err)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventError, events[0].Type)
}

func TestCollides(t *testing.T) {
	assert.True(t, protocol.Collides(9, "ENDFRAM_ "))
	assert.False(t, protocol.Collides(10, "ENDFRAM_ "))
	assert.False(t, protocol.Collides(9, "@%#*+=-:. "))
}
