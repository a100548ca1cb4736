package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"framegeist/internal/ascii"
	"framegeist/internal/models"
	"framegeist/internal/protocol"
)

// ReasonClientDisconnected is recorded when the consumer goes away mid-stream.
const ReasonClientDisconnected = "client disconnected"

// deadliner is implemented by http.ResponseController.
type deadliner interface {
	SetWriteDeadline(deadline time.Time) error
}

// StreamStats summarizes one emitted stream
type StreamStats struct {
	Frames   int
	Duration time.Duration
}

// StreamEmitter drives one session at a time from its staged file to the
// wire: one frame is decoded, converted and flushed before the next is
// requested.
type StreamEmitter struct {
	sessions     *SessionService
	converter    *ascii.Converter
	open         SourceFactory
	frameTimeout time.Duration
}

// NewStreamEmitter creates an emitter. A positive frameTimeout bounds every
// frame write when the flusher can set write deadlines.
func NewStreamEmitter(sessions *SessionService, converter *ascii.Converter, open SourceFactory, frameTimeout time.Duration) *StreamEmitter {
	return &StreamEmitter{
		sessions:     sessions,
		converter:    converter,
		open:         open,
		frameTimeout: frameTimeout,
	}
}

// Stream is a claimed session waiting to be run.
type Stream struct {
	emitter *StreamEmitter
	session models.Session
}

// Begin claims the session for streaming. Nothing is written; errors are
// models.ErrNotFound or models.ErrConflict. The returned Stream must be Run.
func (e *StreamEmitter) Begin(ctx context.Context, id string) (*Stream, error) {
	session, err := e.sessions.BeginConsume(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Stream{emitter: e, session: session}, nil
}

// Emit claims the session and streams it to w.
func (e *StreamEmitter) Emit(ctx context.Context, id string, w io.Writer, flusher protocol.Flusher) (StreamStats, error) {
	st, err := e.Begin(ctx, id)
	if err != nil {
		return StreamStats{}, err
	}
	return st.Run(ctx, w, flusher)
}

// Session returns the claimed session.
func (st *Stream) Session() models.Session {
	return st.session
}

// Run writes every frame followed by COMPLETE, or an ERROR block when the
// source or converter fails. A failed write stops the stream at once and the
// session is failed as disconnected. The session always ends in a terminal
// state and the source is always closed.
func (st *Stream) Run(ctx context.Context, w io.Writer, flusher protocol.Flusher) (StreamStats, error) {
	e := st.emitter
	id := st.session.ID
	start := time.Now()
	stats := StreamStats{}

	out := protocol.NewWriter(w, flusher)
	dl, _ := flusher.(deadliner)
	extend := func() {
		if dl != nil && e.frameTimeout > 0 {
			// Not every transport supports deadlines.
			_ = dl.SetWriteDeadline(time.Now().Add(e.frameTimeout))
		}
	}

	finish := func(err error, reason string) (StreamStats, error) {
		stats.Duration = time.Since(start)
		// The request context may already be done; record the outcome anyway.
		bg := context.WithoutCancel(ctx)
		if err == nil {
			if cerr := e.sessions.Complete(bg, id, stats.Frames); cerr != nil {
				slog.Warn("emitter: failed to complete session", "stream_id", id, "error", cerr)
			}
			slog.Info("emitter: stream completed", "stream_id", id, "frames", stats.Frames, "duration", stats.Duration)
			return stats, nil
		}
		if ferr := e.sessions.Fail(bg, id, reason); ferr != nil {
			slog.Warn("emitter: failed to fail session", "stream_id", id, "error", ferr)
		}
		slog.Warn("emitter: stream aborted", "stream_id", id, "frames", stats.Frames, "duration", stats.Duration, "error", err)
		return stats, err
	}

	// abort reports a pipeline failure to the consumer before ending.
	abort := func(err error) (StreamStats, error) {
		extend()
		if werr := out.WriteError(err.Error()); werr != nil {
			return finish(werr, ReasonClientDisconnected)
		}
		return finish(err, protocol.MessageLines(err.Error())[0])
	}

	src, err := e.open(ctx, st.session.FilePath, e.converter.Options())
	if err != nil {
		return abort(err)
	}
	defer src.Close()

	for {
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return finish(err, ReasonClientDisconnected)
			}
			return abort(err)
		}

		frame, err := e.converter.Convert(raw)
		if err != nil {
			var convErr *ascii.ConversionError
			if errors.As(err, &convErr) {
				convErr.Index = stats.Frames
			}
			src.Close()
			return abort(err)
		}

		extend()
		if err := out.WriteFrame(stats.Frames, frame.Rows); err != nil {
			src.Close()
			return finish(err, ReasonClientDisconnected)
		}
		stats.Frames++
	}

	extend()
	if err := out.WriteComplete(stats.Frames); err != nil {
		return finish(err, ReasonClientDisconnected)
	}
	return finish(nil, "")
}
