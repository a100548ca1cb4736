package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framegeist/internal/ascii"
	"framegeist/internal/config"
	"framegeist/internal/dto"
	"framegeist/internal/events"
	"framegeist/internal/models"
	"framegeist/internal/protocol"
	"framegeist/internal/service"
	"framegeist/pkg/ffmpeg"
	"framegeist/pkg/frames"
)

type sliceSource struct {
	frames []*frames.Frame
}

func (s *sliceSource) Next(ctx context.Context) (*frames.Frame, error) {
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Close() error { return nil }

func gray(v byte) *frames.Frame {
	pix := bytes.Repeat([]byte{v}, 40*30*3)
	return &frames.Frame{Width: 40, Height: 30, Channels: 3, Pix: pix}
}

type fakeHistory struct {
	records map[string]*models.SessionRecord
	events  map[string][]models.SessionEvent
}

func (h *fakeHistory) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	rec, ok := h.records[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return rec, nil
}

func (h *fakeHistory) ListEvents(ctx context.Context, id string) ([]models.SessionEvent, error) {
	return h.events[id], nil
}

type testEnv struct {
	server   *httptest.Server
	sessions *service.SessionService
	cfg      *config.Config
}

type envOptions struct {
	mutate  func(*config.Config)
	open    service.SourceFactory
	history HistoryStore
	inspect InspectFunc
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig
	cfg.Server.TmpDir = t.TempDir()
	cfg.Conversion.Width = 10
	cfg.Conversion.Ramp = "@#. "
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}

	open := opts.open
	if open == nil {
		open = func(ctx context.Context, path string, o ascii.Options) (frames.Source, error) {
			return &sliceSource{frames: []*frames.Frame{gray(0), gray(255)}}, nil
		}
	}

	dispatcher := events.NewDispatcher(events.Config{QueueSize: 64})
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	sessions, err := service.NewSessionService(&cfg, dispatcher)
	require.NoError(t, err)
	converter, err := ascii.NewConverter(cfg.ConversionOptions())
	require.NoError(t, err)

	emitter := service.NewStreamEmitter(sessions, converter, open, time.Second)
	bulk := service.NewBulkConverter(converter, open, cfg.Limits.MaxImagePixels)
	handler := NewHandler(&cfg, sessions, emitter, bulk, dispatcher, opts.history, opts.inspect)

	server := httptest.NewServer(SetupRoutes(handler))
	t.Cleanup(server.Close)
	return &testEnv{server: server, sessions: sessions, cfg: &cfg}
}

// multipartBody builds a form with one file part.
func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (env *testEnv) post(t *testing.T, path, field, filename, contentType string, data []byte) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, field, filename, contentType, data)
	resp, err := http.Post(env.server.URL+path, ct, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (env *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(env.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (env *testEnv) upload(t *testing.T) string {
	t.Helper()
	resp := env.post(t, "/stream-upload", "video", "clip.mp4", "video/mp4", []byte("fake video"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[dto.StreamUploadResponse](t, resp)
	require.True(t, out.Success)
	return out.StreamID
}

func TestHealthAndIndex(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[dto.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ffmpeg", health.Decoder)

	resp = env.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[dto.ServiceInfo](t, resp)
	assert.Equal(t, "framegeist", info.Service)

	resp = env.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamUpload_Validation(t *testing.T) {
	env := newTestEnv(t, envOptions{mutate: func(c *config.Config) { c.Limits.MaxVideoSize = 1024 }})

	resp := env.post(t, "/stream-upload", "video", "notes.txt", "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := decode[dto.StreamUploadResponse](t, resp)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "video/")

	resp = env.post(t, "/stream-upload", "video", "big.mp4", "video/mp4", bytes.Repeat([]byte("x"), 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = env.post(t, "/stream-upload", "file", "clip.mp4", "video/mp4", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 0, env.sessions.Count())
}

func TestStreamUpload_Capacity(t *testing.T) {
	env := newTestEnv(t, envOptions{mutate: func(c *config.Config) { c.Sessions.MaxSessions = 1 }})
	env.upload(t)

	resp := env.post(t, "/stream-upload", "video", "clip.mp4", "video/mp4", []byte("x"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamUpload_InspectRejects(t *testing.T) {
	inspect := func(ctx context.Context, path string) (*ffmpeg.VideoInfo, error) {
		return nil, errors.New("no video stream")
	}
	env := newTestEnv(t, envOptions{inspect: inspect})

	resp := env.post(t, "/stream-upload", "video", "clip.mp4", "video/mp4", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, env.sessions.Count())

	staged, err := os.ReadDir(env.cfg.Server.TmpDir)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestStreamUpload_InspectRejectsSweptSession(t *testing.T) {
	var sessions *service.SessionService
	inspect := func(ctx context.Context, path string) (*ffmpeg.VideoInfo, error) {
		// the sweeper wins the race, so the failure path finds nothing to fail
		sessions.Sweep(time.Now().Add(24 * time.Hour))
		return nil, errors.New("no video stream")
	}
	env := newTestEnv(t, envOptions{inspect: inspect})
	sessions = env.sessions

	resp := env.post(t, "/stream-upload", "video", "clip.mp4", "video/mp4", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := decode[dto.StreamUploadResponse](t, resp)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "not a decodable video")
	assert.Equal(t, 0, env.sessions.Count())
}

func TestStreamUpload_InspectMetadata(t *testing.T) {
	inspect := func(ctx context.Context, path string) (*ffmpeg.VideoInfo, error) {
		return &ffmpeg.VideoInfo{Codec: "h264", Width: 640, Height: 480, FrameRate: 25, Duration: 2}, nil
	}
	env := newTestEnv(t, envOptions{inspect: inspect})

	resp := env.post(t, "/stream-upload", "video", "clip.mp4", "video/mp4", []byte("x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[dto.StreamUploadResponse](t, resp)
	require.NotNil(t, out.Video)
	assert.Equal(t, "h264", out.Video.Codec)
	assert.Equal(t, 640, out.Video.Width)
}

func TestStreamStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.get(t, "/stream-status/stream_unknown")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[dto.StreamStatusResponse](t, resp)
	assert.Equal(t, "not_found", status.Status)
	assert.False(t, status.Ready)

	id := env.upload(t)
	status = decode[dto.StreamStatusResponse](t, env.get(t, "/stream-status/"+id))
	assert.Equal(t, id, status.StreamID)
	assert.Equal(t, "ready", status.Status)
	assert.True(t, status.Ready)
	assert.Equal(t, "clip.mp4", status.Filename)
	assert.Equal(t, int64(len("fake video")), status.FileSize)
}

func TestStreamASCII(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.get(t, "/stream-ascii/stream_unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := env.upload(t)
	resp = env.get(t, "/stream-ascii/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	r := protocol.NewReader(resp.Body)
	var got []protocol.Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	// the body ends once the handler has recorded the outcome
	_, err := io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "@@@@@@@@@@", got[0].Rows[0])
	assert.Equal(t, "          ", got[1].Rows[0])
	assert.Equal(t, protocol.EventComplete, got[2].Type)
	assert.Equal(t, 2, got[2].Count)

	// consumed sessions are gone
	resp = env.get(t, "/stream-ascii/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	status := decode[dto.StreamStatusResponse](t, env.get(t, "/stream-status/"+id))
	assert.Equal(t, "not_found", status.Status)
}

func TestStreamASCII_NotReady(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sess, err := env.sessions.Register(context.Background(), "clip.mp4", 1)
	require.NoError(t, err)

	resp := env.get(t, "/stream-ascii/"+sess.ID)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	out := decode[dto.ErrorResponse](t, resp)
	assert.Equal(t, http.StatusConflict, out.Code)
}

func TestStreamASCII_DecodeError(t *testing.T) {
	open := func(ctx context.Context, path string, o ascii.Options) (frames.Source, error) {
		return nil, &frames.DecodeError{Err: errors.New("moov atom not found")}
	}
	env := newTestEnv(t, envOptions{open: open})
	id := env.upload(t)

	resp := env.get(t, "/stream-ascii/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev, err := protocol.NewReader(resp.Body).Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.EventError, ev.Type)
	assert.Contains(t, ev.Message, "moov atom not found")
}

func TestUploadImage(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.Black)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	resp := env.post(t, "/upload-image", "image", "dot.png", "image/png", buf.Bytes())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[dto.BulkResponse](t, resp)
	assert.True(t, out.Success)
	assert.Equal(t, "image", out.FileType)
	assert.Equal(t, strings.Repeat("@", 10), strings.Split(out.ASCIIArt, "\n")[0])
	assert.Equal(t, []string{out.ASCIIArt}, out.Frames)

	resp = env.post(t, "/upload-image", "image", "dot.png", "image/png", []byte("not a png"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.post(t, "/upload-image", "image", "clip.mp4", "video/mp4", buf.Bytes())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// a tiny GIF declaring a 60000x60000 canvas
	huge := []byte("GIF89a\x60\xea\x60\xea\x00\x00\x00\x3b")
	resp = env.post(t, "/upload-image", "image", "huge.gif", "image/gif", huge)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	out = decode[dto.BulkResponse](t, resp)
	assert.Contains(t, out.Error, "exceeds")
}

func TestUploadVideo(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.post(t, "/upload", "video", "clip.mp4", "video/mp4", []byte("fake video"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[dto.BulkResponse](t, resp)
	assert.True(t, out.Success)
	assert.Equal(t, "video", out.FileType)
	require.Len(t, out.Frames, 2)
	assert.True(t, strings.HasPrefix(out.Frames[0], "@@@@@@@@@@"))
}

func TestStreamHistory(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.get(t, "/stream-history/stream_abc")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	history := &fakeHistory{
		records: map[string]*models.SessionRecord{
			"stream_abc": {SessionID: "stream_abc", Status: models.StatusCompleted, Frames: 12, Transitions: 4},
		},
		events: map[string][]models.SessionEvent{
			"stream_abc": {{SessionID: "stream_abc", Status: models.StatusRegistered}},
		},
	}
	env = newTestEnv(t, envOptions{history: history})

	resp = env.get(t, "/stream-history/stream_abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[dto.StreamHistoryResponse](t, resp)
	require.NotNil(t, out.Record)
	assert.Equal(t, models.StatusCompleted, out.Record.Status)
	assert.Empty(t, out.Events)

	out = decode[dto.StreamHistoryResponse](t, env.get(t, "/stream-history/stream_abc?events=true"))
	assert.Len(t, out.Events, 1)

	resp = env.get(t, "/stream-history/stream_missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.upload(t)

	out := decode[dto.StatsResponse](t, env.get(t, "/stats"))
	assert.Equal(t, 1, out.LiveSessions)
	assert.Equal(t, env.cfg.Sessions.MaxSessions, out.MaxSessions)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/stream-upload", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
