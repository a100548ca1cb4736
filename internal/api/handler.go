package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"framegeist/internal/config"
	"framegeist/internal/dto"
	"framegeist/internal/events"
	"framegeist/internal/models"
	"framegeist/internal/service"
	"framegeist/pkg/ffmpeg"
	"framegeist/pkg/frames"
)

const (
	version = "1.0.0"
	// multipart framing on top of the file itself
	formOverhead = 1 << 20
	// uploads beyond this are spooled to disk while parsing
	formMemory = 8 << 20
)

// InspectFunc inspects a staged upload before it is marked ready.
type InspectFunc func(ctx context.Context, path string) (*ffmpeg.VideoInfo, error)

// HistoryStore serves recorded session history.
type HistoryStore interface {
	GetSession(ctx context.Context, id string) (*models.SessionRecord, error)
}

// EventLister is implemented by history stores that keep every transition.
type EventLister interface {
	ListEvents(ctx context.Context, id string) ([]models.SessionEvent, error)
}

type Handler struct {
	sessions   *service.SessionService
	emitter    *service.StreamEmitter
	bulk       *service.BulkConverter
	dispatcher *events.Dispatcher
	history    HistoryStore
	inspect    InspectFunc
	config     *config.Config
}

// Constructor for Handler. dispatcher, history and inspect may be nil.
func NewHandler(
	cfg *config.Config,
	sessions *service.SessionService,
	emitter *service.StreamEmitter,
	bulk *service.BulkConverter,
	dispatcher *events.Dispatcher,
	history HistoryStore,
	inspect InspectFunc,
) *Handler {
	return &Handler{
		sessions:   sessions,
		emitter:    emitter,
		bulk:       bulk,
		dispatcher: dispatcher,
		history:    history,
		inspect:    inspect,
		config:     cfg,
	}
}

func (handler *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		handler.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.ServiceInfo{
		Service: "framegeist",
		Version: version,
		Endpoints: []string{
			"POST /stream-upload",
			"GET /stream-status/{stream_id}",
			"GET /stream-ascii/{stream_id}",
			"GET /stream-history/{stream_id}",
			"POST /upload",
			"POST /upload-image",
			"GET /stats",
			"GET /health",
		},
	})
}

func (handler *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := dto.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version,
		Decoder:   handler.config.Decoder.Backend,
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// StreamUpload godoc
// @Summary      Stage a video for streaming
// @Description  Stores the upload and returns a stream id once it is ready to be consumed
// @Tags         Streaming
// @Accept       multipart/form-data
// @Produce      json
// @Param        video  formData  file  true  "Video file"
// @Success      200    {object}  dto.StreamUploadResponse
// @Failure      400    {object}  dto.StreamUploadResponse
// @Failure      413    {object}  dto.StreamUploadResponse
// @Failure      503    {object}  dto.StreamUploadResponse
// @Router       /stream-upload [post]
func (handler *Handler) StreamUpload(w http.ResponseWriter, r *http.Request) {
	fail := func(status int, message string) {
		handler.respondJSON(w, status, dto.StreamUploadResponse{Success: false, Error: message})
	}

	file, header, status, msg := handler.formFile(w, r, "video", "video/", handler.config.Limits.MaxVideoSize)
	if msg != "" {
		fail(status, msg)
		return
	}
	defer file.Close()

	ctx := r.Context()
	session, err := handler.sessions.Register(ctx, header.Filename, header.Size)
	if err != nil {
		if models.IsCapacity(err) {
			fail(http.StatusServiceUnavailable, "Too many active streams, try again later")
			return
		}
		fail(http.StatusInternalServerError, fmt.Sprintf("Failed to register stream: %v", err))
		return
	}

	if err := stage(file, session.FilePath); err != nil {
		handler.abandon(ctx, session.ID, "staging failed")
		fail(http.StatusInternalServerError, fmt.Sprintf("Failed to save file: %v", err))
		return
	}

	var video *dto.VideoInfo
	if handler.inspect != nil {
		info, err := handler.inspect(ctx, session.FilePath)
		if err != nil {
			handler.abandon(ctx, session.ID, "not a decodable video")
			fail(http.StatusBadRequest, fmt.Sprintf("File is not a decodable video: %v", err))
			return
		}
		video = &dto.VideoInfo{
			Codec:     info.Codec,
			Width:     info.Width,
			Height:    info.Height,
			FrameRate: info.FrameRate,
			Duration:  info.Duration,
		}
	}

	if err := handler.sessions.MarkReady(ctx, session.ID); err != nil {
		fail(http.StatusGone, fmt.Sprintf("Stream is no longer available: %v", err))
		return
	}

	handler.respondJSON(w, http.StatusOK, dto.StreamUploadResponse{
		Success:  true,
		Message:  "Video uploaded successfully. Use stream_id to start streaming.",
		StreamID: session.ID,
		Video:    video,
	})
}

// abandon fails a session whose upload never became ready. The client gets
// the upload error either way; a session already swept is only logged.
func (handler *Handler) abandon(ctx context.Context, id, reason string) {
	if err := handler.sessions.Fail(ctx, id, reason); err != nil {
		slog.WarnContext(ctx, "api: failed to abandon stream", "stream_id", id, "reason", reason, "error", err)
	}
}

// StreamStatus godoc
// @Summary      Query stream readiness
// @Tags         Streaming
// @Produce      json
// @Param        stream_id  path      string  true  "Stream ID"
// @Success      200        {object}  dto.StreamStatusResponse
// @Router       /stream-status/{stream_id} [get]
func (handler *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("stream_id")

	session, ok := handler.sessions.Lookup(id)
	if !ok {
		handler.respondJSON(w, http.StatusOK, dto.StreamStatusResponse{
			StreamID: id,
			Status:   "not_found",
			Ready:    false,
		})
		return
	}

	handler.respondJSON(w, http.StatusOK, dto.StreamStatusResponse{
		StreamID: id,
		Status:   session.Status.String(),
		Ready:    session.Status == models.StatusReady,
		FileSize: session.Size,
		Filename: session.Filename,
	})
}

// StreamASCII godoc
// @Summary      Stream character frames
// @Description  Streams FRAME blocks as they are converted, terminated by COMPLETE or ERROR
// @Tags         Streaming
// @Produce      plain
// @Param        stream_id  path      string  true  "Stream ID"
// @Success      200        {string}  string
// @Failure      404        {object}  dto.ErrorResponse
// @Failure      409        {object}  dto.ErrorResponse
// @Router       /stream-ascii/{stream_id} [get]
func (handler *Handler) StreamASCII(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("stream_id")
	ctx := r.Context()

	stream, err := handler.emitter.Begin(ctx, id)
	if err != nil {
		switch {
		case models.IsNotFound(err):
			handler.respondError(w, http.StatusNotFound, fmt.Sprintf("Stream ID %s not found. Upload video first.", id))
		case models.IsConflict(err):
			handler.respondError(w, http.StatusConflict, fmt.Sprintf("Stream %s is not ready or already being consumed", id))
		default:
			handler.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start streaming: %v", err))
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The outcome is recorded on the session; the status line is already sent.
	_, _ = stream.Run(ctx, w, http.NewResponseController(w))
}

// StreamHistory godoc
// @Summary      Recorded lifecycle of a stream
// @Tags         Streaming
// @Produce      json
// @Param        stream_id  path      string  true   "Stream ID"
// @Param        events     query     bool    false  "Include every transition"
// @Success      200        {object}  dto.StreamHistoryResponse
// @Failure      404        {object}  dto.ErrorResponse
// @Router       /stream-history/{stream_id} [get]
func (handler *Handler) StreamHistory(w http.ResponseWriter, r *http.Request) {
	if handler.history == nil {
		handler.respondError(w, http.StatusNotFound, "Stream history is not enabled")
		return
	}

	id := r.PathValue("stream_id")
	record, err := handler.history.GetSession(r.Context(), id)
	if err != nil {
		if models.IsNotFound(err) {
			handler.respondError(w, http.StatusNotFound, fmt.Sprintf("No history for stream %s", id))
			return
		}
		handler.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read history: %v", err))
		return
	}

	response := dto.StreamHistoryResponse{Record: record}
	if lister, ok := handler.history.(EventLister); ok && r.URL.Query().Get("events") == "true" {
		evs, err := lister.ListEvents(r.Context(), id)
		if err != nil {
			handler.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read history: %v", err))
			return
		}
		response.Events = evs
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// UploadVideo godoc
// @Summary      Convert a whole video
// @Description  Converts every sampled frame and returns them in one response. Small files only.
// @Tags         Bulk
// @Accept       multipart/form-data
// @Produce      json
// @Param        video  formData  file  true  "Video file"
// @Success      200    {object}  dto.BulkResponse
// @Failure      400    {object}  dto.BulkResponse
// @Failure      413    {object}  dto.BulkResponse
// @Failure      422    {object}  dto.BulkResponse
// @Router       /upload [post]
func (handler *Handler) UploadVideo(w http.ResponseWriter, r *http.Request) {
	fail := func(status int, message string) {
		handler.respondJSON(w, status, dto.BulkResponse{Success: false, Error: message, FileType: "video"})
	}

	file, header, status, msg := handler.formFile(w, r, "video", "video/", handler.config.Limits.MaxVideoSize)
	if msg != "" {
		fail(status, msg)
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp(handler.config.Server.TmpDir, "bulk_*"+service.StagedExtension(header.Filename))
	if err != nil {
		fail(http.StatusInternalServerError, fmt.Sprintf("Failed to create file: %v", err))
		return
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	if err := stage(file, path); err != nil {
		fail(http.StatusInternalServerError, fmt.Sprintf("Failed to save file: %v", err))
		return
	}

	out, err := handler.bulk.ConvertVideo(r.Context(), path)
	if err != nil {
		fail(conversionStatus(err), fmt.Sprintf("Video processing failed: %v", err))
		return
	}

	rendered := make([]string, len(out))
	for i, f := range out {
		rendered[i] = f.String()
	}
	handler.respondJSON(w, http.StatusOK, dto.BulkResponse{
		Success:  true,
		Frames:   rendered,
		FileType: "video",
	})
}

// UploadImage godoc
// @Summary      Convert an image
// @Tags         Bulk
// @Accept       multipart/form-data
// @Produce      json
// @Param        image  formData  file  true  "PNG, JPEG or GIF image"
// @Success      200    {object}  dto.BulkResponse
// @Failure      400    {object}  dto.BulkResponse
// @Failure      413    {object}  dto.BulkResponse
// @Failure      422    {object}  dto.BulkResponse
// @Router       /upload-image [post]
func (handler *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	fail := func(status int, message string) {
		handler.respondJSON(w, status, dto.BulkResponse{Success: false, Error: message, FileType: "image"})
	}

	file, _, status, msg := handler.formFile(w, r, "image", "image/", handler.config.Limits.MaxImageSize)
	if msg != "" {
		fail(status, msg)
		return
	}
	defer file.Close()

	frame, err := handler.bulk.ConvertImage(r.Context(), file)
	if err != nil {
		fail(conversionStatus(err), fmt.Sprintf("Image processing failed: %v", err))
		return
	}

	art := frame.String()
	handler.respondJSON(w, http.StatusOK, dto.BulkResponse{
		Success:  true,
		Frames:   []string{art},
		ASCIIArt: art,
		FileType: "image",
	})
}

// Stats godoc
// @Summary      Live sessions and lifecycle delivery counters
// @Tags         Monitoring
// @Produce      json
// @Success      200  {object}  dto.StatsResponse
// @Router       /stats [get]
func (handler *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	response := dto.StatsResponse{
		LiveSessions: handler.sessions.Count(),
		MaxSessions:  handler.config.Sessions.MaxSessions,
	}
	if handler.dispatcher != nil {
		s := handler.dispatcher.Stats()
		response.Events = dto.EventStats{
			Publishers:  s.Publishers,
			QueueLength: s.QueueLength,
			Delivered:   s.Delivered,
			Failed:      s.Failed,
			Dropped:     s.Dropped,
		}
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// formFile reads one uploaded file, enforcing the size limit and the media
// type prefix. On failure it returns the HTTP status and a client message.
func (handler *Handler) formFile(w http.ResponseWriter, r *http.Request, field, mediaPrefix string, limit int64) (multipart.File, *multipart.FileHeader, int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, http.StatusRequestEntityTooLarge, tooLargeMessage(limit)
		}
		return nil, nil, http.StatusBadRequest, fmt.Sprintf("Failed to parse form: %v", err)
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, http.StatusBadRequest, fmt.Sprintf("Failed to get %s file: %v", field, err)
	}

	if header.Size > limit {
		file.Close()
		return nil, nil, http.StatusRequestEntityTooLarge, tooLargeMessage(limit)
	}
	if !strings.HasPrefix(header.Header.Get("Content-Type"), mediaPrefix) {
		file.Close()
		return nil, nil, http.StatusBadRequest, fmt.Sprintf("File must be of type %s*", mediaPrefix)
	}
	return file, header, http.StatusOK, ""
}

func tooLargeMessage(limit int64) string {
	return fmt.Sprintf("File size must be less than %.0fMB", float64(limit)/(1024*1024))
}

func conversionStatus(err error) int {
	if frames.IsDecodeError(err) {
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// stage copies an uploaded file to path.
func stage(src io.Reader, path string) error {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Helper methods for responses
func (handler *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("api: failed to encode response", "error", err)
	}
}

func (handler *Handler) respondError(w http.ResponseWriter, status int, message string) {
	handler.respondJSON(w, status, dto.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
