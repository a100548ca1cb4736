// Package client talks to a framegeist server: it uploads videos, polls
// their readiness and reads the character stream.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"framegeist/internal/dto"
	"framegeist/internal/protocol"
)

// ErrStreamNotFound is returned when the server no longer knows a stream id.
var ErrStreamNotFound = errors.New("stream not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Streams can run for a long
// time, so it should not carry an overall Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload stages a video for streaming and returns the server's answer.
func (c *Client) Upload(ctx context.Context, path string) (*dto.StreamUploadResponse, error) {
	var out dto.StreamUploadResponse
	if err := c.postFile(ctx, "/stream-upload", "video", path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status reports the readiness of a stream. Unknown ids are not an error;
// they come back with status "not_found".
func (c *Client) Status(ctx context.Context, id string) (*dto.StreamStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/stream-status/", id), nil)
	if err != nil {
		return nil, err
	}

	var out dto.StreamStatusResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitReady polls Status until the stream is ready, it disappears, or ctx is
// done.
func (c *Client) WaitReady(ctx context.Context, id string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, id)
		if err != nil {
			return err
		}
		if status.Ready {
			return nil
		}
		if status.Status == "not_found" {
			return fmt.Errorf("stream %s: %w", id, ErrStreamNotFound)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stream is an open character stream.
type Stream struct {
	body   io.ReadCloser
	reader *protocol.Reader
}

// Next returns the next event; io.EOF follows the terminating event.
func (s *Stream) Next() (protocol.Event, error) {
	return s.reader.Next()
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// Stream opens the character stream of a ready session. A stream can be
// opened only once.
func (c *Client) Stream(ctx context.Context, id string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/stream-ascii/", id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := decodeError(resp)
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("stream %s: %w", id, ErrStreamNotFound)
		}
		return nil, apiErr
	}

	return &Stream{body: resp.Body, reader: protocol.NewReader(resp.Body)}, nil
}

// ConvertVideo converts a whole video in one request.
func (c *Client) ConvertVideo(ctx context.Context, path string) (*dto.BulkResponse, error) {
	var out dto.BulkResponse
	if err := c.postFile(ctx, "/upload", "video", path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConvertImage converts a single image.
func (c *Client) ConvertImage(ctx context.Context, path string) (*dto.BulkResponse, error) {
	var out dto.BulkResponse
	if err := c.postFile(ctx, "/upload-image", "image", path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) url(prefix, id string) string {
	return c.baseURL + prefix + url.PathEscape(id)
}

// postFile streams path as a multipart form without buffering it in memory.
func (c *Client) postFile(ctx context.Context, endpoint, field, path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType, err := detectType(f, path, field+"/")
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(path)))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	err = c.doJSON(req, out)
	// unblock the writer if the request ended early
	pr.Close()
	return err
}

// doJSON sends req and decodes the JSON body into out. Upload and bulk
// responses carry their error in the body, so those are decoded on any
// status and surfaced as an APIError.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError reads whichever error shape the server used.
func decodeError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var shaped struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		switch {
		case shaped.Message != "":
			apiErr.Message = shaped.Message
		case shaped.Error != "":
			apiErr.Message = shaped.Error
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		apiErr.Message = text
	}
	return apiErr
}

// mime's built-in table has no video types.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// detectType picks the media type of a local file from its extension, then
// from its content. The server rejects anything outside want.
func detectType(f *os.File, path, want string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ct := mime.TypeByExtension(ext); strings.HasPrefix(ct, want) {
		return ct, nil
	}
	if ct := videoTypes[ext]; strings.HasPrefix(ct, want) {
		return ct, nil
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	ct := http.DetectContentType(head[:n])
	if !strings.HasPrefix(ct, want) {
		return "", fmt.Errorf("%s does not look like a %sfile (%s)", filepath.Base(path), want, ct)
	}
	return ct, nil
}
