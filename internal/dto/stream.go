package dto

import "framegeist/internal/models"

// StreamUploadResponse is returned by POST /stream-upload
type StreamUploadResponse struct {
	Success  bool       `json:"success"`
	Message  string     `json:"message,omitempty"`
	StreamID string     `json:"stream_id,omitempty"`
	Error    string     `json:"error,omitempty"`
	Video    *VideoInfo `json:"video,omitempty"`
}

// StreamStatusResponse is returned by GET /stream-status/{id}. Unknown ids
// report status "not_found".
type StreamStatusResponse struct {
	StreamID string `json:"stream_id"`
	Status   string `json:"status"`
	Ready    bool   `json:"ready"`
	FileSize int64  `json:"file_size,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// VideoInfo is the inspected metadata of a staged upload
type VideoInfo struct {
	Codec     string  `json:"codec"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
	Duration  float64 `json:"duration"`
}

// BulkResponse is returned by POST /upload and POST /upload-image
type BulkResponse struct {
	Success  bool     `json:"success"`
	Frames   []string `json:"frames,omitempty"`
	ASCIIArt string   `json:"ascii_art,omitempty"`
	Error    string   `json:"error,omitempty"`
	FileType string   `json:"file_type,omitempty"`
}

// StreamHistoryResponse is returned by GET /stream-history/{id}
type StreamHistoryResponse struct {
	Record *models.SessionRecord `json:"record"`
	Events []models.SessionEvent `json:"events,omitempty"`
}
