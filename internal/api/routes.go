package api

import (
	"net/http"
)

func SetupRoutes(handler *Handler) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", handler.HealthCheck)
	mux.HandleFunc("GET /stats", handler.Stats)
	mux.HandleFunc("GET /{$}", handler.Index)

	// Streaming
	mux.HandleFunc("POST /stream-upload", handler.StreamUpload)
	mux.HandleFunc("GET /stream-status/{stream_id}", handler.StreamStatus)
	mux.HandleFunc("GET /stream-ascii/{stream_id}", handler.StreamASCII)
	mux.HandleFunc("GET /stream-history/{stream_id}", handler.StreamHistory)

	// Bulk conversion
	mux.HandleFunc("POST /upload", handler.UploadVideo)
	mux.HandleFunc("POST /upload-image", handler.UploadImage)

	// Apply middleware
	var h http.Handler = mux
	h = LoggingMiddleware(h)
	h = RecoveryMiddleware(h)
	h = CORSMiddleware(handler.config.Server.AllowedOrigins)(h)

	return h
}
