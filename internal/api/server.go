package api

import (
	"net/http"

	"framegeist/internal/config"
)

// NewHTTPServer builds the server. Streaming responses outlive WriteTimeout;
// the stream handler extends the write deadline per frame.
func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}
