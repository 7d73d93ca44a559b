package httpserver

import (
	"log/slog"
	"net/http"
	"time"
)

// New builds an HTTP server. WriteTimeout stays unset: cancel requests wait
// for an attempt to stop.
func New(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
