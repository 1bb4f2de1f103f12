package logging

import (
	"log/slog"
	"net/http"
	"time"
)

// HTTPMiddleware returns an http.Handler that logs every request with
// method, path, status code and duration. WebSocket upgrades are logged
// separately: for those the handler returns only when the socket closes,
// so the duration is the connection lifetime.
func HTTPMiddleware(next http.Handler) http.Handler {
	logger := slog.With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		msg := "request"
		if rw.status == http.StatusSwitchingProtocols {
			msg = "websocket closed"
		}
		logger.Debug(msg,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that need
// the underlying ResponseWriter (e.g. for Flush, Hijack).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
