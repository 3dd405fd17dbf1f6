package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusWriter records the response code written by downstream handlers.
// Unwrap keeps http.ResponseController (and the websocket upgrade's hijack)
// working through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// NewRequestLogger logs one line per request after it is served, so the
// entry carries the status code, the elapsed time, and the identity the
// auth middleware resolved. For websocket upgrades the elapsed time is the
// lifetime of the connection.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			var ip, userID string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
				userID = reqMeta.Identity.ID
			}
			logger.Info("HTTP request served",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.String("userID", userID),
				slog.Int("status", sw.status),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
