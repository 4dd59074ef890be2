package middleware

import (
	"net/http"
	"time"

	"github.com/bernard/ledger/pkg/logger"
)

// Logger returns a middleware that logs each request once it completes.
// Server errors log at error level, client errors at warn, and everything
// else at debug so health checks stay quiet.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", rec.size,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			switch {
			case rec.status >= http.StatusInternalServerError:
				log.ErrorContext(r.Context(), "HTTP request", args...)
			case rec.status >= http.StatusBadRequest:
				log.WarnContext(r.Context(), "HTTP request", args...)
			default:
				log.DebugContext(r.Context(), "HTTP request", args...)
			}
		})
	}
}
