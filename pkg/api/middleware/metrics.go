package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsRecorder defines the interface for recording HTTP metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// ContextMetricsRecorder is implemented by recorders that attach trace
// exemplars from the request context.
type ContextMetricsRecorder interface {
	RecordHTTPRequestWithContext(ctx context.Context, method, path, status string, duration time.Duration)
}

// Metrics returns a middleware that records HTTP metrics. Requests are
// labelled by chi route pattern, so path parameters do not inflate
// cardinality.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			rec := newStatusRecorder(w)
			record := func() {
				status := strconv.Itoa(rec.status)
				route := routePattern(r)
				if cr, ok := recorder.(ContextMetricsRecorder); ok {
					cr.RecordHTTPRequestWithContext(r.Context(), r.Method, route, status, time.Since(start))
					return
				}
				recorder.RecordHTTPRequest(r.Method, route, status, time.Since(start))
			}

			defer func() {
				if err := recover(); err != nil {
					rec.status = http.StatusInternalServerError
					record()
					panic(err)
				}
			}()

			next.ServeHTTP(rec, r)
			record()
		})
	}
}
