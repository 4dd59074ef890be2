// Package api provides the operational HTTP server: health checks, status,
// indexing control, recollection queries and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bernard/ledger/pkg/api/handlers"
	"github.com/bernard/ledger/pkg/api/middleware"
	"github.com/bernard/ledger/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	// Health serves /healthz and /readyz
	Health *handlers.HealthHandler

	// Ledger serves status and indexing control
	Ledger *handlers.LedgerHandler

	// Recall serves recollection queries
	Recall *handlers.RecallHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves the scrape endpoint
	MetricsHandler http.Handler

	// MetricsPath defaults to /metrics
	MetricsPath string
}

// NewRouter creates a chi router with middleware and routes.
func NewRouter(log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}

	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes registers all routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	if h.Health != nil {
		r.Get("/healthz", h.Health.Healthz)
		r.Get("/readyz", h.Health.Readyz)
	}

	if h.MetricsHandler != nil {
		path := h.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if h.Ledger != nil {
			r.Get("/status", h.Ledger.Status)
			r.Route("/conversations/{id}", func(r chi.Router) {
				r.Get("/", h.Ledger.GetConversation)
				r.Post("/indexing/retry", h.Ledger.RetryIndexing)
				r.Delete("/indexing", h.Ledger.CancelIndexing)
			})
		}
		if h.Recall != nil {
			r.With(requestTimeout(30*time.Second)).Post("/recall", h.Recall.Recall)
		}
	})
}
