package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bernard/ledger/pkg/api/middleware"
	"github.com/bernard/ledger/pkg/api/response"
	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/queue"
)

// LedgerService is the ledger surface used by the ops API.
type LedgerService interface {
	GetStatus(ctx context.Context) (*ledger.Snapshot, error)
	GetConversation(ctx context.Context, id string) (*ledger.Conversation, error)
	RetryIndexing(ctx context.Context, id string) (bool, error)
	CancelIndexing(ctx context.Context, id string) error
}

// QueueInspector reports queue state.
type QueueInspector interface {
	Stats() queue.Stats
	Depth(ctx context.Context) (queue.Depth, error)
}

// LedgerHandler serves status and indexing control endpoints.
type LedgerHandler struct {
	ledger LedgerService
	queue  QueueInspector
}

// NewLedgerHandler creates a ledger handler. q may be nil when the task
// queue is disabled.
func NewLedgerHandler(l LedgerService, q QueueInspector) *LedgerHandler {
	return &LedgerHandler{ledger: l, queue: q}
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Ledger *ledger.Snapshot `json:"ledger"`
	Queue  *QueueStatus     `json:"queue,omitempty"`
}

// QueueStatus combines process counters with backend depth.
type QueueStatus struct {
	queue.Stats
	Depth *queue.Depth `json:"depth,omitempty"`
}

// Status returns the ledger snapshot and queue state.
func (h *LedgerHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ledger.GetStatus(r.Context())
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}

	resp := StatusResponse{Ledger: snap}
	if h.queue != nil {
		qs := &QueueStatus{Stats: h.queue.Stats()}
		if d, err := h.queue.Depth(r.Context()); err == nil {
			qs.Depth = &d
		}
		resp.Queue = qs
	}
	response.JSON(w, http.StatusOK, resp)
}

// GetConversation returns one conversation record.
func (h *LedgerHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.ledger.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, conv)
}

// RetryIndexing re-enqueues the index job of a conversation.
func (h *LedgerHandler) RetryIndexing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	queued, err := h.ledger.RetryIndexing(r.Context(), id)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	if !queued {
		response.HandleError(w, ledger.ErrDispatcherDisabled, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]any{
		"conversationId": id,
		"queued":         true,
	})
}

// CancelIndexing drops queued jobs of a conversation.
func (h *LedgerHandler) CancelIndexing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ledger.CancelIndexing(r.Context(), id); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"indexingStatus": ledger.IndexingNone,
	})
}
