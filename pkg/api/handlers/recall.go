package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/bernard/ledger/pkg/api/middleware"
	"github.com/bernard/ledger/pkg/api/response"
	"github.com/bernard/ledger/pkg/recall"
)

// Recaller answers recollection queries.
type Recaller interface {
	Recall(ctx context.Context, query string, opts recall.Options) ([]recall.Hit, error)
}

// RecallRequest is the body of POST /api/v1/recall.
type RecallRequest struct {
	Query               string   `json:"query" validate:"required,max=4000"`
	Limit               int      `json:"limit" validate:"min=0,max=100"`
	Candidates          int      `json:"candidates" validate:"min=0,max=500"`
	Lambda              *float64 `json:"lambda" validate:"omitempty,min=0,max=1"`
	ExcludeConversation string   `json:"excludeConversation"`
}

// RecallResponse is the recall result.
type RecallResponse struct {
	Hits []recall.Hit `json:"hits"`
}

// RecallHandler serves recollection queries.
type RecallHandler struct {
	recaller Recaller
	validate *validator.Validate
}

// NewRecallHandler creates a recall handler.
func NewRecallHandler(r Recaller) *RecallHandler {
	return &RecallHandler{recaller: r, validate: validator.New()}
}

// Recall runs a recollection query.
func (h *RecallHandler) Recall(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req RecallRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body: "+err.Error(), requestID)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		details := map[string]any{}
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "validation failed", details, requestID)
		return
	}

	hits, err := h.recaller.Recall(r.Context(), req.Query, recall.Options{
		Limit:               req.Limit,
		Candidates:          req.Candidates,
		Lambda:              req.Lambda,
		ExcludeConversation: req.ExcludeConversation,
	})
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	response.JSON(w, http.StatusOK, RecallResponse{Hits: hits})
}
