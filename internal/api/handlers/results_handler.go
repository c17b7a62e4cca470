package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/api/response"
	"github.com/boqpro/pricematch/internal/api/validation"
	"github.com/boqpro/pricematch/internal/models"
)

// ResultsService defines result edits.
type ResultsService interface {
	ApplyManualMatch(ctx context.Context, resultID uuid.UUID, m models.ManualMatch) (*models.MatchResult, error)
	RematchRow(ctx context.Context, resultID uuid.UUID, method models.MatchingMethod) (*models.MatchResult, error)
}

// ResultsHandler handles HTTP requests for match results.
type ResultsHandler struct {
	service ResultsService
}

// NewResultsHandler creates a new results handler.
func NewResultsHandler(service ResultsService) *ResultsHandler {
	return &ResultsHandler{service: service}
}

// ManualMatch handles PATCH /v1/results/{id}.
func (h *ResultsHandler) ManualMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req models.ManualMatch
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	result, err := h.service.ApplyManualMatch(r.Context(), id, req)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusOK, result)
}

// Rematch handles POST /v1/results/{id}/rematch.
func (h *ResultsHandler) Rematch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	method, ok := decodeMethod(w, r)
	if !ok {
		return
	}

	result, err := h.service.RematchRow(r.Context(), id, method)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusOK, result)
}
