package handlers

import (
	"context"
	"net/http"

	"github.com/boqpro/pricematch/internal/api/response"
	"github.com/boqpro/pricematch/internal/api/validation"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/service"
)

const defaultSearchLimit = 10

// CatalogService defines catalog previews and snapshot refresh.
type CatalogService interface {
	TestMatch(ctx context.Context, description string, unit *string, method models.MatchingMethod) (*models.MatchResult, error)
	TopMatches(ctx context.Context, description string, k int) ([]service.CatalogMatch, error)
	RefreshCatalog(ctx context.Context) (*service.CatalogInfo, error)
	Methods() []service.MethodInfo
}

// CatalogHandler handles catalog preview requests.
type CatalogHandler struct {
	service CatalogService
}

// NewCatalogHandler creates a new catalog handler.
func NewCatalogHandler(service CatalogService) *CatalogHandler {
	return &CatalogHandler{service: service}
}

// TestMatch handles POST /v1/match/test. Nothing is persisted.
func (h *CatalogHandler) TestMatch(w http.ResponseWriter, r *http.Request) {
	var req models.TestMatchRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	method, err := models.ParseMatchingMethod(req.MatchingMethod)
	if err != nil {
		response.RespondBadRequest(w, err.Error())
		return
	}

	result, err := h.service.TestMatch(r.Context(), req.Description, req.Unit, method)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusOK, result)
}

// Search handles GET /v1/catalog/search?q=...&limit=...
func (h *CatalogHandler) Search(w http.ResponseWriter, r *http.Request) {
	var params models.CatalogSearchParams
	if err := validation.ValidateAndDecodeQueryParams(r, &params); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	if params.Limit == 0 {
		params.Limit = defaultSearchLimit
	}

	matches, err := h.service.TopMatches(r.Context(), params.Query, params.Limit)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusOK, map[string]any{"data": matches})
}

// Refresh handles POST /v1/catalog/refresh.
func (h *CatalogHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.RefreshCatalog(r.Context())
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusOK, info)
}

// Methods handles GET /v1/methods.
func (h *CatalogHandler) Methods(w http.ResponseWriter, _ *http.Request) {
	response.RespondJSON(w, http.StatusOK, map[string]any{"data": h.service.Methods()})
}
