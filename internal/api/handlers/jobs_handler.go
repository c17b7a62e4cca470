package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/api/response"
	"github.com/boqpro/pricematch/internal/api/validation"
	"github.com/boqpro/pricematch/internal/models"
)

const eventStreamHeartbeat = 15 * time.Second

// JobsService defines the job operations of the matching engine.
type JobsService interface {
	CreateJob(ctx context.Context, rows []models.BOQRow, method models.MatchingMethod) (*models.MatchingJob, error)
	StartJob(ctx context.Context, jobID uuid.UUID, method models.MatchingMethod) (*models.MatchingJob, error)
	StopJob(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error)
	StopAllJobs(ctx context.Context) (int, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error)
	GetResults(ctx context.Context, jobID uuid.UUID, filters models.ListResultsFilters) ([]models.MatchResult, error)
	Logs(ctx context.Context, jobID uuid.UUID) ([]models.JobLog, error)
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan models.JobEvent, func(), error)
	ExportResultsXLSX(ctx context.Context, jobID uuid.UUID, w io.Writer) error
}

// JobsHandler handles HTTP requests for matching jobs.
type JobsHandler struct {
	service JobsService
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(service JobsService) *JobsHandler {
	return &JobsHandler{service: service}
}

// Create handles POST /v1/jobs.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	method, err := models.ParseMatchingMethod(req.MatchingMethod)
	if err != nil {
		response.RespondBadRequest(w, err.Error())
		return
	}

	job, err := h.service.CreateJob(r.Context(), req.BOQRows(), method)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusCreated, job)
}

// Start handles POST /v1/jobs/{id}/start.
func (h *JobsHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	method, ok := decodeMethod(w, r)
	if !ok {
		return
	}

	job, err := h.service.StartJob(r.Context(), id, method)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusAccepted, job)
}

// Stop handles POST /v1/jobs/{id}/stop.
func (h *JobsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := h.service.StopJob(r.Context(), id)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusAccepted, job)
}

// StopAll handles POST /v1/jobs/stop-all.
func (h *JobsHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.StopAllJobs(r.Context())
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusOK, models.StopAllResponse{Stopped: n})
}

// Get handles GET /v1/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := h.service.GetJobStatus(r.Context(), id)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusOK, job)
}

// Results handles GET /v1/jobs/{id}/results.
// Query: method, min_confidence, only_unmatched, only_edited.
func (h *JobsHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var filters models.ListResultsFilters
	if err := validation.ValidateAndDecodeQueryParams(r, &filters); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	if filters.Method != nil {
		m := strings.ToUpper(strings.TrimSpace(*filters.Method))
		filters.Method = &m
	}

	results, err := h.service.GetResults(r.Context(), id, filters)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	response.RespondJSON(w, http.StatusOK, map[string]any{"data": results, "total": len(results)})
}

// Logs handles GET /v1/jobs/{id}/logs.
func (h *JobsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	logs, err := h.service.Logs(r.Context(), id)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	if logs == nil {
		logs = []models.JobLog{}
	}

	response.RespondJSON(w, http.StatusOK, map[string]any{"data": logs})
}

// Export handles GET /v1/jobs/{id}/export.xlsx.
func (h *JobsHandler) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.service.ExportResultsXLSX(r.Context(), id, &buf); err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="job-%s-results.xlsx"`, id))
	w.WriteHeader(http.StatusOK)

	if _, err := buf.WriteTo(w); err != nil {
		slog.ErrorContext(r.Context(), "api: write export failed", "job_id", id, "error", err)
	}
}

// Events handles GET /v1/jobs/{id}/events as a server-sent event stream. The stream opens
// with the current job snapshot and ends once the job reaches a terminal status.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()

	events, cancel, err := h.service.Subscribe(ctx, id)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}
	defer cancel()

	job, err := h.service.GetJobStatus(ctx, id)
	if err != nil {
		response.RespondServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// the stream outlives the server write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.DebugContext(ctx, "api: cannot clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot := models.JobEvent{Type: models.JobEventProgress, JobID: id, Job: job}
	if !writeEvent(w, rc, snapshot) || job.Status.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(eventStreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}

			if err := rc.Flush(); err != nil {
				return
			}
		case ev, open := <-events:
			if !open || !writeEvent(w, rc, ev) {
				return
			}

			if ev.Type == models.JobEventProgress && ev.Job != nil && ev.Job.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev models.JobEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("api: encode job event failed", "error", err)
		return false
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return false
	}

	return rc.Flush() == nil
}

// pathID parses the {id} path value, writing a 400 when it is not a UUID.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		response.RespondBadRequest(w, "Invalid UUID format")
		return uuid.Nil, false
	}

	return id, true
}

func decodeMethod(w http.ResponseWriter, r *http.Request) (models.MatchingMethod, bool) {
	var req models.MethodRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)
		return "", false
	}

	method, err := models.ParseMatchingMethod(req.MatchingMethod)
	if err != nil {
		response.RespondBadRequest(w, err.Error())
		return "", false
	}

	return method, true
}
