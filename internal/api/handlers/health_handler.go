package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/boqpro/pricematch/internal/api/response"
)

const healthPingTimeout = 2 * time.Second

// Pinger reports whether a backing store is reachable. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a health handler. db may be nil for the in-memory store,
// in which case readiness always succeeds.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check handles GET /health. It answers OK as long as the process is serving.
func (h *HealthHandler) Check(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("health: write response", "error", err)
	}
}

// Ready handles GET /health/ready. It returns 503 when the database does not answer a ping.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": "skipped"}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		if err := h.db.Ping(ctx); err != nil {
			slog.WarnContext(r.Context(), "health: database ping failed", "error", err)
			response.RespondServiceUnavailable(w, "database unavailable")

			return
		}

		status["database"] = "ok"
	}

	response.RespondJSON(w, http.StatusOK, status)
}
