package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/spotbot/internal/service"
)

// StatusSource builds the engine summary.
type StatusSource interface {
	Status(ctx context.Context) (service.Status, error)
}

// StatusHandler serves the engine summary for the dashboard.
type StatusHandler struct {
	source StatusSource
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(source StatusSource, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{source: source, logger: logger}
}

// GetStatus responds with mode, book summary, PnL and strategy assignment.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.source.Status(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: status failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to build status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
