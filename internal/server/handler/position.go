package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// PositionReader is the view of the position book the handler needs.
type PositionReader interface {
	Snapshot() []domain.Position
	Get(symbol string) (domain.Position, bool)
	Halted() map[string]string
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
	Halted    map[string]string `json:"halted"`
}

type positionResponse struct {
	Position      domain.Position `json:"position"`
	UnrealizedPnL float64         `json:"unrealized_pnl"`
	HoldDays      int             `json:"hold_days"`
	HaltReason    string          `json:"halt_reason,omitempty"`
}

// ListPositions returns every live position and the halted symbols.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.Snapshot()
	if positions == nil {
		positions = []domain.Position{}
	}
	halted := h.positions.Halted()
	if halted == nil {
		halted = map[string]string{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions, Halted: halted})
}

// GetPosition returns the live position for one symbol.
// GET /api/positions/{symbol}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r.PathValue("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	pos, ok := h.positions.Get(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no position for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		Position:      pos,
		UnrealizedPnL: pos.UnrealizedPnL(),
		HoldDays:      pos.HoldDays(time.Now().UTC()),
		HaltReason:    h.positions.Halted()[symbol],
	})
}
