package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// TradeLister reads the closed-trade ledger.
type TradeLister interface {
	ListClosedTrades(ctx context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error)
}

// TradeHandler serves the trade history endpoint.
type TradeHandler struct {
	trades TradeLister
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeLister, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

type listTradesResponse struct {
	Trades []domain.ClosedTrade `json:"trades"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// ListTrades returns closed trades, newest first.
// GET /api/trades?symbol=&since=&until=&limit=&offset=
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := h.trades.ListClosedTrades(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("symbol", opts.Symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.ClosedTrade{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades, Limit: opts.Limit, Offset: opts.Offset})
}
