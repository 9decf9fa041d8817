package domain

import "time"

// ClosedTrade is one append-only ledger row per executed exit fill.
type ClosedTrade struct {
	ID         string     `json:"id"`
	PositionID string     `json:"position_id"`
	Symbol     string     `json:"symbol"`
	Strategy   string     `json:"strategy"`
	Reason     ExitReason `json:"reason"`
	Fraction   float64    `json:"fraction"`
	Quantity   float64    `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	PnL        float64    `json:"pnl"`
	PnLPct     float64    `json:"pnl_pct"`
	OrderID    string     `json:"order_id"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   time.Time  `json:"exit_time"`
	Final      bool       `json:"final"`
}
