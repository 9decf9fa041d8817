package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Symbol string
}

// StateStore is the durable form of the position book and its ledgers.
// OpenPosition and RecordExit are atomic: either every write lands or none.
type StateStore interface {
	// LoadPositions returns every position that is not closed.
	LoadPositions(ctx context.Context) ([]Position, error)
	SavePosition(ctx context.Context, pos Position) error
	DeletePosition(ctx context.Context, symbol string) error
	// OpenPosition saves pos and increments the symbol's trade count for month.
	OpenPosition(ctx context.Context, pos Position, month string) error
	// RecordExit saves pos and appends trade to the closed-trade ledger.
	RecordExit(ctx context.Context, pos Position, trade ClosedTrade) error

	MonthlyTradeCount(ctx context.Context, symbol, month string) (int, error)
	ListClosedTrades(ctx context.Context, opts ListOpts) ([]ClosedTrade, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
