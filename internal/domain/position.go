package domain

import (
	"fmt"
	"math"
	"time"
)

// PositionStatus tracks where a position is in its life.
type PositionStatus string

const (
	// PositionStatusPendingEntry holds a symbol slot while the entry order's
	// outcome is unknown. It is not yet counted as an opened position.
	PositionStatusPendingEntry    PositionStatus = "pending_entry"
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
)

// Phase is the exit state machine's state, derived from the position fields.
type Phase string

const (
	PhaseMinHold  Phase = "min_hold"
	PhaseActive   Phase = "active"
	PhaseTrailing Phase = "trailing"
	PhaseClosed   Phase = "closed"
)

// ExitReason names the rule that produced an exit.
type ExitReason string

const (
	ExitMaxHold       ExitReason = "MAX_HOLD"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitStopLossEarly ExitReason = "STOP_LOSS_EARLY"
	ExitTakeProfit1   ExitReason = "TAKE_PROFIT_1"
	ExitTakeProfit2   ExitReason = "TAKE_PROFIT_2"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
)

// TakeProfitTarget is one level of the take-profit schedule. Fraction is a
// share of the original quantity.
type TakeProfitTarget struct {
	Price    float64 `json:"price"`
	Fraction float64 `json:"fraction"`
	Consumed bool    `json:"consumed"`
}

// PendingKind says which order a pending marker belongs to.
type PendingKind string

const (
	PendingEntry PendingKind = "entry"
	PendingExit  PendingKind = "exit"
)

// PendingOrder is persisted before an order reaches the venue and cleared in
// the same write that applies its outcome.
type PendingOrder struct {
	Kind          PendingKind `json:"kind"`
	ClientOrderID string      `json:"client_order_id"`
	Side          OrderSide   `json:"side"`
	Quantity      float64     `json:"quantity"`
	Reason        ExitReason  `json:"reason,omitempty"`
	Fraction      float64     `json:"fraction,omitempty"`
	TargetIndex   int         `json:"target_index"`
	TriggerPrice  float64     `json:"trigger_price,omitempty"`
	PlacedAt      time.Time   `json:"placed_at"`
	Attempts      int         `json:"attempts"`
}

// Position is the single live (or historical) holding of one symbol.
type Position struct {
	ID                string             `json:"id"`
	Symbol            string             `json:"symbol"`
	Strategy          string             `json:"strategy"`
	EntryPrice        float64            `json:"entry_price"`
	EntryTime         time.Time          `json:"entry_time"`
	EntryOrderID      string             `json:"entry_order_id,omitempty"`
	OriginalQuantity  float64            `json:"original_quantity"`
	Quantity          float64            `json:"quantity"`
	StopLossPrice     float64            `json:"stop_loss_price"`
	TakeProfitTargets []TakeProfitTarget `json:"take_profit_targets"`
	TP1Hit            bool               `json:"tp1_hit"`
	HighestPriceSeen  float64            `json:"highest_price_seen"`
	CurrentPrice      float64            `json:"current_price"`
	LastPriceUpdate   time.Time          `json:"last_price_update"`
	Status            PositionStatus     `json:"status"`
	Phase             Phase              `json:"phase"`
	ClosedFraction    float64            `json:"closed_fraction"`
	RealizedPnL       float64            `json:"realized_pnl"`
	Confidence        float64            `json:"confidence"`
	Pending           *PendingOrder      `json:"pending,omitempty"`
	Halted            bool               `json:"halted"`
	HaltReason        string             `json:"halt_reason,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// fractionTolerance absorbs float error when summing schedule fractions.
const fractionTolerance = 1e-9

// HoldDays returns whole days elapsed since entry.
func (p Position) HoldDays(now time.Time) int {
	if now.Before(p.EntryTime) {
		return 0
	}
	return int(now.Sub(p.EntryTime) / (24 * time.Hour))
}

// IsOpen reports whether the position still holds quantity.
func (p Position) IsOpen() bool {
	return p.Status != PositionStatusClosed && p.Status != PositionStatusPendingEntry && p.Quantity > 0
}

// Active reports whether the position occupies its symbol's slot.
func (p Position) Active() bool {
	return p.Status != PositionStatusClosed
}

// UnrealizedPnL values the remaining quantity at the last seen price.
func (p Position) UnrealizedPnL() float64 {
	if !p.IsOpen() || p.CurrentPrice <= 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) * p.Quantity
}

// Clone returns a deep copy.
func (p Position) Clone() Position {
	out := p
	if p.TakeProfitTargets != nil {
		out.TakeProfitTargets = make([]TakeProfitTarget, len(p.TakeProfitTargets))
		copy(out.TakeProfitTargets, p.TakeProfitTargets)
	}
	if p.Pending != nil {
		pending := *p.Pending
		out.Pending = &pending
	}
	return out
}

// CheckInvariants returns ErrInvariantViolation describing the first broken
// rule, or nil.
func (p Position) CheckInvariants() error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvariantViolation)
	case p.Quantity < 0 || math.IsNaN(p.Quantity):
		return fmt.Errorf("%w: %s quantity %v", ErrInvariantViolation, p.Symbol, p.Quantity)
	case p.Status != PositionStatusClosed && p.Quantity == 0:
		return fmt.Errorf("%w: %s is %s with zero quantity", ErrInvariantViolation, p.Symbol, p.Status)
	case p.Status == PositionStatusClosed && p.Quantity != 0:
		return fmt.Errorf("%w: %s closed with quantity %v", ErrInvariantViolation, p.Symbol, p.Quantity)
	case p.Status != PositionStatusPendingEntry && p.Quantity > p.OriginalQuantity*(1+fractionTolerance):
		return fmt.Errorf("%w: %s quantity %v exceeds original %v", ErrInvariantViolation, p.Symbol, p.Quantity, p.OriginalQuantity)
	case p.ClosedFraction > 1+fractionTolerance:
		return fmt.Errorf("%w: %s closed fraction %v", ErrInvariantViolation, p.Symbol, p.ClosedFraction)
	}
	var consumed float64
	for _, t := range p.TakeProfitTargets {
		if t.Consumed {
			consumed += t.Fraction
		}
	}
	if consumed > 1+fractionTolerance {
		return fmt.Errorf("%w: %s consumed target fractions sum to %v", ErrInvariantViolation, p.Symbol, consumed)
	}
	return nil
}

// MonthKey buckets t into the calendar month used by the trade-count ledger.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}
