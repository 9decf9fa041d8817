package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/spotbot/internal/book"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

// confirmEntry turns a staged entry into an open position from its fill and
// persists it with the monthly trade-count increment. A fill that cannot be
// recorded halts the symbol.
func confirmEntry(
	tx *book.Tx,
	staged domain.Position,
	policy strategy.Policy,
	fill domain.Fill,
	suggested []float64,
	month string,
	now time.Time,
	fx *effects,
) (domain.Position, error) {
	opened := openedFromFill(staged, policy, fill, suggested, now)
	if err := tx.Open(opened, month); err != nil {
		return opened, errors.Join(err,
			halt(tx, fx, fmt.Sprintf("entry order %s filled but was not recorded: %v", fill.ClientOrderID, err)))
	}
	fx.entries = append(fx.entries, opened)
	return opened, nil
}

func openedFromFill(staged domain.Position, policy strategy.Policy, fill domain.Fill, suggested []float64, now time.Time) domain.Position {
	p := staged.Clone()
	p.EntryPrice = fill.AvgPrice
	if !fill.Time.IsZero() {
		p.EntryTime = fill.Time
	}
	p.EntryOrderID = fill.OrderID
	p.OriginalQuantity = fill.ExecutedQty
	p.Quantity = fill.ExecutedQty
	p.StopLossPrice = policy.StopLoss(p.EntryPrice, 0)
	p.TakeProfitTargets = takeProfits(policy, p.EntryPrice, suggested)
	p.HighestPriceSeen = p.EntryPrice
	p.CurrentPrice = p.EntryPrice
	p.LastPriceUpdate = now
	p.Status = domain.PositionStatusOpen
	p.Phase = domain.PhaseActive
	if policy.IsWithinMinHold(0) {
		p.Phase = domain.PhaseMinHold
	}
	p.Pending = nil
	return p
}

// takeProfits returns the policy schedule at entry, with prices replaced
// by suggested ones when there is one per level, strictly ascending and
// above entry. Fractions always come from the policy.
func takeProfits(policy strategy.Policy, entry float64, suggested []float64) []domain.TakeProfitTarget {
	targets := policy.TakeProfitSchedule(entry)
	if len(suggested) != len(targets) {
		return targets
	}
	prev := entry
	for _, p := range suggested {
		if p <= prev {
			return targets
		}
		prev = p
	}
	for i := range targets {
		targets[i].Price = suggested[i]
	}
	return targets
}

// clearPending forgets an order that never executed: a staged entry is
// removed and an exit marker is dropped.
func clearPending(tx *book.Tx, pos domain.Position) error {
	if pos.Pending != nil && pos.Pending.Kind == domain.PendingEntry {
		return tx.Delete()
	}
	pos.Pending = nil
	return tx.Save(pos)
}
