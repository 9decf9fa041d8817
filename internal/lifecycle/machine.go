// Package lifecycle is the exit state machine for one position. It performs
// no I/O: Evaluate decides, ApplyFill records what the venue executed.
package lifecycle

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

// qtyEpsilon treats float residue below this share of the original quantity
// as zero.
const qtyEpsilon = 1e-9

// noTarget marks exits that do not consume a take-profit level.
const noTarget = -1

// ExitAction is a decided exit. Quantity is in base units; Fraction is a
// share of the original quantity.
type ExitAction struct {
	Reason       domain.ExitReason
	Quantity     float64
	Fraction     float64
	TargetIndex  int
	Final        bool
	TriggerPrice float64
	StopPrice    float64
}

// Outcome is the result of one tick. Position carries the price bookkeeping
// for the tick and is safe to persist when Exit is nil.
type Outcome struct {
	Position domain.Position
	Exit     *ExitAction
	HoldDays int
}

// Evaluate runs the ordered exit rules for pos at price. The first matching
// rule wins. A position with no quantity is returned unchanged.
func Evaluate(pos domain.Position, policy strategy.Policy, price float64, now time.Time) Outcome {
	if !pos.IsOpen() || price <= 0 || math.IsNaN(price) {
		return Outcome{Position: pos}
	}

	p := pos.Clone()
	hold := p.HoldDays(now)
	p.CurrentPrice = price
	p.LastPriceUpdate = now
	p.StopLossPrice = policy.StopLoss(p.EntryPrice, hold)
	withinMinHold := policy.IsWithinMinHold(hold)
	out := Outcome{Position: p, HoldDays: hold}

	if policy.IsBeyondMaxHold(hold) {
		out.Exit = closeAll(p, domain.ExitMaxHold, price, 0)
		return out
	}

	if price <= p.StopLossPrice {
		reason := domain.ExitStopLoss
		if withinMinHold {
			reason = domain.ExitStopLossEarly
		}
		out.Exit = closeAll(p, reason, price, p.StopLossPrice)
		return out
	}

	if !p.TP1Hit {
		p.HighestPriceSeen = math.Max(p.HighestPriceSeen, price)
	}

	if withinMinHold {
		p.Phase = domain.PhaseMinHold
		out.Position = p
		return out
	}

	if !p.TP1Hit {
		p.Phase = domain.PhaseActive
		out.Position = p
		if len(p.TakeProfitTargets) > 0 {
			tp := p.TakeProfitTargets[0]
			if !tp.Consumed && price >= tp.Price {
				out.Exit = takeFraction(p, domain.ExitTakeProfit1, 0, tp.Fraction, price)
			}
		}
		return out
	}

	p.Phase = domain.PhaseTrailing
	p.HighestPriceSeen = math.Max(p.HighestPriceSeen, price)
	out.Position = p
	trail := policy.TrailingStopPrice(p.HighestPriceSeen)
	if price <= trail {
		out.Exit = closeAll(p, domain.ExitTrailingStop, price, trail)
		return out
	}

	if len(p.TakeProfitTargets) > 1 {
		tp := p.TakeProfitTargets[1]
		if !tp.Consumed && price >= tp.Price {
			exit := closeAll(p, domain.ExitTakeProfit2, price, 0)
			exit.TargetIndex = 1
			out.Exit = exit
		}
	}
	return out
}

func closeAll(p domain.Position, reason domain.ExitReason, price, stop float64) *ExitAction {
	return &ExitAction{
		Reason:       reason,
		Quantity:     p.Quantity,
		Fraction:     remainingFraction(p),
		TargetIndex:  noTarget,
		Final:        true,
		TriggerPrice: price,
		StopPrice:    stop,
	}
}

func takeFraction(p domain.Position, reason domain.ExitReason, idx int, fraction, price float64) *ExitAction {
	qty := p.OriginalQuantity * fraction
	if qty >= p.Quantity*(1-qtyEpsilon) {
		exit := closeAll(p, reason, price, 0)
		exit.TargetIndex = idx
		return exit
	}
	return &ExitAction{
		Reason:       reason,
		Quantity:     qty,
		Fraction:     fraction,
		TargetIndex:  idx,
		TriggerPrice: price,
	}
}

func remainingFraction(p domain.Position) float64 {
	if p.OriginalQuantity <= 0 {
		return 0
	}
	return p.Quantity / p.OriginalQuantity
}

// RoundToVenue floors the exit quantity to the venue step. A partial exit
// that would leave less than one tradable lot, or that rounds to nothing,
// becomes a full close of the remaining quantity.
func RoundToVenue(exit ExitAction, pos domain.Position, rules domain.SymbolRules) ExitAction {
	if exit.Final {
		exit.Quantity = rules.RoundQty(pos.Quantity)
		return exit
	}
	qty := rules.RoundQty(exit.Quantity)
	left := rules.RoundQty(pos.Quantity - qty)
	if qty <= 0 || left <= 0 || left < rules.MinQty {
		exit.Quantity = rules.RoundQty(pos.Quantity)
		exit.Fraction = remainingFraction(pos)
		exit.Final = true
		return exit
	}
	exit.Quantity = qty
	return exit
}

// ApplyFill applies an executed exit to pos and returns the new position
// and its ledger row. It never repairs a bad state: an overfill or a broken
// invariant returns domain.ErrInvariantViolation.
func ApplyFill(pos domain.Position, exit ExitAction, fill domain.Fill, now time.Time) (domain.Position, domain.ClosedTrade, error) {
	if fill.ExecutedQty <= 0 {
		return pos, domain.ClosedTrade{}, fmt.Errorf("lifecycle: %s: fill executed nothing", pos.Symbol)
	}
	if fill.ExecutedQty > pos.Quantity*(1+qtyEpsilon) {
		return pos, domain.ClosedTrade{}, fmt.Errorf("%w: %s fill %v exceeds remaining %v",
			domain.ErrInvariantViolation, pos.Symbol, fill.ExecutedQty, pos.Quantity)
	}

	p := pos.Clone()
	qty := math.Min(fill.ExecutedQty, p.Quantity)
	p.Quantity -= qty
	if p.Quantity <= p.OriginalQuantity*qtyEpsilon {
		p.Quantity = 0
	}
	fraction := qty / p.OriginalQuantity
	p.ClosedFraction += fraction
	pnl := (fill.AvgPrice - p.EntryPrice) * qty
	p.RealizedPnL += pnl
	p.Pending = nil
	p.UpdatedAt = now
	p.CurrentPrice = fill.AvgPrice
	p.LastPriceUpdate = now

	if exit.TargetIndex >= 0 && exit.TargetIndex < len(p.TakeProfitTargets) {
		p.TakeProfitTargets[exit.TargetIndex].Consumed = true
	}
	// The trailing peak starts at the tick price that hit TP1, not the fill.
	if exit.Reason == domain.ExitTakeProfit1 && !p.TP1Hit {
		p.TP1Hit = true
		p.HighestPriceSeen = exit.TriggerPrice
		if p.HighestPriceSeen <= 0 {
			p.HighestPriceSeen = fill.AvgPrice
		}
	}

	final := p.Quantity == 0
	switch {
	case final:
		p.Status = domain.PositionStatusClosed
		p.Phase = domain.PhaseClosed
	case p.TP1Hit:
		p.Status = domain.PositionStatusPartiallyClosed
		p.Phase = domain.PhaseTrailing
	default:
		p.Status = domain.PositionStatusPartiallyClosed
	}

	if err := p.CheckInvariants(); err != nil {
		return pos, domain.ClosedTrade{}, fmt.Errorf("lifecycle: apply %s: %w", exit.Reason, err)
	}

	var pnlPct float64
	if p.EntryPrice > 0 {
		pnlPct = (fill.AvgPrice - p.EntryPrice) / p.EntryPrice * 100
	}
	trade := domain.ClosedTrade{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Strategy:   p.Strategy,
		Reason:     exit.Reason,
		Fraction:   fraction,
		Quantity:   qty,
		EntryPrice: p.EntryPrice,
		ExitPrice:  fill.AvgPrice,
		PnL:        pnl,
		PnLPct:     pnlPct,
		OrderID:    fill.OrderID,
		EntryTime:  p.EntryTime,
		ExitTime:   now,
		Final:      final,
	}
	return p, trade, nil
}

// ExitFromPending rebuilds the decided exit from a persisted marker.
func ExitFromPending(po domain.PendingOrder) ExitAction {
	return ExitAction{
		Reason:       po.Reason,
		Quantity:     po.Quantity,
		Fraction:     po.Fraction,
		TargetIndex:  po.TargetIndex,
		TriggerPrice: po.TriggerPrice,
	}
}

// PendingFor builds the marker persisted before an exit order is sent.
func PendingFor(exit ExitAction, clientOrderID string, now time.Time) *domain.PendingOrder {
	return &domain.PendingOrder{
		Kind:          domain.PendingExit,
		ClientOrderID: clientOrderID,
		Side:          domain.OrderSideSell,
		Quantity:      exit.Quantity,
		Reason:        exit.Reason,
		Fraction:      exit.Fraction,
		TargetIndex:   exit.TargetIndex,
		TriggerPrice:  exit.TriggerPrice,
		PlacedAt:      now,
	}
}
