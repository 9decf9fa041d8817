// Package risk holds the pre-entry safety gates. Gates are pure: they read
// an Input assembled by the caller and never touch storage or the venue.
package risk

import (
	"fmt"
	"math"
)

// Gate names, returned in a Verdict when that gate rejects.
const (
	GateMonthlyCap = "monthly_trade_cap"
	GateCapacity   = "position_capacity"
	GateBalance    = "balance_sufficiency"
	GateLiquidity  = "liquidity"
	GateConfidence = "advisory_confidence"
	GateDailyLoss  = "daily_loss_breaker"
)

// Limits are the global thresholds. A zero MaxDailyLoss disables the
// breaker.
type Limits struct {
	MaxOpenPositions int
	BalanceBuffer    float64
	MinNotional      float64
	MinQuoteVolume   float64
	MinConfidence    float64
	MaxDailyLoss     float64
}

// DefaultLimits mirrors the production thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxOpenPositions: 2,
		BalanceBuffer:    0.90,
		MinNotional:      5,
		MinQuoteVolume:   50_000_000,
		MinConfidence:    70,
		MaxDailyLoss:     100,
	}
}

// Input is the state one candidate entry is judged on. VenueMinNotional
// raises Limits.MinNotional when the venue asks more. RealizedPnLToday is
// net realized PnL since the trading day opened.
type Input struct {
	Symbol            string
	MonthlyTrades     int
	MaxTradesPerMonth int
	OpenPositions     int
	AvailableBalance  float64
	SizeFraction      float64
	VenueMinNotional  float64
	QuoteVolume24h    float64
	Confidence        float64
	RealizedPnLToday  float64
}

// Gate is one named check. Check returns ok and, on rejection, a detail.
type Gate struct {
	Name  string
	Check func(in Input, l Limits) (bool, string)
}

// Verdict is the chain's result. Evaluated lists the gates that ran, in
// order, ending with the rejecting one.
type Verdict struct {
	Approved  bool
	Gate      string
	Detail    string
	Evaluated []string
}

// Chain runs gates in order and stops at the first rejection.
type Chain struct {
	gates  []Gate
	limits Limits
}

// NewChain builds a chain from explicit gates.
func NewChain(limits Limits, gates ...Gate) *Chain {
	return &Chain{gates: gates, limits: limits}
}

// DefaultChain returns the six production gates in their fixed order.
func DefaultChain(limits Limits) *Chain {
	return NewChain(limits,
		Gate{Name: GateMonthlyCap, Check: monthlyCap},
		Gate{Name: GateCapacity, Check: capacity},
		Gate{Name: GateBalance, Check: balance},
		Gate{Name: GateLiquidity, Check: liquidity},
		Gate{Name: GateConfidence, Check: confidence},
		Gate{Name: GateDailyLoss, Check: dailyLoss},
	)
}

// Limits returns the chain's thresholds.
func (c *Chain) Limits() Limits { return c.limits }

// Names lists the gate names in evaluation order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.gates))
	for i, g := range c.gates {
		out[i] = g.Name
	}
	return out
}

// Evaluate runs the chain against in.
func (c *Chain) Evaluate(in Input) Verdict {
	v := Verdict{Evaluated: make([]string, 0, len(c.gates))}
	for _, g := range c.gates {
		v.Evaluated = append(v.Evaluated, g.Name)
		if ok, detail := g.Check(in, c.limits); !ok {
			v.Gate = g.Name
			v.Detail = detail
			return v
		}
	}
	v.Approved = true
	return v
}

// MinNotional is the effective order floor for in.
func MinNotional(in Input, l Limits) float64 {
	return math.Max(l.MinNotional, in.VenueMinNotional)
}

// OrderNotional is the quote amount an entry would spend.
func OrderNotional(in Input, l Limits) float64 {
	return in.AvailableBalance * l.BalanceBuffer * in.SizeFraction
}

func monthlyCap(in Input, _ Limits) (bool, string) {
	if in.MonthlyTrades >= in.MaxTradesPerMonth {
		return false, fmt.Sprintf("%d/%d trades this month", in.MonthlyTrades, in.MaxTradesPerMonth)
	}
	return true, ""
}

func capacity(in Input, l Limits) (bool, string) {
	if in.OpenPositions >= l.MaxOpenPositions {
		return false, fmt.Sprintf("%d/%d positions open", in.OpenPositions, l.MaxOpenPositions)
	}
	return true, ""
}

func balance(in Input, l Limits) (bool, string) {
	notional, floor := OrderNotional(in, l), MinNotional(in, l)
	if notional < floor {
		return false, fmt.Sprintf("order notional %.2f below minimum %.2f", notional, floor)
	}
	return true, ""
}

func liquidity(in Input, l Limits) (bool, string) {
	if in.QuoteVolume24h < l.MinQuoteVolume {
		return false, fmt.Sprintf("24h volume %.0f below %.0f", in.QuoteVolume24h, l.MinQuoteVolume)
	}
	return true, ""
}

func confidence(in Input, l Limits) (bool, string) {
	if in.Confidence < l.MinConfidence {
		return false, fmt.Sprintf("confidence %.1f below %.1f", in.Confidence, l.MinConfidence)
	}
	return true, ""
}

func dailyLoss(in Input, l Limits) (bool, string) {
	if l.MaxDailyLoss <= 0 {
		return true, ""
	}
	if loss := -in.RealizedPnLToday; loss > l.MaxDailyLoss {
		return false, fmt.Sprintf("realized loss today %.2f exceeds %.2f", loss, l.MaxDailyLoss)
	}
	return true, ""
}
