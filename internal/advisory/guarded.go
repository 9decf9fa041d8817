package advisory

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Guarded wraps an optional advisor. Errors and malformed advice never reach
// the caller: they are logged and replaced with a fallback decision built
// from the entry evaluator's verdict and a fixed confidence.
type Guarded struct {
	inner              domain.Advisor
	fallbackConfidence float64
	logger             *slog.Logger
}

// NewGuarded creates a Guarded advisor. inner may be nil, in which case
// every decision is the fallback.
func NewGuarded(inner domain.Advisor, fallbackConfidence float64, logger *slog.Logger) *Guarded {
	return &Guarded{
		inner:              inner,
		fallbackConfidence: fallbackConfidence,
		logger:             logger.With(slog.String("component", "advisory")),
	}
}

// ProposeDecision never returns an error.
func (g *Guarded) ProposeDecision(ctx context.Context, snap domain.MarketSnapshot) (domain.Advice, error) {
	if g.inner == nil {
		return g.fallback(snap), nil
	}
	adv, err := g.inner.ProposeDecision(ctx, snap)
	if err == nil {
		err = Validate(adv, snap.Price)
	}
	if err != nil {
		g.logger.WarnContext(ctx, "advisory: using fallback decision",
			slog.String("symbol", snap.Symbol),
			slog.String("error", err.Error()),
		)
		return g.fallback(snap), nil
	}
	return adv, nil
}

func (g *Guarded) fallback(snap domain.MarketSnapshot) domain.Advice {
	action := domain.ActionHold
	if snap.EntryPassed {
		action = domain.ActionBuy
	}
	return domain.Advice{
		Action:     action,
		Confidence: g.fallbackConfidence,
		Rationale:  "fallback: " + snap.Screening,
		Source:     "fallback",
	}
}

// Validate checks an advice against the current price. Suggested levels are
// optional, but when present the stop must be below price and the targets
// strictly ascending above it.
func Validate(a domain.Advice, price float64) error {
	switch a.Action {
	case domain.ActionBuy, domain.ActionSell, domain.ActionHold:
	default:
		return fmt.Errorf("unknown action %q: %w", a.Action, domain.ErrMalformedAdvice)
	}
	if math.IsNaN(a.Confidence) || a.Confidence < 0 || a.Confidence > 100 {
		return fmt.Errorf("confidence %v outside 0-100: %w", a.Confidence, domain.ErrMalformedAdvice)
	}
	if sl := a.SuggestedStopLoss; sl != nil && (*sl <= 0 || *sl >= price) {
		return fmt.Errorf("stop loss %v not below price %v: %w", *sl, price, domain.ErrMalformedAdvice)
	}
	prev := price
	for _, tp := range a.SuggestedTakeProfits {
		if !(tp > prev) {
			return fmt.Errorf("take profits %v not ascending above %v: %w", a.SuggestedTakeProfits, price, domain.ErrMalformedAdvice)
		}
		prev = tp
	}
	return nil
}

var _ domain.Advisor = (*Guarded)(nil)
