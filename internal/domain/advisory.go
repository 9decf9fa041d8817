package domain

import "context"

// Action is an advisor's recommendation.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Advice is an advisory decision. Confidence is on a 0-100 scale.
type Advice struct {
	Action               Action
	Confidence           float64
	Rationale            string
	SuggestedStopLoss    *float64
	SuggestedTakeProfits []float64
	Source               string
}

// Advisor proposes a trade decision for a market snapshot.
type Advisor interface {
	ProposeDecision(ctx context.Context, snap MarketSnapshot) (Advice, error)
}
