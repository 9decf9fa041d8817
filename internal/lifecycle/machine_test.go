package lifecycle

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

var entryTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return entryTime.Add(time.Duration(n)*24*time.Hour + time.Hour) }

func tieredPolicy(t *testing.T, mutate func(*strategy.Params)) strategy.Policy {
	t.Helper()
	p := strategy.TieredDefaults()
	if mutate != nil {
		mutate(&p)
	}
	pol, err := strategy.New("tiered", p)
	require.NoError(t, err)
	return pol
}

func newPosition(policy strategy.Policy, qty float64) domain.Position {
	return domain.Position{
		ID:                "pos-1",
		Symbol:            "DOGEUSDT",
		Strategy:          policy.Name(),
		EntryPrice:        100,
		EntryTime:         entryTime,
		OriginalQuantity:  qty,
		Quantity:          qty,
		StopLossPrice:     policy.StopLoss(100, 0),
		TakeProfitTargets: policy.TakeProfitSchedule(100),
		HighestPriceSeen:  100,
		Status:            domain.PositionStatusOpen,
		Phase:             domain.PhaseMinHold,
	}
}

func fillFor(exit *ExitAction, price float64) domain.Fill {
	return domain.Fill{OrderID: "o-1", Status: domain.OrderStatusFilled, ExecutedQty: exit.Quantity, AvgPrice: price}
}

// step evaluates one tick and applies any exit as if fully filled.
func step(t *testing.T, pos domain.Position, policy strategy.Policy, price float64, now time.Time) (domain.Position, *ExitAction) {
	t.Helper()
	out := Evaluate(pos, policy, price, now)
	if out.Exit == nil {
		return out.Position, nil
	}
	next, trade, err := ApplyFill(out.Position, *out.Exit, fillFor(out.Exit, price), now)
	require.NoError(t, err)
	assert.Equal(t, out.Exit.Reason, trade.Reason)
	return next, out.Exit
}

func TestEarlyStopLoss(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 1000)

	out := Evaluate(pos, policy, 91.9, day(3))
	require.NotNil(t, out.Exit)
	assert.Equal(t, domain.ExitStopLossEarly, out.Exit.Reason)
	assert.True(t, out.Exit.Final)
	assert.Equal(t, 1000.0, out.Exit.Quantity)

	closed, trade, err := ApplyFill(out.Position, *out.Exit, fillFor(out.Exit, 91.9), day(3))
	require.NoError(t, err)
	assert.Zero(t, closed.Quantity)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	assert.Equal(t, domain.PhaseClosed, closed.Phase)
	assert.True(t, trade.Final)
	assert.InDelta(t, -8100.0, trade.PnL, 1e-6)
	assert.InDelta(t, 1.0, closed.ClosedFraction, 1e-9)
}

func TestStopLossAfterMinHold(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 10)

	out := Evaluate(pos, policy, 96.9, day(8))
	require.NotNil(t, out.Exit)
	assert.Equal(t, domain.ExitStopLoss, out.Exit.Reason)
	assert.InDelta(t, 97.0, out.Position.StopLossPrice, 1e-9)

	// 96.9 is above the wide stop while within min hold.
	out = Evaluate(pos, policy, 96.9, day(3))
	assert.Nil(t, out.Exit)
	assert.Equal(t, domain.PhaseMinHold, out.Position.Phase)
}

func TestTakeProfitThenTrailingStop(t *testing.T) {
	policy := tieredPolicy(t, func(p *strategy.Params) {
		p.TakeProfits[1].Pct = 0.40
	})
	pos := newPosition(policy, 1000)

	pos, exit := step(t, pos, policy, 115, day(10))
	require.NotNil(t, exit)
	assert.Equal(t, domain.ExitTakeProfit1, exit.Reason)
	assert.False(t, exit.Final)
	assert.Equal(t, 500.0, pos.Quantity)
	assert.True(t, pos.TP1Hit)
	assert.Equal(t, 115.0, pos.HighestPriceSeen)
	assert.Equal(t, domain.PositionStatusPartiallyClosed, pos.Status)
	assert.Equal(t, domain.PhaseTrailing, pos.Phase)
	assert.True(t, pos.TakeProfitTargets[0].Consumed)

	pos, exit = step(t, pos, policy, 130, day(12))
	assert.Nil(t, exit)
	assert.Equal(t, 130.0, pos.HighestPriceSeen)
	assert.InDelta(t, 123.5, policy.TrailingStopPrice(pos.HighestPriceSeen), 1e-9)

	pos, exit = step(t, pos, policy, 120, day(13))
	require.NotNil(t, exit)
	assert.Equal(t, domain.ExitTrailingStop, exit.Reason)
	assert.Equal(t, 500.0, exit.Quantity)
	assert.Zero(t, pos.Quantity)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.InDelta(t, 1.0, pos.ClosedFraction, 1e-9)
}

func TestTakeProfit2ClosesRemainder(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 10)
	pos, _ = step(t, pos, policy, 116, day(8))
	require.True(t, pos.TP1Hit)

	pos, exit := step(t, pos, policy, 131, day(9))
	require.NotNil(t, exit)
	assert.Equal(t, domain.ExitTakeProfit2, exit.Reason)
	assert.Equal(t, 1, exit.TargetIndex)
	assert.Zero(t, pos.Quantity)
	assert.True(t, pos.TakeProfitTargets[1].Consumed)
}

func TestMaxHoldWinsOverEverything(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 10)
	out := Evaluate(pos, policy, 50, day(90))
	require.NotNil(t, out.Exit)
	assert.Equal(t, domain.ExitMaxHold, out.Exit.Reason)
}

func TestClosedPositionIsNoOp(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 10)
	pos.Quantity = 0
	pos.Status = domain.PositionStatusClosed
	out := Evaluate(pos, policy, 10, day(3))
	assert.Nil(t, out.Exit)
	assert.Equal(t, pos, out.Position)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 10)
	for _, price := range []float64{91, 100, 115, 130} {
		a := Evaluate(pos, policy, price, day(9))
		b := Evaluate(pos, policy, price, day(9))
		assert.Equal(t, a, b)

		// Persisting a no-exit tick and replaying it changes nothing.
		if a.Exit == nil {
			c := Evaluate(a.Position, policy, price, day(9))
			assert.Equal(t, a.Position, c.Position)
			assert.Nil(t, c.Exit)
		}
	}
}

func TestTP1PeakUsesTriggerPriceNotFill(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 10)

	out := Evaluate(pos, policy, 115, day(10))
	require.NotNil(t, out.Exit)
	require.Equal(t, domain.ExitTakeProfit1, out.Exit.Reason)

	// The exit survives a restart through its pending marker.
	exit := ExitFromPending(*PendingFor(*out.Exit, "c-1", day(10)))
	assert.Equal(t, 115.0, exit.TriggerPrice)

	next, _, err := ApplyFill(out.Position, exit, fillFor(&exit, 118), day(10))
	require.NoError(t, err)
	assert.Equal(t, 115.0, next.HighestPriceSeen)
	assert.InDelta(t, 109.25, policy.TrailingStopPrice(next.HighestPriceSeen), 1e-9)

	held := Evaluate(next, policy, 112, day(11))
	assert.Nil(t, held.Exit)

	// Without a recorded trigger the fill price is the only reference.
	exit.TriggerPrice = 0
	next, _, err = ApplyFill(out.Position, exit, fillFor(&exit, 118), day(10))
	require.NoError(t, err)
	assert.Equal(t, 118.0, next.HighestPriceSeen)
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 10)
	exit := ExitAction{Reason: domain.ExitStopLoss, Quantity: 10, TargetIndex: noTarget, Final: true}
	_, _, err := ApplyFill(pos, exit, domain.Fill{ExecutedQty: 11, AvgPrice: 90, Status: domain.OrderStatusFilled}, day(8))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	_, _, err = ApplyFill(pos, exit, domain.Fill{Status: domain.OrderStatusExpired}, day(8))
	assert.Error(t, err)
}

func TestPartialExecutionKeepsPositionOpen(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 10)
	exit := ExitAction{Reason: domain.ExitStopLoss, Quantity: 10, TargetIndex: noTarget, Final: true}
	next, trade, err := ApplyFill(pos, exit, domain.Fill{ExecutedQty: 4, AvgPrice: 96, Status: domain.OrderStatusExpired}, day(8))
	require.NoError(t, err)
	assert.Equal(t, 6.0, next.Quantity)
	assert.Equal(t, domain.PositionStatusPartiallyClosed, next.Status)
	assert.False(t, trade.Final)
	assert.InDelta(t, 0.4, trade.Fraction, 1e-9)
}

func TestRoundToVenue(t *testing.T) {
	policy := tieredPolicy(t, nil)
	pos := newPosition(policy, 3)
	rules := domain.SymbolRules{StepSize: 1, MinQty: 1}

	partial := ExitAction{Reason: domain.ExitTakeProfit1, Quantity: 1.5, Fraction: 0.5, TargetIndex: 0}
	got := RoundToVenue(partial, pos, rules)
	assert.Equal(t, 1.0, got.Quantity)
	assert.False(t, got.Final)

	pos = newPosition(policy, 1)
	partial.Quantity = 0.5
	got = RoundToVenue(partial, pos, rules)
	assert.True(t, got.Final)
	assert.Equal(t, 1.0, got.Quantity)
	assert.Equal(t, 0, got.TargetIndex)
}

// Property checks over random price paths.
func TestRandomPathsHoldInvariants(t *testing.T) {
	policy := tieredPolicy(t, nil)
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 200; run++ {
		pos := newPosition(policy, 1000)
		price := 100.0
		peakAfterTP1 := 0.0
		var fractions float64

		for d := 0; d < 120 && pos.IsOpen(); d++ {
			price *= 1 + (rng.Float64()-0.45)*0.08
			now := day(d)
			out := Evaluate(pos, policy, price, now)

			if policy.IsWithinMinHold(out.HoldDays) && out.Exit != nil {
				assert.Contains(t, []domain.ExitReason{domain.ExitStopLossEarly, domain.ExitMaxHold}, out.Exit.Reason)
			}

			if out.Exit == nil {
				pos = out.Position
			} else {
				next, trade, err := ApplyFill(out.Position, *out.Exit, fillFor(out.Exit, price), now)
				require.NoError(t, err)
				fractions += trade.Fraction
				pos = next
			}

			if pos.TP1Hit {
				assert.GreaterOrEqual(t, pos.HighestPriceSeen, peakAfterTP1)
				peakAfterTP1 = pos.HighestPriceSeen
			}
			assert.LessOrEqual(t, fractions, 1.0+1e-9)
			require.NoError(t, pos.CheckInvariants())
		}
	}
}
