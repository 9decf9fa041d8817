package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/indicator"
)

func tiered(t *testing.T) Policy {
	t.Helper()
	p, err := New("tiered", TieredDefaults())
	require.NoError(t, err)
	return p
}

func TestTieredStopLossSwitchesAtMinHold(t *testing.T) {
	p := tiered(t)
	assert.InDelta(t, 92.0, p.StopLoss(100, 0), 1e-9)
	assert.InDelta(t, 92.0, p.StopLoss(100, 6), 1e-9)
	assert.InDelta(t, 97.0, p.StopLoss(100, 7), 1e-9)
	assert.True(t, p.IsWithinMinHold(6))
	assert.False(t, p.IsWithinMinHold(7))
	assert.False(t, p.IsBeyondMaxHold(89))
	assert.True(t, p.IsBeyondMaxHold(90))
}

func TestTakeProfitSchedule(t *testing.T) {
	targets := tiered(t).TakeProfitSchedule(100)
	require.Len(t, targets, 2)
	assert.InDelta(t, 115.0, targets[0].Price, 1e-9)
	assert.InDelta(t, 130.0, targets[1].Price, 1e-9)
	assert.Equal(t, 0.5, targets[0].Fraction)
	assert.False(t, targets[0].Consumed)
}

func TestTrailingStopPrice(t *testing.T) {
	assert.InDelta(t, 123.5, tiered(t).TrailingStopPrice(130), 1e-9)
}

func TestFlatHasNoMinHoldOrMaxHold(t *testing.T) {
	p, err := New("flat", FlatDefaults())
	require.NoError(t, err)
	assert.False(t, p.IsWithinMinHold(0))
	assert.False(t, p.IsBeyondMaxHold(10_000))
	assert.InDelta(t, 97.0, p.StopLoss(100, 0), 1e-9)
	assert.Equal(t, 999, p.MaxTradesPerMonth())
}

func TestValidateRejectsBadParams(t *testing.T) {
	bad := TieredDefaults()
	bad.TakeProfits = []Level{{Pct: 0.3, Fraction: 0.7}, {Pct: 0.15, Fraction: 0.7}}
	_, err := New("bad", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fractions sum")
	assert.Contains(t, err.Error(), "above the previous")

	flat := FlatDefaults()
	flat.MinHoldDays = 3
	_, err = New("flat", flat)
	assert.Error(t, err)
}

func bullish() indicator.Snapshot {
	return indicator.Snapshot{
		Price: 1, EMA9: 2, EMA21: 1, RSI14: 35, VolumeRatio: 1.5,
		MACD:  0.2, MACDSignal: 0.1, DailyClose: 10, DailyEMA50: 9,
	}
}

func TestEvaluateEntry(t *testing.T) {
	p := tiered(t)

	res := p.EvaluateEntry(bullish())
	assert.True(t, res.Pass)
	assert.Equal(t, "4/4:ema_cross,rsi_oversold,volume_spike,macd_bullish", res.Reason)

	s := bullish()
	s.RSI14 = 55
	res = p.EvaluateEntry(s)
	assert.True(t, res.Pass)
	assert.Equal(t, "3/4:ema_cross,volume_spike,macd_bullish", res.Reason)

	s.VolumeRatio = 1.0
	res = p.EvaluateEntry(s)
	assert.False(t, res.Pass)
	assert.Equal(t, "only_2_conditions", res.Reason)
}

func TestEvaluateEntryTreatsNaNAsFailed(t *testing.T) {
	p := tiered(t)

	s := bullish()
	s.RSI14 = math.NaN()
	s.VolumeRatio = math.NaN()
	res := p.EvaluateEntry(s)
	assert.False(t, res.Pass)
	assert.Equal(t, []string{"ema_cross", "macd_bullish"}, res.Matched)

	s = bullish()
	s.DailyEMA50 = math.NaN()
	assert.Equal(t, EntryResult{Reason: "daily_indicators_na"}, p.EvaluateEntry(s))

	s = bullish()
	s.DailyClose = 8
	assert.Equal(t, "daily_trend_bearish", p.EvaluateEntry(s).Reason)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(tiered(t))
	require.NoError(t, r.Assign("SOLUSDT", "tiered"))
	require.NoError(t, r.Assign("DOGEUSDT", "tiered"))
	assert.Error(t, r.Assign("PEPEUSDT", "flat"))

	p, err := r.ForSymbol("SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "tiered", p.Name())

	_, err = r.ForSymbol("PEPEUSDT")
	assert.Error(t, err)

	assert.Equal(t, []string{"DOGEUSDT", "SOLUSDT"}, r.Symbols())
	assert.Equal(t, []string{"tiered"}, r.List())
	assert.Len(t, r.Assignments(), 2)
}
