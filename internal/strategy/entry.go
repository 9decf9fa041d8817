package strategy

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/spotbot/internal/indicator"
)

var conditionNames = []string{"ema_cross", "rsi_oversold", "volume_spike", "macd_bullish"}

// evaluateConditions counts the screening conditions that hold. Any
// comparison against NaN is false, so a missing indicator fails its
// condition.
func evaluateConditions(s indicator.Snapshot, rules EntryRules) EntryResult {
	checks := []bool{
		s.EMA9 > s.EMA21,
		s.RSI14 < rules.RSIBelow,
		s.VolumeRatio > rules.VolumeRatioAbove,
		s.MACD > s.MACDSignal,
	}
	var matched []string
	for i, ok := range checks {
		if ok {
			matched = append(matched, conditionNames[i])
		}
	}
	if len(matched) < rules.MinConditions {
		return EntryResult{Reason: fmt.Sprintf("only_%d_conditions", len(matched)), Matched: matched}
	}
	return EntryResult{
		Pass:    true,
		Reason:  fmt.Sprintf("%d/%d:%s", len(matched), len(checks), strings.Join(matched, ",")),
		Matched: matched,
	}
}
