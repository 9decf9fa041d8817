package strategy

import (
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/indicator"
)

// Policy defines the exit and entry rules of one strategy variant. Every
// method is pure.
type Policy interface {
	Name() string
	// StopLoss returns the stop price for a position held holdDays.
	StopLoss(entryPrice float64, holdDays int) float64
	// TakeProfitSchedule returns the targets fixed at entry.
	TakeProfitSchedule(entryPrice float64) []domain.TakeProfitTarget
	TrailingStopPrice(highest float64) float64
	TrailPct() float64
	IsWithinMinHold(holdDays int) bool
	IsBeyondMaxHold(holdDays int) bool
	PositionSizeFraction() float64
	MaxTradesPerMonth() int
	EvaluateEntry(snap indicator.Snapshot) EntryResult
}

// EntryResult is the screening verdict. Reason lists matched conditions on
// a pass and the shortfall on a fail.
type EntryResult struct {
	Pass    bool
	Reason  string
	Matched []string
}

// Level is one take-profit step relative to entry.
type Level struct {
	Pct      float64
	Fraction float64
}

// EntryRules configures the screening conditions.
type EntryRules struct {
	RSIBelow          float64
	VolumeRatioAbove  float64
	MinConditions     int
	RequireDailyTrend bool
}

// Params fully describes a variant.
type Params struct {
	Variant           Variant
	InitialStopPct    float64
	RegularStopPct    float64
	TakeProfits       []Level
	TrailPct          float64
	MinHoldDays       int
	MaxHoldDays       int
	SizeFraction      float64
	MaxTradesPerMonth int
	Entry             EntryRules
}
