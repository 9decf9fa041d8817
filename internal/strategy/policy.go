package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/indicator"
)

// Variant names a strategy family.
type Variant string

const (
	// VariantTiered holds through a minimum period under a wide stop, then
	// tightens the stop and trails after the first target.
	VariantTiered Variant = "tiered"
	// VariantFlat uses one stop for the whole life of the position.
	VariantFlat Variant = "flat"
)

// TieredDefaults returns the parameters of the tiered variant.
func TieredDefaults() Params {
	return Params{
		Variant:           VariantTiered,
		InitialStopPct:    0.08,
		RegularStopPct:    0.03,
		TakeProfits:       []Level{{Pct: 0.15, Fraction: 0.5}, {Pct: 0.30, Fraction: 0.5}},
		TrailPct:          0.05,
		MinHoldDays:       7,
		MaxHoldDays:       90,
		SizeFraction:      0.40,
		MaxTradesPerMonth: 1,
		Entry: EntryRules{
			RSIBelow:          40,
			VolumeRatioAbove:  1.3,
			MinConditions:     3,
			RequireDailyTrend: true,
		},
	}
}

// FlatDefaults returns the parameters of the flat variant.
func FlatDefaults() Params {
	return Params{
		Variant:           VariantFlat,
		InitialStopPct:    0.03,
		RegularStopPct:    0.03,
		TakeProfits:       []Level{{Pct: 0.03, Fraction: 0.5}, {Pct: 0.05, Fraction: 0.5}},
		TrailPct:          0.02,
		SizeFraction:      0.10,
		MaxTradesPerMonth: 999,
		Entry: EntryRules{
			RSIBelow:         45,
			VolumeRatioAbove: 1.2,
			MinConditions:    3,
		},
	}
}

// DefaultsFor returns the built-in parameters of a variant.
func DefaultsFor(v Variant) (Params, error) {
	switch v {
	case VariantTiered:
		return TieredDefaults(), nil
	case VariantFlat:
		return FlatDefaults(), nil
	}
	return Params{}, fmt.Errorf("strategy: unknown variant %q", v)
}

// Validate checks p for values the state machine cannot work with.
func (p Params) Validate() error {
	var errs []error
	if p.Variant != VariantTiered && p.Variant != VariantFlat {
		errs = append(errs, fmt.Errorf("unknown variant %q", p.Variant))
	}
	if p.InitialStopPct <= 0 || p.InitialStopPct >= 1 || p.RegularStopPct <= 0 || p.RegularStopPct >= 1 {
		errs = append(errs, errors.New("stop percentages must be in (0, 1)"))
	}
	if p.Variant == VariantFlat && (p.MinHoldDays != 0 || p.InitialStopPct != p.RegularStopPct) {
		errs = append(errs, errors.New("flat variant takes a single stop and no minimum hold"))
	}
	if len(p.TakeProfits) != 2 {
		errs = append(errs, fmt.Errorf("expected 2 take-profit levels, got %d", len(p.TakeProfits)))
	}
	var total float64
	prev := 0.0
	for i, l := range p.TakeProfits {
		if l.Pct <= prev {
			errs = append(errs, fmt.Errorf("take-profit level %d must be above the previous one", i+1))
		}
		if l.Fraction <= 0 || l.Fraction > 1 {
			errs = append(errs, fmt.Errorf("take-profit level %d fraction must be in (0, 1]", i+1))
		}
		prev = l.Pct
		total += l.Fraction
	}
	if total > 1+1e-9 {
		errs = append(errs, fmt.Errorf("take-profit fractions sum to %v", total))
	}
	if p.TrailPct <= 0 || p.TrailPct >= 1 {
		errs = append(errs, errors.New("trail_pct must be in (0, 1)"))
	}
	if p.MinHoldDays < 0 || p.MaxHoldDays < 0 || (p.MaxHoldDays > 0 && p.MaxHoldDays <= p.MinHoldDays) {
		errs = append(errs, errors.New("hold periods must satisfy 0 <= min_hold_days < max_hold_days (0 disables max)"))
	}
	if p.SizeFraction <= 0 || p.SizeFraction > 1 {
		errs = append(errs, errors.New("size_fraction must be in (0, 1]"))
	}
	if p.MaxTradesPerMonth < 1 {
		errs = append(errs, errors.New("max_trades_per_month must be >= 1"))
	}
	if p.Entry.MinConditions < 1 || p.Entry.MinConditions > len(conditionNames) {
		errs = append(errs, fmt.Errorf("min_conditions must be in 1..%d", len(conditionNames)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("strategy: %w", errors.Join(errs...))
	}
	return nil
}

// rules implements Policy for both variants; the variant only changes the
// parameter set.
type rules struct {
	name string
	p    Params
}

// New builds a Policy named name from validated params.
func New(name string, p Params) (Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	cp := p
	cp.TakeProfits = append([]Level(nil), p.TakeProfits...)
	return &rules{name: name, p: cp}, nil
}

func (r *rules) Name() string { return r.name }

func (r *rules) StopLoss(entryPrice float64, holdDays int) float64 {
	if r.IsWithinMinHold(holdDays) {
		return entryPrice * (1 - r.p.InitialStopPct)
	}
	return entryPrice * (1 - r.p.RegularStopPct)
}

func (r *rules) TakeProfitSchedule(entryPrice float64) []domain.TakeProfitTarget {
	out := make([]domain.TakeProfitTarget, len(r.p.TakeProfits))
	for i, l := range r.p.TakeProfits {
		out[i] = domain.TakeProfitTarget{Price: entryPrice * (1 + l.Pct), Fraction: l.Fraction}
	}
	return out
}

func (r *rules) TrailingStopPrice(highest float64) float64 { return highest * (1 - r.p.TrailPct) }
func (r *rules) TrailPct() float64                         { return r.p.TrailPct }
func (r *rules) IsWithinMinHold(holdDays int) bool         { return holdDays < r.p.MinHoldDays }

func (r *rules) IsBeyondMaxHold(holdDays int) bool {
	return r.p.MaxHoldDays > 0 && holdDays >= r.p.MaxHoldDays
}

func (r *rules) PositionSizeFraction() float64 { return r.p.SizeFraction }
func (r *rules) MaxTradesPerMonth() int        { return r.p.MaxTradesPerMonth }

// Params returns a copy of the policy's parameters.
func (r *rules) Params() Params {
	cp := r.p
	cp.TakeProfits = append([]Level(nil), r.p.TakeProfits...)
	return cp
}

func (r *rules) EvaluateEntry(snap indicator.Snapshot) EntryResult {
	if r.p.Entry.RequireDailyTrend {
		if math.IsNaN(snap.DailyClose) || math.IsNaN(snap.DailyEMA50) {
			return EntryResult{Reason: "daily_indicators_na"}
		}
		if snap.DailyClose <= snap.DailyEMA50 {
			return EntryResult{Reason: "daily_trend_bearish"}
		}
	}
	return evaluateConditions(snap, r.p.Entry)
}

var _ Policy = (*rules)(nil)
