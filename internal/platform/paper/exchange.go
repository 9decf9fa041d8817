// Package paper simulates a spot venue for dry runs: market orders fill in
// full at the current price and balances live in memory.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// RulesSource supplies venue filters; typically the real REST client.
type RulesSource interface {
	SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error)
}

// Config configures a paper venue.
type Config struct {
	QuoteAsset     string
	StartingQuote  float64
	FeeRate        float64
	DefaultStep    float64
	DefaultMinNote float64
}

// Exchange implements domain.Exchange against a price feed.
type Exchange struct {
	prices domain.MarketData
	rules  RulesSource
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	balances map[string]float64
	orders   map[string]domain.Fill
	seq      int64
}

// NewExchange creates a paper venue. rules may be nil, in which case every
// symbol ending in the quote asset gets the default filters.
func NewExchange(prices domain.MarketData, rules RulesSource, cfg Config) *Exchange {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.DefaultStep <= 0 {
		cfg.DefaultStep = 0.0001
	}
	return &Exchange{
		prices:   prices,
		rules:    rules,
		cfg:      cfg,
		now:      time.Now,
		balances: map[string]float64{cfg.QuoteAsset: cfg.StartingQuote},
		orders:   make(map[string]domain.Fill),
	}
}

// PlaceMarketOrder fills req in full at the current price less fees.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	rules, err := e.SymbolRules(ctx, req.Symbol)
	if err != nil {
		return domain.Fill{}, err
	}
	price, err := e.prices.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("paper: price %s: %w", req.Symbol, err)
	}
	qty := rules.RoundQty(req.Quantity)
	if qty <= 0 || qty < rules.MinQty || qty*price < rules.MinNotional {
		return domain.Fill{}, fmt.Errorf("paper: quantity %v below filters: %w", req.Quantity, domain.ErrOrderRejected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.orders[req.ClientOrderID]; dup {
		return domain.Fill{}, fmt.Errorf("paper: client order id %s: %w", req.ClientOrderID, domain.ErrOrderRejected)
	}

	quote := qty * price
	fee := quote * e.cfg.FeeRate
	switch req.Side {
	case domain.OrderSideBuy:
		if e.balances[rules.QuoteAsset] < quote+fee {
			return domain.Fill{}, fmt.Errorf("paper: insufficient %s: %w", rules.QuoteAsset, domain.ErrOrderRejected)
		}
		e.balances[rules.QuoteAsset] -= quote + fee
		e.balances[rules.BaseAsset] += qty
	case domain.OrderSideSell:
		if e.balances[rules.BaseAsset] < qty {
			return domain.Fill{}, fmt.Errorf("paper: insufficient %s: %w", rules.BaseAsset, domain.ErrOrderRejected)
		}
		e.balances[rules.BaseAsset] -= qty
		e.balances[rules.QuoteAsset] += quote - fee
	default:
		return domain.Fill{}, fmt.Errorf("paper: side %q: %w", req.Side, domain.ErrOrderRejected)
	}

	e.seq++
	fill := domain.Fill{
		OrderID:       strconv.FormatInt(e.seq, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        domain.OrderStatusFilled,
		ExecutedQty:   qty,
		AvgPrice:      price,
		QuoteQty:      quote,
		Time:          e.now().UTC(),
	}
	e.orders[req.ClientOrderID] = fill
	return fill, nil
}

// QueryOrder returns a previously placed order.
func (e *Exchange) QueryOrder(_ context.Context, symbol, clientOrderID string) (domain.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fill, ok := e.orders[clientOrderID]
	if !ok || fill.Symbol != symbol {
		return domain.Fill{}, fmt.Errorf("paper: order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	return fill, nil
}

// FreeBalance returns the simulated balance of asset.
func (e *Exchange) FreeBalance(_ context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset], nil
}

// SymbolRules delegates to the rules source when there is one.
func (e *Exchange) SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error) {
	if e.rules != nil {
		return e.rules.SymbolRules(ctx, symbol)
	}
	base, ok := strings.CutSuffix(symbol, e.cfg.QuoteAsset)
	if !ok || base == "" {
		return domain.SymbolRules{}, fmt.Errorf("paper: symbol %s: %w", symbol, domain.ErrSymbolInvalid)
	}
	return domain.SymbolRules{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  e.cfg.QuoteAsset,
		StepSize:    e.cfg.DefaultStep,
		MinNotional: e.cfg.DefaultMinNote,
	}, nil
}

var _ domain.Exchange = (*Exchange)(nil)
