package domain

import (
	"context"
	"time"
)

// Timeframe is a candle interval in venue notation.
type Timeframe string

const (
	Timeframe4h Timeframe = "4h"
	Timeframe1d Timeframe = "1d"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Ticker24h is the rolling 24h summary for a symbol.
type Ticker24h struct {
	Symbol         string  `json:"symbol"`
	LastPrice      float64 `json:"last_price"`
	QuoteVolume    float64 `json:"quote_volume"`
	PriceChangePct float64 `json:"price_change_pct"`
}

// MarketSnapshot is what the advisor sees. Indicators may hold NaN for
// values that could not be computed.
type MarketSnapshot struct {
	Symbol     string
	Price      float64
	Ticker     Ticker24h
	Indicators map[string]float64
	// Screening is the entry evaluator's reason; EntryPassed its verdict.
	Screening   string
	EntryPassed bool
	Time        time.Time
}

// MarketData supplies prices and candles. Implementations classify failures
// as ErrTransient or ErrSymbolInvalid.
type MarketData interface {
	RecentCandles(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	Ticker24h(ctx context.Context, symbol string) (Ticker24h, error)
}

// Exchange executes orders and reports balances.
type Exchange interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error)
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (Fill, error)
	FreeBalance(ctx context.Context, asset string) (float64, error)
	SymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
}
