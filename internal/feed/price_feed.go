// Package feed keeps the latest trade price of every tracked symbol in a
// shared cache and serves it back to the engine with a REST fallback.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/platform/binance"
)

// PricesChannel is the bus channel live ticks are published on.
const PricesChannel = "prices"

// TickSource is a streaming price source such as binance.TickerStream.
type TickSource interface {
	OnTick(binance.TickHandler)
	Run(ctx context.Context) error
}

// priceEvent is the JSON published on PricesChannel.
type priceEvent struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// PriceFeed copies ticks from a TickSource into a PriceCache, writing each
// symbol at most once per minInterval, and optionally republishes them.
type PriceFeed struct {
	source      TickSource
	cache       domain.PriceCache
	bus         domain.SignalBus
	minInterval time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	lastPut map[string]time.Time
}

// NewPriceFeed creates a PriceFeed. bus may be nil.
func NewPriceFeed(source TickSource, cache domain.PriceCache, bus domain.SignalBus, minInterval time.Duration, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		source:      source,
		cache:       cache,
		bus:         bus,
		minInterval: minInterval,
		logger:      logger.With(slog.String("component", "price_feed")),
		lastPut:     make(map[string]time.Time),
	}
}

// Run streams until ctx is cancelled.
func (f *PriceFeed) Run(ctx context.Context) error {
	f.source.OnTick(func(t binance.Tick) { f.handle(ctx, t) })
	f.logger.InfoContext(ctx, "price_feed: started")
	defer f.logger.Info("price_feed: stopped")
	return f.source.Run(ctx)
}

func (f *PriceFeed) handle(ctx context.Context, t binance.Tick) {
	if !f.due(t.Symbol, t.Time) {
		return
	}
	if err := f.cache.SetPrice(ctx, t.Symbol, t.Price, t.Time); err != nil {
		f.logger.DebugContext(ctx, "price_feed: cache write failed",
			slog.String("symbol", t.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	if f.bus == nil {
		return
	}
	payload, err := json.Marshal(priceEvent{Symbol: t.Symbol, Price: t.Price, Time: t.Time})
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, PricesChannel, payload); err != nil {
		f.logger.DebugContext(ctx, "price_feed: publish failed", slog.String("error", err.Error()))
	}
}

// due reports whether symbol may be written at ts and records the write.
func (f *PriceFeed) due(symbol string, ts time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.lastPut[symbol]; ok && ts.Sub(last) < f.minInterval {
		return false
	}
	f.lastPut[symbol] = ts
	return true
}
