package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// PriceSource decorates a domain.MarketData so CurrentPrice prefers a cached
// streaming price no older than maxAge and falls back to the REST call.
type PriceSource struct {
	domain.MarketData
	cache  domain.PriceCache
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewPriceSource creates a PriceSource. A nil cache always uses REST.
func NewPriceSource(rest domain.MarketData, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *PriceSource {
	return &PriceSource{
		MarketData: rest,
		cache:      cache,
		maxAge:     maxAge,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "price_source")),
	}
}

// CurrentPrice returns a fresh cached price when there is one.
func (s *PriceSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if s.cache != nil {
		price, ts, err := s.cache.GetPrice(ctx, symbol)
		switch {
		case err == nil && price > 0 && s.now().Sub(ts) <= s.maxAge:
			return price, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			s.logger.DebugContext(ctx, "price_source: cache read failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return s.MarketData.CurrentPrice(ctx, symbol)
}

// MemoryCache is an in-process domain.PriceCache for runs without Redis.
type MemoryCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
}

type cachedPrice struct {
	price float64
	ts    time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{prices: make(map[string]cachedPrice)}
}

func (m *MemoryCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = cachedPrice{price: price, ts: ts}
	return nil
}

func (m *MemoryCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

var (
	_ domain.MarketData = (*PriceSource)(nil)
	_ domain.PriceCache = (*MemoryCache)(nil)
)
