package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per symbol holding
// "price" and "ts" (Unix ms). Entries expire after ttl so a dead feed ages
// out instead of serving stale prices.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) key(symbol string) string { return pc.c.Key("price", symbol) }

// SetPrice stores the latest trade price for symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := pc.key(symbol)
	_, err := pc.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"price", strconv.FormatFloat(price, 'f', -1, 64),
			"ts", strconv.FormatInt(ts.UnixMilli(), 10),
		)
		if pc.ttl > 0 {
			pipe.PExpire(ctx, key, pc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the cached price and its timestamp, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	price, ts, ok := parsePrice(vals)
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

func parsePrice(vals map[string]string) (float64, time.Time, bool) {
	p, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	ms, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return p, time.UnixMilli(ms), true
}

var _ domain.PriceCache = (*PriceCache)(nil)
