package domain

import (
	"context"
	"time"
)

// PriceCache holds the last trade price per symbol with its timestamp, so
// readers can judge staleness.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	// GetPrice returns ErrNotFound when nothing is cached for symbol.
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// RateLimiter admits at most limit requests per key within window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager guards a key across processes. Acquire returns ErrLockHeld
// when another owner keeps the lease; unlock releases only a lease this
// caller owns.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus fans position and price events out to other processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// StreamAppend keeps a capped, replayable history next to the live
	// channel.
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
