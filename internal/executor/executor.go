// Package executor is the only path from the engine to the venue's order
// endpoints. It bounds every call in time, classifies the outcome, refuses
// duplicate client order ids and trips a circuit breaker on transport
// failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/metrics"
)

// Config tunes the executor.
type Config struct {
	OrderTimeout time.Duration
	QueryTimeout time.Duration
	DedupTTL     time.Duration
	// BreakerFailures consecutive transport failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		OrderTimeout:    15 * time.Second,
		QueryTimeout:    10 * time.Second,
		DedupTTL:        10 * time.Minute,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}
}

// Executor wraps a domain.Exchange.
type Executor struct {
	venue   domain.Exchange
	cfg     Config
	dedup   *Dedup
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Executor. m may be nil.
func New(venue domain.Exchange, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}

	logger = logger.With(slog.String("component", "executor"))
	e := &Executor{
		venue:   venue,
		cfg:     cfg,
		dedup:   NewDedup(cfg.DedupTTL),
		metrics: m,
		logger:  logger,
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "venue-orders",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A definite answer from the venue means the venue is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				!(errors.Is(err, domain.ErrTransient) || errors.Is(err, context.DeadlineExceeded))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("executor: circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return e
}

// NewClientOrderID returns a 36-char venue-safe client order id tagged
// with its purpose: "sbe-<hex>" for entries, "sbx-<hex>" for exits.
func NewClientOrderID(kind domain.PendingKind) string {
	tag := "e"
	if kind == domain.PendingExit {
		tag = "x"
	}
	id := uuid.New()
	return fmt.Sprintf("sb%s-%x", tag, id[:])
}

// Execute places a market order. Outcomes:
//   - nil error: the order is terminal and fill.ExecutedQty > 0;
//   - domain.ErrOrderRejected: nothing executed, safe to forget the order;
//   - domain.ErrAmbiguousFill: the venue may or may not have the order, the
//     caller must keep its pending marker and reconcile;
//   - domain.ErrTransient: the order was never sent (breaker open).
func (e *Executor) Execute(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if req.Quantity <= 0 || req.ClientOrderID == "" || req.Symbol == "" {
		return domain.Fill{}, fmt.Errorf("executor: invalid order request %+v: %w", req, domain.ErrOrderRejected)
	}
	if e.dedup.IsDuplicate(req.ClientOrderID) {
		e.metrics.Order(string(req.Side), "duplicate")
		return domain.Fill{}, fmt.Errorf("executor: client order id %s already submitted: %w", req.ClientOrderID, domain.ErrAlreadyExists)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.breaker.Execute(func() (any, error) {
		return e.venue.PlaceMarketOrder(callCtx, req)
	})
	log := e.logger.With(
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("quantity", req.Quantity),
		slog.String("client_order_id", req.ClientOrderID),
		slog.Duration("elapsed", time.Since(start)),
	)

	if err != nil {
		outcome, wrapped := classifyPlaceErr(err)
		e.metrics.Order(string(req.Side), outcome)
		log.WarnContext(ctx, "executor: order not confirmed",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
		return domain.Fill{}, fmt.Errorf("executor: place %s %s: %w", req.Side, req.Symbol, wrapped)
	}

	fill := res.(domain.Fill)
	switch {
	case fill.Executed():
		e.metrics.Order(string(req.Side), "filled")
		log.InfoContext(ctx, "executor: order filled",
			slog.String("order_id", fill.OrderID),
			slog.Float64("executed_qty", fill.ExecutedQty),
			slog.Float64("avg_price", fill.AvgPrice),
		)
		return fill, nil
	case fill.Status.Terminal():
		e.metrics.Order(string(req.Side), "rejected")
		return fill, fmt.Errorf("executor: order %s ended %s with nothing executed: %w", req.ClientOrderID, fill.Status, domain.ErrOrderRejected)
	default:
		e.metrics.Order(string(req.Side), "ambiguous")
		return fill, fmt.Errorf("executor: order %s still %s: %w", req.ClientOrderID, fill.Status, domain.ErrAmbiguousFill)
	}
}

// classifyPlaceErr maps a failed placement onto the caller-facing taxonomy
// and returns the metric outcome label.
func classifyPlaceErr(err error) (string, error) {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open", errors.Join(domain.ErrTransient, err)
	case errors.Is(err, domain.ErrOrderRejected),
		errors.Is(err, domain.ErrSymbolInvalid),
		errors.Is(err, domain.ErrUnauthorized):
		return "rejected", errors.Join(domain.ErrOrderRejected, err)
	case errors.Is(err, domain.ErrRateLimited):
		// 429/418 responses are refused before matching.
		return "rejected", errors.Join(domain.ErrOrderRejected, err)
	default:
		// Deadlines and transport failures: the request may still have
		// reached the matching engine.
		return "ambiguous", errors.Join(domain.ErrAmbiguousFill, err)
	}
}

// Reconcile asks the venue for the current state of an earlier order.
// domain.ErrNotFound means the venue never accepted it.
func (e *Executor) Reconcile(ctx context.Context, symbol, clientOrderID string) (domain.Fill, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	res, err := e.breaker.Execute(func() (any, error) {
		return e.venue.QueryOrder(callCtx, symbol, clientOrderID)
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("executor: reconcile %s %s: %w", symbol, clientOrderID, err)
	}
	return res.(domain.Fill), nil
}

// FreeBalance proxies the venue balance query under the query timeout.
func (e *Executor) FreeBalance(ctx context.Context, asset string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	bal, err := e.venue.FreeBalance(callCtx, asset)
	if err != nil {
		return 0, fmt.Errorf("executor: balance %s: %w", asset, err)
	}
	return bal, nil
}

// SymbolRules proxies the venue filters under the query timeout.
func (e *Executor) SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	r, err := e.venue.SymbolRules(callCtx, symbol)
	if err != nil {
		return domain.SymbolRules{}, fmt.Errorf("executor: rules %s: %w", symbol, err)
	}
	return r, nil
}

// BreakerState reports the circuit breaker state for the status endpoint.
func (e *Executor) BreakerState() string {
	return e.breaker.State().String()
}

// RunCleanup drops expired dedup entries every interval until ctx is done.
func (e *Executor) RunCleanup(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.dedup.Cleanup()
		}
	}
}
