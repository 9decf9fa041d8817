package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotbot/internal/book"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/executor"
	"github.com/alanyoungcy/spotbot/internal/lifecycle"
	"github.com/alanyoungcy/spotbot/internal/metrics"
	"github.com/alanyoungcy/spotbot/internal/notify"
	"github.com/alanyoungcy/spotbot/internal/risk"
)

// MonitorConfig tunes the position monitor.
type MonitorConfig struct {
	Interval             time.Duration
	Concurrency          int
	PriceTimeout         time.Duration
	MaxReconcileAttempts int
}

// DefaultMonitorConfig returns the production cadence.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:             5 * time.Minute,
		Concurrency:          4,
		PriceTimeout:         10 * time.Second,
		MaxReconcileAttempts: 5,
	}
}

// PositionMonitor runs the exit state machine over every active position.
type PositionMonitor struct {
	book     *book.Book
	policies Policies
	prices   domain.MarketData
	venue    Venue
	day      risk.DayWindow
	events   *Events
	metrics  *metrics.Metrics
	cfg      MonitorConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewPositionMonitor creates a PositionMonitor.
func NewPositionMonitor(
	b *book.Book,
	policies Policies,
	prices domain.MarketData,
	venue Venue,
	day risk.DayWindow,
	events *Events,
	m *metrics.Metrics,
	cfg MonitorConfig,
	logger *slog.Logger,
) *PositionMonitor {
	def := DefaultMonitorConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = def.PriceTimeout
	}
	if cfg.MaxReconcileAttempts <= 0 {
		cfg.MaxReconcileAttempts = def.MaxReconcileAttempts
	}
	return &PositionMonitor{
		book:     b,
		policies: policies,
		prices:   prices,
		venue:    venue,
		day:      day,
		events:   events,
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "monitor")),
	}
}

// Tick evaluates every active symbol once. A failure on one symbol is logged
// and never stops the others. Cancellation stops the tick between symbols.
func (m *PositionMonitor) Tick(ctx context.Context) error {
	start := time.Now()
	symbols := m.book.Symbols()

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := m.processSymbol(ctx, symbol); err != nil {
				m.logger.WarnContext(ctx, "monitor: symbol failed",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.metrics.MonitorTick(time.Since(start).Seconds())
	m.updateGauges()
	m.logger.DebugContext(ctx, "monitor: tick done",
		slog.Int("symbols", len(symbols)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (m *PositionMonitor) updateGauges() {
	var open, pending int
	for _, p := range m.book.Snapshot() {
		if p.Pending != nil {
			pending++
		}
		if p.IsOpen() {
			open++
		}
	}
	m.metrics.BookGauges(open, pending, len(m.book.Halted()))
}

func (m *PositionMonitor) processSymbol(ctx context.Context, symbol string) error {
	if halted, _ := m.book.IsHalted(symbol); halted {
		return nil
	}
	pos, ok := m.book.Get(symbol)
	if !ok {
		return nil
	}
	if pos.Pending != nil {
		return m.reconcile(ctx, symbol)
	}
	if !pos.IsOpen() {
		return nil
	}

	policy, err := m.policies.Get(pos.Strategy)
	if err != nil {
		return fmt.Errorf("monitor: %s: %w", symbol, err)
	}
	priceCtx, cancel := context.WithTimeout(ctx, m.cfg.PriceTimeout)
	price, err := m.prices.CurrentPrice(priceCtx, symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("monitor: price %s: %w", symbol, err)
	}
	m.metrics.Price(symbol, price)

	fx := &effects{}
	err = m.book.WithSymbol(ctx, symbol, func(tx *book.Tx) error {
		cur, ok := tx.Position()
		if !ok || cur.Pending != nil || !cur.IsOpen() {
			return nil
		}
		if halted, _ := m.book.IsHalted(symbol); halted {
			return nil
		}
		out := lifecycle.Evaluate(cur, policy, price, m.now())
		if out.Exit == nil {
			return tx.Save(out.Position)
		}
		m.logger.InfoContext(ctx, "monitor: exit triggered",
			slog.String("symbol", symbol),
			slog.String("reason", string(out.Exit.Reason)),
			slog.Float64("price", price),
			slog.Float64("quantity", out.Exit.Quantity),
			slog.Int("hold_days", out.HoldDays),
		)
		return m.exit(tx, out.Position, *out.Exit, fx)
	})
	m.events.flush(ctx, fx)
	return err
}

// exit persists the pending marker, places the sell and applies the outcome.
func (m *PositionMonitor) exit(tx *book.Tx, pos domain.Position, exit lifecycle.ExitAction, fx *effects) error {
	ctx := tx.Context()
	rules, err := m.venue.SymbolRules(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("monitor: rules %s: %w", pos.Symbol, err)
	}
	exit = lifecycle.RoundToVenue(exit, pos, rules)
	if exit.Quantity <= 0 {
		return halt(tx, fx, fmt.Sprintf("remaining quantity %g is below the venue step %g", pos.Quantity, rules.StepSize))
	}

	clientID := executor.NewClientOrderID(domain.PendingExit)
	pos.Pending = lifecycle.PendingFor(exit, clientID, m.now())
	if err := tx.Save(pos); err != nil {
		return fmt.Errorf("monitor: stage exit %s: %w", pos.Symbol, err)
	}

	fill, err := m.venue.Execute(ctx, domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          domain.OrderSideSell,
		Quantity:      exit.Quantity,
		ClientOrderID: clientID,
	})
	switch {
	case err == nil:
		return m.applyExit(tx, pos, exit, fill, fx)
	case errors.Is(err, domain.ErrAmbiguousFill):
		fx.alert(notify.SeverityWarning, "Exit unconfirmed: "+pos.Symbol,
			"%s sell of %g (%s) will be reconciled: %v", exit.Reason, exit.Quantity, clientID, err)
		return err
	default:
		pos.Pending = nil
		if saveErr := tx.Save(pos); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		return err
	}
}

// applyExit records an executed exit and its ledger row in one write.
func (m *PositionMonitor) applyExit(tx *book.Tx, pos domain.Position, exit lifecycle.ExitAction, fill domain.Fill, fx *effects) error {
	next, trade, err := lifecycle.ApplyFill(pos, exit, fill, m.now())
	if err != nil {
		return halt(tx, fx, fmt.Sprintf("exit order %s cannot be applied: %v", fill.ClientOrderID, err))
	}
	trade.ID = uuid.NewString()
	if err := tx.RecordExit(next, trade); err != nil {
		return errors.Join(err,
			halt(tx, fx, fmt.Sprintf("exit order %s filled but was not recorded: %v", fill.ClientOrderID, err)))
	}
	fx.exits = append(fx.exits, exitReport{position: next, trade: trade})
	return nil
}

// reconcile settles a position whose last order outcome is unknown.
func (m *PositionMonitor) reconcile(ctx context.Context, symbol string) error {
	fx := &effects{}
	err := m.book.WithSymbol(ctx, symbol, func(tx *book.Tx) error {
		pos, ok := tx.Position()
		if !ok || pos.Pending == nil {
			return nil
		}
		po := *pos.Pending
		log := m.logger.With(
			slog.String("symbol", symbol),
			slog.String("client_order_id", po.ClientOrderID),
			slog.String("kind", string(po.Kind)),
		)

		fill, err := m.venue.Reconcile(tx.Context(), symbol, po.ClientOrderID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.InfoContext(ctx, "monitor: pending order unknown to venue, clearing")
			return clearPending(tx, pos)
		case err != nil:
			pos.Pending.Attempts++
			if pos.Pending.Attempts >= m.cfg.MaxReconcileAttempts {
				fx.alert(notify.SeverityCritical, "Reconciliation stuck: "+symbol,
					"order %s could not be queried after %d attempts: %v", po.ClientOrderID, pos.Pending.Attempts, err)
			}
			if saveErr := tx.Save(pos); saveErr != nil {
				return errors.Join(err, saveErr)
			}
			return fmt.Errorf("monitor: reconcile %s: %w", symbol, err)
		case fill.Executed():
			log.InfoContext(ctx, "monitor: pending order filled",
				slog.Float64("executed_qty", fill.ExecutedQty),
				slog.Float64("avg_price", fill.AvgPrice),
			)
			if po.Kind == domain.PendingEntry {
				return m.confirmEntry(tx, pos, fill, fx)
			}
			return m.applyExit(tx, pos, lifecycle.ExitFromPending(po), fill, fx)
		case fill.Status.Terminal():
			log.InfoContext(ctx, "monitor: pending order ended unfilled", slog.String("status", string(fill.Status)))
			return clearPending(tx, pos)
		default:
			return nil
		}
	})
	m.events.flush(ctx, fx)
	return err
}

func (m *PositionMonitor) confirmEntry(tx *book.Tx, staged domain.Position, fill domain.Fill, fx *effects) error {
	policy, err := m.policies.Get(staged.Strategy)
	if err != nil {
		return halt(tx, fx, fmt.Sprintf("entry order %s filled for unknown strategy %q", fill.ClientOrderID, staged.Strategy))
	}
	now := m.now()
	_, err = confirmEntry(tx, staged, policy, fill, nil, m.day.Month(now), now, fx)
	return err
}
