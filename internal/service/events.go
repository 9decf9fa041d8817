// Package service holds the engine's loops: the position monitor that
// manages exits, the entry scanner that opens positions, and the jobs
// around them.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spotbot/internal/book"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/metrics"
	"github.com/alanyoungcy/spotbot/internal/notify"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

// Bus names for position events.
const (
	PositionsChannel     = "positions"
	PositionEventsStream = "position-events"
)

// Venue is the order path the loops trade through; *executor.Executor
// satisfies it.
type Venue interface {
	Execute(ctx context.Context, req domain.OrderRequest) (domain.Fill, error)
	Reconcile(ctx context.Context, symbol, clientOrderID string) (domain.Fill, error)
	FreeBalance(ctx context.Context, asset string) (float64, error)
	SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error)
}

// Policies resolves strategy policies by name and by symbol.
type Policies interface {
	Get(name string) (strategy.Policy, error)
	ForSymbol(symbol string) (strategy.Policy, error)
	Symbols() []string
}

// Ledger is the read side of the trade ledgers the gates need.
type Ledger interface {
	MonthlyTradeCount(ctx context.Context, symbol, month string) (int, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
}

// Events publishes what the loops did. Every collaborator is optional and
// every failure is logged only.
type Events struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEvents creates an Events sink. Any argument but logger may be nil.
func NewEvents(
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Events {
	return &Events{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Record publishes event on the bus and the durable stream and appends it
// to the audit log.
func (e *Events) Record(ctx context.Context, event string, detail map[string]any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if e.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"event":  event,
			"time":   time.Now().UTC(),
			"detail": detail,
		})
		if err == nil {
			if err := e.bus.Publish(ctx, PositionsChannel, payload); err != nil {
				e.warn(ctx, "publish", event, err)
			}
			if err := e.bus.StreamAppend(ctx, PositionEventsStream, payload); err != nil {
				e.warn(ctx, "stream append", event, err)
			}
		}
	}
	if e.audit != nil {
		if err := e.audit.Log(ctx, event, detail); err != nil {
			e.warn(ctx, "audit", event, err)
		}
	}
}

func (e *Events) warn(ctx context.Context, op, event string, err error) {
	e.logger.WarnContext(ctx, "events: "+op+" failed",
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
}

// effects collects what a critical section decided to announce so it can be
// sent after the section's writes are done.
type effects struct {
	entries []domain.Position
	exits   []exitReport
	alerts  []alertMsg
}

type exitReport struct {
	position domain.Position
	trade    domain.ClosedTrade
}

type alertMsg struct {
	severity notify.Severity
	title    string
	message  string
}

func (fx *effects) alert(sev notify.Severity, title, format string, args ...any) {
	fx.alerts = append(fx.alerts, alertMsg{severity: sev, title: title, message: fmt.Sprintf(format, args...)})
}

// flush announces everything fx collected.
func (e *Events) flush(ctx context.Context, fx *effects) {
	for _, p := range fx.entries {
		e.metrics.Entry(p.Symbol, p.Strategy)
		e.Record(ctx, "position.opened", map[string]any{
			"symbol":      p.Symbol,
			"position_id": p.ID,
			"strategy":    p.Strategy,
			"entry_price": p.EntryPrice,
			"quantity":    p.Quantity,
			"confidence":  p.Confidence,
		})
		e.notifier.Notify(ctx, notify.EventEntry,
			fmt.Sprintf("Opened %s", p.Symbol),
			fmt.Sprintf("%s bought %g @ %g (stop %g)", p.Strategy, p.Quantity, p.EntryPrice, p.StopLossPrice))
	}
	for _, x := range fx.exits {
		t := x.trade
		e.metrics.Exit(t.Symbol, string(t.Reason))
		e.Record(ctx, "position.exit", map[string]any{
			"symbol":      t.Symbol,
			"position_id": t.PositionID,
			"reason":      string(t.Reason),
			"quantity":    t.Quantity,
			"exit_price":  t.ExitPrice,
			"pnl":         t.PnL,
			"final":       t.Final,
			"remaining":   x.position.Quantity,
		})
		e.notifier.Notify(ctx, notify.EventExit,
			fmt.Sprintf("%s %s", t.Symbol, t.Reason),
			fmt.Sprintf("sold %g @ %g, pnl %.2f (%.2f%%), remaining %g", t.Quantity, t.ExitPrice, t.PnL, t.PnLPct, x.position.Quantity))
	}
	for _, a := range fx.alerts {
		e.logger.WarnContext(ctx, "events: alert",
			slog.String("severity", string(a.severity)),
			slog.String("title", a.title),
			slog.String("message", a.message),
		)
		e.notifier.Alert(ctx, a.severity, a.title, a.message)
	}
}

// halt stops automated action on the section's symbol and queues a
// critical alert. The returned error wraps domain.ErrSymbolHalted.
func halt(tx *book.Tx, fx *effects, reason string) error {
	fx.alert(notify.SeverityCritical, "Symbol halted: "+tx.Symbol(), "%s", reason)
	err := fmt.Errorf("service: %s: %s: %w", tx.Symbol(), reason, domain.ErrSymbolHalted)
	if haltErr := tx.Halt(reason); haltErr != nil {
		return fmt.Errorf("%w (halt not persisted: %v)", err, haltErr)
	}
	return err
}
