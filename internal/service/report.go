package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/spotbot/internal/book"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/notify"
	"github.com/alanyoungcy/spotbot/internal/risk"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

// Status is the engine summary served by the dashboard and the periodic
// report.
type Status struct {
	Mode           string                `json:"mode"`
	Time           time.Time             `json:"time"`
	Paused         bool                  `json:"paused"`
	Positions      []domain.Position     `json:"positions"`
	Halted         map[string]string     `json:"halted"`
	Exposure       float64               `json:"exposure"`
	UnrealizedPnL  float64               `json:"unrealized_pnl"`
	RealizedToday  float64               `json:"realized_today"`
	Strategies     []string              `json:"strategies"`
	Assignments    []strategy.Assignment `json:"assignments"`
	BreakerState   string                `json:"breaker_state,omitempty"`
	RecentlyClosed int                   `json:"recently_closed"`
}

// Reporter builds Status and sends it as a notification.
type Reporter struct {
	book     *book.Book
	ledger   Ledger
	registry *strategy.Registry
	day      risk.DayWindow
	events   *Events
	mode     string
	paused   bool
	breaker  func() string
	now      func() time.Time
	logger   *slog.Logger
}

// NewReporter creates a Reporter. breaker may be nil.
func NewReporter(
	b *book.Book,
	ledger Ledger,
	registry *strategy.Registry,
	day risk.DayWindow,
	events *Events,
	mode string,
	paused bool,
	breaker func() string,
	logger *slog.Logger,
) *Reporter {
	return &Reporter{
		book:     b,
		ledger:   ledger,
		registry: registry,
		day:      day,
		events:   events,
		mode:     mode,
		paused:   paused,
		breaker:  breaker,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "reporter")),
	}
}

// Status summarises the book and today's realized PnL.
func (r *Reporter) Status(ctx context.Context) (Status, error) {
	now := r.now()
	st := Status{
		Mode:           r.mode,
		Time:           now,
		Paused:         r.paused,
		Positions:      r.book.Snapshot(),
		Halted:         r.book.Halted(),
		Strategies:     r.registry.List(),
		Assignments:    r.registry.Assignments(),
		RecentlyClosed: len(r.book.RecentlyClosed()),
	}
	if r.breaker != nil {
		st.BreakerState = r.breaker()
	}
	for _, p := range st.Positions {
		if p.IsOpen() {
			st.Exposure += p.EntryPrice * p.Quantity
			st.UnrealizedPnL += p.UnrealizedPnL()
		}
	}
	pnl, err := r.ledger.RealizedPnLSince(ctx, r.day.DayStart(now))
	if err != nil {
		return st, fmt.Errorf("reporter: realized pnl: %w", err)
	}
	st.RealizedToday = pnl
	return st, nil
}

// Report sends the current status as a notification.
func (r *Reporter) Report(ctx context.Context) error {
	st, err := r.Status(ctx)
	if err != nil {
		return err
	}
	r.events.notifier.Notify(ctx, notify.EventReport, "spotbot status", FormatStatus(st))
	return nil
}

// FormatStatus renders st as plain text.
func FormatStatus(st Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode %s, %d active, exposure %.2f, unrealized %.2f, realized today %.2f\n",
		st.Mode, len(st.Positions), st.Exposure, st.UnrealizedPnL, st.RealizedToday)
	if st.Paused {
		b.WriteString("entries paused\n")
	}
	for _, p := range st.Positions {
		fmt.Fprintf(&b, "%s %s qty %g entry %g last %g stop %g [%s]\n",
			p.Symbol, p.Status, p.Quantity, p.EntryPrice, p.CurrentPrice, p.StopLossPrice, p.Phase)
	}
	for sym, reason := range st.Halted {
		fmt.Fprintf(&b, "HALTED %s: %s\n", sym, reason)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ArchiveJob returns a job that archives the previous month of the
// closed-trade ledger. Re-running it for an archived month is a no-op.
func ArchiveJob(archiver domain.Archiver, day risk.DayWindow, events *Events, logger *slog.Logger) func(context.Context) error {
	logger = logger.With(slog.String("component", "archive"))
	return func(ctx context.Context) error {
		start, err := time.Parse("2006-01", day.Month(time.Now()))
		if err != nil {
			return fmt.Errorf("archive: month: %w", err)
		}
		prev := start.AddDate(0, -1, 0)
		n, err := archiver.ArchiveMonth(ctx, time.Date(prev.Year(), prev.Month(), 15, 12, 0, 0, 0, day.Location()))
		if err != nil {
			return fmt.Errorf("archive: %s: %w", prev.Format("2006-01"), err)
		}
		logger.InfoContext(ctx, "archive: month archived",
			slog.String("month", prev.Format("2006-01")),
			slog.Int64("trades", n),
		)
		if n > 0 {
			events.notifier.Notify(ctx, notify.EventArchive, "Ledger archived",
				fmt.Sprintf("%d closed trades from %s", n, prev.Format("2006-01")))
		}
		return nil
	}
}
