package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotbot/internal/feed"
	"github.com/alanyoungcy/spotbot/internal/scheduler"
	"github.com/alanyoungcy/spotbot/internal/server"
	"github.com/alanyoungcy/spotbot/internal/server/handler"
	"github.com/alanyoungcy/spotbot/internal/server/ws"
	"github.com/alanyoungcy/spotbot/internal/service"
)

// bookRefreshInterval is how often server mode reloads positions written by
// the trading process.
const bookRefreshInterval = 30 * time.Second

// TradeMode runs the price feed, the exit monitor, the entry scanner, the
// periodic jobs and, when enabled, the dashboard. paperVenue selects the
// simulated venue.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies, paperVenue bool) error {
	t, err := a.buildTrading(ctx, deps, paperVenue)
	if err != nil {
		return err
	}
	return a.runTrading(ctx, deps, t, true)
}

// MonitorMode manages exits of existing positions only; no entries are
// scanned.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	t, err := a.buildTrading(ctx, deps, false)
	if err != nil {
		return err
	}
	return a.runTrading(ctx, deps, t, false)
}

// ServerMode serves the read-only dashboard over the shared state store.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	reporter := service.NewReporter(c.book, deps.State, c.registry, c.day, c.events,
		a.cfg.Mode, a.cfg.Risk.Paused, nil, a.logger)

	sched := scheduler.New(c.day.Location(), a.logger)
	if err := sched.Add(scheduler.Job{Name: "book-refresh", Every: bookRefreshInterval, Fn: c.book.Load}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	a.serve(ctx, g, deps, c, reporter)
	return g.Wait()
}

func (a *App) runTrading(ctx context.Context, deps *Dependencies, t *trading, scan bool) error {
	sched := scheduler.New(t.day.Location(), a.logger)
	jobs := []scheduler.Job{{
		Name:       "monitor",
		Every:      a.cfg.Monitor.Interval.Duration,
		RunAtStart: true,
		Fn:         t.monitor.Tick,
	}}
	if scan {
		job := scheduler.Job{
			Name:       "scanner",
			Schedule:   a.cfg.Scanner.Schedule,
			RunAtStart: a.cfg.Scanner.RunAtStart,
			Fn:         t.scanner.Run,
		}
		if job.Schedule == "" {
			job.Every = a.cfg.Scanner.Interval.Duration
		}
		jobs = append(jobs, job)
	}
	if a.cfg.Notify.ReportSchedule != "" {
		jobs = append(jobs, scheduler.Job{Name: "report", Schedule: a.cfg.Notify.ReportSchedule, Fn: t.reporter.Report})
	}
	if deps.Archiver != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     "archive",
			Schedule: a.cfg.Archive.Schedule,
			Fn:       service.ArchiveJob(deps.Archiver, t.day, t.events, a.logger),
		})
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.feed.Run(ctx) })
	g.Go(func() error { return t.executor.RunCleanup(ctx, a.cfg.Monitor.CleanupInterval.Duration) })
	g.Go(func() error { return sched.Run(ctx) })
	if a.cfg.Server.Enabled {
		a.serve(ctx, g, deps, t.core, t.reporter)
	}

	a.logger.InfoContext(ctx, "app: trading started",
		slog.Bool("scanner", scan),
		slog.Any("jobs", sched.Jobs()),
	)
	return g.Wait()
}

// serve starts the dashboard, and the websocket hub when a bus is wired.
func (a *App) serve(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, reporter *service.Reporter) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Positions: handler.NewPositionHandler(c.book, a.logger),
		Trades:    handler.NewTradeHandler(deps.State, a.logger),
		Status:    handler.NewStatusHandler(reporter, a.logger),
		Metrics:   deps.MetricsHandler(),
	}
	if deps.Audit != nil {
		handlers.Audit = handler.NewAuditHandler(deps.Audit, a.logger)
	}
	if deps.Bus != nil {
		hub := ws.NewHub(deps.Bus, []string{service.PositionsChannel, feed.PricesChannel}, a.logger)
		handlers.Hub = hub
		g.Go(func() error { return hub.Run(ctx) })
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)
	g.Go(func() error { return srv.Run(ctx) })
}
