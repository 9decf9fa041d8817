// Package app wires spotbot's dependencies and runs the configured mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/spotbot/internal/config"
)

// App is the root application object. It owns the configuration, logger and
// the cleanup functions run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, starts the mode's goroutines and blocks until ctx
// is cancelled or one of them fails. A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "app: starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode := strings.ToLower(a.cfg.Mode); mode {
	case config.ModeLive, config.ModePaper:
		err = a.TradeMode(ctx, deps, mode == config.ModePaper)
	case config.ModeMonitor:
		err = a.MonitorMode(ctx, deps)
	case config.ModeServer:
		err = a.ServerMode(ctx, deps)
	default:
		err = fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Resume clears the halt on symbol in the shared state store. It is meant
// for an operator while the engine is stopped; a running engine keeps its
// in-memory halt until restart.
func (a *App) Resume(ctx context.Context, symbol string) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	symbol = strings.ToUpper(symbol)
	if halted, _ := c.book.IsHalted(symbol); !halted {
		return fmt.Errorf("app: resume %s: symbol is not halted", symbol)
	}
	if err := c.book.Resume(ctx, symbol); err != nil {
		return fmt.Errorf("app: resume %s: %w", symbol, err)
	}
	a.logger.InfoContext(ctx, "app: symbol resumed", slog.String("symbol", symbol))
	return nil
}

// Close tears down all resources in reverse registration order. Subsequent
// calls are no-ops.
func (a *App) Close() {
	a.logger.Info("app: shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
