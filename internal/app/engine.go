package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/spotbot/internal/advisory"
	"github.com/alanyoungcy/spotbot/internal/book"
	"github.com/alanyoungcy/spotbot/internal/config"
	"github.com/alanyoungcy/spotbot/internal/crypto"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/executor"
	"github.com/alanyoungcy/spotbot/internal/feed"
	"github.com/alanyoungcy/spotbot/internal/platform/binance"
	"github.com/alanyoungcy/spotbot/internal/platform/paper"
	"github.com/alanyoungcy/spotbot/internal/risk"
	"github.com/alanyoungcy/spotbot/internal/service"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

// core is what every mode needs: the book, the strategy registry and the
// event sink.
type core struct {
	book     *book.Book
	registry *strategy.Registry
	day      risk.DayWindow
	events   *service.Events
}

// trading adds the venue side used by live, paper and monitor modes.
type trading struct {
	*core
	executor *executor.Executor
	feed     *feed.PriceFeed
	monitor  *service.PositionMonitor
	scanner  *service.EntryScanner
	reporter *service.Reporter
}

// buildRegistry registers every declared strategy and assigns symbols.
func buildRegistry(cfg *config.Config) (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	for name := range cfg.Strategies {
		p, err := cfg.Params(name)
		if err != nil {
			return nil, err
		}
		pol, err := strategy.New(name, p)
		if err != nil {
			return nil, fmt.Errorf("app: strategy %w", err)
		}
		reg.Register(pol)
	}
	for sym, name := range cfg.Symbols {
		if err := reg.Assign(sym, name); err != nil {
			return nil, fmt.Errorf("app: assign %s: %w", sym, err)
		}
	}
	return reg, nil
}

func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	day, err := risk.NewDayWindow(a.cfg.Risk.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	reg, err := buildRegistry(a.cfg)
	if err != nil {
		return nil, err
	}
	b := book.New(deps.State, deps.Locks, book.Config{
		CriticalTimeout: a.cfg.Storage.CriticalTimeout.Duration,
		LockTTL:         a.cfg.Storage.LockTTL.Duration,
		RecentCapacity:  a.cfg.Storage.RecentCapacity,
	}, a.logger)
	if err := b.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return &core{
		book:     b,
		registry: reg,
		day:      day,
		events:   service.NewEvents(deps.Bus, deps.Audit, deps.Notifier, deps.Metrics, a.logger),
	}, nil
}

// buildTrading assembles the venue, executor, feed and the two loops. paperVenue
// swaps the signed venue for the simulated one; market data stays live.
func (a *App) buildTrading(ctx context.Context, deps *Dependencies, paperVenue bool) (*trading, error) {
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg

	var auth *crypto.APIAuth
	if !paperVenue {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           cfg.Exchange.APISecret,
			EncryptedPath: cfg.Exchange.EncryptedSecretPath,
			Password:      cfg.Exchange.SecretPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: exchange secret: %w", err)
		}
		auth = &crypto.APIAuth{Key: cfg.Exchange.APIKey, Secret: secret, RecvWindow: cfg.Exchange.RecvWindow.Duration}
	}
	rest := binance.NewClient(binance.ClientConfig{
		BaseURL:           cfg.Exchange.BaseURL,
		Auth:              auth,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Timeout:           cfg.Exchange.Timeout.Duration,
		RulesTTL:          cfg.Exchange.RulesTTL.Duration,
	})
	prices := feed.NewPriceSource(rest, deps.PriceCache, cfg.Monitor.PriceMaxAge.Duration, a.logger)

	var venue domain.Exchange = rest
	if paperVenue {
		venue = paper.NewExchange(prices, rest, paper.Config{
			QuoteAsset:    cfg.Exchange.QuoteAsset,
			StartingQuote: cfg.Paper.StartingQuote,
			FeeRate:       cfg.Paper.FeeRate,
		})
	}
	exec := executor.New(venue, executor.Config{
		OrderTimeout:    cfg.Exchange.OrderTimeout.Duration,
		QueryTimeout:    cfg.Exchange.QueryTimeout.Duration,
		DedupTTL:        cfg.Exchange.DedupTTL.Duration,
		BreakerFailures: cfg.Exchange.BreakerFailures,
		BreakerCooldown: cfg.Exchange.BreakerCooldown.Duration,
	}, deps.Metrics, a.logger)

	stream := binance.NewTickerStream(cfg.Exchange.WSURL, c.registry.Symbols(), a.logger)
	pf := feed.NewPriceFeed(stream, deps.PriceCache, deps.Bus, cfg.Monitor.FeedMinInterval.Duration, a.logger)

	var inner domain.Advisor
	if cfg.Advisory.Endpoint != "" {
		inner = advisory.NewClient(advisory.ClientConfig{
			Endpoint:        cfg.Advisory.Endpoint,
			APIKey:          cfg.Advisory.APIKey,
			Timeout:         cfg.Advisory.Timeout.Duration,
			BreakerFailures: cfg.Advisory.BreakerFailures,
			BreakerCooldown: cfg.Advisory.BreakerCooldown.Duration,
		})
	} else {
		a.logger.WarnContext(ctx, "app: no advisory endpoint, every decision uses the fallback")
	}
	advisor := advisory.NewGuarded(inner, cfg.Advisory.FallbackConfidence, a.logger)

	monitor := service.NewPositionMonitor(c.book, c.registry, prices, exec, c.day, c.events, deps.Metrics, service.MonitorConfig{
		Interval:             cfg.Monitor.Interval.Duration,
		Concurrency:          cfg.Monitor.Concurrency,
		PriceTimeout:         cfg.Monitor.PriceTimeout.Duration,
		MaxReconcileAttempts: cfg.Monitor.MaxReconcileAttempts,
	}, a.logger)
	scanner := service.NewEntryScanner(c.book, c.registry, prices, advisor, exec, deps.State,
		risk.DefaultChain(cfg.Limits()), c.day, c.events, deps.Metrics, service.ScannerConfig{
			IntradayCandles:     cfg.Scanner.IntradayCandles,
			DailyCandles:        cfg.Scanner.DailyCandles,
			FetchTimeout:        cfg.Scanner.FetchTimeout.Duration,
			AdvisoryTimeout:     cfg.Scanner.AdvisoryTimeout.Duration,
			QuoteAsset:          cfg.Exchange.QuoteAsset,
			UseSuggestedTargets: cfg.Advisory.UseSuggestedTargets,
			Paused:              cfg.Risk.Paused,
		}, a.logger)
	reporter := service.NewReporter(c.book, deps.State, c.registry, c.day, c.events,
		cfg.Mode, cfg.Risk.Paused, exec.BreakerState, a.logger)

	a.logger.InfoContext(ctx, "app: trading engine built",
		slog.Bool("paper", paperVenue),
		slog.Any("symbols", c.registry.Symbols()),
		slog.Any("strategies", c.registry.List()),
	)
	return &trading{
		core:     c,
		executor: exec,
		feed:     pf,
		monitor:  monitor,
		scanner:  scanner,
		reporter: reporter,
	}, nil
}
