package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	s3blob "github.com/alanyoungcy/spotbot/internal/blob/s3"
	"github.com/alanyoungcy/spotbot/internal/cache/redis"
	"github.com/alanyoungcy/spotbot/internal/config"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/feed"
	"github.com/alanyoungcy/spotbot/internal/metrics"
	"github.com/alanyoungcy/spotbot/internal/notify"
	"github.com/alanyoungcy/spotbot/internal/server/handler"
	"github.com/alanyoungcy/spotbot/internal/store/filestore"
	"github.com/alanyoungcy/spotbot/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode builds on. Optional
// pieces are nil when their backend is disabled.
type Dependencies struct {
	State domain.StateStore
	Audit domain.AuditStore

	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.SignalBus

	Archiver domain.Archiver

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	// Checks feed the dashboard health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs the storage, cache, blob and notification layers and
// returns them with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- State store ---
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.State = postgres.NewStateStore(pg.Pool())
		deps.Audit = postgres.NewAuditStore(pg.Pool())
		deps.Checks["postgres"] = pg.Ping
	default:
		store, err := filestore.Open(cfg.Storage.Dir)
		if err != nil {
			return fail("file store", err)
		}
		deps.State = store
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.PriceCache = redis.NewPriceCache(rc, 4*cfg.Monitor.PriceMaxAge.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Locks = redis.NewLockManager(rc, cfg.Storage.CriticalTimeout.Duration)
		deps.Bus = redis.NewSignalBus(rc)
		deps.Checks["redis"] = rc.Ping
	} else {
		deps.PriceCache = feed.NewMemoryCache()
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("s3", err)
		}
		loc, err := time.LoadLocation(cfg.Risk.Timezone)
		if err != nil {
			return fail("archive timezone", err)
		}
		deps.Archiver = s3blob.NewArchiver(deps.State, s3blob.NewWriter(sc), s3blob.NewReader(sc), deps.Audit, loc)
		deps.Checks["s3"] = sc.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, notify.Severity(cfg.Notify.MinSeverity), deps.Metrics, logger)

	logger.InfoContext(ctx, "app: dependencies wired",
		slog.String("storage", cfg.Storage.Backend),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("archive", cfg.Archive.Enabled),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}

// MetricsHandler exposes the registry for the dashboard.
func (d *Dependencies) MetricsHandler() http.Handler {
	return d.Metrics.Handler()
}
