// Package config defines the top-level configuration for spotbot and
// provides validation helpers.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/spotbot/internal/risk"
	"github.com/alanyoungcy/spotbot/internal/scheduler"
	"github.com/alanyoungcy/spotbot/internal/strategy"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SPOTBOT_* environment
// variables.
type Config struct {
	Exchange   ExchangeConfig            `toml:"exchange"`
	Paper      PaperConfig               `toml:"paper"`
	Advisory   AdvisoryConfig            `toml:"advisory"`
	Risk       RiskConfig                `toml:"risk"`
	Monitor    MonitorConfig             `toml:"monitor"`
	Scanner    ScannerConfig             `toml:"scanner"`
	Strategies map[string]StrategyConfig `toml:"strategies"`
	Symbols    map[string]string         `toml:"symbols"`
	Storage    StorageConfig             `toml:"storage"`
	Postgres   PostgresConfig            `toml:"postgres"`
	Redis      RedisConfig               `toml:"redis"`
	S3         S3Config                  `toml:"s3"`
	Archive    ArchiveConfig             `toml:"archive"`
	Server     ServerConfig              `toml:"server"`
	Notify     NotifyConfig              `toml:"notify"`
	Mode       string                    `toml:"mode"`
	LogLevel   string                    `toml:"log_level"`
}

// ExchangeConfig holds the spot venue endpoints and credentials.
type ExchangeConfig struct {
	BaseURL    string `toml:"base_url"`
	WSURL      string `toml:"ws_url"`
	QuoteAsset string `toml:"quote_asset"`
	APIKey     string `toml:"api_key"`
	APISecret  string `toml:"api_secret"`
	// EncryptedSecretPath points at a file written by `spotbot -encrypt-secret`.
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	RequestsPerSecond   float64  `toml:"requests_per_second"`
	Timeout             duration `toml:"timeout"`
	RecvWindow          duration `toml:"recv_window"`
	RulesTTL            duration `toml:"rules_ttl"`
	OrderTimeout        duration `toml:"order_timeout"`
	QueryTimeout        duration `toml:"query_timeout"`
	DedupTTL            duration `toml:"dedup_ttl"`
	BreakerFailures     uint32   `toml:"breaker_failures"`
	BreakerCooldown     duration `toml:"breaker_cooldown"`
}

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	StartingQuote float64 `toml:"starting_quote"`
	FeeRate       float64 `toml:"fee_rate"`
}

// AdvisoryConfig configures the external decision service.
type AdvisoryConfig struct {
	Endpoint            string   `toml:"endpoint"`
	APIKey              string   `toml:"api_key"`
	Timeout             duration `toml:"timeout"`
	FallbackConfidence  float64  `toml:"fallback_confidence"`
	UseSuggestedTargets bool     `toml:"use_suggested_targets"`
	BreakerFailures     uint32   `toml:"breaker_failures"`
	BreakerCooldown     duration `toml:"breaker_cooldown"`
}

// RiskConfig holds the portfolio limits checked before every entry.
type RiskConfig struct {
	MaxOpenPositions int     `toml:"max_open_positions"`
	BalanceBuffer    float64 `toml:"balance_buffer"`
	MinNotional      float64 `toml:"min_notional"`
	MinQuoteVolume   float64 `toml:"min_quote_volume"`
	MinConfidence    float64 `toml:"min_confidence"`
	// MaxDailyLoss is in quote currency; zero disables the breaker.
	MaxDailyLoss float64 `toml:"max_daily_loss"`
	Timezone     string  `toml:"timezone"`
	Paused       bool    `toml:"paused"`
}

// MonitorConfig controls the exit loop and the price feed behind it.
type MonitorConfig struct {
	Interval             duration `toml:"interval"`
	Concurrency          int      `toml:"concurrency"`
	PriceTimeout         duration `toml:"price_timeout"`
	PriceMaxAge          duration `toml:"price_max_age"`
	FeedMinInterval      duration `toml:"feed_min_interval"`
	MaxReconcileAttempts int      `toml:"max_reconcile_attempts"`
	CleanupInterval      duration `toml:"cleanup_interval"`
}

// ScannerConfig controls the entry scan. Schedule wins over Interval; the
// interval is used only when the schedule is empty.
type ScannerConfig struct {
	Schedule        string   `toml:"schedule"`
	Interval        duration `toml:"interval"`
	RunAtStart      bool     `toml:"run_at_start"`
	IntradayCandles int      `toml:"intraday_candles"`
	DailyCandles    int      `toml:"daily_candles"`
	FetchTimeout    duration `toml:"fetch_timeout"`
	AdvisoryTimeout duration `toml:"advisory_timeout"`
}

// StrategyConfig declares one named policy. Zero fields keep the variant's
// built-in value.
type StrategyConfig struct {
	Variant           string        `toml:"variant"`
	InitialStopPct    float64       `toml:"initial_stop_pct"`
	RegularStopPct    float64       `toml:"regular_stop_pct"`
	TakeProfits       []LevelConfig `toml:"take_profits"`
	TrailPct          float64       `toml:"trail_pct"`
	MinHoldDays       int           `toml:"min_hold_days"`
	MaxHoldDays       int           `toml:"max_hold_days"`
	SizeFraction      float64       `toml:"size_fraction"`
	MaxTradesPerMonth int           `toml:"max_trades_per_month"`
	RSIBelow          float64       `toml:"rsi_below"`
	VolumeRatioAbove  float64       `toml:"volume_ratio_above"`
	MinConditions     int           `toml:"min_conditions"`
	RequireDailyTrend *bool         `toml:"require_daily_trend"`
}

// LevelConfig is one take-profit level.
type LevelConfig struct {
	Pct      float64 `toml:"pct"`
	Fraction float64 `toml:"fraction"`
}

// StorageConfig selects where positions and the ledger live.
type StorageConfig struct {
	// Backend is "file" or "postgres".
	Backend         string   `toml:"backend"`
	Dir             string   `toml:"dir"`
	CriticalTimeout duration `toml:"critical_timeout"`
	LockTTL         duration `toml:"lock_ttl"`
	RecentCapacity  int      `toml:"recent_capacity"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the engine
// runs single-process with in-memory price cache and no bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ArchiveConfig schedules the monthly ledger export to S3.
type ArchiveConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// ServerConfig configures the dashboard API.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig configures alert delivery.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	MinSeverity       string   `toml:"min_severity"`
	ReportSchedule    string   `toml:"report_schedule"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Modes.
const (
	ModeLive    = "live"
	ModePaper   = "paper"
	ModeMonitor = "monitor"
	ModeServer  = "server"
)

var (
	validModes     = []string{ModeLive, ModePaper, ModeMonitor, ModeServer}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validSeverity  = []string{"info", "warning", "critical"}
)

// Defaults returns a Config populated with production-ready default values.
func Defaults() Config {
	limits := risk.DefaultLimits()
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:           "https://api.binance.com",
			WSURL:             "wss://stream.binance.com:9443",
			QuoteAsset:        "USDT",
			RequestsPerSecond: 10,
			Timeout:           duration{10 * time.Second},
			RecvWindow:        duration{5 * time.Second},
			RulesTTL:          duration{time.Hour},
			OrderTimeout:      duration{15 * time.Second},
			QueryTimeout:      duration{10 * time.Second},
			DedupTTL:          duration{10 * time.Minute},
			BreakerFailures:   5,
			BreakerCooldown:   duration{time.Minute},
		},
		Paper: PaperConfig{
			StartingQuote: 1000,
			FeeRate:       0.001,
		},
		Advisory: AdvisoryConfig{
			Timeout:         duration{30 * time.Second},
			BreakerFailures: 3,
			BreakerCooldown: duration{2 * time.Minute},
		},
		Risk: RiskConfig{
			MaxOpenPositions: limits.MaxOpenPositions,
			BalanceBuffer:    limits.BalanceBuffer,
			MinNotional:      limits.MinNotional,
			MinQuoteVolume:   limits.MinQuoteVolume,
			MinConfidence:    limits.MinConfidence,
			MaxDailyLoss:     limits.MaxDailyLoss,
			Timezone:         "UTC",
		},
		Monitor: MonitorConfig{
			Interval:             duration{5 * time.Minute},
			Concurrency:          4,
			PriceTimeout:         duration{10 * time.Second},
			PriceMaxAge:          duration{30 * time.Second},
			FeedMinInterval:      duration{time.Second},
			MaxReconcileAttempts: 5,
			CleanupInterval:      duration{5 * time.Minute},
		},
		Scanner: ScannerConfig{
			Schedule:        "0 5 */4 * * *",
			IntradayCandles: 200,
			DailyCandles:    100,
			FetchTimeout:    duration{20 * time.Second},
			AdvisoryTimeout: duration{45 * time.Second},
		},
		Strategies: map[string]StrategyConfig{
			"tiered": {Variant: string(strategy.VariantTiered)},
		},
		Symbols: map[string]string{},
		Storage: StorageConfig{
			Backend:         "file",
			Dir:             "data",
			CriticalTimeout: duration{30 * time.Second},
			LockTTL:         duration{time.Minute},
			RecentCapacity:  20,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "spotbot",
			User:          "spotbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "spotbot",
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
			Prefix: "ledger",
		},
		Archive: ArchiveConfig{
			Schedule: "0 30 0 1 * *",
		},
		Server: ServerConfig{
			Port:       8080,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:         []string{"entry", "exit", "gate_rejected", "report", "archive"},
			MinSeverity:    "warning",
			ReportSchedule: "0 0 8 * * *",
		},
		Mode:     ModePaper,
		LogLevel: "info",
	}
}

// Limits converts the risk section into gate limits.
func (c *Config) Limits() risk.Limits {
	return risk.Limits{
		MaxOpenPositions: c.Risk.MaxOpenPositions,
		BalanceBuffer:    c.Risk.BalanceBuffer,
		MinNotional:      c.Risk.MinNotional,
		MinQuoteVolume:   c.Risk.MinQuoteVolume,
		MinConfidence:    c.Risk.MinConfidence,
		MaxDailyLoss:     c.Risk.MaxDailyLoss,
	}
}

// Params resolves a named strategy into policy parameters.
func (c *Config) Params(name string) (strategy.Params, error) {
	sc, ok := c.Strategies[name]
	if !ok {
		return strategy.Params{}, fmt.Errorf("config: unknown strategy %q", name)
	}
	p, err := strategy.DefaultsFor(strategy.Variant(sc.Variant))
	if err != nil {
		return strategy.Params{}, fmt.Errorf("config: strategy %s: %w", name, err)
	}
	setPos(&p.InitialStopPct, sc.InitialStopPct)
	setPos(&p.RegularStopPct, sc.RegularStopPct)
	setPos(&p.TrailPct, sc.TrailPct)
	setPos(&p.SizeFraction, sc.SizeFraction)
	setPos(&p.Entry.RSIBelow, sc.RSIBelow)
	setPos(&p.Entry.VolumeRatioAbove, sc.VolumeRatioAbove)
	setPos(&p.MinHoldDays, sc.MinHoldDays)
	setPos(&p.MaxHoldDays, sc.MaxHoldDays)
	setPos(&p.MaxTradesPerMonth, sc.MaxTradesPerMonth)
	setPos(&p.Entry.MinConditions, sc.MinConditions)
	if sc.RequireDailyTrend != nil {
		p.Entry.RequireDailyTrend = *sc.RequireDailyTrend
	}
	if len(sc.TakeProfits) > 0 {
		p.TakeProfits = make([]strategy.Level, len(sc.TakeProfits))
		for i, l := range sc.TakeProfits {
			p.TakeProfits[i] = strategy.Level{Pct: l.Pct, Fraction: l.Fraction}
		}
	}
	return p, nil
}

func setPos[T int | float64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

// Validate checks the configuration for logical errors and returns every
// problem in one error.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !slices.Contains(validModes, strings.ToLower(c.Mode)) {
		add("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", "))
	}
	if !slices.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		add("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	mode := strings.ToLower(c.Mode)
	trading := mode == ModeLive || mode == ModePaper || mode == ModeMonitor

	if trading {
		if c.Exchange.BaseURL == "" {
			add("exchange: base_url must not be empty")
		}
		if c.Exchange.QuoteAsset == "" {
			add("exchange: quote_asset must not be empty")
		}
		if c.Exchange.RequestsPerSecond <= 0 {
			add("exchange: requests_per_second must be > 0")
		}
	}
	if mode == ModeLive || mode == ModeMonitor {
		if c.Exchange.APIKey == "" {
			add("exchange: api_key is required for mode %s", mode)
		}
		if c.Exchange.APISecret == "" && c.Exchange.EncryptedSecretPath == "" {
			add("exchange: either api_secret or encrypted_secret_path must be set for mode %s", mode)
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			add("exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if mode == ModePaper && c.Paper.StartingQuote <= 0 {
		add("paper: starting_quote must be > 0")
	}
	if c.Paper.FeeRate < 0 || c.Paper.FeeRate >= 1 {
		add("paper: fee_rate must be in [0, 1)")
	}

	if c.Advisory.FallbackConfidence < 0 || c.Advisory.FallbackConfidence > 100 {
		add("advisory: fallback_confidence must be 0-100")
	}
	if mode == ModeLive && c.Advisory.Endpoint == "" {
		add("advisory: endpoint is required for mode live")
	}

	if c.Risk.MaxOpenPositions < 1 {
		add("risk: max_open_positions must be >= 1")
	}
	if c.Risk.BalanceBuffer <= 0 || c.Risk.BalanceBuffer > 1 {
		add("risk: balance_buffer must be in (0, 1]")
	}
	if c.Risk.MinNotional < 0 || c.Risk.MinQuoteVolume < 0 || c.Risk.MaxDailyLoss < 0 {
		add("risk: min_notional, min_quote_volume and max_daily_loss must be >= 0")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 100 {
		add("risk: min_confidence must be 0-100")
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		add("risk: timezone %q: %v", c.Risk.Timezone, err)
	}

	if c.Monitor.Interval.Duration <= 0 {
		add("monitor: interval must be > 0")
	}
	if c.Monitor.CleanupInterval.Duration <= 0 {
		add("monitor: cleanup_interval must be > 0")
	}
	if c.Monitor.Concurrency < 1 {
		add("monitor: concurrency must be >= 1")
	}
	if c.Monitor.MaxReconcileAttempts < 1 {
		add("monitor: max_reconcile_attempts must be >= 1")
	}

	if mode == ModeLive || mode == ModePaper {
		switch {
		case c.Scanner.Schedule != "":
			c.checkCron(add, "scanner: schedule", c.Scanner.Schedule)
		case c.Scanner.Interval.Duration <= 0:
			add("scanner: schedule or interval is required")
		}
	}
	if c.Scanner.IntradayCandles < 1 || c.Scanner.DailyCandles < 1 {
		add("scanner: intraday_candles and daily_candles must be >= 1")
	}

	if len(c.Strategies) == 0 {
		add("strategies: at least one strategy must be declared")
	}
	for name := range c.Strategies {
		p, err := c.Params(name)
		if err == nil {
			_, err = strategy.New(name, p)
		}
		if err != nil {
			add("%v", err)
		}
	}
	if trading && len(c.Symbols) == 0 {
		add("symbols: at least one symbol must be assigned for mode %s", mode)
	}
	for sym, name := range c.Symbols {
		if _, ok := c.Strategies[name]; !ok {
			add("symbols: %s uses undeclared strategy %q", sym, name)
		}
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.Dir == "" {
			add("storage: dir must not be empty for the file backend")
		}
	case "postgres":
		c.validatePostgres(add)
	default:
		add("storage: unknown backend %q (valid: file, postgres)", c.Storage.Backend)
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		c.checkCron(add, "archive: schedule", c.Archive.Schedule)
	}

	if c.Server.Enabled || mode == ModeServer {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	if !slices.Contains(validSeverity, strings.ToLower(c.Notify.MinSeverity)) {
		add("notify: unknown min_severity %q (valid: %s)", c.Notify.MinSeverity, strings.Join(validSeverity, ", "))
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		add("notify: telegram_chat_id is required when telegram_token is set")
	}
	if c.Notify.ReportSchedule != "" {
		c.checkCron(add, "notify: report_schedule", c.Notify.ReportSchedule)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePostgres(add func(string, ...any)) {
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}
}

func (c *Config) checkCron(add func(string, ...any), field, spec string) {
	if err := scheduler.ValidateSchedule(spec); err != nil {
		add("%s: %v", field, err)
	}
}
