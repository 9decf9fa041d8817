package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, reads .env when present
// and applies SPOTBOT_* overrides. A missing file leaves the defaults. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		default:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, len(undecoded))
				for i, k := range undecoded {
					keys[i] = k.String()
				}
				return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
			}
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	cfg.Symbols = normalizeSymbols(cfg.Symbols)
	return &cfg, nil
}

// normalizeSymbols upper-cases symbol keys so lookups match venue spelling.
func normalizeSymbols(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for sym, name := range in {
		out[strings.ToUpper(strings.TrimSpace(sym))] = strings.TrimSpace(name)
	}
	return out
}

// applyEnvOverrides lets operators inject secrets and toggles at deploy time
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Exchange.BaseURL, "SPOTBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WSURL, "SPOTBOT_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.QuoteAsset, "SPOTBOT_EXCHANGE_QUOTE_ASSET")
	setStr(&cfg.Exchange.APIKey, "SPOTBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "SPOTBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "SPOTBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "SPOTBOT_EXCHANGE_SECRET_PASSWORD")
	setFloat64(&cfg.Exchange.RequestsPerSecond, "SPOTBOT_EXCHANGE_REQUESTS_PER_SECOND")

	setFloat64(&cfg.Paper.StartingQuote, "SPOTBOT_PAPER_STARTING_QUOTE")

	setStr(&cfg.Advisory.Endpoint, "SPOTBOT_ADVISORY_ENDPOINT")
	setStr(&cfg.Advisory.APIKey, "SPOTBOT_ADVISORY_API_KEY")
	setFloat64(&cfg.Advisory.FallbackConfidence, "SPOTBOT_ADVISORY_FALLBACK_CONFIDENCE")
	setBool(&cfg.Advisory.UseSuggestedTargets, "SPOTBOT_ADVISORY_USE_SUGGESTED_TARGETS")

	setInt(&cfg.Risk.MaxOpenPositions, "SPOTBOT_RISK_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Risk.MaxDailyLoss, "SPOTBOT_RISK_MAX_DAILY_LOSS")
	setFloat64(&cfg.Risk.MinConfidence, "SPOTBOT_RISK_MIN_CONFIDENCE")
	setStr(&cfg.Risk.Timezone, "SPOTBOT_RISK_TIMEZONE")
	setBool(&cfg.Risk.Paused, "SPOTBOT_RISK_PAUSED")

	setDuration(&cfg.Monitor.Interval, "SPOTBOT_MONITOR_INTERVAL")
	setStr(&cfg.Scanner.Schedule, "SPOTBOT_SCANNER_SCHEDULE")
	setDuration(&cfg.Scanner.Interval, "SPOTBOT_SCANNER_INTERVAL")
	setBool(&cfg.Scanner.RunAtStart, "SPOTBOT_SCANNER_RUN_AT_START")

	setStr(&cfg.Storage.Backend, "SPOTBOT_STORAGE_BACKEND")
	setStr(&cfg.Storage.Dir, "SPOTBOT_STORAGE_DIR")

	setStr(&cfg.Postgres.DSN, "SPOTBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SPOTBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SPOTBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SPOTBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SPOTBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SPOTBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SPOTBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "SPOTBOT_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "SPOTBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SPOTBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPOTBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPOTBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SPOTBOT_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "SPOTBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SPOTBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SPOTBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SPOTBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SPOTBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "SPOTBOT_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "SPOTBOT_ARCHIVE_ENABLED")

	setBool(&cfg.Server.Enabled, "SPOTBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SPOTBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SPOTBOT_SERVER_CORS_ORIGINS")

	setStr(&cfg.Notify.TelegramToken, "SPOTBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SPOTBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SPOTBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SPOTBOT_NOTIFY_EVENTS")
	setStr(&cfg.Notify.MinSeverity, "SPOTBOT_NOTIFY_MIN_SEVERITY")

	setStr(&cfg.Mode, "SPOTBOT_MODE")
	setStr(&cfg.LogLevel, "SPOTBOT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
