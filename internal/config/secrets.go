package config

import "maps"

const redacted = "***"

// RedactedConfig returns a copy of cfg safe to log. Slices and maps are
// copied so the result cannot alias the original.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Exchange.APIKey)
	redact(&out.Exchange.APISecret)
	redact(&out.Exchange.SecretPassword)
	redact(&out.Advisory.APIKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Symbols = maps.Clone(cfg.Symbols)
	out.Strategies = maps.Clone(cfg.Strategies)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
