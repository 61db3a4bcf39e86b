package config

import (
	"net/url"
	"strings"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log. Keys, passwords
// and tokens become "***". URLs keep their scheme and host but lose
// credentials, and RPC URLs lose any path or query, where providers put API
// keys.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	for _, s := range []*string{
		&out.Wallet.PrivateKey,
		&out.Wallet.KeyPassword,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
	} {
		redact(s)
	}

	out.Postgres.DSN = redactURL(cfg.Postgres.DSN, false)
	out.Ledger.RPCURL = redactURL(cfg.Ledger.RPCURL, true)
	out.Notify.DiscordWebhookURL = redactURL(cfg.Notify.DiscordWebhookURL, true)

	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL strips userinfo, and with dropPath also the path and query. A
// value that does not parse as an absolute URL is fully redacted.
func redactURL(raw string, dropPath bool) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redacted
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	if dropPath && (strings.Trim(u.Path, "/") != "" || u.RawQuery != "") {
		u.Path = "/" + redacted
		u.RawPath = u.Path
		u.RawQuery = ""
	}
	return u.String()
}
