package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FUTURESBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUTURESBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUTURESBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FUTURESBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUTURESBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUTURESBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUTURESBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUTURESBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUTURESBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUTURESBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUTURESBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUTURESBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUTURESBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUTURESBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUTURESBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUTURESBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUTURESBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUTURESBOT_REDIS_TLS_ENABLED")

	// ── Binance ──
	setStr(&cfg.Binance.BaseURL, "FUTURESBOT_BINANCE_BASE_URL")
	setStr(&cfg.Binance.TestnetURL, "FUTURESBOT_BINANCE_TESTNET_URL")
	setFloat64(&cfg.Binance.RequestsPerSecond, "FUTURESBOT_BINANCE_REQUESTS_PER_SECOND")
	setInt(&cfg.Binance.Burst, "FUTURESBOT_BINANCE_BURST")
	setDuration(&cfg.Binance.CallTimeout, "FUTURESBOT_BINANCE_CALL_TIMEOUT")
	setStr(&cfg.Binance.CredentialKey, "FUTURESBOT_BINANCE_CREDENTIAL_KEY")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "FUTURESBOT_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "FUTURESBOT_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "FUTURESBOT_FEED_SYMBOLS")

	// ── Monitor ──
	setDuration(&cfg.Monitor.TickInterval, "FUTURESBOT_MONITOR_TICK_INTERVAL")
	setDuration(&cfg.Monitor.FullCheckInterval, "FUTURESBOT_MONITOR_FULL_CHECK_INTERVAL")
	setInt(&cfg.Monitor.Concurrency, "FUTURESBOT_MONITOR_CONCURRENCY")
	setDuration(&cfg.Monitor.TPGraceWindow, "FUTURESBOT_MONITOR_TP_GRACE_WINDOW")
	setFloat64(&cfg.Monitor.DustThreshold, "FUTURESBOT_MONITOR_DUST_THRESHOLD")
	setDuration(&cfg.Monitor.TrailingResubmitEvery, "FUTURESBOT_MONITOR_TRAILING_RESUBMIT_EVERY")
	setInt(&cfg.Monitor.MaxRestarts, "FUTURESBOT_MONITOR_MAX_RESTARTS")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "FUTURESBOT_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "FUTURESBOT_RETRY_BASE_DELAY")
	setFloat64(&cfg.Retry.Multiplier, "FUTURESBOT_RETRY_MULTIPLIER")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FUTURESBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUTURESBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "FUTURESBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "FUTURESBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "FUTURESBOT_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUTURESBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUTURESBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUTURESBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.QueueStream, "FUTURESBOT_NOTIFY_QUEUE_STREAM")
	setStringSlice(&cfg.Notify.Events, "FUTURESBOT_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "FUTURESBOT_METRICS_ENABLED")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FUTURESBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "FUTURESBOT_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "FUTURESBOT_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "FUTURESBOT_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "FUTURESBOT_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "FUTURESBOT_ARCHIVE_SECRET_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUTURESBOT_MODE")
	setStr(&cfg.LogLevel, "FUTURESBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
