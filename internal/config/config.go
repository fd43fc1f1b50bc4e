// Package config defines the top-level configuration for the futures
// monitoring bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUTURESBOT_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Binance  BinanceConfig  `toml:"binance"`
	Feed     FeedConfig     `toml:"feed"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Retry    RetryConfig    `toml:"retry"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters for the account,
// settings and trade history stores.
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

// RedisConfig holds Redis connection parameters for the state store.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// BinanceConfig holds exchange endpoints and client-side throttling.
// CredentialKey, when set, seals stored API secrets.
type BinanceConfig struct {
	BaseURL           string   `toml:"base_url"`
	TestnetURL        string   `toml:"testnet_url"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	CallTimeout       duration `toml:"call_timeout"`
	ExchangeInfoTTL   duration `toml:"exchange_info_ttl"`
	CredentialKey     string   `toml:"credential_key"`
}

// FeedConfig holds the mark-price websocket feed parameters.
type FeedConfig struct {
	Enabled        bool     `toml:"enabled"`
	WsURL          string   `toml:"ws_url"`
	Symbols        []string `toml:"symbols"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	MaxReconnect   duration `toml:"max_reconnect_delay"`
}

// MonitorConfig holds the scheduler cadence and engine tunables.
type MonitorConfig struct {
	TickInterval          duration `toml:"tick_interval"`
	FullCheckInterval     duration `toml:"full_check_interval"`
	HealthInterval        duration `toml:"health_interval"`
	HousekeepingInterval  duration `toml:"housekeeping_interval"`
	OrphanSweepInterval   duration `toml:"orphan_sweep_interval"`
	Concurrency           int      `toml:"concurrency"`
	CallTimeout           duration `toml:"call_timeout"`
	StatusCacheTTL        duration `toml:"status_cache_ttl"`
	CompletedOrderTTL     duration `toml:"completed_order_ttl"`
	TrailingTTL           duration `toml:"trailing_ttl"`
	TPDedupTTL            duration `toml:"tp_dedup_ttl"`
	TPGraceWindow         duration `toml:"tp_grace_window"`
	VerifyDelay           duration `toml:"verify_delay"`
	DustThreshold         float64  `toml:"dust_threshold"`
	TrailingResubmitEvery duration `toml:"trailing_resubmit_every"`
	PriceStaleness        duration `toml:"price_staleness"`
	RestartBase           duration `toml:"restart_base"`
	RestartCap            duration `toml:"restart_cap"`
	MaxRestarts           int      `toml:"max_restarts"`
	LockTTL               duration `toml:"lock_ttl"`
	ChangeMarkerTTL       duration `toml:"change_marker_ttl"`
}

// RetryConfig parameterizes the shared retry-with-backoff policy applied at
// the exchange gateway boundary.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	Multiplier  float64  `toml:"multiplier"`
	MaxDelay    duration `toml:"max_delay"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds ops HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       int      `toml:"rate_limit_per_minute"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	StreamEvents    bool     `toml:"stream_events"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	QueueStream       string   `toml:"queue_stream"`
	Events            []string `toml:"events"`
}

// ArchiveConfig holds the S3-compatible bucket that receives monthly
// trade history and audit log exports.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Interval       duration `toml:"interval"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "futuresbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     50,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		Binance: BinanceConfig{
			BaseURL:           "https://fapi.binance.com",
			TestnetURL:        "https://testnet.binancefuture.com",
			RequestsPerSecond: 10,
			Burst:             20,
			CallTimeout:       duration{20 * time.Second},
			ExchangeInfoTTL:   duration{time.Hour},
		},
		Feed: FeedConfig{
			Enabled:        true,
			WsURL:          "wss://fstream.binance.com/stream",
			ReconnectDelay: duration{2 * time.Second},
			MaxReconnect:   duration{time.Minute},
		},
		Monitor: MonitorConfig{
			TickInterval:          duration{2 * time.Second},
			FullCheckInterval:     duration{10 * time.Second},
			HealthInterval:        duration{30 * time.Second},
			HousekeepingInterval:  duration{10 * time.Minute},
			OrphanSweepInterval:   duration{5 * time.Minute},
			Concurrency:           16,
			CallTimeout:           duration{20 * time.Second},
			StatusCacheTTL:        duration{3 * time.Second},
			CompletedOrderTTL:     duration{14 * 24 * time.Hour},
			TrailingTTL:           duration{7 * 24 * time.Hour},
			TPDedupTTL:            duration{5 * time.Minute},
			TPGraceWindow:         duration{30 * time.Minute},
			VerifyDelay:           duration{3 * time.Second},
			DustThreshold:         0.001,
			TrailingResubmitEvery: duration{time.Hour},
			PriceStaleness:        duration{5 * time.Second},
			RestartBase:           duration{5 * time.Second},
			RestartCap:            duration{5 * time.Minute},
			MaxRestarts:           5,
			LockTTL:               duration{30 * time.Second},
			ChangeMarkerTTL:       duration{10 * time.Minute},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   duration{500 * time.Millisecond},
			Multiplier:  2,
			MaxDelay:    duration{5 * time.Second},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			RateLimit:       120,
			ShutdownTimeout: duration{10 * time.Second},
			StreamEvents:    true,
		},
		Notify: NotifyConfig{
			QueueStream: "notify:queue",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "futuresbot",
		},
		Archive: ArchiveConfig{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
			Interval:       duration{6 * time.Hour},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Binance
	if c.Binance.BaseURL == "" {
		errs = append(errs, "binance: base_url must not be empty")
	}
	if c.Binance.RequestsPerSecond <= 0 {
		errs = append(errs, "binance: requests_per_second must be > 0")
	}
	if c.Binance.Burst < 1 {
		errs = append(errs, "binance: burst must be >= 1")
	}

	// Feed
	if c.Feed.Enabled && c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty when enabled")
	}

	// Monitor
	m := c.Monitor
	if m.TickInterval.Duration <= 0 {
		errs = append(errs, "monitor: tick_interval must be > 0")
	}
	if m.FullCheckInterval.Duration < m.TickInterval.Duration {
		errs = append(errs, "monitor: full_check_interval must be >= tick_interval")
	}
	if m.Concurrency < 1 {
		errs = append(errs, "monitor: concurrency must be >= 1")
	}
	if m.StatusCacheTTL.Duration <= 0 || m.StatusCacheTTL.Duration >= 10*time.Second {
		errs = append(errs, "monitor: status_cache_ttl must be between 0 and 10s")
	}
	if m.TPGraceWindow.Duration <= 0 {
		errs = append(errs, "monitor: tp_grace_window must be > 0")
	}
	if m.DustThreshold < 0 {
		errs = append(errs, "monitor: dust_threshold must be >= 0")
	}
	if m.RestartBase.Duration <= 0 || m.RestartCap.Duration < m.RestartBase.Duration {
		errs = append(errs, "monitor: restart_base must be > 0 and <= restart_cap")
	}
	if m.MaxRestarts < 1 {
		errs = append(errs, "monitor: max_restarts must be >= 1")
	}
	if m.CallTimeout.Duration <= 0 {
		errs = append(errs, "monitor: call_timeout must be > 0")
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "retry: multiplier must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}
	if strings.EqualFold(c.Mode, "server") && !c.Server.Enabled {
		errs = append(errs, "server: must be enabled in server mode")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.Region == "" {
			errs = append(errs, "archive: region must not be empty when enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
