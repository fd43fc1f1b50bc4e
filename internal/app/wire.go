package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/futuresbot/internal/blob/s3"
	"github.com/alanyoungcy/futuresbot/internal/cache/redis"
	"github.com/alanyoungcy/futuresbot/internal/config"
	"github.com/alanyoungcy/futuresbot/internal/crypto"
	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/exchange/binance"
	"github.com/alanyoungcy/futuresbot/internal/metrics"
	"github.com/alanyoungcy/futuresbot/internal/monitor"
	"github.com/alanyoungcy/futuresbot/internal/notify"
	"github.com/alanyoungcy/futuresbot/internal/retry"
	"github.com/alanyoungcy/futuresbot/internal/store/postgres"
)

// positionModeTTL bounds how long a cached hedge-mode answer is trusted.
const positionModeTTL = 5 * time.Minute

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Stores      monitor.Stores
	Credentials domain.CredentialStore
	SignalBus   domain.SignalBus

	// Gateway is nil in server mode.
	Gateway  *binance.Gateway
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health lists the backing services probed by /api/health; Redis is
	// also the scheduler's liveness check.
	Health map[string]domain.HealthChecker
	Redis  *redis.Client

	// Archiver is nil unless archive.enabled is set.
	Archiver *s3blob.Archiver
}

// needsGateway reports whether mode talks to the exchange.
func needsGateway(mode string) bool {
	switch mode {
	case "monitor", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Health: make(map[string]domain.HealthChecker)}

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	// --- PostgreSQL: settings, credentials, trade history, audit ---
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
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pg.Close)
	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	pool := pg.Pool()
	deps.Health["postgres"] = pg
	var sealer *crypto.Sealer
	if cfg.Binance.CredentialKey != "" {
		if sealer, err = crypto.NewSealer(cfg.Binance.CredentialKey); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: credential sealer: %w", err)
		}
	}
	deps.Credentials = postgres.NewCredentialStore(pool, sealer)

	// --- Redis: the engine's state store ---
	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = rc.Close() })
	deps.Redis = rc
	deps.Health["redis"] = rc
	deps.SignalBus = redis.NewSignalBus(rc, int64(cfg.Redis.StreamMaxLen))

	trades := postgres.NewTradeHistoryStore(pool)
	deps.Stores = monitor.Stores{
		Positions:  redis.NewPositionStore(rc),
		Orders:     redis.NewMonitorOrderStore(rc, cfg.Monitor.CompletedOrderTTL.Duration),
		Trailing:   redis.NewTrailingStore(rc, cfg.Monitor.TrailingTTL.Duration),
		Hedges:     redis.NewHedgeStore(rc),
		Cooldowns:  redis.NewCooldownStore(rc),
		Markers:    redis.NewMarkerStore(rc),
		TPSequence: redis.NewTPSequenceStore(rc),
		Users:      redis.NewUserRegistry(rc),
		Settings:   postgres.NewSettingsStore(pool),
		Trades:     trades,
		Audit:      postgres.NewAuditStore(pool),
		Locks:      redis.NewLockManager(rc),
		Limiter:    redis.NewRateLimiter(rc),
		Prices:     redis.NewPriceCache(rc),
	}

	// --- History export ---
	if cfg.Archive.Enabled {
		bucket, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: archive: %w", err)
		}
		deps.Health["archive"] = bucket
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(bucket), trades, deps.Stores.Audit, logger)
	}

	// --- Exchange gateway ---
	if needsGateway(mode) {
		deps.Gateway = binance.New(binance.Config{
			BaseURL:           cfg.Binance.BaseURL,
			TestnetURL:        cfg.Binance.TestnetURL,
			RequestsPerSecond: cfg.Binance.RequestsPerSecond,
			Burst:             cfg.Binance.Burst,
			CallTimeout:       cfg.Binance.CallTimeout.Duration,
			ExchangeInfoTTL:   cfg.Binance.ExchangeInfoTTL.Duration,
			PositionModeTTL:   positionModeTTL,
			Retry:             retryPolicy(cfg.Retry),
		}, deps.Credentials, deps.Metrics, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.QueueStream != "" {
		senders = append(senders, notify.NewStreamSender(deps.SignalBus, cfg.Notify.QueueStream))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, deps.Metrics, logger)

	return deps, cleanup, nil
}

// NewEngine builds the monitoring engine over deps.
func NewEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *monitor.Engine {
	return monitor.New(&monitor.Deps{
		Config:   monitorConfig(cfg),
		Clock:    monitor.SystemClock,
		Gateway:  deps.Gateway,
		Stores:   deps.Stores,
		Notifier: deps.Notifier,
		Health:   deps.Redis,
		Metrics:  deps.Metrics,
		Logger:   logger,
	})
}

func monitorConfig(cfg *config.Config) monitor.Config {
	m := cfg.Monitor
	return monitor.Config{
		TickInterval:          m.TickInterval.Duration,
		FullCheckInterval:     m.FullCheckInterval.Duration,
		HealthInterval:        m.HealthInterval.Duration,
		HousekeepingInterval:  m.HousekeepingInterval.Duration,
		OrphanSweepInterval:   m.OrphanSweepInterval.Duration,
		Concurrency:           m.Concurrency,
		CallTimeout:           m.CallTimeout.Duration,
		StatusCacheTTL:        m.StatusCacheTTL.Duration,
		TPDedupTTL:            m.TPDedupTTL.Duration,
		TPGraceWindow:         m.TPGraceWindow.Duration,
		VerifyDelay:           m.VerifyDelay.Duration,
		DustThreshold:         m.DustThreshold,
		TrailingResubmitEvery: m.TrailingResubmitEvery.Duration,
		PriceStaleness:        m.PriceStaleness.Duration,
		RestartBase:           m.RestartBase.Duration,
		RestartCap:            m.RestartCap.Duration,
		MaxRestarts:           m.MaxRestarts,
		LockTTL:               m.LockTTL.Duration,
		ChangeMarkerTTL:       m.ChangeMarkerTTL.Duration,
		Retry:                 retryPolicy(cfg.Retry),
	}
}

func retryPolicy(r config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay.Duration,
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay.Duration,
	}
}

// feedSymbols returns the mark-price symbol source: the configured symbols
// plus every symbol a running user trades.
func feedSymbols(static []string, users domain.UserRegistry, settings domain.SettingsStore) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		out := slices.Clone(static)
		running, err := users.ListRunning(ctx)
		if err != nil {
			return out, fmt.Errorf("feed symbols: %w", err)
		}
		for _, id := range running {
			st, err := settings.Get(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, st.Symbols...)
		}
		for i, s := range out {
			out[i] = strings.ToUpper(s)
		}
		slices.Sort(out)
		return slices.Compact(out), nil
	}
}
