// Package monitor is the order and position monitoring engine: the order
// reconciler, trailing-stop engine, take-profit cascade, hedge coordinator
// and the scheduler that drives them from store state every tick.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/metrics"
	"github.com/alanyoungcy/futuresbot/internal/retry"
)

// Notifier delivers user and operator events.
type Notifier interface {
	Notify(ctx context.Context, ev domain.Event) error
}

// Clock abstracts wall time so sequencing and expiry are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real-time Clock.
var SystemClock Clock = systemClock{}

// Stores groups every persistence dependency of the engine.
type Stores struct {
	Positions  domain.PositionStore
	Orders     domain.MonitorOrderStore
	Trailing   domain.TrailingStore
	Hedges     domain.HedgeStore
	Cooldowns  domain.CooldownStore
	Markers    domain.MarkerStore
	TPSequence domain.TPSequenceStore
	Users      domain.UserRegistry
	Settings   domain.SettingsStore
	Trades     domain.TradeHistoryStore
	Audit      domain.AuditStore
	Locks      domain.LockManager
	Limiter    domain.RateLimiter
	Prices     domain.PriceCache
}

// Config holds the engine tunables.
type Config struct {
	TickInterval          time.Duration
	FullCheckInterval     time.Duration
	HealthInterval        time.Duration
	HousekeepingInterval  time.Duration
	OrphanSweepInterval   time.Duration
	Concurrency           int
	CallTimeout           time.Duration
	StatusCacheTTL        time.Duration
	TPDedupTTL            time.Duration
	TPGraceWindow         time.Duration
	VerifyDelay           time.Duration
	DustThreshold         float64
	TrailingResubmitEvery time.Duration
	PriceStaleness        time.Duration
	RestartBase           time.Duration
	RestartCap            time.Duration
	MaxRestarts           int
	LockTTL               time.Duration
	ChangeMarkerTTL       time.Duration
	Retry                 retry.Policy
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:          2 * time.Second,
		FullCheckInterval:     10 * time.Second,
		HealthInterval:        30 * time.Second,
		HousekeepingInterval:  10 * time.Minute,
		OrphanSweepInterval:   5 * time.Minute,
		Concurrency:           16,
		CallTimeout:           20 * time.Second,
		StatusCacheTTL:        3 * time.Second,
		TPDedupTTL:            5 * time.Minute,
		TPGraceWindow:         30 * time.Minute,
		VerifyDelay:           3 * time.Second,
		DustThreshold:         0.001,
		TrailingResubmitEvery: time.Hour,
		PriceStaleness:        5 * time.Second,
		RestartBase:           5 * time.Second,
		RestartCap:            5 * time.Minute,
		MaxRestarts:           5,
		LockTTL:               30 * time.Second,
		ChangeMarkerTTL:       10 * time.Minute,
		Retry:                 retry.DefaultPolicy,
	}
}

// Deps is the dependency set shared by every engine component. It is built
// once at process start and passed by pointer.
type Deps struct {
	Config   Config
	Clock    Clock
	Gateway  domain.ExchangeGateway
	Stores   Stores
	Notifier Notifier
	Health   domain.HealthChecker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (d *Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock.Now()
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
