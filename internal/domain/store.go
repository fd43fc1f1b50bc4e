package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore holds main positions keyed by (user, symbol, side).
type PositionStore interface {
	Get(ctx context.Context, key PositionKey) (Position, error)
	Save(ctx context.Context, pos Position) error
	// Update applies fn atomically; a concurrent writer causes a retry.
	Update(ctx context.Context, key PositionKey, fn func(*Position) error) (Position, error)
	// DeleteIfBelow removes the record only while its size is <= dust.
	DeleteIfBelow(ctx context.Context, key PositionKey, dust float64) (bool, error)
	Delete(ctx context.Context, key PositionKey) error
	ListByUser(ctx context.Context, userID string) ([]Position, error)
}

// MonitorOrderStore holds live monitored orders and their time-bounded
// completed archive.
type MonitorOrderStore interface {
	Track(ctx context.Context, order MonitoredOrder) error
	Get(ctx context.Context, key OrderKey) (MonitoredOrder, error)
	ListOpen(ctx context.Context, userID string) ([]MonitoredOrder, error)
	// Archive moves a live order into the completed namespace with a
	// terminal status. It returns false when the order was already archived
	// or is unknown, making repeated delivery a no-op.
	Archive(ctx context.Context, key OrderKey, status OrderStatus, at time.Time) (bool, error)
	GetCompleted(ctx context.Context, key OrderKey) (MonitoredOrder, error)
}

// TrailingStore holds trailing-stop state.
type TrailingStore interface {
	Get(ctx context.Context, key PositionKey) (TrailingStopState, error)
	Save(ctx context.Context, state TrailingStopState) error
	Delete(ctx context.Context, key PositionKey) error
	ListByUser(ctx context.Context, userID string) ([]TrailingStopState, error)
}

// HedgeStore holds the hedge record for a user's symbol.
type HedgeStore interface {
	Get(ctx context.Context, key SymbolKey) (HedgePosition, error)
	Save(ctx context.Context, hedge HedgePosition) error
	Delete(ctx context.Context, key SymbolKey) error
}

// CooldownStore holds re-entry suppression markers.
type CooldownStore interface {
	Start(ctx context.Context, key PositionKey, ttl time.Duration) error
	Remaining(ctx context.Context, key PositionKey) (time.Duration, error)
}

// MarkerStore holds short-lived dedup markers.
type MarkerStore interface {
	// Mark sets the marker and returns true if it was not already present.
	Mark(ctx context.Context, key MarkerKey, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key MarkerKey) (bool, error)
	Clear(ctx context.Context, key MarkerKey) error
}

// TPSequenceStore persists per-position take-profit ordering state.
type TPSequenceStore interface {
	// Update loads (or creates from tpState), mutates and saves atomically.
	Update(ctx context.Context, key PositionKey, tpState int, fn func(*TPSequence) error) (TPSequence, error)
	Delete(ctx context.Context, key PositionKey) error
	Exists(ctx context.Context, key PositionKey) (bool, error)
}

// UserRegistry tracks each user's trading switch.
type UserRegistry interface {
	ListRunning(ctx context.Context) ([]string, error)
	Status(ctx context.Context, userID string) (TradingStatus, error)
	SetStatus(ctx context.Context, userID string, status TradingStatus, reason string) error
}

// SettingsStore reads per-user trading settings.
type SettingsStore interface {
	Get(ctx context.Context, userID string) (TradingSettings, error)
	Upsert(ctx context.Context, settings TradingSettings) error
	List(ctx context.Context) ([]TradingSettings, error)
}

// CredentialStore reads per-user exchange API credentials.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (APICredentials, error)
	Upsert(ctx context.Context, creds APICredentials) error
}

// TradeHistoryStore records completed trades.
type TradeHistoryStore interface {
	Record(ctx context.Context, trade CompletedTrade) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]CompletedTrade, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
