package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// SettingsStore implements domain.SettingsStore. Each user's trading
// settings are one JSONB document.
type SettingsStore struct {
	pool *pgxpool.Pool
}

// NewSettingsStore creates a SettingsStore backed by the given pool.
func NewSettingsStore(pool *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

// Get returns the settings for userID or domain.ErrNotFound.
func (s *SettingsStore) Get(ctx context.Context, userID string) (domain.TradingSettings, error) {
	const query = `SELECT settings_json FROM user_settings WHERE user_id = $1`

	var raw []byte
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradingSettings{}, domain.ErrNotFound
		}
		return domain.TradingSettings{}, fmt.Errorf("postgres: get settings %s: %w", userID, err)
	}

	var settings domain.TradingSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return domain.TradingSettings{}, fmt.Errorf("postgres: unmarshal settings %s: %w", userID, err)
	}
	settings.UserID = userID
	return settings, nil
}

// Upsert inserts or replaces a user's settings document.
func (s *SettingsStore) Upsert(ctx context.Context, settings domain.TradingSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("postgres: marshal settings %s: %w", settings.UserID, err)
	}

	const query = `
		INSERT INTO user_settings (user_id, settings_json, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			settings_json = EXCLUDED.settings_json,
			updated_at    = NOW()`

	if _, err := s.pool.Exec(ctx, query, settings.UserID, raw); err != nil {
		return fmt.Errorf("postgres: upsert settings %s: %w", settings.UserID, err)
	}
	return nil
}

// List returns every user's settings ordered by user id.
func (s *SettingsStore) List(ctx context.Context) ([]domain.TradingSettings, error) {
	const query = `SELECT user_id, settings_json FROM user_settings ORDER BY user_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settings: %w", err)
	}
	defer rows.Close()

	var out []domain.TradingSettings
	for rows.Next() {
		var (
			userID string
			raw    []byte
		)
		if err := rows.Scan(&userID, &raw); err != nil {
			return nil, fmt.Errorf("postgres: scan settings: %w", err)
		}
		var settings domain.TradingSettings
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal settings %s: %w", userID, err)
		}
		settings.UserID = userID
		out = append(out, settings)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settings rows: %w", err)
	}
	return out, nil
}

var _ domain.SettingsStore = (*SettingsStore)(nil)
