package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futuresbot/internal/crypto"
	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// CredentialStore implements domain.CredentialStore. When a sealer is set,
// API secrets are encrypted at rest; plaintext rows written before a
// passphrase was configured are still readable.
type CredentialStore struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

// NewCredentialStore creates a CredentialStore backed by the given pool.
// sealer may be nil.
func NewCredentialStore(pool *pgxpool.Pool, sealer *crypto.Sealer) *CredentialStore {
	return &CredentialStore{pool: pool, sealer: sealer}
}

// Get returns the API credentials for userID or domain.ErrNotFound.
func (s *CredentialStore) Get(ctx context.Context, userID string) (domain.APICredentials, error) {
	const query = `SELECT user_id, api_key, api_secret, testnet FROM api_credentials WHERE user_id = $1`

	var c domain.APICredentials
	err := s.pool.QueryRow(ctx, query, userID).Scan(&c.UserID, &c.APIKey, &c.APISecret, &c.Testnet)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APICredentials{}, domain.ErrNotFound
		}
		return domain.APICredentials{}, fmt.Errorf("postgres: get credentials %s: %w", userID, err)
	}
	if crypto.IsSealed(c.APISecret) {
		if s.sealer == nil {
			return domain.APICredentials{}, fmt.Errorf("postgres: credentials %s are sealed but no passphrase is configured", userID)
		}
		if c.APISecret, err = s.sealer.Open(c.APISecret); err != nil {
			return domain.APICredentials{}, fmt.Errorf("postgres: open credentials %s: %w", userID, err)
		}
	}
	return c, nil
}

// Upsert stores or replaces a user's API credentials.
func (s *CredentialStore) Upsert(ctx context.Context, c domain.APICredentials) error {
	const query = `
		INSERT INTO api_credentials (user_id, api_key, api_secret, testnet, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			api_key    = EXCLUDED.api_key,
			api_secret = EXCLUDED.api_secret,
			testnet    = EXCLUDED.testnet,
			updated_at = NOW()`

	secret := c.APISecret
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(secret)
		if err != nil {
			return fmt.Errorf("postgres: seal credentials %s: %w", c.UserID, err)
		}
		secret = sealed
	}

	if _, err := s.pool.Exec(ctx, query, c.UserID, c.APIKey, secret, c.Testnet); err != nil {
		return fmt.Errorf("postgres: upsert credentials %s: %w", c.UserID, err)
	}
	return nil
}

var _ domain.CredentialStore = (*CredentialStore)(nil)
