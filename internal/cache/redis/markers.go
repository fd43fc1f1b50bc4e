package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// CooldownStore implements domain.CooldownStore with TTL strings.
type CooldownStore struct {
	rdb *redis.Client
}

// NewCooldownStore creates a CooldownStore backed by the given Client.
func NewCooldownStore(c *Client) *CooldownStore {
	return &CooldownStore{rdb: c.Underlying()}
}

// Start suppresses re-entry for key during ttl. A non-positive ttl is a no-op.
func (s *CooldownStore) Start(ctx context.Context, key domain.PositionKey, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, cooldownKey(key), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis: start cooldown %s: %w", key, err)
	}
	return nil
}

// Remaining returns how long the cooldown still runs, or zero if none.
func (s *CooldownStore) Remaining(ctx context.Context, key domain.PositionKey) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, cooldownKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: cooldown ttl %s: %w", key, err)
	}
	// PTTL reports -2 for a missing key and -1 for no expiry.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// MarkerStore implements domain.MarkerStore with SET NX markers.
type MarkerStore struct {
	rdb *redis.Client
}

// NewMarkerStore creates a MarkerStore backed by the given Client.
func NewMarkerStore(c *Client) *MarkerStore {
	return &MarkerStore{rdb: c.Underlying()}
}

// Mark sets the marker if absent and reports whether this call set it.
func (s *MarkerStore) Mark(ctx context.Context, key domain.MarkerKey, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, markerKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark %s %s: %w", key.Kind, key.Position, err)
	}
	return ok, nil
}

// Exists reports whether the marker is present.
func (s *MarkerStore) Exists(ctx context.Context, key domain.MarkerKey) (bool, error) {
	n, err := s.rdb.Exists(ctx, markerKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: marker exists %s %s: %w", key.Kind, key.Position, err)
	}
	return n == 1, nil
}

// Clear removes the marker.
func (s *MarkerStore) Clear(ctx context.Context, key domain.MarkerKey) error {
	if err := s.rdb.Del(ctx, markerKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: clear marker %s %s: %w", key.Kind, key.Position, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.CooldownStore = (*CooldownStore)(nil)
	_ domain.MarkerStore   = (*MarkerStore)(nil)
)
