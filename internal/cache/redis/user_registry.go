package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// UserRegistry implements domain.UserRegistry over "user:{id}:status"
// strings. Enumeration uses SCAN so it never blocks the server.
type UserRegistry struct {
	rdb *redis.Client
}

// NewUserRegistry creates a UserRegistry backed by the given Client.
func NewUserRegistry(c *Client) *UserRegistry {
	return &UserRegistry{rdb: c.Underlying()}
}

// ListRunning returns the IDs of users whose status is running, sorted.
func (r *UserRegistry) ListRunning(ctx context.Context) ([]string, error) {
	keys, err := scanKeys(ctx, r.rdb, userStatusPattern)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list running users: %w", err)
	}

	var users []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok || domain.TradingStatus(s) != domain.StatusRunning {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(keys[i], "user:"), ":status")
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// Status returns the user's trading switch; an unknown user is stopped.
func (r *UserRegistry) Status(ctx context.Context, userID string) (domain.TradingStatus, error) {
	v, err := r.rdb.Get(ctx, userStatusKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.StatusStopped, nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: user status %s: %w", userID, err)
	}
	return domain.TradingStatus(v), nil
}

// SetStatus flips the user's trading switch and records why.
func (r *UserRegistry) SetStatus(ctx context.Context, userID string, status domain.TradingStatus, reason string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, userStatusKey(userID), string(status), 0)
	pipe.Set(ctx, userStatusReasonKey(userID), reason, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set user status %s: %w", userID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.UserRegistry = (*UserRegistry)(nil)
