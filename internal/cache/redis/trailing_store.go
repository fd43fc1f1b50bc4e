package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// TrailingStore implements domain.TrailingStore. Every save refreshes a
// safety TTL so state for an abandoned position cannot live forever.
type TrailingStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTrailingStore creates a TrailingStore backed by the given Client.
func NewTrailingStore(c *Client, ttl time.Duration) *TrailingStore {
	return &TrailingStore{rdb: c.Underlying(), ttl: ttl}
}

func encodeTrailing(t domain.TrailingStopState) map[string]interface{} {
	return map[string]interface{}{
		"user":              t.Key.UserID,
		"symbol":            t.Key.Symbol,
		"side":              string(t.Key.Side),
		"active":            fmtBool(t.Active),
		"offset":            fmtFloat(t.Offset),
		"extreme":           fmtFloat(t.Extreme),
		"stop_price":        fmtFloat(t.StopPrice),
		"submitted_stop":    fmtFloat(t.SubmittedStop),
		"sl_order_id":       t.SLOrderID,
		"activated_at":      fmtTime(t.ActivatedAt),
		"updated_at":        fmtTime(t.UpdatedAt),
		"last_submitted_at": fmtTime(t.LastSubmittedAt),
	}
}

func decodeTrailing(vals map[string]string) domain.TrailingStopState {
	h := hashReader(vals)
	return domain.TrailingStopState{
		Key: domain.PositionKey{
			UserID: h.str("user"),
			Symbol: h.str("symbol"),
			Side:   domain.Side(h.str("side")),
		},
		Active:          h.bool("active"),
		Offset:          h.float("offset"),
		Extreme:         h.float("extreme"),
		StopPrice:       h.float("stop_price"),
		SubmittedStop:   h.float("submitted_stop"),
		SLOrderID:       h.str("sl_order_id"),
		ActivatedAt:     h.time("activated_at"),
		UpdatedAt:       h.time("updated_at"),
		LastSubmittedAt: h.time("last_submitted_at"),
	}
}

// Get returns the trailing state for key or domain.ErrNotFound.
func (s *TrailingStore) Get(ctx context.Context, key domain.PositionKey) (domain.TrailingStopState, error) {
	vals, err := s.rdb.HGetAll(ctx, trailingKey(key)).Result()
	if err != nil {
		return domain.TrailingStopState{}, fmt.Errorf("redis: get trailing %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.TrailingStopState{}, domain.ErrNotFound
	}
	return decodeTrailing(vals), nil
}

// Save writes the state and refreshes its TTL.
func (s *TrailingStore) Save(ctx context.Context, state domain.TrailingStopState) error {
	rk := trailingKey(state.Key)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, rk, encodeTrailing(state))
	pipe.Expire(ctx, rk, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save trailing %s: %w", state.Key, err)
	}
	return nil
}

// Delete clears the trailing state.
func (s *TrailingStore) Delete(ctx context.Context, key domain.PositionKey) error {
	if err := s.rdb.Del(ctx, trailingKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete trailing %s: %w", key, err)
	}
	return nil
}

// ListByUser returns the user's trailing states.
func (s *TrailingStore) ListByUser(ctx context.Context, userID string) ([]domain.TrailingStopState, error) {
	keys, err := scanKeys(ctx, s.rdb, trailingPattern(userID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.TrailingStopState, 0, len(keys))
	for _, k := range keys {
		vals, err := s.rdb.HGetAll(ctx, k).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis: list trailing %s: %w", userID, err)
		}
		if len(vals) == 0 {
			continue
		}
		out = append(out, decodeTrailing(vals))
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.TrailingStore = (*TrailingStore)(nil)
