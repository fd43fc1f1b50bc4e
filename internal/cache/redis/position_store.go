package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/delete_if_below.lua
var deleteIfBelowLua string

// maxTxRetries bounds optimistic WATCH/MULTI retries under contention.
const maxTxRetries = 10

// PositionStore implements domain.PositionStore with one hash per
// (user, symbol, side).
type PositionStore struct {
	rdb           *redis.Client
	deleteIfBelow *redis.Script
}

// NewPositionStore creates a PositionStore backed by the given Client.
func NewPositionStore(c *Client) *PositionStore {
	return &PositionStore{
		rdb:           c.Underlying(),
		deleteIfBelow: redis.NewScript(deleteIfBelowLua),
	}
}

func encodePosition(p domain.Position) (map[string]interface{}, error) {
	ladder, err := json.Marshal(p.TakeProfits)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"user":         p.Key.UserID,
		"symbol":       p.Key.Symbol,
		"side":         string(p.Key.Side),
		"size":         fmtFloat(p.Size),
		"entry_price":  fmtFloat(p.EntryPrice),
		"leverage":     p.Leverage,
		"stop_loss":    fmtFloat(p.StopLoss),
		"sl_order_id":  p.StopLossOrderID,
		"take_profits": string(ladder),
		"is_hedge":     fmtBool(p.IsHedge),
		"dca_count":    p.DCACount,
		"entry_size":   fmtFloat(p.EntrySize),
		"tp_state":     p.TPState,
		"opened_at":    fmtTime(p.OpenedAt),
		"updated_at":   fmtTime(p.UpdatedAt),
	}, nil
}

func decodePosition(vals map[string]string) (domain.Position, error) {
	h := hashReader(vals)
	p := domain.Position{
		Key: domain.PositionKey{
			UserID: h.str("user"),
			Symbol: h.str("symbol"),
			Side:   domain.Side(h.str("side")),
		},
		Size:            h.float("size"),
		EntryPrice:      h.float("entry_price"),
		Leverage:        h.int("leverage"),
		StopLoss:        h.float("stop_loss"),
		StopLossOrderID: h.str("sl_order_id"),
		IsHedge:         h.bool("is_hedge"),
		DCACount:        h.int("dca_count"),
		EntrySize:       h.float("entry_size"),
		TPState:         h.int("tp_state"),
		OpenedAt:        h.time("opened_at"),
		UpdatedAt:       h.time("updated_at"),
	}
	if raw := h.str("take_profits"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.TakeProfits); err != nil {
			return domain.Position{}, fmt.Errorf("decode take_profits: %w", err)
		}
	}
	return p, nil
}

// Get returns the position for key or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	vals, err := s.rdb.HGetAll(ctx, positionKey(key)).Result()
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis: get position %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.Position{}, domain.ErrNotFound
	}
	p, err := decodePosition(vals)
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis: get position %s: %w", key, err)
	}
	return p, nil
}

// Save overwrites the position record.
func (s *PositionStore) Save(ctx context.Context, pos domain.Position) error {
	fields, err := encodePosition(pos)
	if err != nil {
		return fmt.Errorf("redis: save position %s: %w", pos.Key, err)
	}
	key := positionKey(pos.Key)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save position %s: %w", pos.Key, err)
	}
	return nil
}

// Update loads the position, applies fn and writes it back inside a
// WATCH/MULTI transaction. A concurrent writer causes fn to be re-run on the
// fresh record. An error from fn aborts without writing.
func (s *PositionStore) Update(ctx context.Context, key domain.PositionKey, fn func(*domain.Position) error) (domain.Position, error) {
	rk := positionKey(key)
	var out domain.Position
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return domain.ErrNotFound
		}
		p, err := decodePosition(vals)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		fields, err := encodePosition(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rk, fields)
			return nil
		})
		if err == nil {
			out = p
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Position{}, fmt.Errorf("redis: update position %s: %w", key, err)
		}
		return out, nil
	}
	return domain.Position{}, fmt.Errorf("redis: update position %s: %w", key, redis.TxFailedErr)
}

// DeleteIfBelow removes the record only while its stored size is at or below
// dust. It reports whether the record was deleted.
func (s *PositionStore) DeleteIfBelow(ctx context.Context, key domain.PositionKey, dust float64) (bool, error) {
	n, err := s.deleteIfBelow.Run(ctx, s.rdb, []string{positionKey(key)}, fmtFloat(dust)).Int()
	if err != nil {
		return false, fmt.Errorf("redis: delete position %s if below %v: %w", key, dust, err)
	}
	return n == 1, nil
}

// Delete removes the record unconditionally.
func (s *PositionStore) Delete(ctx context.Context, key domain.PositionKey) error {
	if err := s.rdb.Del(ctx, positionKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete position %s: %w", key, err)
	}
	return nil
}

// ListByUser returns every stored position for userID.
func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	keys, err := scanKeys(ctx, s.rdb, positionPattern(userID))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: list positions %s: %w", userID, err)
	}

	out := make([]domain.Position, 0, len(keys))
	for _, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		p, err := decodePosition(vals)
		if err != nil {
			return nil, fmt.Errorf("redis: list positions %s: %w", userID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
