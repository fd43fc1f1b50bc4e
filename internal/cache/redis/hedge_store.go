package redis

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// HedgeStore implements domain.HedgeStore with one hash per (user, symbol).
type HedgeStore struct {
	rdb *redis.Client
}

// NewHedgeStore creates a HedgeStore backed by the given Client.
func NewHedgeStore(c *Client) *HedgeStore {
	return &HedgeStore{rdb: c.Underlying()}
}

// Get returns the hedge for key or domain.ErrNotFound.
func (s *HedgeStore) Get(ctx context.Context, key domain.SymbolKey) (domain.HedgePosition, error) {
	vals, err := s.rdb.HGetAll(ctx, hedgeKey(key)).Result()
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("redis: get hedge %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.HedgePosition{}, domain.ErrNotFound
	}
	h := hashReader(vals)
	return domain.HedgePosition{
		Key:               key,
		Side:              domain.Side(h.str("side")),
		EntryPrice:        h.float("entry_price"),
		Size:              h.float("size"),
		DCAIndex:          h.int("dca_index"),
		EntryCount:        h.int("entry_count"),
		StopLoss:          h.float("stop_loss"),
		TakeProfit:        h.float("take_profit"),
		StopLossOrderID:   h.str("sl_order_id"),
		TakeProfitOrderID: h.str("tp_order_id"),
		OpenedAt:          h.time("opened_at"),
		UpdatedAt:         h.time("updated_at"),
	}, nil
}

// Save overwrites the hedge record.
func (s *HedgeStore) Save(ctx context.Context, hp domain.HedgePosition) error {
	rk := hedgeKey(hp.Key)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, rk)
	pipe.HSet(ctx, rk, map[string]interface{}{
		"side":        string(hp.Side),
		"entry_price": fmtFloat(hp.EntryPrice),
		"size":        fmtFloat(hp.Size),
		"dca_index":   hp.DCAIndex,
		"entry_count": hp.EntryCount,
		"stop_loss":   fmtFloat(hp.StopLoss),
		"take_profit": fmtFloat(hp.TakeProfit),
		"sl_order_id": hp.StopLossOrderID,
		"tp_order_id": hp.TakeProfitOrderID,
		"opened_at":   fmtTime(hp.OpenedAt),
		"updated_at":  fmtTime(hp.UpdatedAt),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save hedge %s: %w", hp.Key, err)
	}
	return nil
}

// Delete removes the hedge record.
func (s *HedgeStore) Delete(ctx context.Context, key domain.SymbolKey) error {
	if err := s.rdb.Del(ctx, hedgeKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete hedge %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.HedgeStore = (*HedgeStore)(nil)
