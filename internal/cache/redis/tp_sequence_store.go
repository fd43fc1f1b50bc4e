package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// tpSequenceTTL drops buffers for positions that stopped being monitored.
const tpSequenceTTL = 48 * time.Hour

// TPSequenceStore implements domain.TPSequenceStore as a JSON string per
// position, mutated under WATCH so concurrent reconcile passes for the same
// side never lose a buffered fill.
type TPSequenceStore struct {
	rdb *redis.Client
}

// NewTPSequenceStore creates a TPSequenceStore backed by the given Client.
func NewTPSequenceStore(c *Client) *TPSequenceStore {
	return &TPSequenceStore{rdb: c.Underlying()}
}

// Update loads the sequence (creating it after tpState if absent), applies
// fn and saves the result. An empty sequence is deleted instead of saved.
func (s *TPSequenceStore) Update(ctx context.Context, key domain.PositionKey, tpState int, fn func(*domain.TPSequence) error) (domain.TPSequence, error) {
	rk := tpSequenceKey(key)
	var out domain.TPSequence
	txf := func(tx *redis.Tx) error {
		seq := domain.NewTPSequence(tpState)
		raw, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &seq); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
		}
		if err := fn(&seq); err != nil {
			return err
		}
		var payload []byte
		if seq.Waiting() {
			if payload, err = json.Marshal(seq); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if payload == nil {
				pipe.Del(ctx, rk)
				return nil
			}
			pipe.Set(ctx, rk, payload, tpSequenceTTL)
			return nil
		})
		if err == nil {
			out = seq
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.TPSequence{}, fmt.Errorf("redis: update tp sequence %s: %w", key, err)
		}
		return out, nil
	}
	return domain.TPSequence{}, fmt.Errorf("redis: update tp sequence %s: %w", key, redis.TxFailedErr)
}

// Delete drops the buffer for key.
func (s *TPSequenceStore) Delete(ctx context.Context, key domain.PositionKey) error {
	if err := s.rdb.Del(ctx, tpSequenceKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete tp sequence %s: %w", key, err)
	}
	return nil
}

// Exists reports whether fills are buffered for key.
func (s *TPSequenceStore) Exists(ctx context.Context, key domain.PositionKey) (bool, error) {
	n, err := s.rdb.Exists(ctx, tpSequenceKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: tp sequence exists %s: %w", key, err)
	}
	return n == 1, nil
}

// Compile-time interface check.
var _ domain.TPSequenceStore = (*TPSequenceStore)(nil)
