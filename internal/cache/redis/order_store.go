package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/archive_order.lua
var archiveOrderLua string

// MonitorOrderStore implements domain.MonitorOrderStore. Live orders are
// hashes indexed by a per-user set; terminal orders move atomically into the
// completed namespace where they expire after completedTTL.
type MonitorOrderStore struct {
	rdb          *redis.Client
	archive      *redis.Script
	completedTTL time.Duration
}

// NewMonitorOrderStore creates a MonitorOrderStore backed by the given Client.
func NewMonitorOrderStore(c *Client, completedTTL time.Duration) *MonitorOrderStore {
	return &MonitorOrderStore{
		rdb:          c.Underlying(),
		archive:      redis.NewScript(archiveOrderLua),
		completedTTL: completedTTL,
	}
}

func encodeOrder(o domain.MonitoredOrder) map[string]interface{} {
	return map[string]interface{}{
		"user":          o.Key.UserID,
		"symbol":        o.Key.Symbol,
		"order_id":      o.Key.OrderID,
		"position_side": string(o.PositionSide),
		"purpose":       string(o.Purpose),
		"price":         fmtFloat(o.Price),
		"status":        string(o.Status),
		"contracts":     fmtFloat(o.ContractsAmount),
		"hedge":         fmtBool(o.Hedge),
		"created_at":    fmtTime(o.CreatedAt),
		"updated_at":    fmtTime(o.UpdatedAt),
	}
}

func decodeOrder(vals map[string]string) domain.MonitoredOrder {
	h := hashReader(vals)
	return domain.MonitoredOrder{
		Key: domain.OrderKey{
			UserID:  h.str("user"),
			Symbol:  h.str("symbol"),
			OrderID: h.str("order_id"),
		},
		PositionSide:    domain.Side(h.str("position_side")),
		Purpose:         domain.ParsePurpose(h.str("purpose")),
		Price:           h.float("price"),
		Status:          domain.OrderStatus(h.str("status")),
		ContractsAmount: h.float("contracts"),
		Hedge:           h.bool("hedge"),
		CreatedAt:       h.time("created_at"),
		UpdatedAt:       h.time("updated_at"),
	}
}

// Track starts monitoring an order. Status defaults to open.
func (s *MonitorOrderStore) Track(ctx context.Context, order domain.MonitoredOrder) error {
	if order.Status == "" {
		order.Status = domain.OrderOpen
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, monitorKey(order.Key), encodeOrder(order))
	pipe.SAdd(ctx, monitorIndexKey(order.Key.UserID), monitorIndexMember(order.Key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: track order %s: %w", order.Key, err)
	}
	return nil
}

// Get returns a live order or domain.ErrNotFound.
func (s *MonitorOrderStore) Get(ctx context.Context, key domain.OrderKey) (domain.MonitoredOrder, error) {
	return s.load(ctx, monitorKey(key), key)
}

// GetCompleted returns an archived order or domain.ErrNotFound.
func (s *MonitorOrderStore) GetCompleted(ctx context.Context, key domain.OrderKey) (domain.MonitoredOrder, error) {
	return s.load(ctx, completedKey(key), key)
}

func (s *MonitorOrderStore) load(ctx context.Context, rk string, key domain.OrderKey) (domain.MonitoredOrder, error) {
	vals, err := s.rdb.HGetAll(ctx, rk).Result()
	if err != nil {
		return domain.MonitoredOrder{}, fmt.Errorf("redis: get order %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.MonitoredOrder{}, domain.ErrNotFound
	}
	return decodeOrder(vals), nil
}

// ListOpen returns the user's live orders whose status is open. Index
// members whose hash has vanished are pruned.
func (s *MonitorOrderStore) ListOpen(ctx context.Context, userID string) ([]domain.MonitoredOrder, error) {
	idx := monitorIndexKey(userID)
	members, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list open orders %s: %w", userID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		symbol, orderID, _ := strings.Cut(m, "|")
		cmds[i] = pipe.HGetAll(ctx, monitorKey(domain.OrderKey{UserID: userID, Symbol: symbol, OrderID: orderID}))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: list open orders %s: %w", userID, err)
	}

	var (
		out   []domain.MonitoredOrder
		stale []interface{}
	)
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			stale = append(stale, members[i])
			continue
		}
		o := decodeOrder(vals)
		if o.Status == domain.OrderOpen {
			out = append(out, o)
		}
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, idx, stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis: prune order index %s: %w", userID, err)
		}
	}
	return out, nil
}

// Archive moves a live order to the completed namespace with a terminal
// status. It returns false when the order was already archived or is
// unknown, so a repeated delivery is a no-op.
func (s *MonitorOrderStore) Archive(ctx context.Context, key domain.OrderKey, status domain.OrderStatus, at time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("redis: archive order %s with status %q: %w", key, status, domain.ErrInvalidOrder)
	}
	ttl := int64(s.completedTTL / time.Second)
	if ttl <= 0 {
		ttl = 1
	}
	n, err := s.archive.Run(ctx, s.rdb,
		[]string{monitorKey(key), completedKey(key), monitorIndexKey(key.UserID)},
		string(status), fmtTime(at), strconv.FormatInt(ttl, 10), monitorIndexMember(key),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: archive order %s: %w", key, err)
	}
	return n == 1, nil
}

// Compile-time interface check.
var _ domain.MonitorOrderStore = (*MonitorOrderStore)(nil)
