package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// TradeHistoryStore implements domain.TradeHistoryStore using PostgreSQL.
type TradeHistoryStore struct {
	pool *pgxpool.Pool
}

// NewTradeHistoryStore creates a TradeHistoryStore backed by the given pool.
func NewTradeHistoryStore(pool *pgxpool.Pool) *TradeHistoryStore {
	return &TradeHistoryStore{pool: pool}
}

const tradeHistoryCols = `id, user_id, symbol, side, size, entry_price, exit_price,
	dca_count, tp_state, reason, is_hedge, opened_at, closed_at`

func scanTradeHistory(rows pgx.Rows) ([]domain.CompletedTrade, error) {
	var trades []domain.CompletedTrade
	for rows.Next() {
		var (
			t        domain.CompletedTrade
			side     string
			openedAt *time.Time
		)
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Symbol, &side, &t.Size, &t.EntryPrice, &t.ExitPrice,
			&t.DCACount, &t.TPState, &t.Reason, &t.IsHedge, &openedAt, &t.ClosedAt,
		); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		if openedAt != nil {
			t.OpenedAt = *openedAt
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Record inserts a completed trade row.
func (s *TradeHistoryStore) Record(ctx context.Context, t domain.CompletedTrade) error {
	const query = `
		INSERT INTO trade_history (
			user_id, symbol, side, size, entry_price, exit_price,
			dca_count, tp_state, reason, is_hedge, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	var openedAt *time.Time
	if !t.OpenedAt.IsZero() {
		openedAt = &t.OpenedAt
	}
	closedAt := t.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		t.UserID, t.Symbol, string(t.Side), t.Size, t.EntryPrice, t.ExitPrice,
		t.DCACount, t.TPState, t.Reason, t.IsHedge, openedAt, closedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record trade %s/%s: %w", t.UserID, t.Symbol, err)
	}
	return nil
}

// ListByUser returns a user's completed trades, newest first.
func (s *TradeHistoryStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.CompletedTrade, error) {
	query, args := appendListOpts(
		`SELECT `+tradeHistoryCols+` FROM trade_history WHERE user_id = $1`,
		[]any{userID}, "closed_at", "closed_at DESC, id DESC", opts,
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", userID, err)
	}
	defer rows.Close()

	trades, err := scanTradeHistory(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades %s: %w", userID, err)
	}
	return trades, nil
}

var _ domain.TradeHistoryStore = (*TradeHistoryStore)(nil)

// List returns trades across all users closed within the range in opts,
// oldest first. It backs the monthly history export.
func (s *TradeHistoryStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.CompletedTrade, error) {
	query, args := appendListOpts(
		`SELECT `+tradeHistoryCols+` FROM trade_history WHERE TRUE`,
		nil, "closed_at", "closed_at ASC, id ASC", opts,
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeHistory(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}
