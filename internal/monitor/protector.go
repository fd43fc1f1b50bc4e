package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// protectiveOrder describes a conditional order to (re)place for a side.
type protectiveOrder struct {
	Key     domain.PositionKey
	Purpose domain.OrderPurpose
	Trigger float64
	Size    float64 // zero closes the whole position
	Hedge   bool
	// Replace lists the purposes cancelled before placing.
	Replace []domain.OrderPurpose
}

// protector places conditional orders and keeps the live monitor namespace
// in step with what is working on the exchange.
type protector struct {
	d      *Deps
	logger *slog.Logger
}

func newProtector(d *Deps) *protector {
	return &protector{d: d, logger: d.Logger.With(slog.String("component", "protector"))}
}

// place cancels the orders named by o.Replace, submits o and starts
// monitoring it. It returns the new exchange order id.
func (p *protector) place(ctx context.Context, o protectiveOrder) (string, error) {
	if len(o.Replace) > 0 {
		if err := p.cancel(ctx, o.Key, o.Hedge, o.Replace...); err != nil {
			return "", err
		}
	}

	id, err := p.d.Gateway.PlaceConditionalOrder(ctx, domain.ConditionalOrderRequest{
		UserID:       o.Key.UserID,
		Symbol:       o.Key.Symbol,
		Side:         o.Key.Side,
		TriggerPrice: o.Trigger,
		Size:         o.Size,
		Purpose:      o.Purpose,
	})
	if err != nil {
		return "", fmt.Errorf("monitor: place %s for %s: %w", o.Purpose, o.Key, err)
	}

	now := p.d.now()
	tracked := domain.MonitoredOrder{
		Key:             domain.OrderKey{UserID: o.Key.UserID, Symbol: o.Key.Symbol, OrderID: id},
		PositionSide:    o.Key.Side,
		Purpose:         o.Purpose,
		Price:           o.Trigger,
		Status:          domain.OrderOpen,
		ContractsAmount: o.Size,
		Hedge:           o.Hedge,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.d.Stores.Orders.Track(ctx, tracked); err != nil {
		return id, fmt.Errorf("monitor: track %s %s: %w", o.Purpose, id, err)
	}
	p.logger.InfoContext(ctx, "protective order placed",
		slog.String("user", o.Key.UserID),
		slog.String("symbol", o.Key.Symbol),
		slog.String("side", string(o.Key.Side)),
		slog.String("purpose", string(o.Purpose)),
		slog.String("order_id", id),
		slog.Float64("trigger", o.Trigger),
	)
	return id, nil
}

// cancel cancels exchange orders of purposes on key's side and archives the
// matching live monitor records. No purposes means every order on the side.
func (p *protector) cancel(ctx context.Context, key domain.PositionKey, hedge bool, purposes ...domain.OrderPurpose) error {
	if err := p.d.Gateway.CancelOrders(ctx, key.UserID, key.Symbol, key.Side, purposes...); err != nil {
		return fmt.Errorf("monitor: cancel orders for %s: %w", key, err)
	}
	return p.archiveLive(ctx, key, hedge, purposes...)
}

// archiveLive moves live monitor records for key's side into the completed
// namespace as canceled.
func (p *protector) archiveLive(ctx context.Context, key domain.PositionKey, hedge bool, purposes ...domain.OrderPurpose) error {
	open, err := p.d.Stores.Orders.ListOpen(ctx, key.UserID)
	if err != nil {
		return fmt.Errorf("monitor: list open orders for %s: %w", key.UserID, err)
	}
	now := p.d.now()
	committing, _ := ctx.Value(committingKey{}).(domain.OrderKey)
	for _, o := range open {
		if o.Key == committing {
			continue
		}
		if o.Key.Symbol != key.Symbol || o.PositionSide != key.Side || o.Hedge != hedge {
			continue
		}
		if len(purposes) > 0 && !slices.Contains(purposes, o.Purpose) {
			continue
		}
		if _, err := p.d.Stores.Orders.Archive(ctx, o.Key, domain.OrderCanceled, now); err != nil {
			return fmt.Errorf("monitor: archive %s: %w", o.Key, err)
		}
	}
	return nil
}

type committingKey struct{}

// withCommitting marks key as the order whose terminal state the reconciler
// is about to archive, so cleanup in the same pass leaves its live record
// for that archive.
func withCommitting(ctx context.Context, key domain.OrderKey) context.Context {
	return context.WithValue(ctx, committingKey{}, key)
}

var stopPurposes = []domain.OrderPurpose{domain.PurposeSL, domain.PurposeBreakEven}
