package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// closeInfo describes why and at what price a position ended.
type closeInfo struct {
	Reason    string
	ExitPrice float64
	Cooldown  time.Duration
}

// Closer issues market closes and purges a side's monitoring data once the
// exchange confirms the side is flat. The store alone is never trusted for
// that decision.
type Closer struct {
	d      *Deps
	prot   *protector
	events *eventSink
	logger *slog.Logger
}

func newCloser(d *Deps, prot *protector, events *eventSink) *Closer {
	return &Closer{
		d:      d,
		prot:   prot,
		events: events,
		logger: d.Logger.With(slog.String("component", "closer")),
	}
}

// flat reports whether the exchange holds no meaningful exposure for key.
// It also returns the residual size.
func (c *Closer) flat(ctx context.Context, key domain.PositionKey) (bool, float64, error) {
	snap, found, err := c.d.Gateway.GetPosition(ctx, key.UserID, key.Symbol, key.Side)
	if err != nil {
		return false, 0, fmt.Errorf("monitor: position %s: %w", key, err)
	}
	if !found || snap.Size <= c.d.Config.DustThreshold {
		return true, snap.Size, nil
	}
	return false, snap.Size, nil
}

// MarketClose re-verifies the position on the exchange and closes the full
// remaining size at market. closed is false when there was nothing to close.
func (c *Closer) MarketClose(ctx context.Context, key domain.PositionKey, reason string) (bool, domain.MarketOrderResult, error) {
	isFlat, size, err := c.flat(ctx, key)
	if err != nil {
		return false, domain.MarketOrderResult{}, err
	}
	if isFlat {
		c.logger.InfoContext(ctx, "close skipped, no exchange position",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("side", string(key.Side)),
			slog.String("reason", reason),
		)
		return false, domain.MarketOrderResult{}, nil
	}

	res, err := c.d.Gateway.PlaceMarketOrder(ctx, domain.MarketOrderRequest{
		UserID:     key.UserID,
		Symbol:     key.Symbol,
		Side:       key.Side,
		Size:       size,
		ReduceOnly: true,
	})
	if err != nil {
		return false, domain.MarketOrderResult{}, fmt.Errorf("monitor: market close %s: %w", key, err)
	}
	c.d.Metrics.IncForcedClose(reason)
	c.logger.InfoContext(ctx, "position closed at market",
		slog.String("user", key.UserID),
		slog.String("symbol", key.Symbol),
		slog.String("side", string(key.Side)),
		slog.Float64("size", size),
		slog.String("reason", reason),
		slog.String("order_id", res.OrderID),
	)
	return true, res, nil
}

// VerifyClosed re-checks the exchange after VerifyDelay. Residual size above
// the dust threshold is force-closed; dust is treated as closed. On success
// the side's monitoring data is purged.
func (c *Closer) VerifyClosed(ctx context.Context, key domain.PositionKey, info closeInfo) error {
	if err := sleep(ctx, c.d.Config.VerifyDelay); err != nil {
		return err
	}
	isFlat, residual, err := c.flat(ctx, key)
	if err != nil {
		return err
	}
	if !isFlat {
		c.logger.WarnContext(ctx, "residual size after close, forcing",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("side", string(key.Side)),
			slog.Float64("residual", residual),
		)
		if _, _, err := c.MarketClose(ctx, key, "residual"); err != nil {
			return err
		}
	}
	return c.finalize(ctx, key, info)
}

// PurgeIfFlat purges key's monitoring data only if the exchange has no
// position for it. It reports whether the purge happened.
func (c *Closer) PurgeIfFlat(ctx context.Context, key domain.PositionKey, info closeInfo) (bool, error) {
	isFlat, _, err := c.flat(ctx, key)
	if err != nil || !isFlat {
		return false, err
	}
	return true, c.finalize(ctx, key, info)
}

// finalize records the trade and clears every record of a closed side. It
// is idempotent; the closure notification is deduplicated by marker.
func (c *Closer) finalize(ctx context.Context, key domain.PositionKey, info closeInfo) error {
	st := c.d.Stores
	pos, err := st.Positions.Get(ctx, key)
	switch {
	case err == nil:
		trade := domain.CompletedTrade{
			UserID:     key.UserID,
			Symbol:     key.Symbol,
			Side:       key.Side,
			Size:       pos.Size,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  info.ExitPrice,
			DCACount:   pos.DCACount,
			TPState:    pos.TPState,
			Reason:     info.Reason,
			OpenedAt:   pos.OpenedAt,
			ClosedAt:   c.d.now(),
		}
		if st.Trades != nil {
			if err := st.Trades.Record(ctx, trade); err != nil {
				c.logger.WarnContext(ctx, "trade history write failed",
					slog.String("user", key.UserID),
					slog.String("symbol", key.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := st.Positions.Delete(ctx, key); err != nil {
			return fmt.Errorf("monitor: delete position %s: %w", key, err)
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("monitor: load position %s: %w", key, err)
	}

	if err := st.Trailing.Delete(ctx, key); err != nil {
		return fmt.Errorf("monitor: delete trailing %s: %w", key, err)
	}
	if err := st.TPSequence.Delete(ctx, key); err != nil {
		return fmt.Errorf("monitor: delete tp sequence %s: %w", key, err)
	}
	if err := c.prot.cancel(ctx, key, false); err != nil {
		return err
	}
	if info.Cooldown > 0 {
		if err := st.Cooldowns.Start(ctx, key, info.Cooldown); err != nil {
			c.logger.WarnContext(ctx, "cooldown start failed", slog.String("error", err.Error()))
		}
	}

	c.events.emitOnce(ctx,
		domain.MarkerKey{Kind: domain.MarkerPositionClosed, Position: key},
		c.d.Config.ChangeMarkerTTL,
		positionEvent(domain.EventPositionClosed, key, "Position closed", "%s %s closed: %s", key.Symbol, key.Side, info.Reason),
	)
	// A later position on the same side must be reported again when found.
	_ = st.Markers.Clear(ctx, domain.MarkerKey{Kind: domain.MarkerPositionFound, Position: key})
	return nil
}
