package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// HedgeCoordinator manages the opposite-side position for a user's symbol:
// none -> hedge_open -> none. A failed open is reported and never retried
// automatically; protective orders missing after a failed re-submission are
// placed again on the next full check.
type HedgeCoordinator struct {
	d      *Deps
	closer *Closer
	prot   *protector
	guard  *EntryGuard
	events *eventSink
	logger *slog.Logger
}

func newHedgeCoordinator(d *Deps, closer *Closer, prot *protector, guard *EntryGuard, events *eventSink) *HedgeCoordinator {
	return &HedgeCoordinator{
		d:      d,
		closer: closer,
		prot:   prot,
		guard:  guard,
		events: events,
		logger: d.Logger.With(slog.String("component", "hedge")),
	}
}

func (h *HedgeCoordinator) load(ctx context.Context, key domain.SymbolKey) (domain.HedgePosition, bool, error) {
	hedge, err := h.d.Stores.Hedges.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.HedgePosition{}, false, nil
	}
	if err != nil {
		return domain.HedgePosition{}, false, fmt.Errorf("monitor: load hedge %s: %w", key, err)
	}
	return hedge, true, nil
}

// OnMainDCA reacts to a DCA fill on the main position: it opens or tops up
// the hedge once the trigger depth is reached, closes it at the final main
// DCA when configured, and re-derives its protective orders.
func (h *HedgeCoordinator) OnMainDCA(ctx context.Context, main domain.Position, settings domain.TradingSettings) error {
	cfg := settings.DualSide
	if !cfg.Enabled || main.IsHedge {
		return nil
	}
	symKey := main.Key.SymbolKey()
	hedge, exists, err := h.load(ctx, symKey)
	if err != nil {
		return err
	}

	if exists && cfg.CloseOnFinalMainDCA && settings.PyramidingLimit > 0 && main.DCACount >= settings.PyramidingLimit {
		return h.Close(ctx, symKey, "final main DCA reached")
	}
	if main.DCACount < cfg.TriggerDCA {
		if exists {
			return h.Resync(ctx, main, hedge, cfg)
		}
		return nil
	}

	hedgeSide := main.Key.Side.Opposite()
	hedgeKey := symKey.Position(hedgeSide)

	mode, err := h.d.Gateway.GetPositionMode(ctx, main.Key.UserID, main.Key.Symbol)
	if err != nil {
		return fmt.Errorf("monitor: position mode %s: %w", symKey, err)
	}
	if !mode.HedgeMode {
		h.d.Metrics.IncHedge("blocked_mode")
		first, merr := h.d.Stores.Markers.Mark(ctx, domain.MarkerKey{Kind: domain.MarkerHedgeBlocked, Position: hedgeKey}, h.d.Config.ChangeMarkerTTL)
		if merr != nil || first {
			h.events.stopTrading(ctx, hedgeKey,
				"hedge for "+main.Key.Symbol+" needs dual-side position mode",
				correctiveAction(domain.ErrPositionModeUnsupported))
		}
		return nil
	}

	if exists && cfg.PyramidingLimit > 0 && hedge.EntryCount >= cfg.PyramidingLimit {
		h.d.Metrics.IncHedge("limit_reached")
		return h.Resync(ctx, main, hedge, cfg)
	}

	var current float64
	if exists {
		current = hedge.Size
	}
	topUp := domain.HedgeTopUp(current, domain.TargetHedgeSize(main.Size, cfg))
	if topUp <= 0 {
		if exists {
			return h.Resync(ctx, main, hedge, cfg)
		}
		return nil
	}

	guard, err := h.guard.Check(ctx, hedgeKey)
	if err != nil {
		return err
	}
	if !guard.Allowed {
		h.logger.InfoContext(ctx, "hedge entry refused",
			slog.String("user", hedgeKey.UserID),
			slog.String("symbol", hedgeKey.Symbol),
			slog.String("reason", guard.Reason),
		)
		return nil
	}
	defer guard.Unlock()

	if !exists && settings.Leverage > 0 {
		if err := h.d.Gateway.SetLeverage(ctx, main.Key.UserID, main.Key.Symbol, settings.Leverage, settings.MarginMode); err != nil {
			h.logger.WarnContext(ctx, "set leverage before hedge failed",
				slog.String("symbol", main.Key.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	res, err := h.d.Gateway.PlaceMarketOrder(ctx, domain.MarketOrderRequest{
		UserID: main.Key.UserID,
		Symbol: main.Key.Symbol,
		Side:   hedgeSide,
		Size:   topUp,
	})
	if err != nil {
		h.d.Metrics.IncHedge("open_failed")
		h.logger.ErrorContext(ctx, "hedge open failed",
			slog.String("user", hedgeKey.UserID),
			slog.String("symbol", hedgeKey.Symbol),
			slog.Float64("size", topUp),
			slog.String("error", err.Error()),
		)
		h.events.reportFailure(ctx, hedgeKey, "hedge open", err)
		return nil
	}

	price := res.Price
	if price <= 0 {
		if p, perr := h.d.Gateway.GetCurrentPrice(ctx, main.Key.Symbol); perr == nil {
			price = p
		}
	}
	now := h.d.now()
	if !exists {
		hedge = domain.HedgePosition{Key: symKey, Side: hedgeSide, OpenedAt: now}
	}
	hedge.AddFill(topUp, price)
	hedge.DCAIndex = main.DCACount
	hedge.UpdatedAt = now
	if err := h.d.Stores.Hedges.Save(ctx, hedge); err != nil {
		return fmt.Errorf("monitor: save hedge %s: %w", symKey, err)
	}
	h.d.Metrics.IncHedge("opened")
	h.events.emit(ctx, positionEvent(domain.EventHedgeOpened, hedgeKey, "Hedge opened",
		"%s %s hedge +%.8g at %.8g, total %.8g (main DCA %d)", hedgeKey.Symbol, hedgeSide, topUp, price, hedge.Size, main.DCACount))

	return h.Resync(ctx, main, hedge, cfg)
}

// Resync re-derives the hedge stop-loss and take-profit from the main
// position and replaces the working orders when they changed.
func (h *HedgeCoordinator) Resync(ctx context.Context, main domain.Position, hedge domain.HedgePosition, cfg domain.DualSideSettings) error {
	sl, tp := domain.DeriveHedgeProtection(main, hedge, cfg)
	slCurrent := sl == hedge.StopLoss && (sl == 0 || hedge.StopLossOrderID != "")
	tpCurrent := tp == hedge.TakeProfit && (tp == 0 || hedge.TakeProfitOrderID != "")
	if slCurrent && tpCurrent {
		return nil
	}

	key := hedge.PositionKey()
	if err := h.prot.cancel(ctx, key, true); err != nil {
		return err
	}
	hedge.StopLoss, hedge.StopLossOrderID = 0, ""
	hedge.TakeProfit, hedge.TakeProfitOrderID = 0, ""

	var errs []error
	if sl > 0 {
		id, err := h.prot.place(ctx, protectiveOrder{Key: key, Purpose: domain.PurposeSL, Trigger: sl, Hedge: true})
		if err != nil {
			errs = append(errs, err)
		} else {
			hedge.StopLoss, hedge.StopLossOrderID = sl, id
		}
	}
	if tp > 0 {
		id, err := h.prot.place(ctx, protectiveOrder{Key: key, Purpose: domain.PurposeTP1, Trigger: tp, Hedge: true})
		if err != nil {
			errs = append(errs, err)
		} else {
			hedge.TakeProfit, hedge.TakeProfitOrderID = tp, id
		}
	}
	hedge.UpdatedAt = h.d.now()
	if err := h.d.Stores.Hedges.Save(ctx, hedge); err != nil {
		errs = append(errs, fmt.Errorf("monitor: save hedge %s: %w", hedge.Key, err))
	}
	if len(errs) == 0 {
		h.d.Metrics.IncHedge("resynced")
	}
	return errors.Join(errs...)
}

// Maintain re-places hedge protective orders that are missing, for example
// after a failed re-submission.
func (h *HedgeCoordinator) Maintain(ctx context.Context, main domain.Position, settings domain.TradingSettings) error {
	if !settings.DualSide.Enabled {
		return nil
	}
	hedge, exists, err := h.load(ctx, main.Key.SymbolKey())
	if err != nil || !exists {
		return err
	}
	return h.Resync(ctx, main, hedge, settings.DualSide)
}

// Close force-closes the hedge at market and clears its record.
func (h *HedgeCoordinator) Close(ctx context.Context, key domain.SymbolKey, reason string) error {
	hedge, exists, err := h.load(ctx, key)
	if err != nil || !exists {
		return err
	}
	hedgeKey := hedge.PositionKey()
	_, res, err := h.closer.MarketClose(ctx, hedgeKey, "hedge")
	if err != nil {
		h.d.Metrics.IncHedge("close_failed")
		h.events.reportFailure(ctx, hedgeKey, "hedge close", err)
		return err
	}
	return h.finalize(ctx, hedge, res.Price, reason)
}

// OnHedgeOrderFilled handles a fill of one of the hedge's own protective
// orders. A take-profit fill also closes the main position when configured.
func (h *HedgeCoordinator) OnHedgeOrderFilled(ctx context.Context, order domain.MonitoredOrder, out domain.OrderOutcome, settings domain.TradingSettings) error {
	symKey := order.PositionKey().SymbolKey()
	hedge, exists, err := h.load(ctx, symKey)
	if err != nil || !exists {
		return err
	}

	reason := "hedge stop loss"
	isTP := !order.Purpose.IsStop()
	if isTP {
		reason = "hedge take profit"
	}
	if err := sleep(ctx, h.d.Config.VerifyDelay); err != nil {
		return err
	}
	if _, _, err := h.closer.MarketClose(ctx, hedge.PositionKey(), "residual"); err != nil {
		return err
	}
	if err := h.finalize(ctx, hedge, out.AvgPrice, reason); err != nil {
		return err
	}

	if isTP && settings.DualSide.CloseMainOnHedgeTP {
		mainKey := symKey.Position(hedge.Side.Opposite())
		closed, res, err := h.closer.MarketClose(ctx, mainKey, "hedge_tp")
		if err != nil {
			h.events.reportFailure(ctx, mainKey, "close after hedge take profit", err)
			return err
		}
		if closed {
			return h.closer.VerifyClosed(ctx, mainKey, closeInfo{
				Reason:    "closed with hedge take profit",
				ExitPrice: res.Price,
				Cooldown:  settings.Cooldown(),
			})
		}
	}
	return nil
}

// OnHedgeGone clears the hedge record after the exchange reported its side
// flat.
func (h *HedgeCoordinator) OnHedgeGone(ctx context.Context, key domain.SymbolKey) error {
	hedge, exists, err := h.load(ctx, key)
	if err != nil || !exists {
		return err
	}
	return h.finalize(ctx, hedge, 0, "closed on exchange")
}

func (h *HedgeCoordinator) finalize(ctx context.Context, hedge domain.HedgePosition, exitPrice float64, reason string) error {
	key := hedge.PositionKey()
	if err := h.prot.cancel(ctx, key, true); err != nil {
		return err
	}
	if h.d.Stores.Trades != nil {
		err := h.d.Stores.Trades.Record(ctx, domain.CompletedTrade{
			UserID:     key.UserID,
			Symbol:     key.Symbol,
			Side:       key.Side,
			Size:       hedge.Size,
			EntryPrice: hedge.EntryPrice,
			ExitPrice:  exitPrice,
			DCACount:   hedge.EntryCount,
			Reason:     reason,
			IsHedge:    true,
			OpenedAt:   hedge.OpenedAt,
			ClosedAt:   h.d.now(),
		})
		if err != nil {
			h.logger.WarnContext(ctx, "hedge trade history write failed", slog.String("error", err.Error()))
		}
	}
	if err := h.d.Stores.Hedges.Delete(ctx, hedge.Key); err != nil {
		return fmt.Errorf("monitor: delete hedge %s: %w", hedge.Key, err)
	}
	h.d.Metrics.IncHedge("closed")
	h.events.emit(ctx, positionEvent(domain.EventHedgeClosed, key, "Hedge closed",
		"%s %s hedge closed: %s", key.Symbol, key.Side, reason))
	return nil
}
