package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Reconciler maps exchange order state onto the monitor namespace and fans
// out the consequences of terminal transitions. Processing is at-least-once
// and idempotent: side effects run first with their own dedup markers, then
// the archive script commits the transition, and a repeated delivery finds
// the order already archived.
type Reconciler struct {
	d       *Deps
	cache   *StatusCache
	cascade *Cascade
	closer  *Closer
	hedge   *HedgeCoordinator
	events  *eventSink
	logger  *slog.Logger
}

func newReconciler(d *Deps, cache *StatusCache, cascade *Cascade, closer *Closer, hedge *HedgeCoordinator, events *eventSink) *Reconciler {
	return &Reconciler{
		d:       d,
		cache:   cache,
		cascade: cascade,
		closer:  closer,
		hedge:   hedge,
		events:  events,
		logger:  d.Logger.With(slog.String("component", "reconciler")),
	}
}

// Reconcile checks one monitored order against the exchange. price is the
// symbol's price for this tick and is used to spot orders reported canceled
// although their trigger was crossed; those are looked up once more before
// being archived.
func (r *Reconciler) Reconcile(ctx context.Context, order domain.MonitoredOrder, price float64, settings domain.TradingSettings) error {
	out, err := r.lookup(ctx, order, true)
	if err != nil {
		return err
	}
	if out.Status == domain.OrderOpen {
		return nil
	}

	if out.Status != domain.OrderFilled && order.Crossed(price) {
		r.logger.WarnContext(ctx, "order not filled although price crossed its trigger, re-verifying",
			slog.String("user", order.Key.UserID),
			slog.String("symbol", order.Key.Symbol),
			slog.String("order_id", order.Key.OrderID),
			slog.String("status", string(out.Status)),
			slog.String("reason", out.Reason),
			slog.Float64("price", price),
			slog.Float64("trigger", order.Price),
		)
		if err := sleep(ctx, r.d.Config.VerifyDelay); err != nil {
			return err
		}
		again, err := r.lookup(ctx, order, false)
		if err != nil {
			return err
		}
		out = again
		if out.Status == domain.OrderOpen {
			return nil
		}
	}
	return r.Apply(ctx, order.Key, out, settings)
}

// lookup returns the normalized order state, optionally served from the
// short-lived status cache.
func (r *Reconciler) lookup(ctx context.Context, order domain.MonitoredOrder, cached bool) (domain.OrderOutcome, error) {
	if cached {
		if out, ok := r.cache.Get(order.Key); ok {
			return out, nil
		}
	}
	out, err := r.d.Gateway.GetOrderStatus(ctx, order.Key.UserID, order.Key.Symbol, order.Key.OrderID, order.Purpose)
	if err != nil {
		return domain.OrderOutcome{}, fmt.Errorf("monitor: order status %s: %w", order.Key, err)
	}
	r.cache.Put(order.Key, out)
	return out, nil
}

// Apply commits a terminal outcome for key. A second delivery of the same
// outcome is a no-op.
func (r *Reconciler) Apply(ctx context.Context, key domain.OrderKey, out domain.OrderOutcome, settings domain.TradingSettings) error {
	if !out.Status.IsTerminal() {
		return nil
	}
	unlock, err := r.d.Stores.Locks.Acquire(ctx, "reconcile:"+key.String(), r.d.Config.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: reconcile lock %s: %w", key, err)
	}
	defer unlock()

	current, err := r.d.Stores.Orders.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: load order %s: %w", key, err)
	}
	if !current.Status.CanTransition(out.Status) {
		return nil
	}

	if out.Status == domain.OrderFilled {
		if err := r.cascade.HandleFill(withCommitting(ctx, key), current, out, settings); err != nil {
			return err
		}
	} else {
		r.logger.DebugContext(ctx, "order ended without fill",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("order_id", key.OrderID),
			slog.String("status", string(out.Status)),
			slog.String("reason", out.Reason),
		)
	}

	archived, err := r.d.Stores.Orders.Archive(ctx, key, out.Status, r.d.now())
	if err != nil {
		return fmt.Errorf("monitor: archive %s: %w", key, err)
	}
	r.cache.Invalidate(key)
	if archived {
		r.d.Metrics.IncReconciled(out.Status)
	}
	return nil
}

// SyncPosition compares the store with the exchange for both sides of a
// symbol. The exchange is authoritative: unknown exchange positions are
// adopted, store positions the exchange no longer has are purged, size
// increases are treated as DCA fills, and positions below the minimum
// sustain size are closed.
func (r *Reconciler) SyncPosition(ctx context.Context, key domain.SymbolKey, price float64, settings domain.TradingSettings) error {
	// The hedge goes first: a main side in sync re-derives the hedge's
	// protection, which would cancel a hedge order that has already filled.
	hedge, hasHedge, err := r.hedge.load(ctx, key)
	if err != nil {
		return err
	}
	var errs []error
	if hasHedge {
		errs = append(errs, r.syncHedge(ctx, hedge, price, settings))
	}
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		// Reloaded per side: syncing one side may open the hedge on the other.
		current, exists, err := r.hedge.load(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if (hasHedge && hedge.Side == side) || (exists && current.Side == side) {
			continue
		}
		errs = append(errs, r.syncSide(ctx, key.Position(side), price, settings))
	}
	return errors.Join(errs...)
}

func (r *Reconciler) syncHedge(ctx context.Context, hedge domain.HedgePosition, price float64, settings domain.TradingSettings) error {
	snap, found, err := r.d.Gateway.GetPosition(ctx, hedge.Key.UserID, hedge.Key.Symbol, hedge.Side)
	if err != nil {
		return fmt.Errorf("monitor: hedge position %s: %w", hedge.Key, err)
	}
	if !found || snap.Size <= r.d.Config.DustThreshold {
		settled, err := r.settle(ctx, hedge.Key.Position(hedge.Side), true, price, settings)
		if err != nil {
			return err
		}
		if settled {
			if _, err := r.d.Stores.Hedges.Get(ctx, hedge.Key); errors.Is(err, domain.ErrNotFound) {
				return nil
			}
		}
		return r.hedge.OnHedgeGone(ctx, hedge.Key)
	}
	if !sameSize(snap.Size, hedge.Size, r.d.Config.DustThreshold) {
		hedge.Size = snap.Size
		hedge.EntryPrice = snap.EntryPrice
		hedge.UpdatedAt = r.d.now()
		if err := r.d.Stores.Hedges.Save(ctx, hedge); err != nil {
			return fmt.Errorf("monitor: save hedge %s: %w", hedge.Key, err)
		}
	}
	return nil
}

func (r *Reconciler) syncSide(ctx context.Context, key domain.PositionKey, price float64, settings domain.TradingSettings) error {
	dust := r.d.Config.DustThreshold
	snap, found, err := r.d.Gateway.GetPosition(ctx, key.UserID, key.Symbol, key.Side)
	if err != nil {
		return fmt.Errorf("monitor: position %s: %w", key, err)
	}
	found = found && snap.Size > dust

	stored, err := r.d.Stores.Positions.Get(ctx, key)
	hasStored := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("monitor: load position %s: %w", key, err)
	}

	switch {
	case !found && !hasStored:
		return nil
	case !found:
		settled, err := r.settle(ctx, key, false, price, settings)
		if err != nil {
			return err
		}
		if settled {
			// The fill's cascade already closed the side.
			if _, err := r.d.Stores.Positions.Get(ctx, key); errors.Is(err, domain.ErrNotFound) {
				return nil
			}
		}
		r.logger.InfoContext(ctx, "position gone from exchange, purging",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("side", string(key.Side)),
		)
		return r.closer.finalize(ctx, key, closeInfo{
			Reason:    "closed on exchange",
			ExitPrice: price,
			Cooldown:  settings.Cooldown(),
		})
	case !hasStored:
		adopted, err := r.adopt(ctx, key, snap, settings)
		if err != nil {
			return err
		}
		return r.enforceMinSustain(ctx, adopted, snap.Size, settings)
	}

	pos := stored
	if !sameSize(snap.Size, stored.Size, dust) {
		grew := snap.Size > stored.Size
		now := r.d.now()
		pos, err = r.d.Stores.Positions.Update(ctx, key, func(p *domain.Position) error {
			if grew {
				p.DCACount += p.DCASteps(snap.Size)
			}
			p.Size = snap.Size
			p.EntryPrice = snap.EntryPrice
			if snap.Leverage > 0 {
				p.Leverage = snap.Leverage
			}
			p.UpdatedAt = now
			return nil
		})
		if err != nil {
			return fmt.Errorf("monitor: sync position %s: %w", key, err)
		}
		r.logger.InfoContext(ctx, "position size changed on exchange",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("side", string(key.Side)),
			slog.Float64("from", stored.Size),
			slog.Float64("to", snap.Size),
			slog.Int("dca_count", pos.DCACount),
		)
		if grew {
			if err := r.hedge.OnMainDCA(ctx, pos, settings); err != nil {
				return err
			}
		}
	} else if err := r.hedge.Maintain(ctx, pos, settings); err != nil {
		return err
	}
	return r.enforceMinSustain(ctx, pos, snap.Size, settings)
}

// settle reconciles the live monitor orders of a side the exchange reports
// flat before the side is purged, so fills that flattened it run their
// cascade instead of being archived as canceled. It reports whether any
// order reached a filled state.
func (r *Reconciler) settle(ctx context.Context, key domain.PositionKey, hedge bool, price float64, settings domain.TradingSettings) (bool, error) {
	open, err := r.d.Stores.Orders.ListOpen(ctx, key.UserID)
	if err != nil {
		return false, fmt.Errorf("monitor: list open orders for %s: %w", key.UserID, err)
	}
	filled := false
	for _, o := range open {
		if o.Key.Symbol != key.Symbol || o.PositionSide != key.Side || o.Hedge != hedge {
			continue
		}
		out, err := r.lookup(ctx, o, true)
		if err != nil {
			return filled, err
		}
		if out.Status != domain.OrderFilled {
			continue
		}
		if err := r.Apply(ctx, o.Key, out, settings); err != nil {
			return filled, err
		}
		filled = true
	}
	return filled, nil
}

// adopt starts tracking a position that exists on the exchange but not in
// the store.
func (r *Reconciler) adopt(ctx context.Context, key domain.PositionKey, snap domain.PositionSnapshot, settings domain.TradingSettings) (domain.Position, error) {
	now := r.d.now()
	pos := domain.Position{
		Key:         key,
		Size:        snap.Size,
		EntryPrice:  snap.EntryPrice,
		Leverage:    snap.Leverage,
		EntrySize:   snap.Size,
		TakeProfits: ladderFor(key.Side, snap.EntryPrice, settings.TakeProfits),
		OpenedAt:    now,
		UpdatedAt:   now,
	}
	if err := r.d.Stores.Positions.Save(ctx, pos); err != nil {
		return pos, fmt.Errorf("monitor: adopt position %s: %w", key, err)
	}

	markers := r.d.Stores.Markers
	_ = markers.Clear(ctx, domain.MarkerKey{Kind: domain.MarkerPositionClosed, Position: key})
	_ = markers.Clear(ctx, domain.MarkerKey{Kind: domain.MarkerStopFilled, Position: key})
	r.events.emitOnce(ctx,
		domain.MarkerKey{Kind: domain.MarkerPositionFound, Position: key},
		r.d.Config.ChangeMarkerTTL,
		positionEvent(domain.EventPositionDetected, key, "Position detected",
			"%s %s size %.8g at %.8g is now monitored", key.Symbol, key.Side, snap.Size, snap.EntryPrice),
	)
	return pos, nil
}

// enforceMinSustain closes a position whose exchange size is below the
// user's minimum sustain size.
func (r *Reconciler) enforceMinSustain(ctx context.Context, pos domain.Position, size float64, settings domain.TradingSettings) error {
	if settings.MinSustainSize <= 0 || size >= settings.MinSustainSize {
		return nil
	}
	key := pos.Key
	r.logger.InfoContext(ctx, "position below minimum sustain size, closing",
		slog.String("user", key.UserID),
		slog.String("symbol", key.Symbol),
		slog.String("side", string(key.Side)),
		slog.Float64("size", size),
		slog.Float64("min", settings.MinSustainSize),
	)
	closed, res, err := r.closer.MarketClose(ctx, key, "min_sustain")
	if err != nil {
		r.events.reportFailure(ctx, key, "close below minimum size", err)
		return err
	}
	info := closeInfo{Reason: "below minimum sustain size", ExitPrice: res.Price, Cooldown: settings.Cooldown()}
	if !closed {
		_, err := r.closer.PurgeIfFlat(ctx, key, info)
		return err
	}
	return r.closer.VerifyClosed(ctx, key, info)
}

// ladderFor builds a take-profit ladder from settings for a position
// entered at entry.
func ladderFor(side domain.Side, entry float64, tps []domain.TPSetting) []domain.TPLevel {
	if entry <= 0 {
		return nil
	}
	out := make([]domain.TPLevel, 0, len(tps))
	base := decimal.NewFromFloat(entry)
	for i, tp := range tps {
		pct := decimal.NewFromFloat(tp.Percent).Div(decimal.NewFromInt(100))
		factor := decimal.NewFromInt(1).Add(pct)
		if side == domain.SideShort {
			factor = decimal.NewFromInt(1).Sub(pct)
		}
		out = append(out, domain.TPLevel{
			Level:        i + 1,
			Price:        base.Mul(factor).InexactFloat64(),
			SizeFraction: tp.Ratio / 100,
			Status:       domain.TPActive,
		})
	}
	return out
}

func sameSize(a, b, dust float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= dust
}
