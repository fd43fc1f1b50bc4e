package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Cascade applies the business rules triggered by protective order fills.
// Take-profit fills are released strictly in level order through the
// persisted TPSequence; a gap older than the grace window is skipped. Side
// effects of one level run at most once per TPDedupTTL.
type Cascade struct {
	d        *Deps
	trailing *TrailingEngine
	hedge    *HedgeCoordinator
	closer   *Closer
	prot     *protector
	events   *eventSink
	logger   *slog.Logger
}

func newCascade(d *Deps, trailing *TrailingEngine, hedge *HedgeCoordinator, closer *Closer, prot *protector, events *eventSink) *Cascade {
	return &Cascade{
		d:        d,
		trailing: trailing,
		hedge:    hedge,
		closer:   closer,
		prot:     prot,
		events:   events,
		logger:   d.Logger.With(slog.String("component", "cascade")),
	}
}

// releasedFill is a take-profit fill let through by the sequencer.
type releasedFill struct {
	domain.TPFill
	Forced bool
}

// HandleFill dispatches a filled monitored order.
func (c *Cascade) HandleFill(ctx context.Context, order domain.MonitoredOrder, out domain.OrderOutcome, settings domain.TradingSettings) error {
	if order.Hedge {
		return c.hedge.OnHedgeOrderFilled(ctx, order, out, settings)
	}
	key := order.PositionKey()
	price := out.AvgPrice
	if price <= 0 {
		price = order.Price
	}

	if level, ok := order.Purpose.TPLevel(); ok {
		return c.offer(ctx, key, domain.TPFill{
			Level:      level,
			Price:      price,
			Size:       out.FilledAmount,
			OrderID:    order.Key.OrderID,
			ObservedAt: c.d.now(),
		}, settings)
	}
	if order.Purpose.IsStop() {
		return c.onStopFill(ctx, order, price, settings)
	}

	c.logger.InfoContext(ctx, "fill of untyped order ignored",
		slog.String("user", key.UserID),
		slog.String("symbol", key.Symbol),
		slog.String("order_id", order.Key.OrderID),
	)
	return nil
}

// offer buffers a take-profit fill and processes whatever became ready.
func (c *Cascade) offer(ctx context.Context, key domain.PositionKey, fill domain.TPFill, settings domain.TradingSettings) error {
	tpState, err := c.tpState(ctx, key)
	if err != nil {
		return err
	}
	var ready []releasedFill
	_, err = c.d.Stores.TPSequence.Update(ctx, key, tpState, func(s *domain.TPSequence) error {
		s.Offer(fill)
		ready = release(s, c.d.now(), c.d.Config.TPGraceWindow)
		return nil
	})
	if err != nil {
		return fmt.Errorf("monitor: tp sequence %s: %w", key, err)
	}
	if len(ready) == 0 {
		c.logger.InfoContext(ctx, "take profit buffered until lower levels fill",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("side", string(key.Side)),
			slog.Int("level", fill.Level),
		)
	}
	return c.process(ctx, key, ready, settings)
}

// Flush releases buffered fills whose gap outlived the grace window.
func (c *Cascade) Flush(ctx context.Context, key domain.PositionKey, settings domain.TradingSettings) error {
	exists, err := c.d.Stores.TPSequence.Exists(ctx, key)
	if err != nil || !exists {
		return err
	}
	tpState, err := c.tpState(ctx, key)
	if err != nil {
		return err
	}
	var ready []releasedFill
	_, err = c.d.Stores.TPSequence.Update(ctx, key, tpState, func(s *domain.TPSequence) error {
		ready = release(s, c.d.now(), c.d.Config.TPGraceWindow)
		return nil
	})
	if err != nil {
		return fmt.Errorf("monitor: tp sequence %s: %w", key, err)
	}
	return c.process(ctx, key, ready, settings)
}

func (c *Cascade) tpState(ctx context.Context, key domain.PositionKey) (int, error) {
	pos, err := c.d.Stores.Positions.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("monitor: load position %s: %w", key, err)
	}
	return pos.TPState, nil
}

// release wraps TPSequence.Ready and marks fills that skipped a gap.
func release(s *domain.TPSequence, now time.Time, grace time.Duration) []releasedFill {
	next := s.Next
	fills := s.Ready(now, grace)
	out := make([]releasedFill, len(fills))
	for i, f := range fills {
		out[i] = releasedFill{TPFill: f, Forced: f.Level > next}
		if f.Level >= next {
			next = f.Level + 1
		}
	}
	return out
}

// process applies released fills in order. On failure the unprocessed
// fills are offered back so the next pass retries them.
func (c *Cascade) process(ctx context.Context, key domain.PositionKey, fills []releasedFill, settings domain.TradingSettings) error {
	for i, f := range fills {
		mode := "ordered"
		if f.Forced {
			mode = "forced"
			c.logger.WarnContext(ctx, "take profit released out of order after grace window",
				slog.String("user", key.UserID),
				slog.String("symbol", key.Symbol),
				slog.String("side", string(key.Side)),
				slog.Int("level", f.Level),
			)
		}
		c.d.Metrics.IncTPRelease(mode)

		if err := c.applyTP(ctx, key, f.TPFill, settings); err != nil {
			c.requeue(ctx, key, fills[i:])
			return err
		}
	}
	return nil
}

func (c *Cascade) requeue(ctx context.Context, key domain.PositionKey, fills []releasedFill) {
	tpState, _ := c.tpState(ctx, key)
	_, err := c.d.Stores.TPSequence.Update(ctx, key, tpState, func(s *domain.TPSequence) error {
		for _, f := range fills {
			s.Offer(f.TPFill)
		}
		return nil
	})
	if err != nil {
		c.logger.WarnContext(ctx, "requeue take profit fills failed",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

// applyTP runs the side effects of one take-profit level. The dedup marker
// is set only after every side effect succeeded.
func (c *Cascade) applyTP(ctx context.Context, key domain.PositionKey, fill domain.TPFill, settings domain.TradingSettings) error {
	marker := domain.MarkerKey{Kind: domain.MarkerTPLevel, Position: key, Level: fill.Level}
	done, err := c.d.Stores.Markers.Exists(ctx, marker)
	if err != nil {
		return fmt.Errorf("monitor: tp marker %s: %w", key, err)
	}
	if done {
		c.logger.DebugContext(ctx, "take profit already processed",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.Int("level", fill.Level),
		)
		return nil
	}

	now := c.d.now()
	pos, err := c.d.Stores.Positions.Update(ctx, key, func(p *domain.Position) error {
		p.MarkTPFilled(fill.Level)
		p.UpdatedAt = now
		return nil
	})
	missing := errors.Is(err, domain.ErrNotFound)
	if err != nil && !missing {
		return fmt.Errorf("monitor: mark tp%d %s: %w", fill.Level, key, err)
	}

	// A failed side effect requeues the fill; the user hears about it once.
	c.events.emitOnce(ctx,
		domain.MarkerKey{Kind: domain.MarkerTPNotified, Position: key, Level: fill.Level},
		c.d.Config.TPDedupTTL,
		positionEvent(domain.EventTPFilled, key, fmt.Sprintf("TP%d filled", fill.Level),
			"%s %s TP%d filled at %.8g", key.Symbol, key.Side, fill.Level, fill.Price),
	)

	final := settings.IsFinalTP(fill.Level) || (!missing && fill.Level >= len(pos.TakeProfits) && len(pos.TakeProfits) > 0)
	switch {
	case final:
		err = c.closer.VerifyClosed(ctx, key, closeInfo{
			Reason:    fmt.Sprintf("final take profit TP%d", fill.Level),
			ExitPrice: fill.Price,
			Cooldown:  settings.Cooldown(),
		})
	case missing:
		c.logger.InfoContext(ctx, "take profit for untracked position",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.Int("level", fill.Level),
		)
	default:
		err = c.afterTP(ctx, pos, fill, settings)
	}
	if err != nil {
		return err
	}

	if _, err := c.d.Stores.Markers.Mark(ctx, marker, c.d.Config.TPDedupTTL); err != nil {
		c.logger.WarnContext(ctx, "set tp marker failed", slog.String("error", err.Error()))
	}
	return nil
}

// afterTP applies break-even, trailing activation and hedge linkage for a
// non-final level.
func (c *Cascade) afterTP(ctx context.Context, pos domain.Position, fill domain.TPFill, settings domain.TradingSettings) error {
	var err error
	if settings.BreakEvenOn(fill.Level) {
		if pos, err = c.moveToBreakEven(ctx, pos, fill.Level); err != nil {
			return err
		}
	}
	if settings.Trailing.Enabled && settings.Trailing.ActivationLevel == fill.Level {
		if err := c.trailing.Activate(ctx, pos, fill.Price, settings); err != nil {
			return err
		}
	}
	if settings.DualSide.Enabled {
		switch fill.Level {
		case settings.DualSide.CloseOnTPLevel:
			return c.hedge.Close(ctx, pos.Key.SymbolKey(), fmt.Sprintf("main TP%d filled", fill.Level))
		case settings.DualSide.ResyncOnTPLevel:
			return c.hedge.Maintain(ctx, pos, settings)
		}
	}
	return nil
}

// breakEvenPrice is the entry price for TP1 and the previous rung's price
// for higher levels.
func breakEvenPrice(pos domain.Position, level int) float64 {
	if level > 1 {
		if prev, ok := pos.TPLevel(level - 1); ok && prev.Price > 0 {
			return prev.Price
		}
	}
	return pos.EntryPrice
}

// moveToBreakEven replaces the stop with the break-even price unless the
// current stop is already tighter.
func (c *Cascade) moveToBreakEven(ctx context.Context, pos domain.Position, level int) (domain.Position, error) {
	key := pos.Key
	target := breakEvenPrice(pos, level)
	if target <= 0 {
		return pos, fmt.Errorf("monitor: break-even price for %s: %w", key, domain.ErrSettingsMissing)
	}
	if pos.HasStopLoss() && domain.Tighter(key.Side, pos.StopLoss, target) == pos.StopLoss && pos.StopLossOrderID != "" {
		return pos, nil
	}

	id, err := c.prot.place(ctx, protectiveOrder{
		Key:     key,
		Purpose: domain.PurposeBreakEven,
		Trigger: target,
		Replace: stopPurposes,
	})
	if err != nil {
		return pos, err
	}
	now := c.d.now()
	updated, err := c.d.Stores.Positions.Update(ctx, key, func(p *domain.Position) error {
		p.StopLoss = target
		p.StopLossOrderID = id
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return pos, fmt.Errorf("monitor: save break-even stop %s: %w", key, err)
	}

	c.events.emitOnce(ctx,
		domain.MarkerKey{Kind: domain.MarkerBreakEven, Position: key, Level: level},
		c.d.Config.TPDedupTTL,
		positionEvent(domain.EventBreakEven, key, "Stop moved to break-even",
			"%s %s stop moved to %.8g after TP%d", key.Symbol, key.Side, target, level),
	)
	return updated, nil
}

// onStopFill finalizes a position whose stop filled and closes the hedge
// in the same pass when configured.
func (c *Cascade) onStopFill(ctx context.Context, order domain.MonitoredOrder, price float64, settings domain.TradingSettings) error {
	key := order.PositionKey()
	title, reason := "Stop loss filled", "stop loss"
	if order.Purpose == domain.PurposeBreakEven {
		title, reason = "Break-even stop filled", "break-even stop"
	}
	c.events.emitOnce(ctx,
		domain.MarkerKey{Kind: domain.MarkerStopFilled, Position: key},
		c.d.Config.ChangeMarkerTTL,
		positionEvent(domain.EventSLFilled, key, title, "%s %s %s filled at %.8g", key.Symbol, key.Side, reason, price),
	)

	var errs []error
	if err := c.closer.VerifyClosed(ctx, key, closeInfo{Reason: reason, ExitPrice: price, Cooldown: settings.Cooldown()}); err != nil {
		errs = append(errs, err)
	}
	if settings.DualSide.Enabled && settings.DualSide.CloseHedgeOnMainSL {
		if err := c.hedge.Close(ctx, key.SymbolKey(), "main "+reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
