package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// TrailingEngine drives the per-position trailing-stop state machine:
// inactive -> active -> triggered or canceled. The tracked stop updates on
// every tick; the exchange-side stop is re-submitted at most once per
// TrailingResubmitEvery.
type TrailingEngine struct {
	d      *Deps
	closer *Closer
	prot   *protector
	events *eventSink
	logger *slog.Logger
}

func newTrailingEngine(d *Deps, closer *Closer, prot *protector, events *eventSink) *TrailingEngine {
	return &TrailingEngine{
		d:      d,
		closer: closer,
		prot:   prot,
		events: events,
		logger: d.Logger.With(slog.String("component", "trailing")),
	}
}

// Activate starts trailing pos from price. An already active state is left
// untouched.
func (t *TrailingEngine) Activate(ctx context.Context, pos domain.Position, price float64, settings domain.TradingSettings) error {
	key := pos.Key
	if existing, err := t.d.Stores.Trailing.Get(ctx, key); err == nil && existing.Active {
		return nil
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("monitor: load trailing %s: %w", key, err)
	}

	offset, err := domain.TrailingOffset(settings.Trailing, price, pos.TakeProfits)
	if err != nil {
		return err
	}
	state := domain.NewTrailingStop(key, price, offset, pos.StopLoss, t.d.now())
	state.SLOrderID = pos.StopLossOrderID
	state.SubmittedStop = pos.StopLoss
	if err := t.d.Stores.Trailing.Save(ctx, state); err != nil {
		return fmt.Errorf("monitor: save trailing %s: %w", key, err)
	}
	t.d.Metrics.IncTrailing("activated")
	t.logger.InfoContext(ctx, "trailing stop activated",
		slog.String("user", key.UserID),
		slog.String("symbol", key.Symbol),
		slog.String("side", string(key.Side)),
		slog.Float64("extreme", state.Extreme),
		slog.Float64("offset", offset),
		slog.Float64("stop", state.StopPrice),
	)
	t.events.emit(ctx, positionEvent(domain.EventTrailingActivated, key, "Trailing stop activated",
		"%s %s trailing from %.8g with offset %.8g, stop %.8g", key.Symbol, key.Side, state.Extreme, offset, state.StopPrice))

	if state.NeedsResubmit() {
		t.resubmit(ctx, &state)
	}
	return nil
}

// Observe feeds one price into the machine for key. A missing state means
// the engine is inactive and Observe is a no-op.
func (t *TrailingEngine) Observe(ctx context.Context, key domain.PositionKey, price float64, settings domain.TradingSettings) error {
	state, err := t.d.Stores.Trailing.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: load trailing %s: %w", key, err)
	}

	obs := state.Observe(price, t.d.now())
	if obs.Triggered {
		return t.trigger(ctx, state, price, settings)
	}
	if obs.Moved {
		t.d.Metrics.IncTrailing("moved")
		if err := t.d.Stores.Trailing.Save(ctx, state); err != nil {
			return fmt.Errorf("monitor: save trailing %s: %w", key, err)
		}
	}
	if state.NeedsResubmit() {
		t.resubmit(ctx, &state)
	}
	return nil
}

// trigger closes the position at market. When the exchange no longer has
// the position the state is cleared without a close (canceled).
func (t *TrailingEngine) trigger(ctx context.Context, state domain.TrailingStopState, price float64, settings domain.TradingSettings) error {
	key := state.Key
	closed, res, err := t.closer.MarketClose(ctx, key, "trailing_stop")
	if err != nil {
		return err
	}
	if !closed {
		t.d.Metrics.IncTrailing("canceled")
		return t.clear(ctx, key)
	}

	t.d.Metrics.IncTrailing("triggered")
	exit := res.Price
	if exit <= 0 {
		exit = price
	}
	t.events.emit(ctx, positionEvent(domain.EventTrailingTriggered, key, "Trailing stop triggered",
		"%s %s closed at %.8g, stop %.8g, extreme %.8g", key.Symbol, key.Side, exit, state.StopPrice, state.Extreme))
	if err := t.clear(ctx, key); err != nil {
		return err
	}
	return t.closer.VerifyClosed(ctx, key, closeInfo{
		Reason:    "trailing stop",
		ExitPrice: exit,
		Cooldown:  settings.Cooldown(),
	})
}

// Cancel clears the state for a position closed by other means.
func (t *TrailingEngine) Cancel(ctx context.Context, key domain.PositionKey) error {
	return t.clear(ctx, key)
}

func (t *TrailingEngine) clear(ctx context.Context, key domain.PositionKey) error {
	if err := t.d.Stores.Trailing.Delete(ctx, key); err != nil {
		return fmt.Errorf("monitor: delete trailing %s: %w", key, err)
	}
	return nil
}

// resubmit moves the exchange-side stop to the tracked stop when the
// per-position interval allows. Failures are logged and retried at the next
// allowed interval; price tracking never waits on them.
func (t *TrailingEngine) resubmit(ctx context.Context, state *domain.TrailingStopState) {
	key := state.Key
	if t.d.Stores.Limiter != nil {
		allowed, err := t.d.Stores.Limiter.Allow(ctx, "trail:"+key.String(), 1, t.d.Config.TrailingResubmitEvery)
		if err != nil {
			t.logger.WarnContext(ctx, "resubmit limiter failed", slog.String("error", err.Error()))
			return
		}
		if !allowed {
			return
		}
	}

	stop := state.StopPrice
	id, err := t.prot.place(ctx, protectiveOrder{
		Key:     key,
		Purpose: domain.PurposeSL,
		Trigger: stop,
		Replace: stopPurposes,
	})
	if err != nil {
		t.d.Metrics.IncTrailing("resubmit_failed")
		t.logger.WarnContext(ctx, "trailing stop resubmit failed",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("side", string(key.Side)),
			slog.String("error", err.Error()),
		)
		return
	}
	t.d.Metrics.IncTrailing("resubmitted")

	now := t.d.now()
	state.SubmittedStop = stop
	state.SLOrderID = id
	state.LastSubmittedAt = now
	if err := t.d.Stores.Trailing.Save(ctx, *state); err != nil {
		t.logger.WarnContext(ctx, "save trailing after resubmit failed", slog.String("error", err.Error()))
	}
	_, err = t.d.Stores.Positions.Update(ctx, key, func(p *domain.Position) error {
		p.StopLoss = stop
		p.StopLossOrderID = id
		p.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		t.logger.WarnContext(ctx, "position stop update failed", slog.String("error", err.Error()))
	}
}
