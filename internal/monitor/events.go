package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// eventSink emits notifications without letting a delivery failure reach
// the caller.
type eventSink struct {
	notifier Notifier
	d        *Deps
	logger   *slog.Logger
}

func newEventSink(d *Deps) *eventSink {
	return &eventSink{
		notifier: d.Notifier,
		d:        d,
		logger:   d.Logger.With(slog.String("component", "events")),
	}
}

func (s *eventSink) emit(ctx context.Context, ev domain.Event) {
	if s.notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.d.now()
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", string(ev.Kind)),
			slog.String("user", ev.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// emitOnce emits ev only if marker was not already set within ttl.
func (s *eventSink) emitOnce(ctx context.Context, marker domain.MarkerKey, ttl time.Duration, ev domain.Event) {
	first, err := s.d.Stores.Markers.Mark(ctx, marker, ttl)
	if err != nil {
		s.logger.WarnContext(ctx, "dedup marker failed, emitting anyway",
			slog.String("marker", string(marker.Kind)),
			slog.String("error", err.Error()),
		)
		first = true
	}
	if first {
		s.emit(ctx, ev)
	}
}

func positionEvent(kind domain.EventKind, key domain.PositionKey, title, format string, args ...any) domain.Event {
	return domain.Event{
		Kind:    kind,
		UserID:  key.UserID,
		Symbol:  key.Symbol,
		Side:    key.Side,
		Title:   title,
		Message: fmt.Sprintf(format, args...),
	}
}

// stopsTrading reports whether err is a condition the user must fix before
// trading can continue.
func stopsTrading(err error) bool {
	return errors.Is(err, domain.ErrMinNotional) ||
		errors.Is(err, domain.ErrPositionModeUnsupported) ||
		errors.Is(err, domain.ErrUnauthorized)
}

// correctiveAction names what the user has to do about err.
func correctiveAction(err error) string {
	switch {
	case errors.Is(err, domain.ErrMinNotional):
		return "increase the order size or balance so orders meet the exchange minimum notional"
	case errors.Is(err, domain.ErrPositionModeUnsupported):
		return "enable hedge (dual-side) position mode on the exchange account"
	case errors.Is(err, domain.ErrUnauthorized):
		return "update the exchange API key and secret"
	case errors.Is(err, domain.ErrInsufficientMargin):
		return "add margin or reduce position size"
	case errors.Is(err, domain.ErrInvalidLeverage):
		return "close open positions before changing leverage"
	}
	return "check the exchange account"
}

// reportFailure tells the user that op failed on key. Conditions that need
// user action also switch trading to stopped.
func (s *eventSink) reportFailure(ctx context.Context, key domain.PositionKey, op string, err error) {
	action := correctiveAction(err)
	s.emit(ctx, positionEvent(domain.EventError, key, "Action failed",
		"%s %s %s failed: %v. Action: %s", key.Symbol, key.Side, op, err, action))
	if stopsTrading(err) {
		s.stopTrading(ctx, key, fmt.Sprintf("%s: %v", op, err), action)
	}
}

// stopTrading sets the user's status to stopped and tells them why.
func (s *eventSink) stopTrading(ctx context.Context, key domain.PositionKey, cause, action string) {
	reason := cause + "; " + action
	if err := s.d.Stores.Users.SetStatus(ctx, key.UserID, domain.StatusStopped, reason); err != nil {
		s.logger.ErrorContext(ctx, "stop trading failed",
			slog.String("user", key.UserID),
			slog.String("error", err.Error()),
		)
	}
	s.emit(ctx, domain.Event{
		Kind:    domain.EventTradingStopped,
		UserID:  key.UserID,
		Symbol:  key.Symbol,
		Title:   "Trading stopped",
		Message: fmt.Sprintf("Trading stopped: %s. To resume: %s.", cause, action),
	})
}
