// Package notify provides a multi-channel notification system. Events are
// dispatched to all registered senders (Telegram, Discord, the chat-bot
// queue) and can be filtered by kind so users receive only the alerts they
// care about. Operator alerts are never filtered.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers one event.
	Send(ctx context.Context, ev domain.Event) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Observer receives per-sender delivery results.
type Observer interface {
	ObserveNotification(sender string, kind domain.EventKind, err error)
}

// Notifier dispatches events to one or more Senders. It maintains a set of
// allowed event kinds; an empty set allows every kind.
type Notifier struct {
	senders  []Sender
	events   map[domain.EventKind]bool
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
// observer may be nil.
func NewNotifier(senders []Sender, events []string, observer Observer, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventKind(e)] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		observer: observer,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends ev to all senders if its kind passes the filter. Delivery is
// best effort: the returned error only summarizes failed senders and callers
// must not treat it as a failure of the action being reported.
func (n *Notifier) Notify(ctx context.Context, ev domain.Event) error {
	if ev.Kind != domain.EventOperatorAlert && len(n.events) > 0 && !n.events[ev.Kind] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(ev.Kind)),
		)
		return nil
	}
	if ev.At.IsZero() {
		ev.At = n.now()
	}
	return n.dispatch(ctx, ev)
}

// dispatch iterates over all senders. A single sender failure does not
// prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, ev domain.Event) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		err := s.Send(ctx, ev)
		if n.observer != nil {
			n.observer.ObserveNotification(s.Name(), ev.Kind, err)
		}
		if err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(ev.Kind)),
				slog.String("user", ev.UserID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", ev.Title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// formatText renders an event for chat channels. bold wraps the title.
func formatText(ev domain.Event, bold func(string) string) string {
	var b strings.Builder
	b.WriteString(bold(ev.Title))
	if ev.UserID != "" || ev.Symbol != "" {
		b.WriteString("\n")
		parts := make([]string, 0, 3)
		if ev.UserID != "" {
			parts = append(parts, "user "+ev.UserID)
		}
		if ev.Symbol != "" {
			parts = append(parts, ev.Symbol)
		}
		if ev.Side != "" {
			parts = append(parts, string(ev.Side))
		}
		b.WriteString(strings.Join(parts, " "))
	}
	if ev.Message != "" {
		b.WriteString("\n")
		b.WriteString(ev.Message)
	}
	return b.String()
}
