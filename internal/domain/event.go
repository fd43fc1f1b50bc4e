package domain

import "time"

// EventKind classifies a user or operator notification.
type EventKind string

const (
	EventTradingStarted    EventKind = "trading_started"
	EventTradingStopped    EventKind = "trading_stopped"
	EventTPFilled          EventKind = "tp_filled"
	EventSLFilled          EventKind = "sl_filled"
	EventBreakEven         EventKind = "break_even"
	EventTrailingActivated EventKind = "trailing_activated"
	EventTrailingTriggered EventKind = "trailing_triggered"
	EventHedgeOpened       EventKind = "hedge_opened"
	EventHedgeClosed       EventKind = "hedge_closed"
	EventPositionClosed    EventKind = "position_closed"
	EventPositionDetected  EventKind = "position_detected"
	EventError             EventKind = "error"
	EventOperatorAlert     EventKind = "operator_alert"
)

// Event is a fire-and-forget notification. Delivery is at-least-once and
// unordered.
type Event struct {
	Kind    EventKind      `json:"kind"`
	UserID  string         `json:"user_id,omitempty"`
	Symbol  string         `json:"symbol,omitempty"`
	Side    Side           `json:"side,omitempty"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
	Fields  map[string]any `json:"fields,omitempty"`
}
