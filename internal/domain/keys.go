package domain

import "fmt"

// Side is the direction of a futures position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ParseSide converts a user or exchange supplied string into a Side.
func ParseSide(v string) (Side, error) {
	switch v {
	case "long", "LONG", "buy", "BUY":
		return SideLong, nil
	case "short", "SHORT", "sell", "SELL":
		return SideShort, nil
	}
	return "", fmt.Errorf("domain: unknown side %q", v)
}

// PositionKey identifies one directional position for a user on a symbol.
type PositionKey struct {
	UserID string
	Symbol string
	Side   Side
}

func (k PositionKey) String() string {
	return k.UserID + "/" + k.Symbol + "/" + string(k.Side)
}

// SymbolKey returns the (user, symbol) part of the key.
func (k PositionKey) SymbolKey() SymbolKey {
	return SymbolKey{UserID: k.UserID, Symbol: k.Symbol}
}

// WithSide returns a copy of k for the given side.
func (k PositionKey) WithSide(side Side) PositionKey {
	k.Side = side
	return k
}

// SymbolKey identifies a user's activity on one symbol regardless of side.
type SymbolKey struct {
	UserID string
	Symbol string
}

func (k SymbolKey) String() string {
	return k.UserID + "/" + k.Symbol
}

// Position returns the PositionKey for side.
func (k SymbolKey) Position(side Side) PositionKey {
	return PositionKey{UserID: k.UserID, Symbol: k.Symbol, Side: side}
}

// OrderKey identifies a monitored exchange order.
type OrderKey struct {
	UserID  string
	Symbol  string
	OrderID string
}

func (k OrderKey) String() string {
	return k.UserID + "/" + k.Symbol + "/" + k.OrderID
}

// MarkerKind names a family of short-lived dedup markers.
type MarkerKind string

const (
	MarkerTPLevel        MarkerKind = "tp_level"
	MarkerTPNotified     MarkerKind = "tp_notified"
	MarkerBreakEven      MarkerKind = "break_even"
	MarkerPositionClosed MarkerKind = "position_closed"
	MarkerPositionFound  MarkerKind = "position_detected"
	MarkerHedgeBlocked   MarkerKind = "hedge_blocked"
	MarkerRetryExhausted MarkerKind = "retry_exhausted"
	MarkerStopFilled     MarkerKind = "stop_filled"
)

// MarkerKey identifies a dedup marker. Level is zero for markers that are
// not tied to a take-profit level.
type MarkerKey struct {
	Kind     MarkerKind
	Position PositionKey
	Level    int
}
