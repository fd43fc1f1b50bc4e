package domain

import (
	"strings"
	"time"
)

// OrderPurpose is the role a monitored order plays for its position.
type OrderPurpose string

const (
	PurposeTP1       OrderPurpose = "tp1"
	PurposeTP2       OrderPurpose = "tp2"
	PurposeTP3       OrderPurpose = "tp3"
	PurposeSL        OrderPurpose = "sl"
	PurposeBreakEven OrderPurpose = "break_even"
	PurposeUnknown   OrderPurpose = "unknown"
)

// ParsePurpose maps a stored or exchange-tagged purpose string to an
// OrderPurpose, falling back to PurposeUnknown.
func ParsePurpose(v string) OrderPurpose {
	switch p := OrderPurpose(strings.ToLower(v)); p {
	case PurposeTP1, PurposeTP2, PurposeTP3, PurposeSL, PurposeBreakEven:
		return p
	}
	return PurposeUnknown
}

// TPPurpose returns the purpose for take-profit level (1-based).
func TPPurpose(level int) OrderPurpose {
	switch level {
	case 1:
		return PurposeTP1
	case 2:
		return PurposeTP2
	case 3:
		return PurposeTP3
	}
	return PurposeUnknown
}

// TPLevel returns the take-profit level encoded by p.
func (p OrderPurpose) TPLevel() (int, bool) {
	switch p {
	case PurposeTP1:
		return 1, true
	case PurposeTP2:
		return 2, true
	case PurposeTP3:
		return 3, true
	}
	return 0, false
}

// IsStop reports whether p protects the position from loss.
func (p OrderPurpose) IsStop() bool {
	return p == PurposeSL || p == PurposeBreakEven
}

// OrderStatus is the lifecycle state of a monitored order.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled"
	OrderFailed   OrderStatus = "failed"
)

// IsTerminal reports whether s can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderFailed
}

// CanTransition reports whether moving from s to next is allowed. Terminal
// states never revert.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return false
	}
	return s == OrderOpen && next.IsTerminal()
}

// MonitoredOrder is a working exchange order the engine watches until it
// reaches a terminal state.
type MonitoredOrder struct {
	Key             OrderKey
	PositionSide    Side
	Purpose         OrderPurpose
	Price           float64
	Status          OrderStatus
	ContractsAmount float64
	Hedge           bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PositionKey returns the key of the position this order protects.
func (o MonitoredOrder) PositionKey() PositionKey {
	return PositionKey{UserID: o.Key.UserID, Symbol: o.Key.Symbol, Side: o.PositionSide}
}

// Crossed reports whether price has reached the order's trigger, meaning the
// exchange would be expected to have filled it.
func (o MonitoredOrder) Crossed(price float64) bool {
	if o.Price <= 0 || price <= 0 {
		return false
	}
	long := o.PositionSide == SideLong
	if o.Purpose.IsStop() {
		if long {
			return price <= o.Price
		}
		return price >= o.Price
	}
	if _, ok := o.Purpose.TPLevel(); ok {
		if long {
			return price >= o.Price
		}
		return price <= o.Price
	}
	return false
}

// OrderOutcome is the normalized result of an exchange order lookup. Status
// is always one of OrderOpen, OrderFilled, OrderCanceled or OrderFailed.
type OrderOutcome struct {
	Status       OrderStatus
	FilledAmount float64
	AvgPrice     float64
	Reason       string
}

// Outcome constructors keep call sites readable.
func OutcomeOpen(filled float64) OrderOutcome {
	return OrderOutcome{Status: OrderOpen, FilledAmount: filled}
}

func OutcomeFilled(filled, avgPrice float64) OrderOutcome {
	return OrderOutcome{Status: OrderFilled, FilledAmount: filled, AvgPrice: avgPrice}
}

func OutcomeCanceled(reason string) OrderOutcome {
	return OrderOutcome{Status: OrderCanceled, Reason: reason}
}

func OutcomeFailed(reason string) OrderOutcome {
	return OrderOutcome{Status: OrderFailed, Reason: reason}
}
