package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// TPStatus is the state of one rung of the take-profit ladder.
type TPStatus string

const (
	TPActive TPStatus = "active"
	TPFilled TPStatus = "filled"
)

// TPLevel is one rung of a position's take-profit ladder. Level is 1-based.
type TPLevel struct {
	Level        int      `json:"level"`
	Price        float64  `json:"price"`
	SizeFraction float64  `json:"size_fraction"`
	Status       TPStatus `json:"status"`
	OrderID      string   `json:"order_id,omitempty"`
}

// Position is one open directional exposure for (user, symbol, side).
type Position struct {
	Key             PositionKey
	Size            float64
	EntryPrice      float64
	Leverage        int
	StopLoss        float64 // zero means unset
	StopLossOrderID string
	TakeProfits     []TPLevel
	IsHedge         bool
	DCACount        int
	EntrySize       float64 // opening fill size; zero when unknown
	TPState         int
	OpenedAt        time.Time
	UpdatedAt       time.Time
}

// HasStopLoss reports whether a stop-loss price is configured.
func (p *Position) HasStopLoss() bool {
	return p.StopLoss > 0
}

// TPLevel returns the ladder entry for level, if configured.
func (p *Position) TPLevel(level int) (TPLevel, bool) {
	for _, tp := range p.TakeProfits {
		if tp.Level == level {
			return tp, true
		}
	}
	return TPLevel{}, false
}

// MarkTPFilled marks ladder entry level as filled and raises TPState when
// level is above it. TPState never decreases and never exceeds the number of
// configured levels. It reports whether TPState changed.
func (p *Position) MarkTPFilled(level int) bool {
	if level < 1 || level > len(p.TakeProfits) {
		return false
	}
	for i := range p.TakeProfits {
		if p.TakeProfits[i].Level == level {
			p.TakeProfits[i].Status = TPFilled
		}
	}
	if level > p.TPState {
		p.TPState = level
		return true
	}
	return false
}

// ApplyFill adds a DCA or entry fill to the position. Entry price becomes the
// size-weighted average of the existing and new exposure.
func (p *Position) ApplyFill(size, price float64) {
	if size <= 0 {
		return
	}
	oldSize := decimal.NewFromFloat(p.Size)
	addSize := decimal.NewFromFloat(size)
	total := oldSize.Add(addSize)
	if p.Size > 0 {
		notional := oldSize.Mul(decimal.NewFromFloat(p.EntryPrice)).
			Add(addSize.Mul(decimal.NewFromFloat(price)))
		p.EntryPrice = notional.Div(total).InexactFloat64()
		p.DCACount++
	} else {
		p.EntryPrice = price
		p.EntrySize = size
	}
	p.Size = total.InexactFloat64()
}

// DCASteps returns how many DCA fills account for growth from the current
// size to size. Each step is taken to add the opening size; without a known
// opening size an increase counts as one step.
func (p *Position) DCASteps(size float64) int {
	added := size - p.Size
	if added <= 0 {
		return 0
	}
	if p.EntrySize <= 0 {
		return 1
	}
	return max(1, int(math.Round(added/p.EntrySize)))
}

// ValidateLadder checks that take-profit levels are numbered 1..n and that
// their prices move strictly away from the entry price.
func (p *Position) ValidateLadder() error {
	prev := p.EntryPrice
	for i, tp := range p.TakeProfits {
		if tp.Level != i+1 {
			return fmt.Errorf("domain: tp ladder level %d at index %d: %w", tp.Level, i, ErrInvalidOrder)
		}
		if !Favorable(p.Key.Side, prev, tp.Price) {
			return fmt.Errorf("domain: tp%d price %v not beyond %v: %w", tp.Level, tp.Price, prev, ErrInvalidOrder)
		}
		prev = tp.Price
	}
	return nil
}

// Favorable reports whether moving from price a to price b is a strict
// improvement for a position on side.
func Favorable(side Side, a, b float64) bool {
	if side == SideShort {
		return b < a
	}
	return b > a
}

// Tighter returns whichever of two stop prices carries less risk for side.
// A zero value is treated as unset.
func Tighter(side Side, a, b float64) float64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case side == SideShort:
		return min(a, b)
	default:
		return max(a, b)
	}
}

// PositionSnapshot is the exchange's view of a position.
type PositionSnapshot struct {
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}
