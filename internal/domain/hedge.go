package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HedgePosition is the opposite-side position opened by the hedge
// coordinator for a user's symbol.
type HedgePosition struct {
	Key               SymbolKey
	Side              Side
	EntryPrice        float64
	Size              float64
	DCAIndex          int
	EntryCount        int
	StopLoss          float64 // zero means unset
	TakeProfit        float64 // zero means the hedge is not auto-closed
	StopLossOrderID   string
	TakeProfitOrderID string
	OpenedAt          time.Time
	UpdatedAt         time.Time
}

// PositionKey returns the key of the hedge's own exchange position.
func (h HedgePosition) PositionKey() PositionKey {
	return h.Key.Position(h.Side)
}

// AddFill grows the hedge by size at price using a weighted average entry.
func (h *HedgePosition) AddFill(size, price float64) {
	if size <= 0 {
		return
	}
	old := decimal.NewFromFloat(h.Size)
	add := decimal.NewFromFloat(size)
	total := old.Add(add)
	if h.Size > 0 {
		h.EntryPrice = old.Mul(decimal.NewFromFloat(h.EntryPrice)).
			Add(add.Mul(decimal.NewFromFloat(price))).
			Div(total).InexactFloat64()
	} else {
		h.EntryPrice = price
	}
	h.Size = total.InexactFloat64()
	h.EntryCount++
}

// TargetHedgeSize computes the desired hedge size for a main position.
func TargetHedgeSize(mainSize float64, cfg DualSideSettings) float64 {
	if cfg.SizeMode == HedgeSizeFixed {
		return cfg.FixedSize
	}
	target := decimal.NewFromFloat(mainSize).
		Mul(decimal.NewFromFloat(cfg.RatioPercent)).
		Div(decimal.NewFromInt(100))
	floor := decimal.NewFromFloat(cfg.MinSize)
	if target.LessThan(floor) {
		target = floor
	}
	return target.InexactFloat64()
}

// HedgeTopUp returns the size still missing from the hedge to reach target.
// It is zero when the existing hedge already meets the target.
func HedgeTopUp(current, target float64) float64 {
	delta := decimal.NewFromFloat(target).Sub(decimal.NewFromFloat(current))
	if !delta.IsPositive() {
		return 0
	}
	return delta.InexactFloat64()
}

// DeriveHedgeProtection computes the hedge stop-loss and take-profit from the
// main position according to cfg. A zero result leaves the level unset.
func DeriveHedgeProtection(main Position, hedge HedgePosition, cfg DualSideSettings) (sl, tp float64) {
	switch cfg.TPMode {
	case ProtectionMirror:
		tp = main.StopLoss
	case ProtectionPercent:
		tp = offsetFrom(hedge.EntryPrice, hedge.Side, cfg.TPPercent, true)
	}
	switch cfg.SLMode {
	case ProtectionMirror:
		if first, ok := main.TPLevel(1); ok {
			sl = first.Price
		}
	case ProtectionPercent:
		sl = offsetFrom(hedge.EntryPrice, hedge.Side, cfg.SLPercent, false)
	}
	return sl, tp
}

// offsetFrom moves price by pct in the profitable direction for side when
// profit is true, otherwise in the losing direction.
func offsetFrom(price float64, side Side, pct float64, profit bool) float64 {
	if price <= 0 || pct <= 0 {
		return 0
	}
	up := (side == SideLong) == profit
	factor := decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100))
	p := decimal.NewFromFloat(price)
	if up {
		return p.Mul(decimal.NewFromInt(1).Add(factor)).InexactFloat64()
	}
	return p.Mul(decimal.NewFromInt(1).Sub(factor)).InexactFloat64()
}
