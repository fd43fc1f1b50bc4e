package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetHedgeSize(t *testing.T) {
	ratio := DualSideSettings{SizeMode: HedgeSizeRatio, RatioPercent: 50, MinSize: 0.05}

	assert.InDelta(t, 0.5, TargetHedgeSize(1.0, ratio), 1e-12)
	assert.InDelta(t, 0.05, TargetHedgeSize(0.02, ratio), 1e-12)
	assert.InDelta(t, 0.3, TargetHedgeSize(5, DualSideSettings{SizeMode: HedgeSizeFixed, FixedSize: 0.3}), 1e-12)
}

func TestHedgeTopUp(t *testing.T) {
	assert.Equal(t, 0.0, HedgeTopUp(0.5, 0.5))
	assert.Equal(t, 0.0, HedgeTopUp(0.6, 0.5))
	assert.InDelta(t, 0.2, HedgeTopUp(0.3, 0.5), 1e-12)
}

func TestDeriveHedgeProtection(t *testing.T) {
	main := Position{
		Key:         PositionKey{Side: SideLong},
		EntryPrice:  100,
		StopLoss:    90,
		TakeProfits: []TPLevel{{Level: 1, Price: 110}},
	}
	hedge := HedgePosition{Side: SideShort, EntryPrice: 95, Size: 0.5}

	sl, tp := DeriveHedgeProtection(main, hedge, DualSideSettings{SLMode: ProtectionMirror, TPMode: ProtectionMirror})
	assert.Equal(t, 110.0, sl)
	assert.Equal(t, 90.0, tp)

	sl, tp = DeriveHedgeProtection(main, hedge, DualSideSettings{SLMode: ProtectionPercent, SLPercent: 2, TPMode: ProtectionPercent, TPPercent: 4})
	assert.InDelta(t, 96.9, sl, 1e-9)
	assert.InDelta(t, 91.2, tp, 1e-9)

	sl, tp = DeriveHedgeProtection(main, hedge, DualSideSettings{SLMode: ProtectionNone, TPMode: ProtectionNone})
	assert.Zero(t, sl)
	assert.Zero(t, tp)
}

func TestHedgeAddFill(t *testing.T) {
	h := HedgePosition{Side: SideShort}
	h.AddFill(0.5, 100)
	h.AddFill(0.5, 110)
	assert.InDelta(t, 1.0, h.Size, 1e-12)
	assert.InDelta(t, 105.0, h.EntryPrice, 1e-9)
	assert.Equal(t, 2, h.EntryCount)
}
