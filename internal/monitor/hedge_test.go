package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func dcaMain(size float64, dca int) domain.Position {
	p := ladderPosition()
	p.Size = size
	p.DCACount = dca
	p.StopLoss = 90
	return p
}

func TestHedgeTopUpIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	h.gw.prices["BTCUSDT"] = 95
	main := dcaMain(1.0, 2)
	h.savePosition(main)

	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, main, hedgeSettings()))
	placedAfterOpen := len(h.gw.conditionalOrders())
	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, main, hedgeSettings()))

	assert.Len(t, h.gw.marketOrders(), 1, "an already sufficient hedge is not topped up")
	assert.Len(t, h.gw.conditionalOrders(), placedAfterOpen, "unchanged protection is not re-placed")
	assert.Equal(t, 1, h.notifier.count(domain.EventHedgeOpened))
}

func TestHedgeTopsUpOnLargerMain(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	h.gw.prices["BTCUSDT"] = 95
	settings := hedgeSettings()

	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(1.0, 2), settings))
	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(1.6, 3), settings))

	market := h.gw.marketOrders()
	require.Len(t, market, 2)
	assert.InDelta(t, 0.5, market[0].Size, 1e-9)
	assert.InDelta(t, 0.3, market[1].Size, 1e-9, "only the increment beyond the existing hedge")

	hedge, err := h.deps.Stores.Hedges.Get(h.ctx, btcLong.SymbolKey())
	require.NoError(t, err)
	assert.InDelta(t, 0.8, hedge.Size, 1e-9)
	assert.Equal(t, 2, hedge.EntryCount)
}

func TestHedgeRespectsFloorSize(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	h.gw.prices["BTCUSDT"] = 95

	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(0.06, 2), hedgeSettings()))

	market := h.gw.marketOrders()
	require.Len(t, market, 1)
	assert.InDelta(t, 0.05, market[0].Size, 1e-9)
}

func TestHedgeBelowTriggerDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")

	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(1.0, 1), hedgeSettings()))

	assert.Empty(t, h.gw.marketOrders())
	_, err := h.deps.Stores.Hedges.Get(h.ctx, btcLong.SymbolKey())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHedgeBlockedWithoutDualSideMode(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	h.gw.hedgeMode = false

	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(1.0, 2), hedgeSettings()))
	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(1.0, 2), hedgeSettings()))

	assert.Empty(t, h.gw.marketOrders())
	assert.Equal(t, 1, h.notifier.count(domain.EventTradingStopped))
	status, err := h.deps.Stores.Users.Status(h.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, status)
}

func TestHedgeOpenFailureIsReportedNotRetried(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	h.gw.marketErr = domain.ErrInsufficientMargin

	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(1.0, 2), hedgeSettings()))

	assert.Equal(t, 1, h.notifier.count(domain.EventError))
	_, err := h.deps.Stores.Hedges.Get(h.ctx, btcLong.SymbolKey())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	status, err := h.deps.Stores.Users.Status(h.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status, "margin errors do not stop trading")
}

func TestHedgePyramidingLimitStopsEntriesButResyncs(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	h.gw.prices["BTCUSDT"] = 95
	h.gw.setPosition(btcShort, 0.5, 95)
	require.NoError(t, h.deps.Stores.Hedges.Save(h.ctx, domain.HedgePosition{
		Key:        btcLong.SymbolKey(),
		Side:       domain.SideShort,
		EntryPrice: 95,
		Size:       0.5,
		EntryCount: 3,
	}))

	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(2.0, 4), hedgeSettings()))

	assert.Empty(t, h.gw.marketOrders())
	placed := h.gw.conditionalOrders()
	require.Len(t, placed, 2)
	for _, o := range placed {
		assert.Equal(t, domain.SideShort, o.Side)
	}
}

func TestHedgeClosedOnFinalMainDCA(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	h.gw.prices["BTCUSDT"] = 90
	h.gw.setPosition(btcShort, 0.5, 95)
	require.NoError(t, h.deps.Stores.Hedges.Save(h.ctx, domain.HedgePosition{
		Key:        btcLong.SymbolKey(),
		Side:       domain.SideShort,
		EntryPrice: 95,
		Size:       0.5,
		EntryCount: 1,
	}))
	settings := hedgeSettings()
	settings.DualSide.CloseOnFinalMainDCA = true

	require.NoError(t, h.engine.Hedge.OnMainDCA(h.ctx, dcaMain(3.0, settings.PyramidingLimit), settings))

	market := h.gw.marketOrders()
	require.Len(t, market, 1)
	assert.True(t, market[0].ReduceOnly)
	assert.Equal(t, domain.SideShort, market[0].Side)
	_, err := h.deps.Stores.Hedges.Get(h.ctx, btcLong.SymbolKey())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHedgeTakeProfitClosesMainWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.gw.prices["BTCUSDT"] = 90
	h.savePosition(dcaMain(1.0, 2))
	h.gw.setPosition(btcLong, 1.0, 100)
	require.NoError(t, h.deps.Stores.Hedges.Save(h.ctx, domain.HedgePosition{
		Key:        btcLong.SymbolKey(),
		Side:       domain.SideShort,
		EntryPrice: 95,
		Size:       0.5,
		EntryCount: 1,
	}))
	order := h.track(domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: "htp"},
		PositionSide: domain.SideShort,
		Purpose:      domain.PurposeTP1,
		Price:        90,
		Hedge:        true,
	})
	h.gw.setOutcome("htp", domain.OutcomeFilled(0.5, 90))
	settings := hedgeSettings()
	settings.DualSide.CloseMainOnHedgeTP = true

	require.NoError(t, h.engine.Reconciler.Reconcile(h.ctx, order, 89, settings))

	_, err := h.deps.Stores.Hedges.Get(h.ctx, btcLong.SymbolKey())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := h.position(btcLong)
	assert.False(t, ok)

	market := h.gw.marketOrders()
	require.Len(t, market, 1, "the hedge itself was already flat")
	assert.Equal(t, domain.SideLong, market[0].Side)
	assert.True(t, market[0].ReduceOnly)
	assert.Zero(t, h.notifier.count(domain.EventTPFilled), "hedge fills do not enter the main ladder")
}
