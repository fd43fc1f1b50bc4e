package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func TestReconcileOpenOrderIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	order := h.track(tpOrder("tp-1", 1, 102))

	require.NoError(t, h.engine.Reconciler.Reconcile(h.ctx, order, 101, baseSettings()))

	got, err := h.deps.Stores.Orders.Get(h.ctx, order.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, got.Status)
	assert.Empty(t, h.notifier.kinds())
}

func TestReconcileNotFoundArchivesAsCanceled(t *testing.T) {
	h := newHarness(t)
	order := h.track(tpOrder("tp-1", 1, 102))
	// The gateway maps "unknown order" to canceled.
	h.gw.setOutcome("tp-1", domain.OutcomeCanceled("unknown order"))

	require.NoError(t, h.engine.Reconciler.Reconcile(h.ctx, order, 101, baseSettings()))

	_, err := h.deps.Stores.Orders.Get(h.ctx, order.Key)
	require.ErrorIs(t, err, domain.ErrNotFound)
	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, order.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCanceled, done.Status)
	assert.Empty(t, h.notifier.kinds(), "cancellations are archived silently")
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.savePosition(ladderPosition())
	sl := h.track(domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: "sl-0"},
		PositionSide: domain.SideLong,
		Purpose:      domain.PurposeSL,
		Price:        95,
	})
	h.gw.setOutcome("sl-0", domain.OutcomeFilled(1, 95))

	require.NoError(t, h.engine.Reconciler.Reconcile(h.ctx, sl, 94, baseSettings()))
	require.NoError(t, h.engine.Reconciler.Reconcile(h.ctx, sl, 94, baseSettings()))
	h.engine.Cache.Invalidate(sl.Key)
	require.NoError(t, h.engine.Reconciler.Reconcile(h.ctx, sl, 94, baseSettings()))

	assert.Equal(t, 1, h.notifier.count(domain.EventSLFilled))
	assert.Equal(t, 1, h.notifier.count(domain.EventPositionClosed))
	assert.Len(t, h.trades.all(), 1)
	_, ok := h.position(btcLong)
	assert.False(t, ok)
	assert.Empty(t, h.gw.marketOrders(), "flat exchange position needs no close")
}

func TestReconcileReverifiesCrossedCancel(t *testing.T) {
	h := newHarness(t)
	h.savePosition(ladderPosition())
	h.gw.setPosition(btcLong, 0.7, 100)
	order := h.track(tpOrder("tp-1", 1, 102))
	h.gw.setOutcome("tp-1", domain.OutcomeCanceled("expired"), domain.OutcomeFilled(0.3, 102))

	require.NoError(t, h.engine.Reconciler.Reconcile(h.ctx, order, 103, baseSettings()))

	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, order.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, done.Status)
	assert.Equal(t, 2, h.gw.statusCalls)
	assert.Equal(t, 1, h.notifier.count(domain.EventTPFilled))

	pos, ok := h.position(btcLong)
	require.True(t, ok)
	assert.Equal(t, 1, pos.TPState)
}

func TestSyncPositionAdoptsExchangePosition(t *testing.T) {
	h := newHarness(t)
	h.gw.setPosition(btcLong, 1, 100)
	sym := btcLong.SymbolKey()

	require.NoError(t, h.engine.Reconciler.SyncPosition(h.ctx, sym, 100, baseSettings()))
	require.NoError(t, h.engine.Reconciler.SyncPosition(h.ctx, sym, 100, baseSettings()))

	pos, ok := h.position(btcLong)
	require.True(t, ok)
	assert.InDelta(t, 1.0, pos.Size, 1e-9)
	require.Len(t, pos.TakeProfits, 3)
	assert.InDelta(t, 102.0, pos.TakeProfits[0].Price, 1e-9)
	assert.InDelta(t, 104.0, pos.TakeProfits[1].Price, 1e-9)
	assert.InDelta(t, 0.4, pos.TakeProfits[2].SizeFraction, 1e-9)
	assert.Equal(t, 1, h.notifier.count(domain.EventPositionDetected))
	_, ok = h.position(btcShort)
	assert.False(t, ok)
}

func TestSyncPositionPurgesWhenExchangeFlat(t *testing.T) {
	h := newHarness(t)
	h.savePosition(ladderPosition())

	require.NoError(t, h.engine.Reconciler.SyncPosition(h.ctx, btcLong.SymbolKey(), 97, baseSettings()))

	_, ok := h.position(btcLong)
	assert.False(t, ok)
	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, "closed on exchange", trades[0].Reason)
	assert.InDelta(t, 97.0, trades[0].ExitPrice, 1e-9)
	assert.Equal(t, 1, h.notifier.count(domain.EventPositionClosed))

	remaining, err := h.deps.Stores.Cooldowns.Remaining(h.ctx, btcLong)
	require.NoError(t, err)
	assert.Positive(t, remaining)
}

func TestSyncPositionRoutesFillBeforePurge(t *testing.T) {
	h := newHarness(t)
	h.savePosition(ladderPosition())
	sl := h.track(domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: "sl-0"},
		PositionSide: domain.SideLong,
		Purpose:      domain.PurposeSL,
		Price:        95,
	})
	h.gw.setOutcome("sl-0", domain.OutcomeFilled(1, 95))

	require.NoError(t, h.engine.Reconciler.SyncPosition(h.ctx, btcLong.SymbolKey(), 96, baseSettings()))

	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, sl.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, done.Status)
	assert.Equal(t, 1, h.notifier.count(domain.EventSLFilled))
	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, "stop loss", trades[0].Reason)
}

func TestSyncPositionRoutesHedgeFillBeforeDroppingHedge(t *testing.T) {
	h := newHarness(t)
	h.savePosition(dcaMain(1.0, 2))
	h.gw.setPosition(btcLong, 1.0, 100)
	h.gw.prices["BTCUSDT"] = 89
	require.NoError(t, h.deps.Stores.Hedges.Save(h.ctx, domain.HedgePosition{
		Key:        btcLong.SymbolKey(),
		Side:       domain.SideShort,
		EntryPrice: 95,
		Size:       0.5,
		EntryCount: 1,
	}))
	htp := h.track(domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: "htp"},
		PositionSide: domain.SideShort,
		Purpose:      domain.PurposeTP1,
		Price:        90,
		Hedge:        true,
	})
	h.gw.setOutcome("htp", domain.OutcomeFilled(0.5, 90))
	settings := hedgeSettings()
	settings.DualSide.CloseMainOnHedgeTP = true

	require.NoError(t, h.engine.Reconciler.SyncPosition(h.ctx, btcLong.SymbolKey(), 89, settings))

	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, htp.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, done.Status)
	_, ok := h.position(btcLong)
	assert.False(t, ok, "main closed with the hedge take profit")
	require.Len(t, h.gw.marketOrders(), 1)
}

func TestSyncPositionCountsEveryDCAStep(t *testing.T) {
	h := newHarness(t)
	pos := ladderPosition()
	pos.Size = 0.5
	pos.EntrySize = 0.25
	pos.DCACount = 1
	h.savePosition(pos)
	h.gw.setPosition(btcLong, 1.0, 97)

	require.NoError(t, h.engine.Reconciler.SyncPosition(h.ctx, btcLong.SymbolKey(), 97, baseSettings()))

	got, ok := h.position(btcLong)
	require.True(t, ok)
	assert.Equal(t, 3, got.DCACount, "two fills of the opening size between checks")
	assert.InDelta(t, 0.25, got.EntrySize, 1e-9)
}

func TestSyncPositionClosesBelowMinimumSustainSize(t *testing.T) {
	h := newHarness(t)
	pos := ladderPosition()
	pos.Size = 0.008
	h.savePosition(pos)
	h.gw.setPosition(btcLong, 0.008, 100)
	h.gw.prices["BTCUSDT"] = 100
	settings := baseSettings()
	settings.MinSustainSize = 0.01

	require.NoError(t, h.engine.Reconciler.SyncPosition(h.ctx, btcLong.SymbolKey(), 100, settings))

	market := h.gw.marketOrders()
	require.Len(t, market, 1)
	assert.True(t, market[0].ReduceOnly)
	assert.Equal(t, domain.SideLong, market[0].Side)
	assert.InDelta(t, 0.008, market[0].Size, 1e-12)
	_, ok := h.position(btcLong)
	assert.False(t, ok, "force-closed position is removed from the store")
}

func hedgeSettings() domain.TradingSettings {
	s := baseSettings()
	s.PyramidingLimit = 5
	s.DualSide = domain.DualSideSettings{
		Enabled:         true,
		TriggerDCA:      2,
		SizeMode:        domain.HedgeSizeRatio,
		RatioPercent:    50,
		MinSize:         0.05,
		SLMode:          domain.ProtectionMirror,
		TPMode:          domain.ProtectionMirror,
		PyramidingLimit: 3,
	}
	return s
}

func TestSyncPositionDCAOpensHedge(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	pos := ladderPosition()
	pos.Size = 0.5
	pos.DCACount = 1
	pos.StopLoss = 90
	h.savePosition(pos)
	h.gw.setPosition(btcLong, 1.0, 95)
	h.gw.prices["BTCUSDT"] = 95

	require.NoError(t, h.engine.Reconciler.SyncPosition(h.ctx, btcLong.SymbolKey(), 95, hedgeSettings()))

	main, ok := h.position(btcLong)
	require.True(t, ok)
	assert.Equal(t, 2, main.DCACount)
	assert.InDelta(t, 1.0, main.Size, 1e-9)

	market := h.gw.marketOrders()
	require.Len(t, market, 1)
	assert.Equal(t, domain.SideShort, market[0].Side)
	assert.False(t, market[0].ReduceOnly)
	assert.InDelta(t, 0.5, market[0].Size, 1e-9)

	hedge, err := h.deps.Stores.Hedges.Get(h.ctx, btcLong.SymbolKey())
	require.NoError(t, err)
	assert.Equal(t, domain.SideShort, hedge.Side)
	assert.InDelta(t, 0.5, hedge.Size, 1e-9)
	assert.InDelta(t, 102.0, hedge.StopLoss, 1e-9, "mirror: hedge SL is the main TP1")
	assert.InDelta(t, 90.0, hedge.TakeProfit, 1e-9, "mirror: hedge TP is the main SL")
	assert.Equal(t, 1, h.notifier.count(domain.EventHedgeOpened))

	_, ok = h.position(btcShort)
	assert.False(t, ok, "the hedge side is not adopted as a main position")
}
