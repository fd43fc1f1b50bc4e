package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func TestTickReleasesFilledTakeProfit(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	require.NoError(t, h.settings.Upsert(h.ctx, baseSettings()))
	h.savePosition(ladderPosition())
	h.gw.setPosition(btcLong, 1, 100)
	h.gw.prices["BTCUSDT"] = 102.5
	tp1 := h.track(tpOrder("tp-1", 1, 102))
	h.gw.setOutcome("tp-1", domain.OutcomeFilled(0.3, 102))

	require.NoError(t, h.engine.Scheduler.Tick(h.ctx))

	assert.Equal(t, 1, h.notifier.count(domain.EventTPFilled))
	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, tp1.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, done.Status)
	open, err := h.deps.Stores.Orders.ListOpen(h.ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, open)

	st := h.engine.Scheduler.Status()
	assert.Equal(t, 1, st.Users)
	assert.Equal(t, 1, st.Units)
	assert.Equal(t, h.clock.Now(), st.LastTickAt)
}

func TestTickReportsMissingSettings(t *testing.T) {
	h := newHarness(t)
	h.runUser("u2")

	require.NoError(t, h.engine.Scheduler.Tick(h.ctx))

	entries, err := h.audit.List(h.ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "logic_error", entries[0].Event)
	assert.Equal(t, "load settings", entries[0].Detail["op"])
	assert.Equal(t, "u2", entries[0].Detail["user"])
	assert.Zero(t, h.engine.Scheduler.Status().Units)
}

func TestTickLeavesUntouchedStopsBetweenFullChecks(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	require.NoError(t, h.settings.Upsert(h.ctx, baseSettings()))
	h.savePosition(ladderPosition())
	h.gw.setPosition(btcLong, 1, 100)
	h.gw.prices["BTCUSDT"] = 101
	h.track(domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: "sl-0"},
		PositionSide: domain.SideLong,
		Purpose:      domain.PurposeSL,
		Price:        95,
	})

	require.NoError(t, h.engine.Scheduler.Tick(h.ctx))
	assert.Equal(t, 1, h.gw.statusCalls, "first tick is a full check")

	h.clock.Advance(time.Second)
	require.NoError(t, h.engine.Scheduler.Tick(h.ctx))
	assert.Equal(t, 1, h.gw.statusCalls, "uncrossed stop is skipped")

	h.clock.Advance(h.deps.Config.FullCheckInterval)
	require.NoError(t, h.engine.Scheduler.Tick(h.ctx))
	assert.Equal(t, 2, h.gw.statusCalls)
}

func TestPriceBookPrefersFreshStreamedPrice(t *testing.T) {
	h := newHarness(t)
	h.gw.prices["BTCUSDT"] = 102
	require.NoError(t, h.deps.Stores.Prices.SetPrice(h.ctx, "BTCUSDT", 101, h.clock.Now()))

	book := newPriceBook(h.deps)
	p, err := book.get(h.ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.0, p)
	assert.Zero(t, h.gw.priceCalls)

	h.clock.Advance(h.deps.Config.PriceStaleness + time.Second)
	book = newPriceBook(h.deps)
	for range 3 {
		p, err = book.get(h.ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, 102.0, p)
	}
	assert.Equal(t, 1, h.gw.priceCalls, "one gateway lookup per symbol per tick")

	_, err = book.get(h.ctx, "ETHUSDT")
	assert.ErrorIs(t, err, domain.ErrUnexpectedPayload)
}

func TestShouldCheck(t *testing.T) {
	stop := domain.MonitoredOrder{PositionSide: domain.SideLong, Purpose: domain.PurposeSL, Price: 95}
	tp := domain.MonitoredOrder{PositionSide: domain.SideLong, Purpose: domain.PurposeTP1, Price: 102}
	hedgeTP := domain.MonitoredOrder{PositionSide: domain.SideShort, Purpose: domain.PurposeTP1, Price: 90, Hedge: true}

	tests := []struct {
		name  string
		order domain.MonitoredOrder
		price float64
		full  bool
		want  bool
	}{
		{"tp every tick", tp, 100, false, true},
		{"stop not crossed", stop, 100, false, false},
		{"stop crossed", stop, 94.5, false, true},
		{"stop on full check", stop, 100, true, true},
		{"hedge tp not crossed", hedgeTP, 95, false, false},
		{"hedge tp crossed", hedgeTP, 89, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldCheck(tt.order, tt.price, tt.full))
		})
	}
}

func TestFullCheckDue(t *testing.T) {
	h := newHarness(t)
	s := h.engine.Scheduler
	key := domain.SymbolKey{UserID: "u1", Symbol: "BTCUSDT"}

	assert.True(t, s.fullCheckDue(key, 3), "first sight")
	assert.False(t, s.fullCheckDue(key, 3))
	assert.False(t, s.fullCheckDue(key, 4))
	assert.True(t, s.fullCheckDue(key, 2), "order count dropped")
	assert.False(t, s.fullCheckDue(key, 2))

	h.clock.Advance(h.deps.Config.FullCheckInterval)
	assert.True(t, s.fullCheckDue(key, 2))
}

func TestHousekeepPrunesIdleBookkeeping(t *testing.T) {
	h := newHarness(t)
	s := h.engine.Scheduler
	stale := domain.SymbolKey{UserID: "u1", Symbol: "ETHUSDT"}
	fresh := domain.SymbolKey{UserID: "u1", Symbol: "BTCUSDT"}

	s.fullCheckDue(stale, 1)
	h.clock.Advance(h.deps.Config.HousekeepingInterval + time.Second)
	s.fullCheckDue(fresh, 1)

	require.NoError(t, s.Housekeep(h.ctx))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.lastFull, stale)
	assert.NotContains(t, s.lastCount, stale)
	assert.Contains(t, s.lastFull, fresh)
}

func TestSweepOrphansArchivesOrdersOnFlatSide(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	require.NoError(t, h.settings.Upsert(h.ctx, baseSettings()))
	sl := h.track(domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: "sl-7"},
		PositionSide: domain.SideLong,
		Purpose:      domain.PurposeSL,
		Price:        95,
	})

	require.NoError(t, h.engine.Scheduler.SweepOrphans(h.ctx))

	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, sl.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCanceled, done.Status)
	sides := map[domain.Side]bool{}
	for _, c := range h.gw.cancelCalls() {
		sides[c.Side] = true
	}
	assert.Equal(t, map[domain.Side]bool{domain.SideLong: true, domain.SideShort: true}, sides)
}

func TestSweepOrphansKeepsLiveSides(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	require.NoError(t, h.settings.Upsert(h.ctx, baseSettings()))
	h.savePosition(ladderPosition())
	h.gw.setPosition(btcShort, 0.5, 110)

	require.NoError(t, h.engine.Scheduler.SweepOrphans(h.ctx))

	assert.Empty(t, h.gw.cancelCalls())
}

func TestRunHaltsAfterRestartBudget(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.TickInterval = time.Hour
		c.HealthInterval = time.Millisecond
		c.HousekeepingInterval = 0
		c.OrphanSweepInterval = 0
		c.RestartBase = time.Millisecond
		c.RestartCap = time.Hour
		c.MaxRestarts = 2
	})
	h.deps.Health = failingHealth{err: errors.New("redis unreachable")}

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	err := h.engine.Scheduler.Run(ctx)

	require.ErrorIs(t, err, domain.ErrSchedulerFailed)
	assert.ErrorContains(t, err, "redis unreachable")
	assert.Equal(t, 1, h.notifier.count(domain.EventOperatorAlert))
	st := h.engine.Scheduler.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 3, st.Restarts)
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.TickInterval = time.Hour
		c.HealthInterval = time.Hour
	})
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- h.engine.Scheduler.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !h.engine.Scheduler.Status().StartedAt.IsZero()
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, StateStopped, h.engine.Scheduler.Status().State)
}

func saveShortHedge(h *harness, entry, size float64) {
	h.t.Helper()
	require.NoError(h.t, h.deps.Stores.Hedges.Save(h.ctx, domain.HedgePosition{
		Key:        btcLong.SymbolKey(),
		Side:       domain.SideShort,
		EntryPrice: entry,
		Size:       size,
		EntryCount: 1,
	}))
}

func TestTickStopFillOnFlatSideClosesHedge(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	settings := hedgeSettings()
	settings.DualSide.CloseHedgeOnMainSL = true
	require.NoError(t, h.settings.Upsert(h.ctx, settings))
	h.savePosition(ladderPosition())
	saveShortHedge(h, 96, 0.5)
	h.gw.setPosition(btcShort, 0.5, 96)
	h.gw.prices["BTCUSDT"] = 96
	sl := h.track(domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: "sl-0"},
		PositionSide: domain.SideLong,
		Purpose:      domain.PurposeSL,
		Price:        95,
	})
	h.gw.setOutcome("sl-0", domain.OutcomeFilled(1, 95))

	require.NoError(t, h.engine.Scheduler.Tick(h.ctx))

	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, sl.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, done.Status)
	assert.Equal(t, 1, h.notifier.count(domain.EventSLFilled))

	_, err = h.deps.Stores.Hedges.Get(h.ctx, btcLong.SymbolKey())
	require.ErrorIs(t, err, domain.ErrNotFound)
	market := h.gw.marketOrders()
	require.Len(t, market, 1)
	assert.Equal(t, domain.SideShort, market[0].Side)
	assert.True(t, market[0].ReduceOnly)
	assert.InDelta(t, 0.5, market[0].Size, 1e-9)

	trades := h.trades.all()
	require.Len(t, trades, 2)
	assert.Equal(t, "stop loss", trades[0].Reason)
	assert.True(t, trades[1].IsHedge)
}

func TestTickFinalTakeProfitOnFlatSide(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	require.NoError(t, h.settings.Upsert(h.ctx, baseSettings()))
	pos := ladderPosition()
	pos.TPState = 2
	h.savePosition(pos)
	h.gw.prices["BTCUSDT"] = 106
	tp3 := h.track(tpOrder("tp-3", 3, 106))
	h.gw.setOutcome("tp-3", domain.OutcomeFilled(0.4, 106))

	require.NoError(t, h.engine.Scheduler.Tick(h.ctx))

	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, tp3.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, done.Status)
	assert.Equal(t, []string{"TP3 filled"}, h.notifier.titles(domain.EventTPFilled))
	assert.Equal(t, 1, h.notifier.count(domain.EventPositionClosed))

	_, ok := h.position(btcLong)
	assert.False(t, ok)
	trades := h.trades.all()
	require.Len(t, trades, 1)
	assert.Equal(t, "final take profit TP3", trades[0].Reason)
	assert.Empty(t, h.gw.marketOrders())
}

func TestTickHedgeTakeProfitClosesMain(t *testing.T) {
	h := newHarness(t)
	h.runUser("u1")
	settings := hedgeSettings()
	settings.DualSide.CloseMainOnHedgeTP = true
	require.NoError(t, h.settings.Upsert(h.ctx, settings))
	h.savePosition(dcaMain(1.0, 2))
	h.gw.setPosition(btcLong, 1.0, 100)
	saveShortHedge(h, 95, 0.5)
	h.gw.prices["BTCUSDT"] = 89
	htp := h.track(domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: "htp"},
		PositionSide: domain.SideShort,
		Purpose:      domain.PurposeTP1,
		Price:        90,
		Hedge:        true,
	})
	h.gw.setOutcome("htp", domain.OutcomeFilled(0.5, 90))

	require.NoError(t, h.engine.Scheduler.Tick(h.ctx))

	done, err := h.deps.Stores.Orders.GetCompleted(h.ctx, htp.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, done.Status)

	_, err = h.deps.Stores.Hedges.Get(h.ctx, btcLong.SymbolKey())
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := h.position(btcLong)
	assert.False(t, ok)

	market := h.gw.marketOrders()
	require.Len(t, market, 1)
	assert.Equal(t, domain.SideLong, market[0].Side)
	assert.True(t, market[0].ReduceOnly)

	reasons := map[bool]string{}
	for _, tr := range h.trades.all() {
		reasons[tr.IsHedge] = tr.Reason
	}
	assert.Equal(t, map[bool]string{true: "hedge take profit", false: "closed with hedge take profit"}, reasons)
}
