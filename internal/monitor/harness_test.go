package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	rstore "github.com/alanyoungcy/futuresbot/internal/cache/redis"
	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type cancelCall struct {
	UserID   string
	Symbol   string
	Side     domain.Side
	Purposes []domain.OrderPurpose
}

// fakeGateway simulates one account per user. Market orders move the
// simulated positions so closers observe the effect of their own orders.
type fakeGateway struct {
	mu          sync.Mutex
	positions   map[domain.PositionKey]domain.PositionSnapshot
	outcomes    map[string][]domain.OrderOutcome
	prices      map[string]float64
	hedgeMode   bool
	marketErr   error
	market      []domain.MarketOrderRequest
	conditional []domain.ConditionalOrderRequest
	cancels     []cancelCall
	statusCalls int
	priceCalls  int
	nextID      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		positions: make(map[domain.PositionKey]domain.PositionSnapshot),
		outcomes:  make(map[string][]domain.OrderOutcome),
		prices:    make(map[string]float64),
		hedgeMode: true,
	}
}

func (g *fakeGateway) setPosition(key domain.PositionKey, size, entry float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if size <= 0 {
		delete(g.positions, key)
		return
	}
	g.positions[key] = domain.PositionSnapshot{Symbol: key.Symbol, Side: key.Side, Size: size, EntryPrice: entry, Leverage: 10}
}

// setOutcome queues outcomes for orderID; the last one repeats.
func (g *fakeGateway) setOutcome(orderID string, outs ...domain.OrderOutcome) {
	g.mu.Lock()
	g.outcomes[orderID] = outs
	g.mu.Unlock()
}

func (g *fakeGateway) marketOrders() []domain.MarketOrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.MarketOrderRequest(nil), g.market...)
}

func (g *fakeGateway) conditionalOrders() []domain.ConditionalOrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.ConditionalOrderRequest(nil), g.conditional...)
}

func (g *fakeGateway) cancelCalls() []cancelCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]cancelCall(nil), g.cancels...)
}

func (g *fakeGateway) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.priceCalls++
	p, ok := g.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s: %w", symbol, domain.ErrUnexpectedPayload)
	}
	return p, nil
}

func (g *fakeGateway) GetPosition(_ context.Context, userID, symbol string, side domain.Side) (domain.PositionSnapshot, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.positions[domain.PositionKey{UserID: userID, Symbol: symbol, Side: side}]
	return snap, ok, nil
}

func (g *fakeGateway) GetOrderStatus(_ context.Context, _, _, orderID string, _ domain.OrderPurpose) (domain.OrderOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	outs := g.outcomes[orderID]
	if len(outs) == 0 {
		return domain.OutcomeOpen(0), nil
	}
	out := outs[0]
	if len(outs) > 1 {
		g.outcomes[orderID] = outs[1:]
	}
	return out, nil
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, req domain.MarketOrderRequest) (domain.MarketOrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marketErr != nil {
		return domain.MarketOrderResult{}, g.marketErr
	}
	g.market = append(g.market, req)
	g.nextID++
	key := domain.PositionKey{UserID: req.UserID, Symbol: req.Symbol, Side: req.Side}
	price := g.prices[req.Symbol]
	snap := g.positions[key]
	if req.ReduceOnly {
		snap.Size -= req.Size
	} else {
		if snap.Size == 0 {
			snap.EntryPrice = price
		}
		snap.Size += req.Size
	}
	if snap.Size <= 1e-12 {
		delete(g.positions, key)
	} else {
		snap.Symbol, snap.Side = req.Symbol, req.Side
		g.positions[key] = snap
	}
	return domain.MarketOrderResult{OrderID: fmt.Sprintf("m-%d", g.nextID), Status: domain.OrderFilled, Price: price}, nil
}

func (g *fakeGateway) PlaceConditionalOrder(_ context.Context, req domain.ConditionalOrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conditional = append(g.conditional, req)
	g.nextID++
	return fmt.Sprintf("c-%d", g.nextID), nil
}

func (g *fakeGateway) CancelOrders(_ context.Context, userID, symbol string, side domain.Side, purposes ...domain.OrderPurpose) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, cancelCall{UserID: userID, Symbol: symbol, Side: side, Purposes: purposes})
	return nil
}

func (g *fakeGateway) SetLeverage(context.Context, string, string, int, domain.MarginMode) error {
	return nil
}

func (g *fakeGateway) GetPositionMode(context.Context, string, string) (domain.PositionMode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.PositionMode{HedgeMode: g.hedgeMode, MarginMode: domain.MarginCrossed}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev domain.Event) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) kinds() []domain.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventKind, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (n *recordingNotifier) count(kind domain.EventKind) int {
	c := 0
	for _, k := range n.kinds() {
		if k == kind {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) titles(kind domain.EventKind) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.Kind == kind {
			out = append(out, ev.Title)
		}
	}
	return out
}

type memSettings struct {
	mu   sync.Mutex
	byID map[string]domain.TradingSettings
}

func (s *memSettings) Get(_ context.Context, userID string) (domain.TradingSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[userID]
	if !ok {
		return domain.TradingSettings{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *memSettings) Upsert(_ context.Context, st domain.TradingSettings) error {
	s.mu.Lock()
	s.byID[st.UserID] = st
	s.mu.Unlock()
	return nil
}

func (s *memSettings) List(context.Context) ([]domain.TradingSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TradingSettings, 0, len(s.byID))
	for _, st := range s.byID {
		out = append(out, st)
	}
	return out, nil
}

type memTrades struct {
	mu     sync.Mutex
	trades []domain.CompletedTrade
}

func (m *memTrades) Record(_ context.Context, t domain.CompletedTrade) error {
	m.mu.Lock()
	m.trades = append(m.trades, t)
	m.mu.Unlock()
	return nil
}

func (m *memTrades) ListByUser(_ context.Context, userID string, _ domain.ListOpts) ([]domain.CompletedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CompletedTrade
	for _, t := range m.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTrades) all() []domain.CompletedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CompletedTrade(nil), m.trades...)
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	a.mu.Unlock()
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

type failingHealth struct{ err error }

func (h failingHealth) Ping(context.Context) error { return h.err }

// harness is an engine over miniredis-backed stores and in-memory fakes.
type harness struct {
	t        *testing.T
	ctx      context.Context
	mr       *miniredis.Miniredis
	clock    *fakeClock
	gw       *fakeGateway
	notifier *recordingNotifier
	settings *memSettings
	trades   *memTrades
	audit    *memAudit
	deps     *Deps
	engine   *Engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VerifyDelay = 0
	cfg.StatusCacheTTL = 3 * time.Second
	cfg.Concurrency = 4
	return cfg
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := rstore.Wrap(rdb)

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		mr:       mr,
		clock:    &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		gw:       newFakeGateway(),
		notifier: &recordingNotifier{},
		settings: &memSettings{byID: make(map[string]domain.TradingSettings)},
		trades:   &memTrades{},
		audit:    &memAudit{},
	}
	h.deps = &Deps{
		Config:  cfg,
		Clock:   h.clock,
		Gateway: h.gw,
		Stores: Stores{
			Positions:  rstore.NewPositionStore(c),
			Orders:     rstore.NewMonitorOrderStore(c, 14*24*time.Hour),
			Trailing:   rstore.NewTrailingStore(c, 7*24*time.Hour),
			Hedges:     rstore.NewHedgeStore(c),
			Cooldowns:  rstore.NewCooldownStore(c),
			Markers:    rstore.NewMarkerStore(c),
			TPSequence: rstore.NewTPSequenceStore(c),
			Users:      rstore.NewUserRegistry(c),
			Settings:   h.settings,
			Trades:     h.trades,
			Audit:      h.audit,
			Locks:      rstore.NewLockManager(c),
			Limiter:    rstore.NewRateLimiter(c),
			Prices:     rstore.NewPriceCache(c),
		},
		Notifier: h.notifier,
		Health:   c,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.engine = New(h.deps)
	return h
}

func (h *harness) runUser(id string) {
	h.t.Helper()
	require.NoError(h.t, h.deps.Stores.Users.SetStatus(h.ctx, id, domain.StatusRunning, "test"))
}

func (h *harness) savePosition(p domain.Position) {
	h.t.Helper()
	require.NoError(h.t, h.deps.Stores.Positions.Save(h.ctx, p))
}

func (h *harness) track(o domain.MonitoredOrder) domain.MonitoredOrder {
	h.t.Helper()
	if o.Status == "" {
		o.Status = domain.OrderOpen
	}
	require.NoError(h.t, h.deps.Stores.Orders.Track(h.ctx, o))
	return o
}

func (h *harness) position(key domain.PositionKey) (domain.Position, bool) {
	h.t.Helper()
	p, err := h.deps.Stores.Positions.Get(h.ctx, key)
	if err != nil {
		require.ErrorIs(h.t, err, domain.ErrNotFound)
		return domain.Position{}, false
	}
	return p, true
}

var (
	btcLong  = domain.PositionKey{UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideLong}
	btcShort = domain.PositionKey{UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideShort}
)

// ladderPosition is a long BTC position at 100 with a 30/30/40 ladder at
// 102/104/106 and a stop at 95.
func ladderPosition() domain.Position {
	return domain.Position{
		Key:             btcLong,
		Size:            1,
		EntryPrice:      100,
		Leverage:        10,
		StopLoss:        95,
		StopLossOrderID: "sl-0",
		TakeProfits: []domain.TPLevel{
			{Level: 1, Price: 102, SizeFraction: 0.3, Status: domain.TPActive},
			{Level: 2, Price: 104, SizeFraction: 0.3, Status: domain.TPActive},
			{Level: 3, Price: 106, SizeFraction: 0.4, Status: domain.TPActive},
		},
	}
}

func baseSettings() domain.TradingSettings {
	return domain.TradingSettings{
		UserID:          "u1",
		Symbols:         []string{"BTCUSDT"},
		Leverage:        10,
		MarginMode:      domain.MarginCrossed,
		TakeProfits:     []domain.TPSetting{{Percent: 2, Ratio: 30}, {Percent: 4, Ratio: 30}, {Percent: 6, Ratio: 40}},
		StopLossPercent: 5,
		CooldownSeconds: 60,
	}
}

func tpOrder(id string, level int, price float64) domain.MonitoredOrder {
	return domain.MonitoredOrder{
		Key:          domain.OrderKey{UserID: "u1", Symbol: "BTCUSDT", OrderID: id},
		PositionSide: domain.SideLong,
		Purpose:      domain.TPPurpose(level),
		Price:        price,
	}
}
