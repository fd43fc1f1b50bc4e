package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rstore "github.com/alanyoungcy/futuresbot/internal/cache/redis"
	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/metrics"
	"github.com/alanyoungcy/futuresbot/internal/monitor"
	"github.com/alanyoungcy/futuresbot/internal/server/handler"
)

const testKey = "secret"

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

func (s *memSettings) List(context.Context) ([]domain.TradingSettings, error) { return nil, nil }

type memTrades struct{ trades []domain.CompletedTrade }

func (m *memTrades) Record(_ context.Context, t domain.CompletedTrade) error {
	m.trades = append(m.trades, t)
	return nil
}

func (m *memTrades) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.CompletedTrade, error) {
	var out []domain.CompletedTrade
	for _, t := range m.trades {
		if t.UserID == userID && len(out) < opts.Limit {
			out = append(out, t)
		}
	}
	return out, nil
}

type fixedScheduler struct{ st monitor.SchedulerStatus }

func (f fixedScheduler) Status() monitor.SchedulerStatus { return f.st }

type downChecker struct{}

func (downChecker) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	srv       *Server
	users     *rstore.UserRegistry
	positions *rstore.PositionStore
	hedges    *rstore.HedgeStore
	settings  *memSettings
	trades    *memTrades
}

func newFixture(t *testing.T, checks map[string]domain.HealthChecker) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := rstore.Wrap(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		users:     rstore.NewUserRegistry(c),
		positions: rstore.NewPositionStore(c),
		hedges:    rstore.NewHedgeStore(c),
		settings:  &memSettings{byID: make(map[string]domain.TradingSettings)},
		trades:    &memTrades{},
	}
	if checks == nil {
		checks = map[string]domain.HealthChecker{"redis": c}
	}
	m := metrics.New("test")
	m.ObserveTick(time.Millisecond, 1)

	h := Handlers{
		Health:    handler.NewHealthHandler(checks, time.Second, logger),
		Status:    handler.NewStatusHandler("full", fixedScheduler{st: monitor.SchedulerStatus{State: monitor.StateRunning, Units: 3}}, f.users, logger),
		Positions: handler.NewPositionHandler(f.positions, f.hedges, f.settings, logger),
		Orders:    handler.NewOrderHandler(rstore.NewMonitorOrderStore(c, time.Hour), logger),
		Trades:    handler.NewTradeHandler(f.trades, logger),
		Users:     handler.NewUserHandler(f.users, f.settings, logger),
		Metrics:   m.Handler(),
	}
	f.srv = NewServer(Config{Port: 0, APIKey: testKey, RateLimit: 100}, h, nil, rstore.NewRateLimiter(c), logger)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func validSettings(userID string) domain.TradingSettings {
	return domain.TradingSettings{
		UserID:      userID,
		Symbols:     []string{"BTCUSDT"},
		Leverage:    10,
		MarginMode:  domain.MarginCrossed,
		TakeProfits: []domain.TPSetting{{Percent: 2, Ratio: 50}, {Percent: 4, Ratio: 50}},
	}
}

func TestHealthIsOpenAndReportsDependencies(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok"}, body["checks"])

	f = newFixture(t, map[string]domain.HealthChecker{"postgres": downChecker{}})
	rec = f.do(t, http.MethodGet, "/api/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestAPIRequiresKey(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status", "", false).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", false).Code)
}

func TestStatusReportsSchedulerAndUsers(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.users.SetStatus(context.Background(), "u1", domain.StatusRunning, "test"))

	rec := f.do(t, http.MethodGet, "/api/status", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, []any{"u1"}, body["running_users"])
	sched := body["scheduler"].(map[string]any)
	assert.Equal(t, "running", sched["state"])
	assert.Equal(t, 3.0, sched["units"])
}

func TestStartingUserRequiresValidSettings(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/api/users/u1/status", `{"status":"running"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/users/u1/status", `{"status":"paused"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, f.settings.Upsert(context.Background(), validSettings("u1")))
	rec = f.do(t, http.MethodPut, "/api/users/u1/status", `{"status":"running"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	status, err := f.users.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status)

	rec = f.do(t, http.MethodGet, "/api/users/u1/status", "", true)
	assert.Equal(t, "running", decode(t, rec)["status"])
}

func TestPutSettingsValidates(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/api/users/u1/settings",
		`{"take_profits":[{"percent":2,"ratio":80},{"percent":4,"ratio":80}]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "must be <= 100%")

	body, err := json.Marshal(validSettings("someone-else"))
	require.NoError(t, err)
	rec = f.do(t, http.MethodPut, "/api/users/u1/settings", string(body), true)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.settings.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.UserID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/users/u2/settings", "", true).Code)
}

func TestListPositionsIncludesHedges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.settings.Upsert(ctx, validSettings("u1")))
	require.NoError(t, f.positions.Save(ctx, domain.Position{
		Key:        domain.PositionKey{UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideLong},
		Size:       1,
		EntryPrice: 100,
		Leverage:   10,
	}))
	require.NoError(t, f.hedges.Save(ctx, domain.HedgePosition{
		Key:        domain.SymbolKey{UserID: "u1", Symbol: "BTCUSDT"},
		Side:       domain.SideShort,
		Size:       0.5,
		EntryPrice: 99,
		EntryCount: 1,
	}))

	rec := f.do(t, http.MethodGet, "/api/users/u1/positions", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	assert.Equal(t, "long", positions[0].(map[string]any)["side"])
	hedges := body["hedges"].([]any)
	require.Len(t, hedges, 1)
	assert.Equal(t, 0.5, hedges[0].(map[string]any)["size"])
}

func TestListTradesPaginates(t *testing.T) {
	f := newFixture(t, nil)
	for i := range 3 {
		require.NoError(t, f.trades.Record(context.Background(), domain.CompletedTrade{
			ID: int64(i + 1), UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideLong, Reason: "stop loss",
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/users/u1/trades?limit=2", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["trades"], 2)
}

func TestUnknownOrderIs404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/users/u1/orders/BTCUSDT/123", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/users/u1/orders", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["orders"])
}
