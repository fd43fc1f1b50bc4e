package binance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/retry"
)

type fakeCreds map[string]domain.APICredentials

func (f fakeCreds) Get(_ context.Context, userID string) (domain.APICredentials, error) {
	c, ok := f[userID]
	if !ok {
		return domain.APICredentials{}, domain.ErrNotFound
	}
	return c, nil
}

func (f fakeCreds) Upsert(context.Context, domain.APICredentials) error { return nil }

type countingObserver struct{ calls int }

func (o *countingObserver) ObserveExchangeCall(string, error, time.Duration) { o.calls++ }

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, *countingObserver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	obs := &countingObserver{}
	g := New(Config{
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		Burst:             100,
		CallTimeout:       time.Second,
		Retry:             retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond},
	}, fakeCreds{"u1": {UserID: "u1", APIKey: "k", APISecret: "s"}}, obs,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return g, obs
}

func TestGetOrderStatusNotFoundIsCanceled(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-2013,"msg":"Order does not exist."}`)
	})

	out, err := g.GetOrderStatus(context.Background(), "u1", "BTCUSDT", "12345", domain.PurposeTP1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCanceled, out.Status)
}

func TestGetOrderStatusFilled(t *testing.T) {
	g, obs := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"orderId":12345,"symbol":"BTCUSDT","status":"FILLED","executedQty":"0.300","avgPrice":"65010.5"}`)
	})

	out, err := g.GetOrderStatus(context.Background(), "u1", "BTCUSDT", "12345", domain.PurposeTP1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, out.Status)
	assert.Equal(t, 0.3, out.FilledAmount)
	assert.Equal(t, 65010.5, out.AvgPrice)
	assert.Equal(t, 1, obs.calls)
}

func TestGatewayRetriesRateLimit(t *testing.T) {
	calls := 0
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"code":-1003,"msg":"Too many requests."}`)
			return
		}
		_, _ = io.WriteString(w, `{"orderId":1,"status":"NEW","executedQty":"0"}`)
	})

	out, err := g.GetOrderStatus(context.Background(), "u1", "BTCUSDT", "1", domain.PurposeSL)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, out.Status)
	assert.Equal(t, 2, calls)
}

func TestGatewayUnknownUser(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL.Path)
	})

	_, err := g.GetOrderStatus(context.Background(), "ghost", "BTCUSDT", "1", domain.PurposeSL)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestGetCurrentPrice(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/premiumIndex") {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `[{"symbol":"BTCUSDT","markPrice":"65000.10"}]`)
	})

	price, err := g.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 65000.10, price)
}

// orderVenue serves the endpoints an order placement touches. Order posts
// answer from replies in turn; the last reply repeats.
type orderVenue struct {
	replies   []string
	clientIDs []string
	lookups   []string
}

func (v *orderVenue) handle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	switch {
	case strings.HasSuffix(r.URL.Path, "/positionSide/dual"):
		_, _ = io.WriteString(w, `{"dualSidePosition":true}`)
	case strings.HasSuffix(r.URL.Path, "/exchangeInfo"):
		_, _ = io.WriteString(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[`+
			`{"filterType":"PRICE_FILTER","tickSize":"0.10"},{"filterType":"LOT_SIZE","stepSize":"0.001"}]}]}`)
	case strings.HasSuffix(r.URL.Path, "/order") && r.Method == http.MethodPost:
		v.clientIDs = append(v.clientIDs, r.Form.Get("newClientOrderId"))
		reply := v.replies[min(len(v.clientIDs), len(v.replies))-1]
		if strings.Contains(reply, `"code"`) {
			w.WriteHeader(http.StatusBadRequest)
		}
		_, _ = io.WriteString(w, reply)
	case strings.HasSuffix(r.URL.Path, "/order") && r.Method == http.MethodGet:
		v.lookups = append(v.lookups, r.Form.Get("origClientOrderId"))
		_, _ = io.WriteString(w, `{"orderId":88,"symbol":"BTCUSDT","status":"FILLED","executedQty":"0.500","avgPrice":"65000"}`)
	default:
		http.NotFound(w, r)
	}
}

func TestPlaceConditionalOrderReusesClientIDOnRetry(t *testing.T) {
	venue := &orderVenue{replies: []string{
		`{"code":-1001,"msg":"Internal error; unable to process your request. Please try again."}`,
		`{"orderId":77,"symbol":"BTCUSDT","status":"NEW","executedQty":"0"}`,
	}}
	g, _ := newTestGateway(t, venue.handle)

	id, err := g.PlaceConditionalOrder(context.Background(), domain.ConditionalOrderRequest{
		UserID:       "u1",
		Symbol:       "BTCUSDT",
		Side:         domain.SideLong,
		Purpose:      domain.PurposeSL,
		TriggerPrice: 61000,
	})
	require.NoError(t, err)
	assert.Equal(t, "77", id)

	require.Len(t, venue.clientIDs, 2)
	assert.True(t, strings.HasPrefix(venue.clientIDs[0], clientIDPrefix))
	assert.Equal(t, venue.clientIDs[0], venue.clientIDs[1])
	assert.Equal(t, domain.PurposeSL, purposeFromClientID(venue.clientIDs[1]))
}

func TestPlaceMarketOrderAdoptsOrderFromLostAttempt(t *testing.T) {
	venue := &orderVenue{replies: []string{
		`{"code":-1001,"msg":"Internal error; unable to process your request. Please try again."}`,
		`{"code":-4116,"msg":"ClientOrderId is duplicated."}`,
	}}
	g, _ := newTestGateway(t, venue.handle)

	res, err := g.PlaceMarketOrder(context.Background(), domain.MarketOrderRequest{
		UserID:     "u1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Size:       0.5,
		ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "88", res.OrderID)
	assert.Equal(t, domain.OrderFilled, res.Status)
	assert.Equal(t, 65000.0, res.Price)

	require.Len(t, venue.clientIDs, 2)
	assert.Equal(t, venue.clientIDs[0], venue.clientIDs[1])
	assert.Equal(t, []string{venue.clientIDs[0]}, venue.lookups)
}
