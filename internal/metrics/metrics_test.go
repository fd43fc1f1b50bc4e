package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

func TestObserveExchangeCallLabels(t *testing.T) {
	m := New("test")

	m.ObserveExchangeCall("get_order", nil, 10*time.Millisecond)
	m.ObserveExchangeCall("get_order", fmt.Errorf("x: %w", domain.ErrRateLimited), time.Millisecond)
	m.ObserveExchangeCall("place_market", fmt.Errorf("x: %w", domain.ErrInsufficientMargin), time.Millisecond)
	m.ObserveExchangeCall("get_order", fmt.Errorf("x: %w", domain.ErrOrderNotFound), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangeCalls.WithLabelValues("get_order", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangeCalls.WithLabelValues("get_order", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangeCalls.WithLabelValues("place_market", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangeCalls.WithLabelValues("get_order", "not_found")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick(time.Second, 3)
		m.IncRestart()
		m.IncReconciled(domain.OrderFilled)
		m.ObserveNotification("stream", domain.EventTPFilled, nil)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New("test")
	m.ObserveTick(time.Second, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_scheduler_running_users 2")
}
