// Package metrics provides the Prometheus collectors for the engine.
// Every method is safe to call on a nil *Metrics so components can run
// without a registry in tests.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Exchange gateway
	ExchangeCalls   *prometheus.CounterVec
	ExchangeLatency *prometheus.HistogramVec

	// Scheduler
	Ticks             prometheus.Counter
	TickDuration      prometheus.Histogram
	SchedulerRestarts prometheus.Counter
	RunningUsers      prometheus.Gauge
	UnitErrors        *prometheus.CounterVec
	PriceLookups      *prometheus.CounterVec

	// Engine
	OrdersReconciled *prometheus.CounterVec
	TrailingEvents   *prometheus.CounterVec
	TPReleases       *prometheus.CounterVec
	HedgeActions     *prometheus.CounterVec
	ForcedCloses     *prometheus.CounterVec

	// Notifications
	Notifications *prometheus.CounterVec
}

// New creates a Metrics instance registered on a fresh registry together
// with the Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "futuresbot"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ExchangeCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "calls_total",
			Help:      "Exchange gateway calls by operation and result",
		}, []string{"op", "result"}),
		ExchangeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "call_duration_seconds",
			Help:      "Exchange gateway call latency",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"op"}),

		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Completed monitoring ticks",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one monitoring tick",
			Buckets:   prometheus.DefBuckets,
		}),
		SchedulerRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "restarts_total",
			Help:      "Scheduler restarts after fatal errors",
		}),
		RunningUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "running_users",
			Help:      "Users with trading status running at the last tick",
		}),
		UnitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "unit_errors_total",
			Help:      "Abandoned units of work by stage",
		}, []string{"stage"}),
		PriceLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "price_lookups_total",
			Help:      "Per-symbol price lookups by source",
		}, []string{"source"}),

		OrdersReconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "orders_total",
			Help:      "Monitored orders archived by terminal status",
		}, []string{"status"}),
		TrailingEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trailing",
			Name:      "events_total",
			Help:      "Trailing-stop transitions and re-submissions",
		}, []string{"event"}),
		TPReleases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "tp_releases_total",
			Help:      "Take-profit fills released by the sequencer",
		}, []string{"mode"}),
		HedgeActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hedge",
			Name:      "actions_total",
			Help:      "Hedge coordinator actions",
		}, []string{"action"}),
		ForcedCloses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closer",
			Name:      "forced_closes_total",
			Help:      "Market closes issued by the engine by reason",
		}, []string{"reason"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Notification deliveries by sender, kind and result",
		}, []string{"sender", "kind", "result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveExchangeCall records one gateway call.
func (m *Metrics) ObserveExchangeCall(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ExchangeCalls.WithLabelValues(op, resultLabel(err)).Inc()
	m.ExchangeLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveNotification records one sender delivery.
func (m *Metrics) ObserveNotification(sender string, kind domain.EventKind, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Notifications.WithLabelValues(sender, string(kind), result).Inc()
}

// ObserveTick records a completed tick.
func (m *Metrics) ObserveTick(elapsed time.Duration, users int) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(elapsed.Seconds())
	m.RunningUsers.Set(float64(users))
}

// IncRestart counts a scheduler restart.
func (m *Metrics) IncRestart() {
	if m == nil {
		return
	}
	m.SchedulerRestarts.Inc()
}

// IncUnitError counts an abandoned unit of work.
func (m *Metrics) IncUnitError(stage string) {
	if m == nil {
		return
	}
	m.UnitErrors.WithLabelValues(stage).Inc()
}

// IncPriceLookup counts a price lookup served from source.
func (m *Metrics) IncPriceLookup(source string) {
	if m == nil {
		return
	}
	m.PriceLookups.WithLabelValues(source).Inc()
}

// IncReconciled counts an archived order.
func (m *Metrics) IncReconciled(status domain.OrderStatus) {
	if m == nil {
		return
	}
	m.OrdersReconciled.WithLabelValues(string(status)).Inc()
}

// IncTrailing counts a trailing-stop event.
func (m *Metrics) IncTrailing(event string) {
	if m == nil {
		return
	}
	m.TrailingEvents.WithLabelValues(event).Inc()
}

// IncTPRelease counts a released take-profit fill. mode is "ordered" or
// "forced".
func (m *Metrics) IncTPRelease(mode string) {
	if m == nil {
		return
	}
	m.TPReleases.WithLabelValues(mode).Inc()
}

// IncHedge counts a hedge coordinator action.
func (m *Metrics) IncHedge(action string) {
	if m == nil {
		return
	}
	m.HedgeActions.WithLabelValues(action).Inc()
}

// IncForcedClose counts a market close issued by the engine.
func (m *Metrics) IncForcedClose(reason string) {
	if m == nil {
		return
	}
	m.ForcedCloses.WithLabelValues(reason).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case domain.IsRetryable(err):
		return "transient"
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrPositionNotFound):
		return "not_found"
	case domain.IsDefinitiveRejection(err):
		return "rejected"
	}
	return "error"
}
