package app

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/futuresbot/internal/feed"
	"github.com/alanyoungcy/futuresbot/internal/monitor"
	"github.com/alanyoungcy/futuresbot/internal/server"
	"github.com/alanyoungcy/futuresbot/internal/server/handler"
	"github.com/alanyoungcy/futuresbot/internal/server/ws"
)

// MonitorMode runs the monitoring engine and the mark-price feed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	engine := NewEngine(a.cfg, deps, a.logger)
	a.startMonitor(ctx, g, deps, engine)
	return ignoreCanceled(g.Wait())
}

// ServerMode runs only the operator API. Scheduler state is unavailable
// because the engine runs in another process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return ignoreCanceled(g.Wait())
}

// FullMode runs the engine, the feed and the operator API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	engine := NewEngine(a.cfg, deps, a.logger)
	a.startMonitor(ctx, g, deps, engine)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine.Scheduler)
	}
	return ignoreCanceled(g.Wait())
}

func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *monitor.Engine) {
	g.Go(func() error {
		return engine.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration)
		})
	}

	if !a.cfg.Feed.Enabled {
		a.logger.InfoContext(ctx, "mark-price feed disabled; prices come from the gateway")
		return
	}
	markFeed := feed.NewMarkPriceFeed(feed.Config{
		WsURL:          a.cfg.Feed.WsURL,
		ReconnectDelay: a.cfg.Feed.ReconnectDelay.Duration,
		MaxReconnect:   a.cfg.Feed.MaxReconnect.Duration,
	}, feedSymbols(a.cfg.Feed.Symbols, deps.Stores.Users, deps.Stores.Settings), deps.Stores.Prices, deps.SignalBus, a.logger)
	g.Go(func() error {
		return markFeed.Run(ctx)
	})
}

// startHTTPServer builds the operator API. scheduler is nil when the engine
// does not run in this process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, scheduler handler.SchedulerReporter) {
	st := deps.Stores
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.cfg.Monitor.CallTimeout.Duration, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, scheduler, st.Users, a.logger),
		Positions: handler.NewPositionHandler(st.Positions, st.Hedges, st.Settings, a.logger),
		Orders:    handler.NewOrderHandler(st.Orders, a.logger),
		Trades:    handler.NewTradeHandler(st.Trades, a.logger),
		Users:     handler.NewUserHandler(st.Users, st.Settings, a.logger),
	}
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
	}

	var hub *ws.Hub
	if a.cfg.Server.StreamEvents && a.cfg.Notify.QueueStream != "" {
		hub = ws.NewHub(deps.SignalBus, ws.Config{
			Mode:   a.cfg.Mode,
			Stream: a.cfg.Notify.QueueStream,
		}, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout.Duration,
	}, handlers, hub, st.Limiter, a.logger)
	g.Go(func() error {
		return srv.Run(ctx)
	})
}

// ignoreCanceled treats a context cancellation as a clean shutdown.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
