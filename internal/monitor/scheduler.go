package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/retry"
)

// Scheduler states reported by Status.
const (
	StateIdle       = "idle"
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateFailed     = "failed"
	StateStopped    = "stopped"
)

// SchedulerStatus is a point-in-time view of the scheduler for the ops API.
type SchedulerStatus struct {
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	LastTickAt     time.Time `json:"last_tick_at"`
	LastTickMillis int64     `json:"last_tick_ms"`
	Users          int       `json:"users"`
	Units          int       `json:"units"`
	Restarts       int       `json:"restarts"`
	LastError      string    `json:"last_error,omitempty"`
}

// Scheduler drives the engine. Every tick it re-derives the work from store
// state, so a restart loses nothing: it lists running users, loads their
// open monitor orders and positions, and fans out one unit per (user,
// symbol) under a global concurrency cap.
type Scheduler struct {
	d        *Deps
	rec      *Reconciler
	cascade  *Cascade
	trailing *TrailingEngine
	prot     *protector
	cache    *StatusCache
	errs     *ErrorChannel
	events   *eventSink
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu        sync.Mutex
	lastFull  map[domain.SymbolKey]time.Time
	lastCount map[domain.SymbolKey]int
	status    SchedulerStatus
}

func newScheduler(d *Deps, rec *Reconciler, cascade *Cascade, trailing *TrailingEngine, prot *protector, cache *StatusCache, errs *ErrorChannel, events *eventSink) *Scheduler {
	n := d.Config.Concurrency
	if n < 1 {
		n = 1
	}
	return &Scheduler{
		d:         d,
		rec:       rec,
		cascade:   cascade,
		trailing:  trailing,
		prot:      prot,
		cache:     cache,
		errs:      errs,
		events:    events,
		sem:       semaphore.NewWeighted(int64(n)),
		logger:    d.Logger.With(slog.String("component", "scheduler")),
		lastFull:  make(map[domain.SymbolKey]time.Time),
		lastCount: make(map[domain.SymbolKey]int),
		status:    SchedulerStatus{State: StateIdle},
	}
}

// Status returns a copy of the scheduler's current state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run drives the loops until ctx ends. A loop failure restarts all loops
// after an exponential backoff; a loop that stayed up longer than the
// backoff cap resets the restart budget. Once the budget is spent an
// operator alert is raised and Run returns domain.ErrSchedulerFailed.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg := s.d.Config
	b := retry.Policy{BaseDelay: cfg.RestartBase, Multiplier: 2, MaxDelay: cfg.RestartCap}.NewBackOff()
	restarts := 0

	s.logger.InfoContext(ctx, "scheduler starting",
		slog.Duration("tick", cfg.TickInterval),
		slog.Duration("full_check", cfg.FullCheckInterval),
		slog.Int("concurrency", cfg.Concurrency),
	)

	for {
		started := time.Now()
		s.update(func(st *SchedulerStatus) {
			st.State = StateRunning
			st.StartedAt = started
		})

		err := s.runLoops(ctx)
		if ctx.Err() != nil {
			s.update(func(st *SchedulerStatus) { st.State = StateStopped })
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		}

		if time.Since(started) >= cfg.RestartCap {
			restarts = 0
			b.Reset()
		}
		restarts++
		s.d.Metrics.IncRestart()
		s.update(func(st *SchedulerStatus) {
			st.State = StateRestarting
			st.Restarts = restarts
			st.LastError = err.Error()
		})

		if restarts > cfg.MaxRestarts {
			s.update(func(st *SchedulerStatus) { st.State = StateFailed })
			s.logger.ErrorContext(ctx, "scheduler exceeded restart budget, halting",
				slog.Int("restarts", restarts-1),
				slog.String("error", err.Error()),
			)
			s.events.emit(ctx, domain.Event{
				Kind:    domain.EventOperatorAlert,
				Title:   "Monitoring halted",
				Message: fmt.Sprintf("scheduler stopped after %d restarts: %v", restarts-1, err),
			})
			return fmt.Errorf("%w: %w", domain.ErrSchedulerFailed, err)
		}

		wait := b.NextBackOff()
		s.logger.ErrorContext(ctx, "scheduler loop failed, restarting",
			slog.Int("restart", restarts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, wait); err != nil {
			s.update(func(st *SchedulerStatus) { st.State = StateStopped })
			return nil
		}
	}
}

// runLoops runs the tick loop and the subordinate timers until one of them
// fails fatally or ctx ends.
func (s *Scheduler) runLoops(ctx context.Context) error {
	cfg := s.d.Config
	g, ctx := errgroup.WithContext(ctx)

	g.Go(guarded("tick", func() error {
		return every(ctx, cfg.TickInterval, true, s.Tick)
	}))
	g.Go(guarded("health", func() error {
		return every(ctx, cfg.HealthInterval, false, s.checkHealth)
	}))
	g.Go(guarded("housekeeping", func() error {
		return every(ctx, cfg.HousekeepingInterval, false, s.logged("housekeeping", s.Housekeep))
	}))
	g.Go(guarded("orphan_sweep", func() error {
		return every(ctx, cfg.OrphanSweepInterval, false, s.logged("orphan sweep", s.SweepOrphans))
	}))

	return g.Wait()
}

// Tick runs one monitoring pass. It only fails when the user registry
// cannot be read; unit failures are contained and reported.
func (s *Scheduler) Tick(ctx context.Context) error {
	started := time.Now()
	users, err := s.d.Stores.Users.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list running users: %w", err)
	}

	prices := newPriceBook(s.d)
	var wg sync.WaitGroup
	units := 0
	for _, userID := range users {
		for _, u := range s.plan(ctx, userID) {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return nil
			}
			units++
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.sem.Release(1)
				s.runUnit(ctx, u, prices)
			}()
		}
	}
	wg.Wait()

	elapsed := time.Since(started)
	s.d.Metrics.ObserveTick(elapsed, len(users))
	s.update(func(st *SchedulerStatus) {
		st.LastTickAt = s.d.now()
		st.LastTickMillis = elapsed.Milliseconds()
		st.Users = len(users)
		st.Units = units
	})
	return nil
}

// unit is one (user, symbol) slice of a tick.
type unit struct {
	key      domain.SymbolKey
	orders   []domain.MonitoredOrder
	settings domain.TradingSettings
}

// plan loads a user's settings and open monitor orders and groups them into
// units. Symbols with a stored position or a configured symbol get a unit
// even without open orders so position sync and trailing still run.
func (s *Scheduler) plan(ctx context.Context, userID string) []unit {
	userKey := domain.PositionKey{UserID: userID}
	settings, err := s.d.Stores.Settings.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		s.errs.Report(ctx, "load settings", userKey, fmt.Errorf("%w: no settings for user", domain.ErrSettingsMissing))
		return nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "settings read failed, skipping user",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := settings.Validate(); err != nil {
		s.errs.Report(ctx, "validate settings", userKey, fmt.Errorf("%w: %w", domain.ErrSettingsMissing, err))
		return nil
	}

	orders, err := s.d.Stores.Orders.ListOpen(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "open orders read failed, skipping user",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	positions, err := s.d.Stores.Positions.ListByUser(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "positions read failed, skipping user",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	bySymbol := make(map[string][]domain.MonitoredOrder)
	for _, sym := range settings.Symbols {
		bySymbol[sym] = nil
	}
	for _, p := range positions {
		if _, ok := bySymbol[p.Key.Symbol]; !ok {
			bySymbol[p.Key.Symbol] = nil
		}
	}
	for _, o := range orders {
		bySymbol[o.Key.Symbol] = append(bySymbol[o.Key.Symbol], o)
	}

	units := make([]unit, 0, len(bySymbol))
	for sym, os := range bySymbol {
		units = append(units, unit{
			key:      domain.SymbolKey{UserID: userID, Symbol: sym},
			orders:   os,
			settings: settings,
		})
	}
	slices.SortFunc(units, func(a, b unit) int { return cmp.Compare(a.key.Symbol, b.key.Symbol) })
	return units
}

// runUnit processes one (user, symbol). Take-profit orders are checked on
// every tick; stop orders only on a full check or once price has crossed
// their trigger. Order fills are committed before the full check compares
// positions with the exchange.
func (s *Scheduler) runUnit(ctx context.Context, u unit, prices *priceBook) {
	defer func() {
		if r := recover(); r != nil {
			s.d.Metrics.IncUnitError("panic")
			s.errs.Report(ctx, "unit", domain.PositionKey{UserID: u.key.UserID, Symbol: u.key.Symbol},
				fmt.Errorf("%w: panic: %v", domain.ErrUnexpectedPayload, r))
		}
	}()

	price, err := prices.get(ctx, u.key.Symbol)
	if err != nil {
		s.fail(ctx, u.key, "price", err)
		return
	}

	// A side flattened by a stop or final take profit runs its cascade
	// here rather than being purged by the sync below.
	full := s.fullCheckDue(u.key, len(u.orders))
	orders := slices.Clone(u.orders)
	slices.SortFunc(orders, func(a, b domain.MonitoredOrder) int { return cmp.Compare(a.Purpose, b.Purpose) })
	for _, o := range orders {
		if !shouldCheck(o, price, full) {
			continue
		}
		if err := s.rec.Reconcile(ctx, o, price, u.settings); err != nil {
			s.fail(ctx, u.key, "reconcile", err)
		}
	}

	if full {
		if err := s.rec.SyncPosition(ctx, u.key, price, u.settings); err != nil {
			s.fail(ctx, u.key, "sync", err)
		}
	}

	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		if err := s.trailing.Observe(ctx, u.key.Position(side), price, u.settings); err != nil {
			s.fail(ctx, u.key, "trailing", err)
		}
	}

	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		if err := s.cascade.Flush(ctx, u.key.Position(side), u.settings); err != nil {
			s.fail(ctx, u.key, "tp_flush", err)
		}
	}
}

// shouldCheck applies the staggered-frequency policy.
func shouldCheck(o domain.MonitoredOrder, price float64, full bool) bool {
	if full {
		return true
	}
	if _, ok := o.Purpose.TPLevel(); ok && !o.Hedge {
		return true
	}
	return o.Crossed(price)
}

// fullCheckDue reports whether key is due for a full verification, either
// by interval or because its open order count dropped since the last tick.
func (s *Scheduler) fullCheckDue(key domain.SymbolKey, orders int) bool {
	now := s.d.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.lastCount[key]
	s.lastCount[key] = orders
	last, ok := s.lastFull[key]
	due := !ok || now.Sub(last) >= s.d.Config.FullCheckInterval || (seen && orders < prev)
	if due {
		s.lastFull[key] = now
	}
	return due
}

// fail contains a unit error. Logic errors go to the error channel;
// transient errors that outlived the gateway's retries are reported to the
// user once per marker window.
func (s *Scheduler) fail(ctx context.Context, key domain.SymbolKey, stage string, err error) {
	if ctx.Err() != nil {
		return
	}
	s.d.Metrics.IncUnitError(stage)
	pk := domain.PositionKey{UserID: key.UserID, Symbol: key.Symbol}

	switch {
	case IsLogicError(err):
		s.errs.Report(ctx, stage, pk, err)
	case domain.IsRetryable(err):
		s.logger.WarnContext(ctx, "unit step failed after retries",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("op", stage),
			slog.String("error", err.Error()),
		)
		s.events.emitOnce(ctx,
			domain.MarkerKey{Kind: domain.MarkerRetryExhausted, Position: pk},
			s.d.Config.ChangeMarkerTTL,
			domain.Event{
				Kind:    domain.EventError,
				UserID:  key.UserID,
				Symbol:  key.Symbol,
				Title:   "Exchange unavailable",
				Message: fmt.Sprintf("monitoring %s is delayed: %v", key.Symbol, err),
			},
		)
	default:
		s.logger.ErrorContext(ctx, "unit step failed",
			slog.String("user", key.UserID),
			slog.String("symbol", key.Symbol),
			slog.String("op", stage),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) checkHealth(ctx context.Context) error {
	if s.d.Health == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.d.Config.CallTimeout)
	defer cancel()
	if err := s.d.Health.Ping(ctx); err != nil {
		return fmt.Errorf("monitor: health check: %w", err)
	}
	return nil
}

func (s *Scheduler) update(fn func(*SchedulerStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

// logged turns fn into a loop body whose errors are logged, not fatal.
func (s *Scheduler) logged(name string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, name+" failed", slog.String("error", err.Error()))
		}
		return nil
	}
}

// every calls fn on each interval until ctx ends or fn fails.
func every(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context) error) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	if immediate {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// guarded converts a panic in a loop into an error so the restart policy
// handles it.
func guarded(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("monitor: %s loop panic: %v", name, r)
			}
		}()
		return fn()
	}
}

// priceBook memoizes one price per symbol for the duration of a tick.
type priceBook struct {
	d       *Deps
	mu      sync.Mutex
	entries map[string]*priceEntry
}

type priceEntry struct {
	once  sync.Once
	price float64
	err   error
}

func newPriceBook(d *Deps) *priceBook {
	return &priceBook{d: d, entries: make(map[string]*priceEntry)}
}

func (b *priceBook) get(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	e, ok := b.entries[symbol]
	if !ok {
		e = &priceEntry{}
		b.entries[symbol] = e
	}
	b.mu.Unlock()

	e.once.Do(func() {
		e.price, e.err = b.fetch(ctx, symbol)
	})
	return e.price, e.err
}

// fetch prefers a fresh streamed mark price and falls back to the gateway.
func (b *priceBook) fetch(ctx context.Context, symbol string) (float64, error) {
	if b.d.Stores.Prices != nil {
		p, ts, err := b.d.Stores.Prices.GetPrice(ctx, symbol)
		if err == nil && p > 0 && b.d.now().Sub(ts) <= b.d.Config.PriceStaleness {
			b.d.Metrics.IncPriceLookup("cache")
			return p, nil
		}
	}
	b.d.Metrics.IncPriceLookup("gateway")
	p, err := b.d.Gateway.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("monitor: price %s: %w", symbol, err)
	}
	return p, nil
}
