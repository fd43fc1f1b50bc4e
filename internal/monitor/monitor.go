package monitor

import (
	"context"
	"log/slog"
)

// Engine is the assembled monitoring engine. Components are exported so the
// ops server and tests can reach them; Scheduler.Run drives everything.
type Engine struct {
	Reconciler *Reconciler
	Cascade    *Cascade
	Trailing   *TrailingEngine
	Hedge      *HedgeCoordinator
	Closer     *Closer
	Guard      *EntryGuard
	Cache      *StatusCache
	Errors     *ErrorChannel
	Scheduler  *Scheduler
}

// New wires every component over d. d must outlive the engine.
func New(d *Deps) *Engine {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	events := newEventSink(d)
	prot := newProtector(d)
	closer := newCloser(d, prot, events)
	guard := newEntryGuard(d)
	trailing := newTrailingEngine(d, closer, prot, events)
	hedge := newHedgeCoordinator(d, closer, prot, guard, events)
	cascade := newCascade(d, trailing, hedge, closer, prot, events)
	cache := NewStatusCache(d.Config.StatusCacheTTL, d.Clock.Now)
	errs := NewErrorChannel(d.Stores.Audit, d.Logger)
	rec := newReconciler(d, cache, cascade, closer, hedge, events)

	return &Engine{
		Reconciler: rec,
		Cascade:    cascade,
		Trailing:   trailing,
		Hedge:      hedge,
		Closer:     closer,
		Guard:      guard,
		Cache:      cache,
		Errors:     errs,
		Scheduler:  newScheduler(d, rec, cascade, trailing, prot, cache, errs, events),
	}
}

// Run drives the scheduler until ctx ends or its restart budget is spent.
func (e *Engine) Run(ctx context.Context) error {
	return e.Scheduler.Run(ctx)
}

// Status reports the scheduler state.
func (e *Engine) Status() SchedulerStatus {
	return e.Scheduler.Status()
}
