package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Housekeep prunes in-process caches and per-symbol tick bookkeeping that
// no longer corresponds to live work.
func (s *Scheduler) Housekeep(ctx context.Context) error {
	cached := s.cache.Cleanup()

	now := s.d.now()
	horizon := s.d.Config.HousekeepingInterval
	if horizon < s.d.Config.FullCheckInterval {
		horizon = s.d.Config.FullCheckInterval
	}
	s.mu.Lock()
	pruned := 0
	for key, last := range s.lastFull {
		if now.Sub(last) > horizon {
			delete(s.lastFull, key)
			delete(s.lastCount, key)
			pruned++
		}
	}
	s.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.logger.InfoContext(ctx, "housekeeping done",
		slog.Int("status_cache_size", cached),
		slog.Int("bookkeeping_pruned", pruned),
		slog.Uint64("heap_alloc", ms.HeapAlloc),
		slog.Uint64("num_gc", uint64(ms.NumGC)),
	)
	return nil
}

// SweepOrphans cancels protective orders left behind on sides the exchange
// reports as flat. Sides with a stored position or hedge are left to
// position sync, which purges them through the closer.
func (s *Scheduler) SweepOrphans(ctx context.Context) error {
	users, err := s.d.Stores.Users.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list running users: %w", err)
	}

	var errs []error
	swept := 0
	for _, userID := range users {
		n, err := s.sweepUser(ctx, userID)
		swept += n
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if swept > 0 {
		s.logger.InfoContext(ctx, "orphaned orders swept", slog.Int("sides", swept))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) sweepUser(ctx context.Context, userID string) (int, error) {
	symbols := make(map[string]bool)
	if settings, err := s.d.Stores.Settings.Get(ctx, userID); err == nil {
		for _, sym := range settings.Symbols {
			symbols[sym] = true
		}
	}
	open, err := s.d.Stores.Orders.ListOpen(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("monitor: list open orders for %s: %w", userID, err)
	}
	for _, o := range open {
		symbols[o.Key.Symbol] = true
	}

	var errs []error
	swept := 0
	for sym := range symbols {
		symKey := domain.SymbolKey{UserID: userID, Symbol: sym}
		hedge, err := s.d.Stores.Hedges.Get(ctx, symKey)
		hasHedge := err == nil
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
			if hasHedge && hedge.Side == side {
				continue
			}
			key := symKey.Position(side)
			ok, err := s.sweepSide(ctx, key, hasOrders(open, key))
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				swept++
			}
		}
	}
	return swept, errors.Join(errs...)
}

// sweepSide cancels protective orders for key when neither the store nor
// the exchange hold a position. It reports whether anything was swept.
func (s *Scheduler) sweepSide(ctx context.Context, key domain.PositionKey, tracked bool) (bool, error) {
	if _, err := s.d.Stores.Positions.Get(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("monitor: load position %s: %w", key, err)
	}

	snap, found, err := s.d.Gateway.GetPosition(ctx, key.UserID, key.Symbol, key.Side)
	if err != nil {
		return false, fmt.Errorf("monitor: position %s: %w", key, err)
	}
	if found && snap.Size > s.d.Config.DustThreshold {
		return false, nil
	}

	if err := s.d.Gateway.CancelOrders(ctx, key.UserID, key.Symbol, key.Side); err != nil {
		return false, fmt.Errorf("monitor: cancel orphans for %s: %w", key, err)
	}
	if !tracked {
		return false, nil
	}
	for _, hedge := range []bool{false, true} {
		if err := s.prot.archiveLive(ctx, key, hedge); err != nil {
			return false, err
		}
	}
	s.logger.InfoContext(ctx, "orphaned monitor orders archived",
		slog.String("user", key.UserID),
		slog.String("symbol", key.Symbol),
		slog.String("side", string(key.Side)),
	)
	return true, nil
}

func hasOrders(open []domain.MonitoredOrder, key domain.PositionKey) bool {
	for _, o := range open {
		if o.Key.Symbol == key.Symbol && o.PositionSide == key.Side {
			return true
		}
	}
	return false
}
