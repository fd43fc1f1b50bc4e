package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// GuardOutcome is the result of an entry check. When Allowed, Unlock must be
// called once the entry attempt is finished.
type GuardOutcome struct {
	Allowed bool
	Reason  string
	Unlock  func()
}

// Guard reasons.
const (
	GuardCooldown   = "cooldown active"
	GuardNotRunning = "user not running"
	GuardLockHeld   = "lock held"
)

// EntryGuard serializes entry attempts per (user, symbol, side) and refuses
// them while the user is stopped or the side is cooling down.
type EntryGuard struct {
	d *Deps
}

func newEntryGuard(d *Deps) *EntryGuard {
	return &EntryGuard{d: d}
}

// Check evaluates the guard for key. Expected refusals are outcomes, not
// errors.
func (g *EntryGuard) Check(ctx context.Context, key domain.PositionKey) (GuardOutcome, error) {
	st := g.d.Stores
	status, err := st.Users.Status(ctx, key.UserID)
	if err != nil {
		return GuardOutcome{}, fmt.Errorf("monitor: user status %s: %w", key.UserID, err)
	}
	if status != domain.StatusRunning {
		return GuardOutcome{Reason: GuardNotRunning}, nil
	}

	remaining, err := st.Cooldowns.Remaining(ctx, key)
	if err != nil {
		return GuardOutcome{}, fmt.Errorf("monitor: cooldown %s: %w", key, err)
	}
	if remaining > 0 {
		return GuardOutcome{Reason: GuardCooldown}, nil
	}

	unlock, err := st.Locks.Acquire(ctx, "entry:"+key.String(), g.d.Config.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return GuardOutcome{Reason: GuardLockHeld}, nil
	}
	if err != nil {
		return GuardOutcome{}, fmt.Errorf("monitor: entry lock %s: %w", key, err)
	}
	return GuardOutcome{Allowed: true, Unlock: unlock}, nil
}
