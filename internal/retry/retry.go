// Package retry is the single retry-with-backoff utility used at the exchange
// gateway boundary and for protective-order re-submission.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Policy parameterizes exponential backoff. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy is a short bounded policy for transient exchange errors.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    5 * time.Second,
}

// NewBackOff builds an exponential backoff without jitter or an elapsed-time
// cap. Callers bound it by attempts or by their own restart counters.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = p.BaseDelay
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx ends. Only errors classified by
// domain.IsRetryable are retried. onRetry, when non-nil, observes each
// failure that will be retried.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, onRetry func(err error, wait time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(attempts-1)), ctx)

	var last error
	err := backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && last != nil && !errors.Is(last, ctx.Err()) {
		return errors.Join(ctx.Err(), last)
	}
	return err
}
