package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// Exchange-side classifications produced by the gateway adapter.
	ErrTransient               = errors.New("transient exchange error")
	ErrOrderNotFound           = errors.New("order not found on exchange")
	ErrPositionNotFound        = errors.New("position not found on exchange")
	ErrInsufficientMargin      = errors.New("insufficient margin")
	ErrInvalidLeverage         = errors.New("invalid leverage change")
	ErrPositionModeUnsupported = errors.New("position mode does not support dual-side positions")
	ErrMinNotional             = errors.New("order below minimum notional")

	ErrCooldownActive    = errors.New("cooldown active")
	ErrUserNotRunning    = errors.New("user trading is not running")
	ErrSettingsMissing   = errors.New("required trading setting missing")
	ErrSchedulerFailed   = errors.New("scheduler exceeded maximum restarts")
	ErrUnexpectedPayload = errors.New("unexpected exchange response shape")
)

// IsRetryable reports whether err is a transient condition worth retrying
// with backoff. Definitive exchange rejections are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsDefinitiveRejection reports whether err is an exchange rejection that
// must be surfaced to the user instead of retried.
func IsDefinitiveRejection(err error) bool {
	return errors.Is(err, ErrInsufficientMargin) ||
		errors.Is(err, ErrInvalidLeverage) ||
		errors.Is(err, ErrPositionModeUnsupported) ||
		errors.Is(err, ErrMinNotional) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrUnauthorized)
}
