package monitor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// ErrorChannel records programming and logic errors apart from the
// user-facing log: a dedicated logger plus an audit row per occurrence.
type ErrorChannel struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewErrorChannel creates an ErrorChannel. audit may be nil.
func NewErrorChannel(audit domain.AuditStore, logger *slog.Logger) *ErrorChannel {
	return &ErrorChannel{
		audit:  audit,
		logger: logger.With(slog.String("component", "error_channel")),
	}
}

// IsLogicError reports whether err indicates a bug or misconfiguration
// rather than an exchange or network condition.
func IsLogicError(err error) bool {
	return errors.Is(err, domain.ErrSettingsMissing) ||
		errors.Is(err, domain.ErrUnexpectedPayload)
}

// Report logs err with full context. The unit of work that produced it is
// abandoned by the caller; the scheduler keeps running.
func (e *ErrorChannel) Report(ctx context.Context, op string, key domain.PositionKey, err error) {
	e.logger.ErrorContext(ctx, "logic error",
		slog.String("op", op),
		slog.String("user", key.UserID),
		slog.String("symbol", key.Symbol),
		slog.String("side", string(key.Side)),
		slog.String("error", err.Error()),
	)
	if e.audit == nil {
		return
	}
	detail := map[string]any{
		"op":     op,
		"user":   key.UserID,
		"symbol": key.Symbol,
		"side":   string(key.Side),
		"error":  err.Error(),
	}
	if aerr := e.audit.Log(context.WithoutCancel(ctx), "logic_error", detail); aerr != nil {
		e.logger.WarnContext(ctx, "audit write failed", slog.String("error", aerr.Error()))
	}
}
