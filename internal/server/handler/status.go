package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/monitor"
)

// SchedulerReporter exposes the monitoring scheduler's state.
type SchedulerReporter interface {
	Status() monitor.SchedulerStatus
}

// StatusHandler serves the process status for operators.
type StatusHandler struct {
	mode      string
	scheduler SchedulerReporter
	users     domain.UserRegistry
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. scheduler is nil when this
// process does not run the monitor (server mode).
func NewStatusHandler(mode string, scheduler SchedulerReporter, users domain.UserRegistry, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		scheduler: scheduler,
		users:     users,
		startedAt: time.Now(),
		logger:    logHandler(logger, "status"),
	}
}

// GetStatus responds with the run mode, the running users and, when the
// monitor runs in this process, the scheduler state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	running, err := h.users.ListRunning(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list running users failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list running users")
		return
	}
	if running == nil {
		running = []string{}
	}

	body := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"running_users":  running,
	}
	if h.scheduler != nil {
		body["scheduler"] = h.scheduler.Status()
	}
	writeJSON(w, http.StatusOK, body)
}
