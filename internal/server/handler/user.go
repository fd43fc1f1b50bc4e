package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// UserHandler serves a user's trading switch and settings.
type UserHandler struct {
	users    domain.UserRegistry
	settings domain.SettingsStore
	logger   *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users domain.UserRegistry, settings domain.SettingsStore, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: users, settings: settings, logger: logHandler(logger, "users")}
}

type userStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// GetStatus returns the user's trading status.
// GET /api/users/{id}/status
func (h *UserHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	status, err := h.users.Status(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read user status failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "status": status})
}

// SetStatus starts or stops monitoring for a user. Starting requires valid
// settings so the scheduler never picks up a user it cannot serve.
// PUT /api/users/{id}/status
func (h *UserHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := pathParam(r, "id")

	var req userStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := domain.TradingStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != domain.StatusRunning && status != domain.StatusStopped {
		writeError(w, http.StatusBadRequest, "status must be running or stopped")
		return
	}

	if status == domain.StatusRunning {
		st, err := h.settings.Get(ctx, userID)
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusConflict, "user has no trading settings")
			return
		}
		if err != nil {
			h.logger.ErrorContext(ctx, "load settings failed",
				slog.String("user", userID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to load settings")
			return
		}
		if err := st.Validate(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}

	reason := req.Reason
	if reason == "" {
		reason = "api"
	}
	if err := h.users.SetStatus(ctx, userID, status, reason); err != nil {
		h.logger.ErrorContext(ctx, "set user status failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to set status")
		return
	}
	h.logger.InfoContext(ctx, "user status changed",
		slog.String("user", userID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "status": status})
}

// GetSettings returns the user's trading settings.
// GET /api/users/{id}/settings
func (h *UserHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	st, err := h.settings.Get(r.Context(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "settings not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load settings failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PutSettings validates and stores the user's trading settings. The user ID
// in the path wins over any in the body.
// PUT /api/users/{id}/settings
func (h *UserHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")

	var st domain.TradingSettings
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	st.UserID = userID
	if err := st.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.settings.Upsert(r.Context(), st); err != nil {
		h.logger.ErrorContext(r.Context(), "store settings failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to store settings")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
