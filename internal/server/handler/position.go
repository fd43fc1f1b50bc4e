package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// PositionHandler serves a user's stored positions and hedges.
type PositionHandler struct {
	positions domain.PositionStore
	hedges    domain.HedgeStore
	settings  domain.SettingsStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions domain.PositionStore, hedges domain.HedgeStore, settings domain.SettingsStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		hedges:    hedges,
		settings:  settings,
		logger:    logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
	Hedges    []hedgeView    `json:"hedges"`
}

// ListPositions returns the user's main positions and the hedges on any
// symbol they trade or hold.
// GET /api/users/{id}/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := pathParam(r, "id")

	positions, err := h.positions.ListByUser(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "list positions failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	var symbols []string
	if st, err := h.settings.Get(ctx, userID); err == nil {
		symbols = append(symbols, st.Symbols...)
	}
	resp := listPositionsResponse{Positions: []positionView{}, Hedges: []hedgeView{}}
	for _, p := range positions {
		resp.Positions = append(resp.Positions, newPositionView(p))
		symbols = append(symbols, p.Key.Symbol)
	}
	slices.Sort(symbols)

	for _, sym := range slices.Compact(symbols) {
		hedge, err := h.hedges.Get(ctx, domain.SymbolKey{UserID: userID, Symbol: sym})
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			h.logger.ErrorContext(ctx, "load hedge failed",
				slog.String("user", userID),
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to load hedges")
			return
		}
		resp.Hedges = append(resp.Hedges, newHedgeView(hedge))
	}

	writeJSON(w, http.StatusOK, resp)
}
