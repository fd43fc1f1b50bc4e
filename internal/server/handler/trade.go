package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// TradeHandler serves the completed-trade history.
type TradeHandler struct {
	trades domain.TradeHistoryStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades domain.TradeHistoryStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logHandler(logger, "trades")}
}

type tradeView struct {
	ID         int64       `json:"id"`
	Symbol     string      `json:"symbol"`
	Side       domain.Side `json:"side"`
	Size       float64     `json:"size"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	DCACount   int         `json:"dca_count"`
	TPState    int         `json:"tp_state"`
	Reason     string      `json:"reason"`
	Hedge      bool        `json:"hedge"`
	OpenedAt   time.Time   `json:"opened_at"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// ListTrades returns the user's closed trades, newest first.
// GET /api/users/{id}/trades?limit=&offset=&since=&until=
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	trades, err := h.trades.ListByUser(r.Context(), userID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, tradeView{
			ID:         t.ID,
			Symbol:     t.Symbol,
			Side:       t.Side,
			Size:       t.Size,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			DCACount:   t.DCACount,
			TPState:    t.TPState,
			Reason:     t.Reason,
			Hedge:      t.IsHedge,
			OpenedAt:   t.OpenedAt,
			ClosedAt:   t.ClosedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": views})
}
