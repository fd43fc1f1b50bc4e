package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// OrderHandler serves the monitored protective orders of a user.
type OrderHandler struct {
	orders domain.MonitorOrderStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders domain.MonitorOrderStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logHandler(logger, "orders")}
}

// ListOrders returns the user's open monitor orders.
// GET /api/users/{id}/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	open, err := h.orders.ListOpen(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list orders failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	views := make([]orderView, 0, len(open))
	for _, o := range open {
		views = append(views, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// GetOrder returns one order, live or recently completed.
// GET /api/users/{id}/orders/{symbol}/{order}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	key := domain.OrderKey{
		UserID:  pathParam(r, "id"),
		Symbol:  pathParam(r, "symbol"),
		OrderID: pathParam(r, "order"),
	}

	o, err := h.orders.Get(r.Context(), key)
	if errors.Is(err, domain.ErrNotFound) {
		o, err = h.orders.GetCompleted(r.Context(), key)
	}
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get order failed",
			slog.String("order_id", key.OrderID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}
