package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts extracts pagination and time-window parameters from the
// query string. Defaults: limit=50 (max 500), offset=0. since/until take
// RFC 3339 timestamps; malformed values are ignored.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		opts.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		opts.Until = &t
	}
	return opts
}

// pathParam extracts a named path parameter using the ServeMux patterns.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}

// positionView is the wire shape of a stored position.
type positionView struct {
	Symbol      string           `json:"symbol"`
	Side        domain.Side      `json:"side"`
	Size        float64          `json:"size"`
	EntryPrice  float64          `json:"entry_price"`
	Leverage    int              `json:"leverage"`
	StopLoss    float64          `json:"stop_loss,omitempty"`
	TakeProfits []domain.TPLevel `json:"take_profits"`
	DCACount    int              `json:"dca_count"`
	TPState     int              `json:"tp_state"`
	OpenedAt    time.Time        `json:"opened_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func newPositionView(p domain.Position) positionView {
	tps := p.TakeProfits
	if tps == nil {
		tps = []domain.TPLevel{}
	}
	return positionView{
		Symbol:      p.Key.Symbol,
		Side:        p.Key.Side,
		Size:        p.Size,
		EntryPrice:  p.EntryPrice,
		Leverage:    p.Leverage,
		StopLoss:    p.StopLoss,
		TakeProfits: tps,
		DCACount:    p.DCACount,
		TPState:     p.TPState,
		OpenedAt:    p.OpenedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// hedgeView is the wire shape of a hedge record.
type hedgeView struct {
	Symbol     string      `json:"symbol"`
	Side       domain.Side `json:"side"`
	Size       float64     `json:"size"`
	EntryPrice float64     `json:"entry_price"`
	EntryCount int         `json:"entry_count"`
	DCAIndex   int         `json:"dca_index"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
	OpenedAt   time.Time   `json:"opened_at"`
}

func newHedgeView(h domain.HedgePosition) hedgeView {
	return hedgeView{
		Symbol:     h.Key.Symbol,
		Side:       h.Side,
		Size:       h.Size,
		EntryPrice: h.EntryPrice,
		EntryCount: h.EntryCount,
		DCAIndex:   h.DCAIndex,
		StopLoss:   h.StopLoss,
		TakeProfit: h.TakeProfit,
		OpenedAt:   h.OpenedAt,
	}
}

// orderView is the wire shape of a monitored order.
type orderView struct {
	OrderID   string              `json:"order_id"`
	Symbol    string              `json:"symbol"`
	Side      domain.Side         `json:"position_side"`
	Purpose   domain.OrderPurpose `json:"purpose"`
	Price     float64             `json:"price"`
	Status    domain.OrderStatus  `json:"status"`
	Amount    float64             `json:"amount,omitempty"`
	Hedge     bool                `json:"hedge"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func newOrderView(o domain.MonitoredOrder) orderView {
	return orderView{
		OrderID:   o.Key.OrderID,
		Symbol:    o.Key.Symbol,
		Side:      o.PositionSide,
		Purpose:   o.Purpose,
		Price:     o.Price,
		Status:    o.Status,
		Amount:    o.ContractsAmount,
		Hedge:     o.Hedge,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}
