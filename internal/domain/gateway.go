package domain

import "context"

// PositionMode is the account's position mode for a symbol.
type PositionMode struct {
	HedgeMode  bool
	MarginMode MarginMode
}

// MarketOrderRequest places a market order on one position side. ReduceOnly
// orders close exposure; the rest open or add to it.
type MarketOrderRequest struct {
	UserID     string
	Symbol     string
	Side       Side
	Size       float64
	ReduceOnly bool
}

// MarketOrderResult is the exchange acknowledgement for a market order.
type MarketOrderResult struct {
	OrderID string
	Status  OrderStatus
	Price   float64
}

// ConditionalOrderRequest places a trigger order protecting one position
// side. Stop purposes become stop-market orders, take-profit purposes become
// take-profit-market orders.
type ConditionalOrderRequest struct {
	UserID       string
	Symbol       string
	Side         Side
	TriggerPrice float64
	Size         float64
	Purpose      OrderPurpose
}

// ExchangeGateway is the narrow exchange surface the engine consumes.
// GetPosition reports found=false when the side has no open exposure.
type ExchangeGateway interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetPosition(ctx context.Context, userID, symbol string, side Side) (PositionSnapshot, bool, error)
	GetOrderStatus(ctx context.Context, userID, symbol, orderID string, purpose OrderPurpose) (OrderOutcome, error)
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (MarketOrderResult, error)
	PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (string, error)
	CancelOrders(ctx context.Context, userID, symbol string, side Side, purposes ...OrderPurpose) error
	SetLeverage(ctx context.Context, userID, symbol string, leverage int, mode MarginMode) error
	GetPositionMode(ctx context.Context, userID, symbol string) (PositionMode, error)
}

// APICredentials are a user's exchange API keys.
type APICredentials struct {
	UserID    string
	APIKey    string
	APISecret string
	Testnet   bool
}
