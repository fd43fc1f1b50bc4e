// Package binance adapts the Binance USD-M futures REST API to the engine's
// ExchangeGateway interface.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/retry"
)

// Config holds endpoints and client-side throttling.
type Config struct {
	BaseURL           string
	TestnetURL        string
	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration
	ExchangeInfoTTL   time.Duration
	PositionModeTTL   time.Duration
	Retry             retry.Policy
}

// Observer receives one callback per exchange call. The metrics package
// implements it.
type Observer interface {
	ObserveExchangeCall(op string, err error, elapsed time.Duration)
}

type userClient struct {
	fc      *futures.Client
	limiter *rate.Limiter
}

type modeEntry struct {
	hedge bool
	at    time.Time
}

// Gateway implements domain.ExchangeGateway. Each user gets a lazily built
// futures client and a request limiter; every call passes through the
// limiter, a per-call timeout and the shared retry policy.
type Gateway struct {
	cfg      Config
	creds    domain.CredentialStore
	logger   *slog.Logger
	observer Observer

	public  *userClient
	symbols *symbolCache

	mu      sync.Mutex
	clients map[string]*userClient
	modes   map[string]modeEntry
	now     func() time.Time
}

// New creates a Gateway. observer may be nil.
func New(cfg Config, creds domain.CredentialStore, observer Observer, logger *slog.Logger) *Gateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.ExchangeInfoTTL <= 0 {
		cfg.ExchangeInfoTTL = time.Hour
	}
	if cfg.PositionModeTTL <= 0 {
		cfg.PositionModeTTL = time.Minute
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	g := &Gateway{
		cfg:      cfg,
		creds:    creds,
		logger:   logger.With(slog.String("component", "binance_gateway")),
		observer: observer,
		clients:  make(map[string]*userClient),
		modes:    make(map[string]modeEntry),
		now:      time.Now,
	}
	g.public = g.newUserClient("", "", false)
	g.symbols = &symbolCache{
		ttl: cfg.ExchangeInfoTTL,
		now: time.Now,
		load: func(ctx context.Context) (*futures.ExchangeInfo, error) {
			var info *futures.ExchangeInfo
			err := g.do(ctx, g.public, "exchange_info", true, func(ctx context.Context, c *futures.Client) error {
				var err error
				info, err = c.NewExchangeInfoService().Do(ctx)
				return err
			})
			return info, err
		},
	}
	return g
}

func (g *Gateway) newUserClient(key, secret string, testnet bool) *userClient {
	fc := futures.NewClient(key, secret)
	switch {
	case testnet && g.cfg.TestnetURL != "":
		fc.BaseURL = g.cfg.TestnetURL
	case g.cfg.BaseURL != "":
		fc.BaseURL = g.cfg.BaseURL
	}
	return &userClient{
		fc:      fc,
		limiter: rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), g.cfg.Burst),
	}
}

// client returns the cached client for userID, building it from stored
// credentials on first use.
func (g *Gateway) client(ctx context.Context, userID string) (*userClient, error) {
	g.mu.Lock()
	uc, ok := g.clients[userID]
	g.mu.Unlock()
	if ok {
		return uc, nil
	}

	creds, err := g.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("binance: credentials for %s: %w", userID, domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("binance: credentials for %s: %w", userID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if uc, ok := g.clients[userID]; ok {
		return uc, nil
	}
	uc = g.newUserClient(creds.APIKey, creds.APISecret, creds.Testnet)
	g.clients[userID] = uc
	return uc, nil
}

// Forget drops the cached client so rotated credentials take effect.
func (g *Gateway) Forget(userID string) {
	g.mu.Lock()
	delete(g.clients, userID)
	delete(g.modes, userID)
	g.mu.Unlock()
}

// do runs fn under the client's limiter and the per-call timeout. When
// retryable is true, transient failures are retried with the shared policy.
func (g *Gateway) do(ctx context.Context, uc *userClient, op string, retryable bool, fn func(context.Context, *futures.Client) error) error {
	attempt := func(ctx context.Context) error {
		if err := uc.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("binance: %s: limiter: %w", op, err)
		}
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()

		start := time.Now()
		err := classify(op, fn(callCtx, uc.fc))
		if g.observer != nil {
			g.observer.ObserveExchangeCall(op, err, time.Since(start))
		}
		return err
	}
	if !retryable {
		return attempt(ctx)
	}
	return retry.Do(ctx, g.cfg.Retry, attempt, func(err error, wait time.Duration) {
		g.logger.WarnContext(ctx, "retrying exchange call",
			slog.String("op", op),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
}

func (g *Gateway) call(ctx context.Context, userID, op string, retryable bool, fn func(context.Context, *futures.Client) error) error {
	uc, err := g.client(ctx, userID)
	if err != nil {
		return err
	}
	return g.do(ctx, uc, op, retryable, fn)
}

// GetCurrentPrice returns the symbol's mark price from the public endpoint.
func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.do(ctx, g.public, "premium_index", true, func(ctx context.Context, c *futures.Client) error {
		res, err := c.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		if len(res) == 0 || res[0] == nil {
			return fmt.Errorf("no mark price for %s: %w", symbol, domain.ErrUnexpectedPayload)
		}
		price = parseFloat(res[0].MarkPrice)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("binance: mark price %s: %w", symbol, domain.ErrUnexpectedPayload)
	}
	return price, nil
}

func (g *Gateway) positionRisk(ctx context.Context, userID, symbol string) ([]*futures.PositionRisk, error) {
	var risks []*futures.PositionRisk
	err := g.call(ctx, userID, "position_risk", true, func(ctx context.Context, c *futures.Client) error {
		var err error
		risks, err = c.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return err
	})
	return risks, err
}

// GetPosition returns the exchange's view of one position side. found is
// false when the side has no exposure.
func (g *Gateway) GetPosition(ctx context.Context, userID, symbol string, side domain.Side) (domain.PositionSnapshot, bool, error) {
	hedge, err := g.hedgeMode(ctx, userID)
	if err != nil {
		return domain.PositionSnapshot{}, false, err
	}
	risks, err := g.positionRisk(ctx, userID, symbol)
	if err != nil {
		return domain.PositionSnapshot{}, false, err
	}
	snap, found := snapshotFromRisk(risks, side, hedge)
	return snap, found, nil
}

// GetOrderStatus looks up one order and normalizes the result. An order the
// exchange no longer knows about is reported as canceled.
func (g *Gateway) GetOrderStatus(ctx context.Context, userID, symbol, orderID string, purpose domain.OrderPurpose) (domain.OrderOutcome, error) {
	var order *futures.Order
	err := g.call(ctx, userID, "get_order", true, func(ctx context.Context, c *futures.Client) error {
		svc := c.NewGetOrderService().Symbol(symbol)
		if id, perr := strconv.ParseInt(orderID, 10, 64); perr == nil {
			svc = svc.OrderID(id)
		} else {
			svc = svc.OrigClientOrderID(orderID)
		}
		var err error
		order, err = svc.Do(ctx)
		return err
	})
	if errors.Is(err, domain.ErrOrderNotFound) {
		return domain.OutcomeCanceled("not found on exchange"), nil
	}
	if err != nil {
		return domain.OrderOutcome{}, err
	}
	if order == nil {
		return domain.OutcomeCanceled("empty order response"), nil
	}
	return normalizeStatus(order.Status, order.ExecutedQuantity, order.AvgPrice), nil
}

// PlaceMarketOrder submits a market order. Orders that add exposure are sent
// once and never retried, so a timeout cannot double the position; reduce
// orders are retried.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (domain.MarketOrderResult, error) {
	hedge, err := g.hedgeMode(ctx, req.UserID)
	if err != nil {
		return domain.MarketOrderResult{}, err
	}
	filters, err := g.symbols.get(ctx, req.Symbol)
	if err != nil {
		return domain.MarketOrderResult{}, err
	}
	qty := filters.roundQty(req.Size)
	if !qty.IsPositive() {
		return domain.MarketOrderResult{}, fmt.Errorf("binance: market order %s size %v below lot step: %w",
			req.Symbol, req.Size, domain.ErrMinNotional)
	}

	side := openSide(req.Side)
	if req.ReduceOnly {
		side = closeSide(req.Side)
	}

	clientID := newClientOrderID(domain.PurposeUnknown)
	var res *futures.CreateOrderResponse
	err = g.call(ctx, req.UserID, "market_order", req.ReduceOnly, func(ctx context.Context, c *futures.Client) error {
		svc := c.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(qty.String()).
			NewClientOrderID(clientID)
		if hedge {
			svc = svc.PositionSide(positionSide(req.Side))
		} else if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		var err error
		res, err = createOnce(ctx, c, svc, req.Symbol, clientID)
		return err
	})
	if err != nil {
		return domain.MarketOrderResult{}, err
	}
	if res == nil {
		return domain.MarketOrderResult{}, fmt.Errorf("binance: market order %s: %w", req.Symbol, domain.ErrUnexpectedPayload)
	}

	outcome := normalizeStatus(res.Status, res.ExecutedQuantity, res.AvgPrice)
	g.logger.InfoContext(ctx, "market order placed",
		slog.String("user", req.UserID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Bool("reduce_only", req.ReduceOnly),
		slog.String("qty", qty.String()),
		slog.Int64("order_id", res.OrderID),
	)
	return domain.MarketOrderResult{
		OrderID: strconv.FormatInt(res.OrderID, 10),
		Status:  outcome.Status,
		Price:   outcome.AvgPrice,
	}, nil
}

// PlaceConditionalOrder submits a mark-price triggered stop-market or
// take-profit-market order protecting req.Side. A zero size closes the whole
// position.
func (g *Gateway) PlaceConditionalOrder(ctx context.Context, req domain.ConditionalOrderRequest) (string, error) {
	orderType := futures.OrderTypeTakeProfitMarket
	if req.Purpose.IsStop() {
		orderType = futures.OrderTypeStopMarket
	} else if _, ok := req.Purpose.TPLevel(); !ok {
		return "", fmt.Errorf("binance: conditional order purpose %q: %w", req.Purpose, domain.ErrInvalidOrder)
	}

	hedge, err := g.hedgeMode(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	filters, err := g.symbols.get(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	trigger := filters.roundPrice(req.TriggerPrice)
	if !trigger.IsPositive() {
		return "", fmt.Errorf("binance: conditional order %s trigger %v: %w", req.Symbol, req.TriggerPrice, domain.ErrInvalidOrder)
	}
	qty := filters.roundQty(req.Size)

	clientID := newClientOrderID(req.Purpose)
	var res *futures.CreateOrderResponse
	err = g.call(ctx, req.UserID, "conditional_order", true, func(ctx context.Context, c *futures.Client) error {
		svc := c.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(closeSide(req.Side)).
			Type(orderType).
			StopPrice(trigger.String()).
			WorkingType(futures.WorkingTypeMarkPrice).
			NewClientOrderID(clientID)
		if hedge {
			svc = svc.PositionSide(positionSide(req.Side))
		}
		if qty.IsPositive() {
			svc = svc.Quantity(qty.String())
			if !hedge {
				svc = svc.ReduceOnly(true)
			}
		} else {
			svc = svc.ClosePosition(true)
		}
		var err error
		res, err = createOnce(ctx, c, svc, req.Symbol, clientID)
		return err
	})
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", fmt.Errorf("binance: conditional order %s: %w", req.Symbol, domain.ErrUnexpectedPayload)
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

// createOnce submits svc, which carries clientID. Every attempt of a retried
// placement reuses the id, so an attempt whose response was lost surfaces as
// a duplicate on the next one; that order is returned instead.
func createOnce(ctx context.Context, c *futures.Client, svc *futures.CreateOrderService, symbol, clientID string) (*futures.CreateOrderResponse, error) {
	res, err := svc.Do(ctx)
	if apiCode(err) != codeDuplicateClientID {
		return res, err
	}
	o, lerr := c.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientID).Do(ctx)
	if lerr != nil || o == nil {
		return nil, err
	}
	return &futures.CreateOrderResponse{
		Symbol:           o.Symbol,
		OrderID:          o.OrderID,
		ClientOrderID:    o.ClientOrderID,
		Status:           o.Status,
		ExecutedQuantity: o.ExecutedQuantity,
		AvgPrice:         o.AvgPrice,
	}, nil
}

// CancelOrders cancels the open orders working against side, optionally
// restricted to purposes. Orders already gone are ignored.
func (g *Gateway) CancelOrders(ctx context.Context, userID, symbol string, side domain.Side, purposes ...domain.OrderPurpose) error {
	hedge, err := g.hedgeMode(ctx, userID)
	if err != nil {
		return err
	}

	var open []*futures.Order
	err = g.call(ctx, userID, "list_open_orders", true, func(ctx context.Context, c *futures.Client) error {
		var err error
		open, err = c.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return err
	}

	want := make(map[domain.OrderPurpose]bool, len(purposes))
	for _, p := range purposes {
		want[p] = true
	}

	var errs []error
	for _, o := range open {
		if o == nil || !orderProtects(o, side, hedge) {
			continue
		}
		if len(want) > 0 && !want[purposeFromClientID(o.ClientOrderID)] {
			continue
		}
		id := o.OrderID
		err := g.call(ctx, userID, "cancel_order", true, func(ctx context.Context, c *futures.Client) error {
			_, err := c.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
			return err
		})
		if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetLeverage applies the margin mode and leverage for symbol. A margin
// mode that is already set is not an error.
func (g *Gateway) SetLeverage(ctx context.Context, userID, symbol string, leverage int, mode domain.MarginMode) error {
	marginType := futures.MarginTypeCrossed
	if mode == domain.MarginIsolated {
		marginType = futures.MarginTypeIsolated
	}
	err := g.call(ctx, userID, "change_margin_type", true, func(ctx context.Context, c *futures.Client) error {
		return c.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
	})
	if err != nil && apiCode(err) != codeNoMarginChange {
		return err
	}

	return g.call(ctx, userID, "change_leverage", true, func(ctx context.Context, c *futures.Client) error {
		_, err := c.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return err
	})
}

// GetPositionMode reports whether the account allows simultaneous long and
// short positions, and the symbol's margin mode.
func (g *Gateway) GetPositionMode(ctx context.Context, userID, symbol string) (domain.PositionMode, error) {
	hedge, err := g.fetchHedgeMode(ctx, userID)
	if err != nil {
		return domain.PositionMode{}, err
	}
	risks, err := g.positionRisk(ctx, userID, symbol)
	if err != nil {
		return domain.PositionMode{}, err
	}
	return domain.PositionMode{HedgeMode: hedge, MarginMode: marginModeFromRisk(risks)}, nil
}

// hedgeMode returns the cached dual-side flag, refreshing it after
// PositionModeTTL.
func (g *Gateway) hedgeMode(ctx context.Context, userID string) (bool, error) {
	g.mu.Lock()
	e, ok := g.modes[userID]
	g.mu.Unlock()
	if ok && g.now().Sub(e.at) < g.cfg.PositionModeTTL {
		return e.hedge, nil
	}
	return g.fetchHedgeMode(ctx, userID)
}

func (g *Gateway) fetchHedgeMode(ctx context.Context, userID string) (bool, error) {
	var hedge bool
	err := g.call(ctx, userID, "position_mode", true, func(ctx context.Context, c *futures.Client) error {
		res, err := c.NewGetPositionModeService().Do(ctx)
		if err != nil {
			return err
		}
		if res == nil {
			return domain.ErrUnexpectedPayload
		}
		hedge = res.DualSidePosition
		return nil
	})
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	g.modes[userID] = modeEntry{hedge: hedge, at: g.now()}
	g.mu.Unlock()
	return hedge, nil
}

// Compile-time interface check.
var _ domain.ExchangeGateway = (*Gateway)(nil)
