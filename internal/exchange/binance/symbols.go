package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// symbolFilters carries the precision rules for one symbol.
type symbolFilters struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// roundQty floors qty to the lot step so reduce orders never exceed the
// position.
func (f symbolFilters) roundQty(qty float64) decimal.Decimal {
	d := decimal.NewFromFloat(qty)
	if !f.StepSize.IsPositive() {
		return d
	}
	return d.Div(f.StepSize).Floor().Mul(f.StepSize)
}

// roundPrice rounds price to the nearest tick.
func (f symbolFilters) roundPrice(price float64) decimal.Decimal {
	d := decimal.NewFromFloat(price)
	if !f.TickSize.IsPositive() {
		return d
	}
	return d.Div(f.TickSize).Round(0).Mul(f.TickSize)
}

// filtersFromSymbol parses the filter maps from an exchange-info entry.
func filtersFromSymbol(s futures.Symbol) symbolFilters {
	var f symbolFilters
	for _, raw := range s.Filters {
		switch raw["filterType"] {
		case "PRICE_FILTER":
			f.TickSize = decimalField(raw, "tickSize")
		case "LOT_SIZE":
			f.StepSize = decimalField(raw, "stepSize")
		case "MIN_NOTIONAL":
			f.MinNotional = decimalField(raw, "notional")
		}
	}
	return f
}

func decimalField(m map[string]interface{}, key string) decimal.Decimal {
	s, ok := m[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// symbolCache holds exchange info for ttl. Unknown symbols get zero filters,
// which disables rounding rather than failing the order.
type symbolCache struct {
	mu       sync.RWMutex
	filters  map[string]symbolFilters
	loadedAt time.Time
	ttl      time.Duration
	load     func(ctx context.Context) (*futures.ExchangeInfo, error)
	now      func() time.Time
}

func (c *symbolCache) get(ctx context.Context, symbol string) (symbolFilters, error) {
	c.mu.RLock()
	fresh := c.filters != nil && c.now().Sub(c.loadedAt) < c.ttl
	f := c.filters[symbol]
	c.mu.RUnlock()
	if fresh {
		return f, nil
	}

	info, err := c.load(ctx)
	if err != nil {
		return symbolFilters{}, classify("exchange info", err)
	}
	if info == nil {
		return symbolFilters{}, fmt.Errorf("binance: exchange info: empty response")
	}

	next := make(map[string]symbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		next[s.Symbol] = filtersFromSymbol(s)
	}

	c.mu.Lock()
	c.filters = next
	c.loadedAt = c.now()
	c.mu.Unlock()

	return next[symbol], nil
}
