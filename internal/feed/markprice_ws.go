// Package feed streams exchange mark prices into the shared price cache.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/futuresbot/internal/domain"
	"github.com/alanyoungcy/futuresbot/internal/retry"
)

const (
	// writeWait is the time allowed to write a control frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second

	// PricesChannel is the pub/sub channel every mark price is published on.
	PricesChannel = "prices"
)

var errResubscribe = errors.New("feed: symbol set changed")

// SymbolSource returns the symbols that currently need live prices.
type SymbolSource func(ctx context.Context) ([]string, error)

// Config holds the feed parameters.
type Config struct {
	WsURL          string
	ReconnectDelay time.Duration
	MaxReconnect   time.Duration
	// RefreshInterval is how often the symbol source is re-read. A changed
	// set causes a reconnect with the new streams.
	RefreshInterval time.Duration
}

// MarkPriceFeed subscribes to the combined <symbol>@markPrice@1s streams and
// writes every update into the price cache. It reconnects with exponential
// backoff until its context ends.
type MarkPriceFeed struct {
	cfg     Config
	symbols SymbolSource
	prices  domain.PriceCache
	bus     domain.SignalBus
	logger  *slog.Logger
}

// NewMarkPriceFeed creates a feed. bus may be nil.
func NewMarkPriceFeed(cfg Config, symbols SymbolSource, prices domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *MarkPriceFeed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	return &MarkPriceFeed{
		cfg:     cfg,
		symbols: symbols,
		prices:  prices,
		bus:     bus,
		logger:  logger.With(slog.String("component", "markprice_feed")),
	}
}

// markPriceMessage is one frame of the combined stream.
type markPriceMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
	} `json:"data"`
}

type priceEvent struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Run blocks until ctx is cancelled.
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	policy := retry.Policy{BaseDelay: f.cfg.ReconnectDelay, Multiplier: 2, MaxDelay: f.cfg.MaxReconnect}
	b := policy.NewBackOff()

	for {
		symbols, err := f.currentSymbols(ctx)
		if err != nil {
			f.logger.WarnContext(ctx, "symbol source failed", slog.String("error", err.Error()))
		}

		var received bool
		if len(symbols) == 0 {
			err = f.waitForSymbols(ctx)
		} else {
			received, err = f.runConnection(ctx, symbols)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received || errors.Is(err, errResubscribe) {
			b.Reset()
		}
		if errors.Is(err, errResubscribe) {
			f.logger.InfoContext(ctx, "resubscribing mark price streams")
			continue
		}

		wait := b.NextBackOff()
		if err != nil {
			f.logger.WarnContext(ctx, "mark price feed disconnected, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("wait", wait),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (f *MarkPriceFeed) currentSymbols(ctx context.Context) ([]string, error) {
	if f.symbols == nil {
		return nil, nil
	}
	syms, err := f.symbols(ctx)
	if err != nil {
		return nil, err
	}
	return normalizeSymbols(syms), nil
}

// waitForSymbols idles until the source reports at least one symbol.
func (f *MarkPriceFeed) waitForSymbols(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			syms, err := f.currentSymbols(ctx)
			if err == nil && len(syms) > 0 {
				return errResubscribe
			}
		}
	}
}

// runConnection holds one websocket session. It reports whether at least one
// price was received so the caller can reset its backoff.
func (f *MarkPriceFeed) runConnection(ctx context.Context, symbols []string) (bool, error) {
	streamURL, err := f.streamURL(symbols)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: connect: %w", err)
	}

	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		<-connCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go f.pingLoop(connCtx, conn)
	go f.watchSymbols(connCtx, cancel, symbols)

	f.logger.InfoContext(ctx, "mark price feed subscribed", slog.Int("symbols", len(symbols)))

	var received bool
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if cause := context.Cause(connCtx); cause != nil {
				return received, cause
			}
			return received, fmt.Errorf("feed: read: %w", errors.Join(domain.ErrWSDisconnect, err))
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if f.handleMessage(ctx, raw) {
			received = true
		}
	}
}

func (f *MarkPriceFeed) streamURL(symbols []string) (string, error) {
	u, err := url.Parse(f.cfg.WsURL)
	if err != nil {
		return "", fmt.Errorf("feed: ws url: %w", err)
	}
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	// Stream names are sent unescaped.
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

func (f *MarkPriceFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// watchSymbols ends the session when the wanted symbol set changes.
func (f *MarkPriceFeed) watchSymbols(ctx context.Context, cancel context.CancelCauseFunc, current []string) {
	ticker := time.NewTicker(f.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := f.currentSymbols(ctx)
			if err != nil {
				continue
			}
			if !slices.Equal(next, current) {
				cancel(errResubscribe)
				return
			}
		}
	}
}

// handleMessage stores one mark price. It reports whether raw carried a
// usable price.
func (f *MarkPriceFeed) handleMessage(ctx context.Context, raw []byte) bool {
	var msg markPriceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	if msg.Data.Symbol == "" {
		return false
	}
	price, err := strconv.ParseFloat(msg.Data.MarkPrice, 64)
	if err != nil || price <= 0 {
		return false
	}
	ts := time.Now()
	if msg.Data.EventTime > 0 {
		ts = time.UnixMilli(msg.Data.EventTime)
	}

	if err := f.prices.SetPrice(ctx, msg.Data.Symbol, price, ts); err != nil {
		f.logger.WarnContext(ctx, "price cache write failed",
			slog.String("symbol", msg.Data.Symbol),
			slog.String("error", err.Error()),
		)
		return false
	}
	if f.bus != nil {
		payload, _ := json.Marshal(priceEvent{Symbol: msg.Data.Symbol, Price: price, Timestamp: ts})
		if err := f.bus.Publish(ctx, PricesChannel, payload); err != nil {
			f.logger.DebugContext(ctx, "price publish failed", slog.String("error", err.Error()))
		}
	}
	return true
}

// normalizeSymbols upper-cases, de-duplicates and sorts symbols.
func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
