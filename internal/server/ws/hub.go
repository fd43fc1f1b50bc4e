// Package ws streams engine notifications to operator dashboards. The hub
// tails the durable notification stream the notifier appends to and fans
// each event out to the WebSocket clients subscribed to its user and kind.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256
	readBatch      = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API key middleware gates the upgrade; origin is not a credential.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config configures a Hub.
type Config struct {
	Mode         string
	Stream       string
	PollInterval time.Duration
}

// Hub manages WebSocket clients and broadcasts stream events to them.
type Hub struct {
	bus        domain.SignalBus
	stream     string
	poll       time.Duration
	mode       string
	startedAt  time.Time
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
}

// envelope is one routed event.
type envelope struct {
	userID string
	kind   domain.EventKind
	data   []byte
}

// NewHub creates a Hub tailing cfg.Stream on bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Hub{
		bus:        bus,
		stream:     cfg.Stream,
		poll:       poll,
		mode:       cfg.Mode,
		startedAt:  time.Now(),
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run tails the stream and serves client registration until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	go h.tail(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "client disconnected", slog.Int("clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.userID, msg.kind) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.WarnContext(ctx, "dropping event for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// tail polls the stream starting at the hub's start time, so clients see
// only events raised while they can be connected.
func (h *Hub) tail(ctx context.Context) {
	lastID := fmt.Sprintf("%d-0", h.startedAt.UnixMilli())
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		msgs, err := h.bus.StreamRead(ctx, h.stream, lastID, readBatch)
		if err != nil && ctx.Err() == nil {
			h.logger.WarnContext(ctx, "stream read failed",
				slog.String("stream", h.stream),
				slog.String("error", err.Error()),
			)
		}
		for _, m := range msgs {
			lastID = m.ID
			env, ok := h.wrap(m.Payload)
			if !ok {
				continue
			}
			select {
			case h.broadcast <- env:
			case <-ctx.Done():
				return
			}
		}
		if len(msgs) == readBatch {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) wrap(payload []byte) (envelope, bool) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Warn("skipping malformed stream entry", slog.String("error", err.Error()))
		return envelope{}, false
	}
	data, err := json.Marshal(map[string]any{"type": "event", "payload": json.RawMessage(payload)})
	if err != nil {
		return envelope{}, false
	}
	return envelope{userID: ev.UserID, kind: ev.Kind, data: data}, true
}

// HandleWS upgrades the request and registers the client. The optional
// user query parameter (repeatable) limits the initial subscription.
// GET /ws?user=u1
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		users: make(map[string]bool),
		kinds: make(map[domain.EventKind]bool),
	}
	for _, u := range r.URL.Query()["user"] {
		c.users[strings.TrimSpace(u)] = true
	}

	h.register <- c
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// client is one WebSocket connection. Empty filters match everything.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	users map[string]bool
	kinds map[domain.EventKind]bool
	mu    sync.RWMutex
}

// subscribeMsg changes a client's filters.
// {"action":"subscribe","users":["u1"],"kinds":["tp_filled"]}
type subscribeMsg struct {
	Action string   `json:"action"`
	Users  []string `json:"users"`
	Kinds  []string `json:"kinds"`
}

func (c *client) wants(userID string, kind domain.EventKind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	// Events without a user (operator alerts) go to everyone.
	if userID != "" && len(c.users) > 0 && !c.users[userID] {
		return false
	}
	return len(c.kinds) == 0 || c.kinds[kind]
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, u := range msg.Users {
			c.users[u] = true
		}
		for _, k := range msg.Kinds {
			c.kinds[domain.EventKind(k)] = true
		}
	case "unsubscribe":
		for _, u := range msg.Users {
			delete(c.users, u)
		}
		for _, k := range msg.Kinds {
			delete(c.kinds, domain.EventKind(k))
		}
	}
}

func (c *client) sendHello() {
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.apply(sub)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
