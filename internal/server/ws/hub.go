package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/server/middleware"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// client represents a single WebSocket connection owned by one wallet.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	wallet string
	send   chan []byte
}

// Hub fans each user's position events from the signal bus out to that
// user's connections only. A bus subscription exists while the user has at
// least one open connection.
type Hub struct {
	clients    map[string]map[*client]struct{}
	subs       map[string]context.CancelFunc
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	exchange   string
	startedAt  time.Time
}

// broadcastMsg carries a payload for every connection of one wallet.
type broadcastMsg struct {
	wallet string
	data   []byte
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	Exchange  string
	StartedAt time.Time
	// AllowedOrigins restricts browser upgrades; empty allows all.
	AllowedOrigins []string
}

// NewHub creates a new WebSocket hub that bridges the SignalBus to
// connected WebSocket clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	origins := cfg.AllowedOrigins

	return &Hub{
		clients:    make(map[string]map[*client]struct{}),
		subs:       make(map[string]context.CancelFunc),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(origins, origin)
			},
		},
		logger:    logger.With(slog.String("component", "ws_hub")),
		mode:      mode,
		exchange:  cfg.Exchange,
		startedAt: startedAt,
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine.
// It handles client registration, unregistration, and message broadcasting.
// The loop exits when the provided context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for wallet, set := range h.clients {
				for c := range set {
					close(c.send)
				}
				delete(h.clients, wallet)
			}
			for wallet, cancel := range h.subs {
				cancel()
				delete(h.subs, wallet)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.addClient(ctx, c)

		case c := <-h.unregister:
			h.removeClient(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients[msg.wallet] {
				select {
				case c.send <- msg.data:
				default:
					// Client's send buffer is full; drop the message.
					h.logger.Warn("ws: dropping message for slow client",
						slog.String("wallet", msg.wallet),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// addClient registers c and subscribes to its wallet's channel if this is
// the wallet's first connection. The hello frame is queued only once the
// subscription is live.
func (h *Hub) addClient(ctx context.Context, c *client) {
	h.mu.Lock()
	set, ok := h.clients[c.wallet]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.wallet] = set
	}
	set[c] = struct{}{}
	_, subscribed := h.subs[c.wallet]
	h.mu.Unlock()

	if !subscribed {
		subCtx, cancel := context.WithCancel(ctx)
		msgCh, err := h.bus.Subscribe(subCtx, domain.PositionChannel(c.wallet))
		if err != nil {
			cancel()
			h.logger.Error("ws: failed to subscribe to channel",
				slog.String("wallet", c.wallet),
				slog.String("error", err.Error()),
			)
		} else {
			h.mu.Lock()
			h.subs[c.wallet] = cancel
			h.mu.Unlock()
			go h.forward(subCtx, c.wallet, msgCh)
		}
	}

	h.logger.Info("ws: client connected",
		slog.String("wallet", c.wallet),
		slog.Int("total_clients", h.clientCount()),
	)
	c.sendHello()
}

// removeClient drops c and ends the wallet's subscription with its last
// connection.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	set := h.clients[c.wallet]
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.wallet)
		if cancel, ok := h.subs[c.wallet]; ok {
			cancel()
			delete(h.subs, c.wallet)
		}
	}
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected",
		slog.String("wallet", c.wallet),
		slog.Int("total_clients", h.clientCount()),
	)
}

// forward relays one wallet's bus messages to the hub loop until the
// subscription ends.
func (h *Hub) forward(ctx context.Context, wallet string, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				return
			}
			select {
			case h.broadcast <- broadcastMsg{wallet: wallet, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an authenticated HTTP request to a WebSocket connection
// and registers the client for the caller's own wallet.
// GET /ws?token=<session>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.WalletFrom(r.Context())
	if wallet == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		wallet: wallet,
		send:   make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines.
	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// readPump keeps the connection's read side alive for control frames.
// Clients have nothing to say; data frames are discarded.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// sendHello pushes a small JSON envelope so clients can immediately mark the
// connection as healthy even when no position events are flowing yet.
func (c *client) sendHello() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"wallet":         c.wallet,
			"mode":           c.hub.mode,
			"exchange":       c.hub.exchange,
			"uptime_seconds": uptime,
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

// writePump pumps messages from the hub to the WebSocket connection as text
// frames and sends periodic pings for keepalive.
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
				// The hub closed the channel.
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
