package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aldcvd/deposition-core/internal/auth"
	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
	"github.com/aldcvd/deposition-core/internal/infrastructure/logging"
	"github.com/aldcvd/deposition-core/internal/run"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// WSTypeSnapshot carries the current run state, sent once on subscribe
	// to "run" so a reconnecting UI does not wait for the next transition.
	WSTypeSnapshot = "snapshot"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
)

// wsChannels are the hub channels clients may subscribe to.
var wsChannels = map[string]struct{}{
	run.HubChannelRun:     {},
	run.HubChannelChannel: {},
}

// WSMessage is an outbound WebSocket frame.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is an inbound frame. The payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub fans controller events out to connected UI clients. It satisfies
// run.WSHub.
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *logging.Logger
	clients  map[*WSClient]struct{}
	mu       sync.RWMutex
	snapshot func() any
	dropped  atomic.Uint64
}

// WSClient is one connected UI.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
	operator      string // token subject, empty when auth is off
	pingInterval  time.Duration
	pongWait      time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub. Zero settings in cfg take defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// SetSnapshot installs the function whose result is sent to clients when
// they subscribe to the run channel.
func (h *Hub) SetSnapshot(fn func() any) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "operator", client.operator)
}

// Unregister removes a client. Only the caller that removes the client from
// the map closes its send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends payload to every client subscribed to channel. Clients
// whose buffer is full miss the message; the loss is counted in Dropped.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	// The hub lock is released before per-client locks are taken.
	sent := 0
	for _, client := range h.snapshotClients() {
		if !client.isSubscribed(channel) {
			continue
		}
		if client.trySend(data) {
			sent++
		} else {
			h.dropped.Add(1)
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sent)
	}
}

func (h *Hub) snapshotClients() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the number of clients subscribed to each channel.
func (h *Hub) Subscribers() map[string]int {
	out := make(map[string]int, len(wsChannels))
	for ch := range wsChannels {
		out[ch] = 0
	}
	for _, client := range h.snapshotClients() {
		client.mu.RLock()
		for ch := range client.subscriptions {
			out[ch]++
		}
		client.mu.RUnlock()
	}
	return out
}

// Dropped returns how many broadcast messages slow or closing clients missed.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// closeAll disconnects all clients and closes their send channels so the
// write pumps exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// Browsers cannot set headers on the upgrade request, so when a JWT secret
// is configured the token is passed as the "token" query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var operator string
	if secret := s.secCfg.JWT.Secret; secret != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			writeUnauthorized(w, "token query parameter is required")
			return
		}
		claims, err := auth.ParseToken(token, secret, s.benchID)
		if err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		if !auth.HasPermission(claims.Role, auth.PermRunRead) {
			writeForbidden(w, "role may not read run state")
			return
		}
		operator = claims.Subject
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	cfg := s.hub.cfg
	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		operator:      operator,
		pingInterval:  time.Duration(cfg.PingInterval) * time.Second,
		pongWait:      time.Duration(cfg.PongTimeout) * time.Second,
	}
	conn.SetReadLimit(int64(cfg.MaxMessageSize))

	s.hub.Register(client)
	go client.writePump()
	go client.readPump()
}

// extendReadDeadline gives the peer one more ping period to show life.
func (c *WSClient) extendReadDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pongWait))
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	//nolint:errcheck // Best-effort deadline on connection setup
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error { return c.extendReadDeadline() })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Application messages count as liveness too; some browsers never
		// answer protocol pings.
		//nolint:errcheck // Best-effort deadline reset
		c.extendReadDeadline()
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // Best-effort deadline; the write error is returned
		c.conn.SetWriteDeadline(time.Now().Add(c.pongWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close frame
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.handleSubscription(req, true)
	case WSTypeUnsubscribe:
		c.handleSubscription(req, false)
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// handleSubscription adds or removes channels. Unknown channels reject the
// whole request.
func (c *WSClient) handleSubscription(req wsRequest, subscribe bool) {
	var sub WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
		c.sendError(req.ID, "invalid "+req.Type+" payload")
		return
	}
	for _, ch := range sub.Channels {
		if _, ok := wsChannels[ch]; !ok {
			c.sendError(req.ID, "unknown channel: "+ch)
			return
		}
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	if !subscribe {
		c.sendResponse(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
		return
	}

	c.hub.logger.Debug("websocket client subscribed", "channels", sub.Channels, "operator", c.operator)
	c.sendResponse(req.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels})

	if slices.Contains(sub.Channels, run.HubChannelRun) {
		c.hub.mu.RLock()
		snapshot := c.hub.snapshot
		c.hub.mu.RUnlock()
		if snapshot != nil {
			c.sendResponse(req.ID, WSTypeSnapshot, snapshot())
		}
	}
}

// trySend queues data without blocking. It reports false when the buffer is
// full or the client is already closed.
func (c *WSClient) trySend(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		c.hub.logger.Warn("failed to marshal websocket response", "type", msgType, "error", err)
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
