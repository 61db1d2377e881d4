package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 512
	sendBufferSize = 256

	// replaySize is how many recent events a new client receives on connect.
	replaySize = 20
)

// WSMessage is one event frame sent to feed clients.
type WSMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscriptionMessage changes which events a client receives. Event types
// may use the topic wildcards "*" and "#".
type SubscriptionMessage struct {
	Action     string   `json:"action"` // "subscribe" or "unsubscribe"
	EventTypes []string `json:"event_types"`
}

// Client is one feed connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// The connection allows one concurrent writer.
	writeMu sync.Mutex

	// Patterns the client asked for; empty means everything.
	mu            sync.RWMutex
	subscriptions map[string]bool

	logger *zap.Logger
}

// frame is a marshalled message with its routing key kept for filtering.
type frame struct {
	key  string
	body []byte
}

// Hub fans backtest events out to feed clients. New clients first receive
// the most recent events so a dashboard opened mid-session is not empty.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	recent  []frame

	broadcast  chan frame
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *zap.Logger
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(zap.String("component", "ws_hub")),
	}
}

// Run owns client membership until Shutdown.
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case f := <-h.broadcast:
			h.fanOut(f)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	backlog := append([]frame(nil), h.recent...)
	n := len(h.clients)
	h.mu.Unlock()

	for _, f := range backlog {
		if !c.isSubscribed(f.key) {
			continue
		}
		select {
		case c.send <- f.body:
		default:
		}
	}
	h.logger.Debug("Client registered", zap.Int("total_clients", n), zap.Int("replayed", len(backlog)))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("Client unregistered", zap.Int("total_clients", n))
}

func (h *Hub) fanOut(f frame) {
	h.mu.Lock()
	h.recent = append(h.recent, f)
	if len(h.recent) > replaySize {
		h.recent = h.recent[len(h.recent)-replaySize:]
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(f.key) {
			continue
		}
		select {
		case c.send <- f.body:
		default:
			// A client that cannot keep up is dropped rather than stalling
			// everyone else.
			go h.drop(c)
		}
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
	h.clients = make(map[*Client]bool)
}

// BroadcastEvent queues an event for every subscribed client. Events are
// dropped when the queue is full.
func (h *Hub) BroadcastEvent(eventType string, data any) {
	body, err := json.Marshal(WSMessage{Type: eventType, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("event_type", eventType), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- frame{key: eventType, body: body}:
	default:
		h.logger.Warn("Broadcast queue full, dropping event", zap.String("event_type", eventType))
	}
}

// Relay is an events.EventHandler that forwards a published event body to
// feed clients unchanged.
func (h *Hub) Relay(routingKey string, body []byte) error {
	h.BroadcastEvent(routingKey, json.RawMessage(body))
	return nil
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops Run and closes every connection.
func (h *Hub) Shutdown() {
	close(h.done)
}

func (c *Client) isSubscribed(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	for pattern := range c.subscriptions {
		if events.TopicMatch(pattern, eventType) {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(patterns []string) {
	c.mu.Lock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[string]bool)
	}
	for _, p := range patterns {
		c.subscriptions[p] = true
	}
	c.mu.Unlock()
	c.logger.Debug("Client subscribed", zap.Strings("event_types", patterns))
}

func (c *Client) unsubscribe(patterns []string) {
	c.mu.Lock()
	for _, p := range patterns {
		delete(c.subscriptions, p)
	}
	c.mu.Unlock()
	c.logger.Debug("Client unsubscribed", zap.Strings("event_types", patterns))
}

// handleControl applies one inbound text frame. Anything that is not a
// subscription message is ignored.
func (c *Client) handleControl(message []byte) {
	// Browsers without ping frames send a text "ping".
	if string(message) == "ping" {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.write(websocket.TextMessage, []byte("pong")); err != nil {
			c.logger.Debug("Failed to send pong", zap.Error(err))
		}
		return
	}

	var msg SubscriptionMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	switch msg.Action {
	case "subscribe":
		c.subscribe(msg.EventTypes)
	case "unsubscribe":
		c.unsubscribe(msg.EventTypes)
	default:
		c.logger.Debug("Unknown subscription action", zap.String("action", msg.Action))
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.handleControl(message)
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case body, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// The feed is read-only, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	c := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		logger:        h.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}
