package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"frameworks/api_dashboard/internal/realtime"
	"frameworks/pkg/logging"
)

// Subscriber is the part of realtime.Manager the hub drives
type Subscriber interface {
	Subscribe(ctx context.Context, key realtime.ChannelKey, listener realtime.Listener) (realtime.Handle, error)
	Unsubscribe(h realtime.Handle) error
	Reconnect(ctx context.Context, key realtime.ChannelKey) error
	State(key realtime.ChannelKey) realtime.State
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionReconnect   = "reconnect"

	TypeChange       = "change"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeReconnected  = "reconnected"
	TypeError        = "error"
)

// ClientMessage is a request from a browser client
type ClientMessage struct {
	Action string `json:"action"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func (m ClientMessage) key() realtime.ChannelKey {
	return realtime.ChannelKey{Schema: m.Schema, Table: m.Table, Filter: m.Filter}
}

// Message is sent to browser clients
type Message struct {
	Type      string                `json:"type"`
	Channel   string                `json:"channel,omitempty"`
	State     realtime.State        `json:"state,omitempty"`
	Event     *realtime.ChangeEvent `json:"event,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

type Config struct {
	Subscriber Subscriber
	Logger     logging.Logger
	// OnConnections is told the client count whenever it changes
	OnConnections func(n int)
	// CheckOrigin defaults to allowing every origin
	CheckOrigin func(r *http.Request) bool
}

// Hub bridges browser websocket clients to the subscription manager. Each
// client holds at most one manager subscription per channel key.
type Hub struct {
	subscriber    Subscriber
	logger        logging.Logger
	onConnections func(int)
	upgrader      websocket.Upgrader

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
}

// Client is one browser connection
type Client struct {
	hub    *Hub
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger logging.Entry

	mu      sync.Mutex
	handles map[realtime.ChannelKey]realtime.Handle
	closed  bool
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024

	sendBuffer = 256
)

func NewHub(cfg Config) *Hub {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		subscriber:    cfg.Subscriber,
		logger:        logging.OrDiscard(cfg.Logger),
		onConnections: cfg.OnConnections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns client registration until ctx ends, then drops every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mutex.Unlock()
			h.connectionsChanged(n)
			client.logger.WithField("client_count", n).Info("Client connected")

		case client := <-h.unregister:
			h.remove(client)

		case <-ctx.Done():
			h.mutex.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mutex.RUnlock()
			for _, c := range clients {
				h.remove(c)
			}
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mutex.Unlock()
	if !ok {
		return
	}

	client.shutdown()
	h.connectionsChanged(n)
	client.logger.WithField("client_count", n).Info("Client disconnected")
}

func (h *Hub) connectionsChanged(n int) {
	if h.onConnections != nil {
		h.onConnections(n)
	}
}

// Stats reports connected clients and subscriptions per channel
func (h *Hub) Stats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	channelStats := make(map[string]int)
	for client := range h.clients {
		client.mu.Lock()
		for key := range client.handles {
			channelStats[key.String()]++
		}
		client.mu.Unlock()
	}

	return map[string]interface{}{
		"total_clients":         len(h.clients),
		"channel_subscriptions": channelStats,
	}
}

// ServeWS upgrades the request and starts the client pumps
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	client := &Client{
		hub:     h,
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		logger:  h.logger.WithField("client_id", id),
		handles: make(map[realtime.ChannelKey]realtime.Handle),
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles client requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.shutdown()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket connection error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.WithError(err).Warn("Invalid client message")
			c.enqueue(Message{Type: TypeError, Error: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

// writePump sends queued messages and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(msg ClientMessage) {
	key := msg.key()
	switch msg.Action {
	case ActionSubscribe:
		c.subscribe(key)
	case ActionUnsubscribe:
		c.unsubscribe(key)
	case ActionReconnect:
		if err := c.hub.subscriber.Reconnect(c.ctx, key); err != nil {
			c.enqueue(Message{Type: TypeError, Channel: key.String(), State: c.hub.subscriber.State(key), Error: err.Error()})
			return
		}
		c.enqueue(Message{Type: TypeReconnected, Channel: key.String(), State: c.hub.subscriber.State(key)})
	default:
		c.enqueue(Message{Type: TypeError, Error: "unknown action " + msg.Action})
	}
}

func (c *Client) subscribe(key realtime.ChannelKey) {
	c.mu.Lock()
	_, exists := c.handles[key]
	c.mu.Unlock()
	if !exists {
		h, err := c.hub.subscriber.Subscribe(c.ctx, key, func(ev realtime.ChangeEvent) {
			c.enqueue(Message{Type: TypeChange, Channel: key.String(), Event: &ev})
		})
		if err != nil {
			c.enqueue(Message{Type: TypeError, Channel: key.String(), Error: err.Error()})
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = c.hub.subscriber.Unsubscribe(h)
			return
		}
		c.handles[key] = h
		c.mu.Unlock()

		c.logger.WithField("channel", key.String()).Info("Client subscribed to channel")
	}
	c.enqueue(Message{Type: TypeSubscribed, Channel: key.String(), State: c.hub.subscriber.State(key)})
}

func (c *Client) unsubscribe(key realtime.ChannelKey) {
	c.mu.Lock()
	h, ok := c.handles[key]
	delete(c.handles, key)
	c.mu.Unlock()

	if ok {
		if err := c.hub.subscriber.Unsubscribe(h); err != nil {
			c.logger.WithError(err).WithField("channel", key.String()).Warn("Failed to release subscription")
		}
	}
	c.enqueue(Message{Type: TypeUnsubscribed, Channel: key.String()})
}

// enqueue never blocks; a client too slow to drain its buffer loses messages
func (c *Client) enqueue(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal client message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.logger.WithField("type", msg.Type).Warn("Client send buffer full, dropping message")
	}
}

// shutdown releases every subscription and stops the write pump
func (c *Client) shutdown() {
	c.cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handles := c.handles
	c.handles = make(map[realtime.ChannelKey]realtime.Handle)
	close(c.send)
	c.mu.Unlock()

	for _, h := range handles {
		if err := c.hub.subscriber.Unsubscribe(h); err != nil {
			c.logger.WithError(err).WithField("channel", h.Key().String()).Warn("Failed to release subscription")
		}
	}
}
