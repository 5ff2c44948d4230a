package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"frameworks/api_dashboard/internal/realtime"
	"frameworks/pkg/logging"
)

const (
	ActionSubscribe = "subscribe"

	MessageStatus = "status"
	MessageChange = "change"

	StatusSubscribed = "subscribed"
	StatusError      = "error"

	writeWait = 10 * time.Second
)

// SubscribeRequest is sent once after dialing
type SubscribeRequest struct {
	Action string `json:"action"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ServerMessage is anything the change-feed server sends back
type ServerMessage struct {
	Type    string                 `json:"type"`
	Status  string                 `json:"status,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Payload *realtime.Notification `json:"payload,omitempty"`
}

// WebSocketTransport opens one websocket per channel against a change-feed
// server that filters server-side.
type WebSocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
	Logger logging.Logger
}

func NewWebSocketTransport(url string, logger logging.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		URL:    url,
		Dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		Logger: logging.OrDiscard(logger),
	}
}

func (t *WebSocketTransport) Open(ctx context.Context, key realtime.ChannelKey, sink realtime.Sink) (realtime.Channel, error) {
	if t.URL == "" {
		return nil, errors.New("change feed url is not configured")
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := logging.OrDiscard(t.Logger)

	sink.SetState(realtime.TransportConnecting, nil)
	conn, resp, err := dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to change feed (status: %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to change feed: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(SubscribeRequest{
		Action: ActionSubscribe,
		Schema: key.Schema,
		Table:  key.Table,
		Filter: key.Filter,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send subscription: %w", err)
	}

	ch := &wsChannel{conn: conn, done: make(chan struct{})}
	go ch.readPump(sink, logger.WithField("channel", key.String()))
	return ch, nil
}

type wsChannel struct {
	conn *websocket.Conn
	done chan struct{}

	mu      sync.Mutex
	closing bool
}

func (c *wsChannel) readPump(sink realtime.Sink, log logging.Entry) {
	defer close(c.done)
	for {
		var msg ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.isClosing() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				sink.SetState(realtime.TransportClosed, nil)
			} else {
				sink.SetState(realtime.TransportFailed, err)
			}
			return
		}

		switch msg.Type {
		case MessageStatus:
			switch msg.Status {
			case StatusSubscribed:
				sink.SetState(realtime.TransportOpen, nil)
			case StatusError:
				sink.SetState(realtime.TransportFailed, fmt.Errorf("change feed: %s", msg.Error))
			}
		case MessageChange:
			if msg.Payload != nil {
				sink.Deliver(*msg.Payload)
			}
		default:
			log.WithField("type", msg.Type).Debug("Ignoring change feed message")
		}
	}
}

func (c *wsChannel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}
