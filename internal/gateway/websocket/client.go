package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/execution/bus"
	"github.com/crew-dev/crewd/pkg/events"
	"github.com/crew-dev/crewd/pkg/ws"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu              sync.Mutex
	lastExecutionID string
	sessionSubs     []bus.BroadcastSubscription

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Send queues one outbound JSON value. A full buffer drops the value; the
// per-execution subscription queue is the bound that matters for event flow.
func (c *Client) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal outbound message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// BindExecution records the channel's most recent execution id.
func (c *Client) BindExecution(id string) {
	c.mu.Lock()
	c.lastExecutionID = id
	c.mu.Unlock()
}

// BoundExecution returns the channel's most recent execution id.
func (c *Client) BoundExecution() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExecutionID
}

// addSessionSub records a broadcast subscription to drop on disconnect.
func (c *Client) addSessionSub(sub bus.BroadcastSubscription) {
	c.mu.Lock()
	c.sessionSubs = append(c.sessionSubs, sub)
	c.mu.Unlock()
}

// dropSessionSubs unsubscribes every session broadcast attachment.
func (c *Client) dropSessionSubs() {
	c.mu.Lock()
	subs := c.sessionSubs
	c.sessionSubs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe session broadcast", zap.Error(err))
		}
	}
}

// ReadPump pumps control messages from the WebSocket connection into the
// dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.dropSessionSubs()
		c.hub.Unregister(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse control message", zap.Error(err))
			c.Send(events.Error("invalid control message: not valid json"))
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage dispatches one control message.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received control message", zap.String("type", msg.Type))

	if err := c.hub.dispatcher.Dispatch(ctx, c, msg); err != nil {
		c.logger.Error("Handler error",
			zap.String("type", msg.Type),
			zap.Error(err))
		c.Send(events.Error(err.Error()))
	}
}

// WritePump pumps queued messages to the WebSocket connection.
func (c *Client) WritePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
