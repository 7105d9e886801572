package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/appctx"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/events"
	ws "github.com/botmesh/botmesh/pkg/websocket"
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

// Client represents a single WebSocket connection and its authenticated
// session.
type Client struct {
	ID       string
	UserID   int64
	UserName string

	conn     *websocket.Conn
	hub      *Hub
	gw       *Gateway
	send     chan []byte
	tasks    map[int64]bool // task rooms this client joined
	tokenExp time.Time
	logger   *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, gw *Gateway, userID int64, userName string,
	tokenExp time.Time, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		UserName: userName,
		conn:     conn,
		hub:      gw.Hub,
		gw:       gw,
		send:     make(chan []byte, 256),
		tasks:    make(map[int64]bool),
		tokenExp: tokenExp,
		logger:   log.WithFields(zap.String("client_id", id), zap.Int64("user_id", userID)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the gateway
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
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
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		// The handshake token bounds the session. Once it expires the
		// client must reconnect with a fresh one.
		if time.Now().After(c.tokenExp) {
			c.notifyAuthError("token expired")
			return
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage restores the per-event request and user context, then hands
// the message to the gateway's trigger table.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	ctx = appctx.WithRequestID(ctx, msg.ID)
	ctx = appctx.WithUser(ctx, c.UserID, c.UserName)
	c.gw.trigger(ctx, c, msg)
}

// enqueue queues raw bytes for the write pump, dropping on a full buffer.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Client buffer full; the client reconciles via history:sync.
	}
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := marshalMessage(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// sendError sends an error message to the client
func (c *Client) sendError(id, action, code, message string, details map[string]any) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// notifyAuthError pushes an auth_error notification before the connection
// is dropped.
func (c *Client) notifyAuthError(reason string) {
	msg, err := ws.NewNotification(events.AuthError, map[string]any{"error": reason})
	if err != nil {
		return
	}
	if data, err := marshalMessage(msg); err == nil {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func marshalMessage(msg *ws.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection
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
