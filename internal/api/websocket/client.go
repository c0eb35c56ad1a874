package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message after connecting
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is what clients send: an auth message first (when auth is
// enabled), then subscribe/unsubscribe requests.
type clientMessage struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	Devices []string `json:"devices,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	logger        *zap.Logger
	authenticated bool
	permissions   []auth.Permission

	sendMu sync.Mutex
	closed bool

	// Empty means every device.
	subMu         sync.RWMutex
	subscriptions map[uuid.UUID]bool
}

// trySend queues data without blocking. It reports false when the buffer is
// full or the client is closed.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Client) wants(msg Message) bool {
	if msg.DeviceID == uuid.Nil {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[msg.DeviceID]
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	registered := false
	defer func() {
		if registered {
			c.hub.leave(c)
		} else {
			c.closeSend()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if c.hub.authRequired() {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	} else {
		c.authenticated = true
		if !c.hub.join(c) {
			return
		}
		registered = true
	}

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !c.authenticated {
			if msg.Type != "auth" {
				c.sendControl("auth_failed", "reason", "First message must be authentication")
				return
			}
			if msg.Token == "" {
				c.sendControl("auth_failed", "reason", "Missing token in auth message")
				return
			}

			_, permissions, err := c.hub.authService.ValidateToken(msg.Token)
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
				c.sendControl("auth_failed", "reason", "Invalid or expired token")
				return
			}

			c.authenticated = true
			c.permissions = permissions
			c.conn.SetReadDeadline(time.Time{})
			c.sendControl("auth_success", "permissions", permissions)
			c.logger.Info("WebSocket client authenticated",
				zap.String("remote_addr", c.remoteAddr()),
				zap.Any("permissions", permissions))

			// register to hub only after auth
			if !c.hub.join(c) {
				return
			}
			registered = true
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	ids := make([]uuid.UUID, 0, len(msg.Devices))
	for _, s := range msg.Devices {
		id, err := uuid.Parse(s)
		if err != nil {
			c.sendControl("error", "reason", "invalid device id "+s)
			return
		}
		ids = append(ids, id)
	}

	c.subMu.Lock()
	switch msg.Type {
	case "subscribe":
		for _, id := range ids {
			c.subscriptions[id] = true
		}
	case "unsubscribe":
		if len(ids) == 0 {
			c.subscriptions = make(map[uuid.UUID]bool)
		}
		for _, id := range ids {
			delete(c.subscriptions, id)
		}
	default:
		c.subMu.Unlock()
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
		return
	}
	count := len(c.subscriptions)
	c.subMu.Unlock()

	c.sendControl("subscribed", "devices", count)
}

func (c *Client) sendControl(msgType, key string, value interface{}) {
	data, _ := json.Marshal(map[string]interface{}{
		"type":      msgType,
		"timestamp": time.Now(),
		key:         value,
	})
	c.trySend(data)
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		logger:        hub.logger,
		subscriptions: make(map[uuid.UUID]bool),
	}

	go client.writePump()
	go client.readPump()
}
