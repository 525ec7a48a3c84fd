package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024

	// Send buffer size
	sendBufferSize = 256
)

// ControlMessage is sent by clients to change their subscriptions
type ControlMessage struct {
	Type     string `json:"type"` // subscribe, unsubscribe, ping
	CameraID string `json:"camera_id"`
}

// Client is one WebSocket subscriber. With no camera subscriptions it
// receives notifications for every camera.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	cameras    map[string]bool
	camerasMu  sync.RWMutex
	remoteAddr string
}

// NewClient creates a client for an upgraded connection
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		cameras:    make(map[string]bool),
		remoteAddr: remoteAddr,
	}
}

func (c *Client) wants(cameraID string) bool {
	c.camerasMu.RLock()
	defer c.camerasMu.RUnlock()
	if len(c.cameras) == 0 {
		return true
	}
	return c.cameras[cameraID]
}

// Subscribe limits the client to cameraID (in addition to earlier subscriptions)
func (c *Client) Subscribe(cameraID string) {
	c.camerasMu.Lock()
	c.cameras[cameraID] = true
	c.camerasMu.Unlock()
}

// Unsubscribe drops cameraID; an empty id clears every subscription
func (c *Client) Unsubscribe(cameraID string) {
	c.camerasMu.Lock()
	if cameraID == "" {
		c.cameras = make(map[string]bool)
	} else {
		delete(c.cameras, cameraID)
	}
	c.camerasMu.Unlock()
}

// ReadPump pumps control messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
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
				c.hub.log.Warn("websocket error", zap.String("remote", c.remoteAddr), zap.Error(err))
			}
			break
		}

		var msg ControlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warn("invalid control message", zap.String("remote", c.remoteAddr), zap.Error(err))
			c.sendJSON(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.CameraID != "" {
				c.Subscribe(msg.CameraID)
			}
			c.sendJSON(map[string]string{"type": "subscribed", "camera_id": msg.CameraID})

		case "unsubscribe":
			c.Unsubscribe(msg.CameraID)
			c.sendJSON(map[string]string{"type": "unsubscribed", "camera_id": msg.CameraID})

		case "ping":
			c.sendJSON(map[string]string{"type": "pong"})

		default:
			c.hub.log.Debug("unknown message type", zap.String("type", msg.Type))
		}
	}
}

// WritePump pumps notifications from the hub to the WebSocket connection
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

// sendJSON queues a reply unless the client is already backed up
func (c *Client) sendJSON(v interface{}) {
	msgBytes, _ := json.Marshal(v)
	c.hub.clientsMu.RLock()
	defer c.hub.clientsMu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msgBytes:
	default:
	}
}
