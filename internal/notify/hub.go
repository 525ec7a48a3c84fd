// Package notify pushes ingestion events to dashboard subscribers over WebSocket
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/irisdrone/checkpoint/internal/metrics"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notification types
const (
	TypeNewRecord      = "new_record"
	TypeBlacklistAlert = "blacklist_alert"
	TypeHealthUpdate   = "health_update"
)

// EventSubjectPrefix is where notifications are mirrored on NATS
const EventSubjectPrefix = "lpr.events."

// Notification is one message pushed to subscribers
type Notification struct {
	Type      string      `json:"type"`
	CameraID  string      `json:"camera_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Publisher accepts notifications without blocking
type Publisher interface {
	Publish(n Notification)
}

// Hub manages WebSocket clients and fans notifications out to them
type Hub struct {
	log      *zap.Logger
	natsConn *nats.Conn

	clients   map[*Client]bool
	clientsMu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub creates a hub. natsConn is optional; when set every notification
// is also published on lpr.events.<type>.<camera_id>.
func NewHub(natsConn *nats.Conn, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log.Named("notify"),
		natsConn:   natsConn,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Register adds a client to the hub. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Run starts the hub's main loop until ctx is done
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("notification hub started")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.clientsMu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.clientsMu.Unlock()
			metrics.NotifyClients.Set(0)
			h.log.Info("notification hub stopped")
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.clientsMu.Unlock()
			metrics.NotifyClients.Set(float64(n))
			h.log.Info("client connected", zap.String("remote", client.remoteAddr))

		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.clientsMu.Unlock()
			metrics.NotifyClients.Set(float64(n))
			h.log.Info("client disconnected", zap.String("remote", client.remoteAddr))
		}
	}
}

// Publish implements Publisher. Clients whose buffer is full miss the message.
func (h *Hub) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	msg, err := json.Marshal(n)
	if err != nil {
		h.log.Error("failed to encode notification", zap.String("type", n.Type), zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for client := range h.clients {
		if !client.wants(n.CameraID) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			metrics.NotifyDropped.Inc()
		}
	}
	h.clientsMu.RUnlock()

	if h.natsConn != nil && n.CameraID != "" {
		if err := h.natsConn.Publish(EventSubjectPrefix+n.Type+"."+n.CameraID, msg); err != nil {
			h.log.Warn("failed to mirror notification", zap.String("type", n.Type), zap.Error(err))
		}
	}
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// HubStats is a point-in-time view of the hub
type HubStats struct {
	Clients       int `json:"clients"`
	Subscriptions int `json:"subscriptions"`
}

// Stats returns hub statistics
func (h *Hub) Stats() HubStats {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	stats := HubStats{Clients: len(h.clients)}
	for client := range h.clients {
		client.camerasMu.RLock()
		stats.Subscriptions += len(client.cameras)
		client.camerasMu.RUnlock()
	}
	return stats
}
