package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/irisdrone/checkpoint/internal/notify"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins
	},
}

// HandleNotificationsWebSocket handles WebSocket connections for live notifications
func (a *API) HandleNotificationsWebSocket(c *gin.Context) {
	if a.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Notification hub not initialized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := notify.NewClient(a.Hub, conn, c.ClientIP())
	if !a.Hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
