package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades GET /ws requests and registers the resulting
// client with hub, which starts its read and write pumps.
func WebSocketHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// The upgrader has already written the error response.
			logger.Warn("WebSocket upgrade failed", zap.String("addr", c.Request.RemoteAddr), zap.Error(err))
			return
		}

		client := NewClient(ws, hub, c.Request.RemoteAddr)
		if err := hub.Register(client); err != nil {
			logger.Warn("Rejecting connection", zap.String("addr", client.addr), zap.Error(err))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			_ = ws.Close()
		}
	}
}

// HealthHandler provides a plain text health check that includes the number
// of live connections.
func HealthHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "Relaychat server is running! Connections: %d", hub.Len())
	}
}
