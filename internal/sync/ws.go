package sync

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mediahub/internal/auth"
)

const DeviceHeader = "X-Device-ID"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients are native apps, not browsers
	},
}

// WSHandler streams the caller's library events. It must run behind
// auth.AuthMiddleware.
func WSHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := auth.MustGetClaims(c)
		if claims == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		deviceID := c.GetHeader(DeviceHeader)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		if err := hub.AddWS(claims.UserID, deviceID, ws); err != nil {
			_ = ws.Close()
			return
		}
		hub.logger.Info("ws_client_connected", "user_id", claims.UserID, "device_id", deviceID)

		// incoming messages are ignored; reading detects the close
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}

		hub.RemoveWS(claims.UserID, ws)
		hub.logger.Info("ws_client_disconnected", "user_id", claims.UserID, "device_id", deviceID)
	}
}
