package handlers

import (
	"net/http"

	ws "market-proxy/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type WSHandler struct {
	hub *ws.Hub
}

func NewWSHandler(hub *ws.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// HandleWebSocket accepts a market-data client on the fixed WebSocket path.
// The instrument is taken from ?instId=, defaulting to the configured one.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.Header("Upgrade", "websocket")
		c.AbortWithStatusJSON(http.StatusUpgradeRequired, gin.H{"error": "WebSocket upgrade required"})
		return
	}

	h.hub.ServeWS(c.Writer, c.Request)
}

// RejectUpgrade answers an upgrade request on any path other than the
// WebSocket one. It is used from the router's NoRoute handler.
func RejectUpgrade(c *gin.Context) {
	c.Header("Connection", "close")
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
		"error": "WebSocket endpoint not found",
		"path":  c.Request.URL.Path,
	})
}
