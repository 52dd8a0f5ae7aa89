package websocket

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// NewUpgrader builds the client upgrader. With no configured origins every
// origin is accepted; otherwise the origin must be listed or be a local dev host.
// Requests without an Origin header (non-browser clients) are always accepted.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}

			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					return true
				}
			}

			// For development, allow any localhost variations
			if strings.Contains(origin, "://localhost") || strings.Contains(origin, "://127.0.0.1") {
				return true
			}

			return false
		},
	}
}
