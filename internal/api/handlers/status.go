package handlers

import (
	"context"
	"net/http"
	"time"

	ws "market-proxy/internal/websocket"
	"market-proxy/pkg/response"

	"github.com/gin-gonic/gin"
)

// RegistryReader exposes the live connection registry.
type RegistryReader interface {
	Snapshot(ctx context.Context) (ws.Snapshot, error)
}

type EndpointInfo struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Venue  string `json:"venue,omitempty"`
}

type StatusResponse struct {
	Status         string         `json:"status"`
	Uptime         string         `json:"uptime"`
	Timestamp      int64          `json:"timestamp"`
	Registry       ws.Snapshot    `json:"registry"`
	Endpoints      []EndpointInfo `json:"endpoints"`
	TotalEndpoints int            `json:"totalEndpoints"`
}

type StatusHandler struct {
	registry  RegistryReader
	wsPath    string
	startedAt time.Time
}

func NewStatusHandler(registry RegistryReader, wsPath string) *StatusHandler {
	return &StatusHandler{registry: registry, wsPath: wsPath, startedAt: time.Now()}
}

// GetStatus reports the proxy's endpoints and the current registry contents.
func (h *StatusHandler) GetStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	snapshot, err := h.registry.Snapshot(ctx)
	if err != nil {
		response.InternalError(c, err)
		return
	}

	endpoints := make([]EndpointInfo, 0, len(MarketRoutes)+2)
	for _, route := range MarketRoutes {
		endpoints = append(endpoints, EndpointInfo{
			Name:   route.Name,
			Method: http.MethodGet,
			Path:   "/api" + route.Path,
			Venue:  route.Endpoint.VenuePath,
		})
	}
	endpoints = append(endpoints,
		EndpointInfo{Name: "getStatus", Method: http.MethodGet, Path: "/api/status"},
		EndpointInfo{Name: "marketData", Method: http.MethodGet, Path: h.wsPath},
	)

	c.JSON(http.StatusOK, StatusResponse{
		Status:         "ok",
		Uptime:         time.Since(h.startedAt).Round(time.Second).String(),
		Timestamp:      time.Now().UnixMilli(),
		Registry:       snapshot,
		Endpoints:      endpoints,
		TotalEndpoints: len(endpoints),
	})
}

// Healthz is the liveness probe.
func (h *StatusHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
