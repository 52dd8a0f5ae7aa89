package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"market-proxy/internal/services"
	"market-proxy/pkg/response"

	"github.com/gin-gonic/gin"
)

// Forwarder sends a public query to the venue.
type Forwarder interface {
	Forward(ctx context.Context, ep services.Endpoint, query url.Values) (*services.VenueResponse, error)
}

// Route binds a local path to a venue endpoint.
type Route struct {
	Name     string
	Path     string
	Endpoint services.Endpoint
}

// MarketRoutes are the public REST queries the proxy forwards, relative to /api.
var MarketRoutes = []Route{
	{Name: "getTickers", Path: "/market/tickers", Endpoint: services.MarketTickers},
	{Name: "getTicker", Path: "/market/ticker", Endpoint: services.MarketTicker},
	{Name: "getOrderBook", Path: "/market/books", Endpoint: services.MarketBooks},
	{Name: "getCandles", Path: "/market/candles", Endpoint: services.MarketCandles},
	{Name: "getInstruments", Path: "/public/instruments", Endpoint: services.PublicInstruments},
	{Name: "getFundingRate", Path: "/public/funding-rate", Endpoint: services.PublicFundingRate},
	{Name: "getSystemTime", Path: "/public/time", Endpoint: services.PublicTime},
	{Name: "getSystemStatus", Path: "/system/status", Endpoint: services.SystemStatus},
}

type MarketHandler struct {
	venue  Forwarder
	logger *slog.Logger
}

func NewMarketHandler(venue Forwarder, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{venue: venue, logger: logger}
}

// RegisterRoutes maps every market route under r.
func (h *MarketHandler) RegisterRoutes(r *gin.RouterGroup) {
	for _, route := range MarketRoutes {
		r.GET(route.Path, h.Forward(route.Endpoint))
	}
}

// Forward relays the request's query to ep and writes the venue reply back
// with the venue's status code.
func (h *MarketHandler) Forward(ep services.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := h.venue.Forward(c.Request.Context(), ep, c.Request.URL.Query())
		if err != nil {
			var missing *services.MissingParamError
			if errors.As(err, &missing) {
				response.BadRequest(c, missing.Error())
				return
			}

			h.logger.Error("Venue request failed", "path", ep.VenuePath, "error", err)
			response.BadGateway(c, err)
			return
		}

		if resp.IsError() {
			h.logger.Warn("Venue returned error", "path", ep.VenuePath, "status", resp.StatusCode)
		}
		response.Raw(c, resp.StatusCode, resp.ContentType, resp.Body)
	}
}
