package routes

import (
	"log/slog"

	"market-proxy/internal/api/handlers"
	"market-proxy/internal/api/middleware"
	"market-proxy/internal/config"
	"market-proxy/internal/services"
	ws "market-proxy/internal/websocket"
	"market-proxy/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Router struct {
	engine        *gin.Engine
	cfg           *config.Config
	wsHandler     *handlers.WSHandler
	marketHandler *handlers.MarketHandler
	statusHandler *handlers.StatusHandler
	rateLimitMW   *middleware.RateLimitMiddleware
	gatherer      prometheus.Gatherer
}

func NewRouter(
	cfg *config.Config,
	hub *ws.Hub,
	venue handlers.Forwarder,
	limiter services.RateLimiter,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Router {
	engine := gin.New()

	// Add middlewares
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	engine.Use(middleware.LogApi("/healthz", "/metrics"))

	return &Router{
		engine:        engine,
		cfg:           cfg,
		wsHandler:     handlers.NewWSHandler(hub),
		marketHandler: handlers.NewMarketHandler(venue, logger),
		statusHandler: handlers.NewStatusHandler(hub, cfg.WebSocket.Path),
		rateLimitMW:   middleware.NewRateLimitMiddleware(limiter, logger),
		gatherer:      gatherer,
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", r.statusHandler.Healthz)
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	// The only path that accepts WebSocket upgrades.
	r.engine.GET(r.cfg.WebSocket.Path,
		r.rateLimitMW.WebSocketRateLimit(r.cfg.RateLimit.WSConnections, r.cfg.RateLimit.Window),
		r.wsHandler.HandleWebSocket,
	)

	api := r.engine.Group("/api")
	api.Use(r.rateLimitMW.RateLimitIP(r.cfg.RateLimit.Requests, r.cfg.RateLimit.Window))
	{
		api.GET("/status", r.statusHandler.GetStatus)
		r.marketHandler.RegisterRoutes(api)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			handlers.RejectUpgrade(c)
			return
		}
		response.NotFound(c)
	})
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
