package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's prometheus collectors.
type Metrics struct {
	ActiveClients      prometheus.Gauge
	ActiveUpstreams    prometheus.Gauge
	UpstreamFrames     *prometheus.CounterVec
	ForwardedFrames    *prometheus.CounterVec
	DroppedFrames      *prometheus.CounterVec
	UpstreamReconnects *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	ClientErrors       *prometheus.CounterVec
	LastPrice          *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "market_proxy",
			Name:      "active_clients",
			Help:      "Browser WebSocket connections currently registered.",
		}),
		ActiveUpstreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "market_proxy",
			Name:      "active_upstreams",
			Help:      "Upstream venue connections currently registered.",
		}),
		UpstreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market_proxy",
			Name:      "upstream_frames_total",
			Help:      "Frames received from upstream venue connections.",
		}, []string{"inst_id"}),
		ForwardedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market_proxy",
			Name:      "forwarded_frames_total",
			Help:      "Upstream frames delivered to client send queues.",
		}, []string{"inst_id"}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market_proxy",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a send queue was full.",
		}, []string{"direction"}),
		UpstreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market_proxy",
			Name:      "upstream_reconnects_total",
			Help:      "Reconnect attempts started for upstream venue connections.",
		}, []string{"inst_id"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market_proxy",
			Name:      "upstream_errors_total",
			Help:      "Upstream dial and read failures.",
		}, []string{"inst_id"}),
		ClientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market_proxy",
			Name:      "client_errors_total",
			Help:      "Error replies sent to clients, by reason.",
		}, []string{"reason"}),
		LastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "market_proxy",
			Name:      "ticker_last_price",
			Help:      "Last traded price seen on the ticker channel.",
		}, []string{"inst_id"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveClients,
			m.ActiveUpstreams,
			m.UpstreamFrames,
			m.ForwardedFrames,
			m.DroppedFrames,
			m.UpstreamReconnects,
			m.UpstreamErrors,
			m.ClientErrors,
			m.LastPrice,
		)
	}
	return m
}

// Client error reasons.
const (
	reasonInvalidMessage = "invalid_message"
	reasonNoUpstream     = "no_upstream"
	reasonUpstreamCreate = "upstream_create"
	reasonBadRequest     = "bad_request"
)
