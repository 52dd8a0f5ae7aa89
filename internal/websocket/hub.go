package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrHubStopped     = errors.New("hub stopped")
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrNoUpstream     = errors.New("no active upstream connection")
)

// HubConfig carries the tunables the hub needs from the service config.
type HubConfig struct {
	UpstreamURL       string
	Channel           string
	DefaultInstrument string
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	SendBuffer        int
	MaxMessageSize    int64
	AllowedOrigins    []string
}

type clientMessage struct {
	client *Client
	data   []byte
}

type clientDisconnect struct {
	client *Client
	code   int
	reason string
}

// UpstreamSnapshot describes one registry entry.
type UpstreamSnapshot struct {
	InstID           string `json:"instId"`
	State            string `json:"state"`
	Subscribers      int    `json:"subscribers"`
	ReconnectPending bool   `json:"reconnectPending"`
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Clients   int                         `json:"clients"`
	Upstreams map[string]UpstreamSnapshot `json:"upstreams"`
}

// Hub is the connection registry. One goroutine (Run) owns the client and
// upstream maps; everything else talks to it through channels.
type Hub struct {
	cfg      HubConfig
	dialer   Dialer
	metrics  *Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients   map[string]*Client
	upstreams map[string]*upstream
	evictions []*Client

	register   chan *Client
	unregister chan clientDisconnect
	inbound    chan clientMessage
	events     chan upstreamEvent
	reconnects chan *upstream
	snapshots  chan chan Snapshot

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	now func() time.Time
}

func NewHub(cfg HubConfig, dialer Dialer, metrics *Metrics, logger *slog.Logger) *Hub {
	if dialer == nil {
		dialer = GorillaDialer{HandshakeTimeout: cfg.DialTimeout}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 256
	}
	if cfg.MaxMessageSize < 1 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		cfg:        cfg,
		dialer:     dialer,
		metrics:    metrics,
		logger:     logger.With("component", "hub"),
		upgrader:   NewUpgrader(cfg.AllowedOrigins),
		clients:    make(map[string]*Client),
		upstreams:  make(map[string]*upstream),
		register:   make(chan *Client),
		unregister: make(chan clientDisconnect, 64),
		inbound:    make(chan clientMessage, 256),
		events:     make(chan upstreamEvent, 256),
		reconnects: make(chan *upstream),
		snapshots:  make(chan chan Snapshot),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
		now:        time.Now,
	}
}

// Run processes registry events until ctx is cancelled or Stop is called,
// then closes every socket and returns.
func (h *Hub) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, h.cancel)
	defer stop()
	defer close(h.stopped)

	h.logger.Info("Hub started", "upstream", h.cfg.UpstreamURL, "channel", h.cfg.Channel)

	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case d := <-h.unregister:
			h.disconnectClient(d.client, d.code, d.reason)
		case m := <-h.inbound:
			if h.clients[m.client.id] == m.client {
				h.routeClientMessage(m.client, m.data)
			}
		case ev := <-h.events:
			h.handleUpstreamEvent(ev)
		case up := <-h.reconnects:
			h.reconnectUpstream(up)
		case reply := <-h.snapshots:
			reply <- h.snapshot()
		case <-h.ctx.Done():
			h.shutdown()
			return
		}
		h.evictSlowClients()
	}
}

// Stop cancels the hub and waits for Run to finish its shutdown.
func (h *Hub) Stop() {
	h.cancel()
	<-h.stopped
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

// ServeWS upgrades the request and registers the connection. The instrument
// comes from the instId query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	instID := strings.TrimSpace(r.URL.Query().Get("instId"))
	if instID == "" {
		instID = h.cfg.DefaultInstrument
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		h.logger.Warn("Failed to upgrade WebSocket connection", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(h, conn, instID)

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.WriteControl(websocket.CloseMessage, closeFrame(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Snapshot returns a copy of the registry, computed on the hub loop.
func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)

	select {
	case h.snapshots <- reply:
	case <-h.ctx.Done():
		return Snapshot{}, ErrHubStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-h.ctx.Done():
		return Snapshot{}, ErrHubStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (h *Hub) postEvent(ev upstreamEvent) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) postInbound(c *Client, data []byte) bool {
	select {
	case h.inbound <- clientMessage{client: c, data: data}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(c *Client, code int, reason string) {
	select {
	case h.unregister <- clientDisconnect{client: c, code: code, reason: reason}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) addClient(c *Client) {
	h.clients[c.id] = c
	h.metrics.ActiveClients.Set(float64(len(h.clients)))
	h.logger.Info("Client registered", "clientID", c.id, "instId", c.instID, "clients", len(h.clients))

	h.sendTo(c, NewWelcomeMessage())
	h.ensureUpstream(c, c.instID)
}

// sendTo queues data for c. A client whose queue is full is evicted after
// the current event has been handled.
func (h *Hub) sendTo(c *Client, data []byte) bool {
	err := c.enqueue(data)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrSendBufferFull) {
		h.metrics.DroppedFrames.WithLabelValues("client").Inc()
		h.logger.Warn("Send buffer full, closing client", "clientID", c.id, "instId", c.instID)
		h.evictions = append(h.evictions, c)
	}
	return false
}

func (h *Hub) sendError(c *Client, reason, text string) {
	h.metrics.ClientErrors.WithLabelValues(reason).Inc()
	h.sendTo(c, NewErrorMessage(text))
}

func (h *Hub) broadcast(up *upstream, data []byte) {
	for id := range up.subscribers {
		if c, ok := h.clients[id]; ok {
			h.sendTo(c, data)
		}
	}
}

func (h *Hub) evictSlowClients() {
	for len(h.evictions) > 0 {
		c := h.evictions[0]
		h.evictions = h.evictions[1:]
		h.disconnectClient(c, websocket.ClosePolicyViolation, ErrSendBufferFull.Error())
	}
	h.evictions = nil
}

// ensureUpstream subscribes c to instID, creating the upstream connection
// if none exists for that instrument. It reports false when the connection
// could not be created; c has then been sent the error.
func (h *Hub) ensureUpstream(c *Client, instID string) bool {
	if up, ok := h.upstreams[instID]; ok {
		up.subscribers[c.id] = struct{}{}
		if up.state == StateOpen || up.state == StateSubscribed {
			h.sendTo(c, NewConnectedMessage(instID))
		}
		h.logger.Debug("Client joined upstream", "clientID", c.id, "instId", instID, "subscribers", len(up.subscribers))
		return true
	}

	up := &upstream{
		instID:      instID,
		subscribers: map[string]struct{}{c.id: {}},
	}
	if err := h.connectUpstream(up); err != nil {
		h.logger.Error("Failed to create upstream connection", "instId", instID, "error", err)
		h.sendError(c, reasonUpstreamCreate, fmt.Sprintf("failed to create upstream connection: %v", err))
		return false
	}

	h.upstreams[instID] = up
	h.metrics.ActiveUpstreams.Set(float64(len(h.upstreams)))
	return true
}

// connectUpstream starts a fresh socket for up. It is the only way a socket
// is created, for the first connection and every reconnect.
func (h *Hub) connectUpstream(up *upstream) error {
	if err := validateUpstreamURL(h.cfg.UpstreamURL); err != nil {
		return err
	}

	sock := newUpstreamSocket(up.instID, h.logger)
	up.sock = sock
	up.state = StateConnecting
	up.attempts++

	h.logger.Info("Connecting upstream", "instId", up.instID, "attempt", up.attempts)
	go sock.run(h)
	return nil
}

func (h *Hub) handleUpstreamEvent(ev upstreamEvent) {
	up, ok := h.upstreams[ev.sock.instID]
	if !ok || up.sock != ev.sock {
		// Event from a socket that has been replaced or reclaimed.
		if ev.kind == upstreamOpened {
			ev.sock.Close()
		}
		return
	}

	switch ev.kind {
	case upstreamOpened:
		h.onUpstreamOpen(up)
	case upstreamMessage:
		h.onUpstreamMessage(up, ev.data)
	case upstreamFailed:
		h.onUpstreamError(up, ev.err)
	case upstreamClosed:
		h.onUpstreamClose(up, ev.code, ev.reason)
	}
}

func (h *Hub) onUpstreamOpen(up *upstream) {
	up.state = StateOpen
	up.attempts = 0
	h.logger.Info("Upstream connected", "instId", up.instID, "subscribers", len(up.subscribers))
	h.broadcast(up, NewConnectedMessage(up.instID))

	if !up.sock.trySend(NewSubscribeRequest(h.cfg.Channel, up.instID)) {
		h.metrics.DroppedFrames.WithLabelValues("upstream").Inc()
		h.logger.Warn("Failed to queue subscribe request", "instId", up.instID)
		return
	}
	up.state = StateSubscribed
}

func (h *Hub) onUpstreamMessage(up *upstream, data []byte) {
	h.metrics.UpstreamFrames.WithLabelValues(up.instID).Inc()
	h.inspectFrame(up.instID, data)

	for id := range up.subscribers {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		if h.sendTo(c, data) {
			h.metrics.ForwardedFrames.WithLabelValues(up.instID).Inc()
		}
	}
}

// inspectFrame decodes venue frames for logs and metrics. The frame itself is
// forwarded unchanged whatever the outcome.
func (h *Hub) inspectFrame(instID string, data []byte) {
	ticker, err := ParseTicker(data)
	if err == nil {
		for _, d := range ticker.Data {
			last, err := d.LastPrice()
			if err != nil {
				continue
			}
			h.metrics.LastPrice.WithLabelValues(d.InstID).Set(last.InexactFloat64())
			h.logger.Debug("Ticker", "instId", d.InstID, "last", last.String())
		}
		return
	}

	if ev, ok := parseVenueEvent(data); ok {
		if ev.Event == "error" {
			h.logger.Warn("Upstream reported error", "instId", instID, "code", ev.Code, "msg", ev.Msg)
		} else {
			h.logger.Debug("Upstream event", "instId", instID, "event", ev.Event)
		}
	}
}

func (h *Hub) onUpstreamError(up *upstream, err error) {
	h.metrics.UpstreamErrors.WithLabelValues(up.instID).Inc()
	h.logger.Warn("Upstream error", "instId", up.instID, "error", err)
	h.broadcast(up, NewErrorMessage(fmt.Sprintf("upstream websocket error: %v", err)))
}

func (h *Hub) onUpstreamClose(up *upstream, code int, reason string) {
	up.state = StateClosed
	up.sock = nil
	h.logger.Info("Upstream closed", "instId", up.instID, "code", code, "reason", reason, "subscribers", len(up.subscribers))
	h.broadcast(up, NewDisconnectedMessage(up.instID))

	if len(up.subscribers) == 0 {
		h.removeUpstream(up)
		return
	}
	h.scheduleReconnect(up)
}

func (h *Hub) scheduleReconnect(up *upstream) {
	if up.reconnectTimer != nil {
		return
	}

	h.logger.Info("Scheduling upstream reconnect", "instId", up.instID, "delay", h.cfg.ReconnectDelay)
	up.reconnectTimer = time.AfterFunc(h.cfg.ReconnectDelay, func() {
		select {
		case h.reconnects <- up:
		case <-h.ctx.Done():
		}
	})
}

func (h *Hub) reconnectUpstream(up *upstream) {
	if h.upstreams[up.instID] != up {
		return
	}
	up.reconnectTimer = nil

	if len(up.subscribers) == 0 {
		h.removeUpstream(up)
		return
	}

	h.metrics.UpstreamReconnects.WithLabelValues(up.instID).Inc()
	if err := h.connectUpstream(up); err != nil {
		h.logger.Error("Failed to recreate upstream connection", "instId", up.instID, "error", err)
		h.broadcast(up, NewErrorMessage(fmt.Sprintf("failed to create upstream connection: %v", err)))
		h.removeUpstream(up)
	}
}

// removeUpstream stops the reconnect timer, closes the socket and drops the
// entry. Remaining subscribers, if any, keep their instrument.
func (h *Hub) removeUpstream(up *upstream) {
	if up.reconnectTimer != nil {
		up.reconnectTimer.Stop()
		up.reconnectTimer = nil
	}
	if up.sock != nil {
		up.sock.Close()
		up.sock = nil
	}
	up.state = StateClosed

	if h.upstreams[up.instID] == up {
		delete(h.upstreams, up.instID)
	}
	h.metrics.ActiveUpstreams.Set(float64(len(h.upstreams)))
	h.logger.Info("Upstream removed", "instId", up.instID)
}

// leaveUpstream drops c from its instrument's subscriber set and reclaims
// the upstream once nobody is left.
func (h *Hub) leaveUpstream(c *Client) {
	up, ok := h.upstreams[c.instID]
	if !ok {
		return
	}

	delete(up.subscribers, c.id)
	if len(up.subscribers) == 0 {
		h.logger.Info("No subscribers left, closing upstream", "instId", up.instID)
		h.removeUpstream(up)
	}
}

func (h *Hub) routeClientMessage(c *Client, raw []byte) {
	req, err := decodeClientRequest(raw)
	if err != nil {
		h.logger.Debug("Invalid client message", "clientID", c.id, "error", err)
		h.sendError(c, reasonInvalidMessage, fmt.Sprintf("invalid message: %v", err))
		return
	}

	switch req.Op {
	case OpPing:
		h.sendTo(c, NewPongMessage(h.now()))
	case OpChangeInstrument:
		h.changeInstrument(c, strings.TrimSpace(req.InstID))
	default:
		h.forwardUpstream(c, req, raw)
	}
}

func (h *Hub) changeInstrument(c *Client, instID string) {
	if instID == "" {
		h.sendError(c, reasonBadRequest, "invalid message: changeInstrument requires instId")
		return
	}
	if instID == c.instID {
		if _, ok := h.upstreams[instID]; ok {
			h.sendTo(c, NewInstrumentChangedMessage(instID))
			return
		}
		// The earlier create failed or the entry was dropped; try again.
		h.logger.Info("Client retrying upstream", "clientID", c.id, "instId", instID)
	} else {
		h.logger.Info("Client changing instrument", "clientID", c.id, "from", c.instID, "to", instID)
		h.leaveUpstream(c)
		c.instID = instID
	}

	if h.ensureUpstream(c, instID) {
		h.sendTo(c, NewInstrumentChangedMessage(instID))
	}
}

func (h *Hub) forwardUpstream(c *Client, req ClientRequest, raw []byte) {
	up, ok := h.upstreams[c.instID]
	if !ok && req.subscribesTo(c.instID) {
		// No entry for the client's own instrument: recreate it. The new
		// upstream subscribes on open, so the frame itself is not sent.
		h.ensureUpstream(c, c.instID)
		return
	}
	if !ok || up.sock == nil || (up.state != StateOpen && up.state != StateSubscribed) {
		h.sendError(c, reasonNoUpstream, fmt.Sprintf("%v for instrument %s", ErrNoUpstream, c.instID))
		return
	}

	if !up.sock.trySend(raw) {
		h.metrics.DroppedFrames.WithLabelValues("upstream").Inc()
		h.sendError(c, reasonNoUpstream, fmt.Sprintf("%v for instrument %s", ErrNoUpstream, c.instID))
	}
}

// disconnectClient removes c from the registry and closes its socket.
// Calling it for a client that is already gone does nothing.
func (h *Hub) disconnectClient(c *Client, code int, reason string) {
	if h.clients[c.id] != c {
		return
	}

	h.leaveUpstream(c)
	delete(h.clients, c.id)
	c.close(code, reason)

	h.metrics.ActiveClients.Set(float64(len(h.clients)))
	h.logger.Info("Client disconnected", "clientID", c.id, "instId", c.instID, "code", code, "reason", reason, "clients", len(h.clients))
}

func (h *Hub) shutdown() {
	h.logger.Info("Hub shutting down", "clients", len(h.clients), "upstreams", len(h.upstreams))

	for _, up := range h.upstreams {
		h.removeUpstream(up)
	}
	for id, c := range h.clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
		delete(h.clients, id)
	}
	h.evictions = nil
	h.metrics.ActiveClients.Set(0)
	h.metrics.ActiveUpstreams.Set(0)
}

func (h *Hub) snapshot() Snapshot {
	s := Snapshot{
		Clients:   len(h.clients),
		Upstreams: make(map[string]UpstreamSnapshot, len(h.upstreams)),
	}
	for instID, up := range h.upstreams {
		s.Upstreams[instID] = UpstreamSnapshot{
			InstID:           instID,
			State:            up.state.String(),
			Subscribers:      len(up.subscribers),
			ReconnectPending: up.reconnectTimer != nil,
		}
	}
	return s
}
