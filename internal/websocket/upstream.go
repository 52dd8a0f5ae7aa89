package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState is the lifecycle state of an upstream connection.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateSubscribed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// venueKeepaliveReply is the venue's answer to a text "ping"; it is not forwarded.
const venueKeepaliveReply = "pong"

// Conn is the subset of *websocket.Conn used for upstream sockets.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens upstream venue sockets.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket, honouring HTTP(S)_PROXY.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
}

func (d GorillaDialer) DialContext(ctx context.Context, urlStr string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", urlStr, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", urlStr, err)
	}
	return conn, nil
}

// upstream is the registry entry for one instrument. It is owned by the hub loop.
type upstream struct {
	instID         string
	subscribers    map[string]struct{}
	state          ConnectionState
	sock           *upstreamSocket
	reconnectTimer *time.Timer
	attempts       int
}

type upstreamEventKind int

const (
	upstreamOpened upstreamEventKind = iota
	upstreamMessage
	upstreamFailed
	upstreamClosed
)

// upstreamEvent is posted by socket goroutines to the hub loop.
type upstreamEvent struct {
	sock   *upstreamSocket
	kind   upstreamEventKind
	data   []byte
	err    error
	code   int
	reason string
}

// upstreamSocket is one dial attempt and the connection it produced. A
// reconnect always creates a new upstreamSocket.
type upstreamSocket struct {
	instID string
	logger *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	conn      Conn
}

func newUpstreamSocket(instID string, logger *slog.Logger) *upstreamSocket {
	return &upstreamSocket{
		instID: instID,
		logger: logger,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// validateUpstreamURL rejects URLs that could never be dialed.
func validateUpstreamURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("upstream url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("upstream url has no host")
	}
	return nil
}

// run dials the venue and pumps frames until the socket fails or is closed.
// Every outcome is reported to the hub as events; run never touches registry state.
func (s *upstreamSocket) run(h *Hub) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.DialTimeout)
	conn, err := h.dialer.DialContext(ctx, h.cfg.UpstreamURL)
	cancel()
	if err != nil {
		h.postEvent(upstreamEvent{sock: s, kind: upstreamFailed, err: err})
		h.postEvent(upstreamEvent{sock: s, kind: upstreamClosed, code: websocket.CloseAbnormalClosure, reason: "dial failed"})
		return
	}

	s.mu.Lock()
	select {
	case <-s.done:
		// Reclaimed while dialing.
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conn = conn
	s.mu.Unlock()

	if !h.postEvent(upstreamEvent{sock: s, kind: upstreamOpened}) {
		s.Close()
		return
	}

	go s.writePump(h.cfg.PingInterval)
	s.readPump(h)
}

func (s *upstreamSocket) readPump(h *Hub) {
	defer s.Close()

	for {
		if h.cfg.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Closed by the hub; nobody is listening for this socket any more.
				return
			default:
			}

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				h.postEvent(upstreamEvent{sock: s, kind: upstreamClosed, code: closeErr.Code, reason: closeErr.Text})
				return
			}
			h.postEvent(upstreamEvent{sock: s, kind: upstreamFailed, err: err})
			h.postEvent(upstreamEvent{sock: s, kind: upstreamClosed, code: websocket.CloseAbnormalClosure, reason: err.Error()})
			return
		}

		if string(data) == venueKeepaliveReply {
			continue
		}

		if !h.postEvent(upstreamEvent{sock: s, kind: upstreamMessage, data: data}) {
			return
		}
	}
}

func (s *upstreamSocket) writePump(pingInterval time.Duration) {
	var keepalive <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("Upstream write failed", "instId", s.instID, "error", err)
				s.conn.Close()
				return
			}

		case <-keepalive:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				s.logger.Debug("Upstream keepalive failed", "instId", s.instID, "error", err)
				s.conn.Close()
				return
			}

		case <-s.done:
			return
		}
	}
}

// trySend queues a frame for the venue without blocking the hub loop.
func (s *upstreamSocket) trySend(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the socket's goroutines and closes the connection. It never
// waits on the network; the close frame is written from its own goroutine.
// Safe to call from any goroutine, any number of times.
func (s *upstreamSocket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			go closeConn(conn)
		}
	})
}

func closeConn(conn Conn) {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.Close()
}
