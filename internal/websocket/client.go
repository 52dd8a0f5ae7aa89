package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Close reason bytes that fit in a control frame after the 2-byte code
	maxCloseReason = 123
)

// Client is one browser connection. instID is owned by the hub loop; the
// pumps only touch conn, send and done.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	instID string
	logger *slog.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClientID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func newClient(hub *Hub, conn *websocket.Conn, instID string) *Client {
	id := newClientID()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.cfg.SendBuffer),
		done:   make(chan struct{}),
		instID: instID,
		logger: hub.logger.With("clientID", id),
	}
}

func (c *Client) ID() string {
	return c.id
}

// enqueue hands a frame to the write pump without blocking.
func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// close asks the write pump to send a close frame with code and reason and
// release the socket. Only the first call has any effect.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				code, reason = websocket.CloseMessageTooBig, "message too big"
			}

			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("WebSocket read error", "error", err)
			}
			c.hub.unregisterClient(c, code, reason)
			return
		}

		if !c.hub.postInbound(c, data) {
			return
		}
	}
}

// writePump is the only writer of data frames on the client socket. Each
// queued frame goes out as its own WebSocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Error writing message", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Error sending ping", "error", err)
				return
			}

		case <-c.done:
			c.flush()
			c.conn.WriteControl(websocket.CloseMessage, closeFrame(c.closeCode, c.closeReason), time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever was queued before the close was requested, so a
// final error reply reaches the client ahead of the close frame.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// closeFrame builds a close payload. Codes that must not appear on the wire
// are replaced with a normal closure, and the reason is cut on a rune
// boundary to fit a control frame.
func closeFrame(code int, reason string) []byte {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		code = websocket.CloseNormalClosure
	}
	if len(reason) > maxCloseReason {
		n := maxCloseReason
		for n > 0 && !utf8.RuneStart(reason[n]) {
			n--
		}
		reason = reason[:n]
	}
	return websocket.FormatCloseMessage(code, reason)
}
