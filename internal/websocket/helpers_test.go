package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testTimeout = 3 * time.Second

// venueConn is one upstream socket as seen by the mock venue.
type venueConn struct {
	conn   *websocket.Conn
	instID string
	mu     sync.Mutex
}

func (vc *venueConn) write(data []byte) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.conn.WriteMessage(websocket.TextMessage, data)
}

// mockVenue is an OKX-like public WebSocket endpoint. It records every
// connection and every frame it receives, and answers text pings with "pong".
type mockVenue struct {
	server *httptest.Server

	mu       sync.Mutex
	conns    []*venueConn
	received []string
	closed   int
}

func newMockVenue(t *testing.T) *mockVenue {
	t.Helper()

	v := &mockVenue{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("venue upgrade error: %v", err)
			return
		}
		vc := &venueConn{conn: conn}

		v.mu.Lock()
		v.conns = append(v.conns, vc)
		v.mu.Unlock()

		defer func() {
			conn.Close()
			v.mu.Lock()
			v.closed++
			v.mu.Unlock()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req SubscribeRequest
			isSubscribe := json.Unmarshal(data, &req) == nil && req.Op == OpSubscribe && len(req.Args) > 0

			// Record the frame and the subscription together so that a
			// counted subscribe always has its connection registered.
			v.mu.Lock()
			v.received = append(v.received, string(data))
			if isSubscribe && vc.instID == "" {
				vc.instID = req.Args[0].InstID
			}
			v.mu.Unlock()

			if string(data) == "ping" {
				vc.write([]byte("pong"))
			}
		}
	}))

	t.Cleanup(func() {
		v.mu.Lock()
		for _, vc := range v.conns {
			vc.conn.Close()
		}
		v.mu.Unlock()
		v.server.Close()
	})
	return v
}

// closeNormal sends a normal close frame, as the venue does on maintenance.
func (vc *venueConn) closeNormal() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "maintenance"), time.Now().Add(time.Second))
	vc.conn.Close()
}

func (v *mockVenue) url() string {
	return "ws" + strings.TrimPrefix(v.server.URL, "http")
}

func (v *mockVenue) dials() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.conns)
}

func (v *mockVenue) closedConns() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *mockVenue) receivedFrames() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.received))
	copy(out, v.received)
	return out
}

func (v *mockVenue) countReceived(frame string) int {
	n := 0
	for _, f := range v.receivedFrames() {
		if f == frame {
			n++
		}
	}
	return n
}

// subscribed returns the latest connection that subscribed to instID.
func (v *mockVenue) subscribed(instID string) *venueConn {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := len(v.conns) - 1; i >= 0; i-- {
		if v.conns[i].instID == instID {
			return v.conns[i]
		}
	}
	return nil
}

func (v *mockVenue) waitSubscribed(t *testing.T, instID string) *venueConn {
	t.Helper()
	var vc *venueConn
	require.Eventually(t, func() bool {
		vc = v.subscribed(instID)
		return vc != nil
	}, testTimeout, 10*time.Millisecond, "venue never saw a subscribe for %s", instID)
	return vc
}

func (v *mockVenue) push(t *testing.T, instID string, frame []byte) {
	t.Helper()
	vc := v.subscribed(instID)
	require.NotNil(t, vc, "no venue connection for %s", instID)
	require.NoError(t, vc.write(frame))
}

func testHubConfig(upstreamURL string) HubConfig {
	return HubConfig{
		UpstreamURL:       upstreamURL,
		Channel:           "tickers",
		DefaultInstrument: "BTC-USDT",
		ReconnectDelay:    100 * time.Millisecond,
		DialTimeout:       2 * time.Second,
		SendBuffer:        64,
		MaxMessageSize:    4096,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHub runs a hub behind an httptest server and returns the client URL.
func startHub(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()

	hub := NewHub(cfg, nil, NewMetrics(nil), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, hubURL, instID string) *websocket.Conn {
	t.Helper()

	u := hubURL
	if instID != "" {
		u += "?instId=" + instID
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &msg))
	return msg
}

// expectEvent reads the next frame and checks it is the given event.
func expectEvent(t *testing.T, conn *websocket.Conn, event EventType, instID string) map[string]any {
	t.Helper()
	msg := readJSON(t, conn)
	require.Equal(t, event.String(), msg["event"], "unexpected frame %v", msg)
	if instID != "" {
		require.Equal(t, instID, msg["instId"])
	}
	return msg
}

// expectNoFrame asserts that nothing arrives on conn within d. A read
// timeout breaks the connection, so this must be the last read on conn.
func expectNoFrame(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

func snapshot(t *testing.T, hub *Hub) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := hub.Snapshot(ctx)
	require.NoError(t, err)
	return s
}

// waitForState polls the registry until cond holds. It does not fail from
// inside the polling goroutine.
func waitForState(t *testing.T, hub *Hub, cond func(Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := hub.Snapshot(ctx)
		return err == nil && cond(s)
	}, testTimeout, 10*time.Millisecond, msg)
}

func tickerFrame(instID, last string) []byte {
	return []byte(`{"arg":{"channel":"tickers","instId":"` + instID + `"},"data":[{"instId":"` + instID + `","last":"` + last + `","ts":"1700000000000"}]}`)
}

// hangingDialer never completes a dial before ctx ends.
type hangingDialer struct{}

func (hangingDialer) DialContext(ctx context.Context, _ string) (Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stalledConn is a venue connection whose writes hang until release is
// closed or the write deadline passes.
type stalledConn struct {
	release   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newStalledConn() *stalledConn {
	return &stalledConn{release: make(chan struct{}), closed: make(chan struct{})}
}

func (c *stalledConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("use of closed connection")
}

func (c *stalledConn) WriteMessage(int, []byte) error {
	<-c.release
	return nil
}

func (c *stalledConn) WriteControl(_ int, _ []byte, deadline time.Time) error {
	select {
	case <-c.release:
		return nil
	case <-time.After(time.Until(deadline)):
		return errors.New("write deadline exceeded")
	}
}

func (c *stalledConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stalledConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stalledConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// newTestClient builds a client with no socket, for driving hub methods directly.
func newTestClient(hub *Hub, id, instID string, buffer int) *Client {
	return &Client{
		id:     id,
		hub:    hub,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		instID: instID,
		logger: discardLogger(),
	}
}

// drainFrames returns every frame queued for c without blocking.
func drainFrames(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		select {
		case data := <-c.send:
			var msg map[string]any
			require.NoError(t, json.Unmarshal(data, &msg))
			frames = append(frames, msg)
		default:
			return frames
		}
	}
}
