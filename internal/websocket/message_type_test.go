package websocket

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessages_Encoding(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want string
	}{
		{"welcome", NewWelcomeMessage(), `{"event":"welcome","message":"Welcome to the OKX market data WebSocket proxy"}`},
		{"connected", NewConnectedMessage("BTC-USDT"), `{"event":"connected","instId":"BTC-USDT"}`},
		{"disconnected", NewDisconnectedMessage("ETH-USDT"), `{"event":"disconnected","instId":"ETH-USDT"}`},
		{"instrument changed", NewInstrumentChangedMessage("SOL-USDT"), `{"event":"instrumentChanged","instId":"SOL-USDT"}`},
		{"pong", NewPongMessage(time.UnixMilli(1700000000123)), `{"event":"pong","ts":1700000000123}`},
		{"error", NewErrorMessage("invalid message: boom"), `{"error":"invalid message: boom"}`},
		{"subscribe", NewSubscribeRequest("tickers", "BTC-USDT"), `{"op":"subscribe","args":[{"channel":"tickers","instId":"BTC-USDT"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(tt.got))
		})
	}
}

func TestClientRequest_Decode(t *testing.T) {
	var req ClientRequest
	require.NoError(t, json.Unmarshal([]byte(`{"op":"changeInstrument","instId":"ETH-USDT"}`), &req))
	assert.Equal(t, OpChangeInstrument, req.Op)
	assert.Equal(t, "ETH-USDT", req.InstID)

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &req))
}

func TestDecodeClientRequest(t *testing.T) {
	req, err := decodeClientRequest([]byte(` {"op":"subscribe","args":[{"channel":"books5","instId":"BTC-USDT"}]}`))
	require.NoError(t, err)
	assert.True(t, req.subscribesTo("BTC-USDT"))
	assert.False(t, req.subscribesTo("ETH-USDT"))

	req, err = decodeClientRequest([]byte(`{"op":"ping"}`))
	require.NoError(t, err)
	assert.False(t, req.subscribesTo("BTC-USDT"))

	for _, raw := range []string{`null`, `42`, `"ping"`, `[1,2]`, ``, `{bad`} {
		_, err := decodeClientRequest([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}

	_, err = decodeClientRequest([]byte(`null`))
	assert.ErrorIs(t, err, errNotObject)
}

func TestParseTicker(t *testing.T) {
	frame, err := ParseTicker(tickerFrame("BTC-USDT", "43250.5"))
	require.NoError(t, err)
	assert.Equal(t, "tickers", frame.Arg.Channel)
	require.Len(t, frame.Data, 1)

	last, err := frame.Data[0].LastPrice()
	require.NoError(t, err)
	assert.Equal(t, "43250.5", last.String())

	_, err = ParseTicker([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`))
	assert.ErrorIs(t, err, errNotTicker)

	_, err = ParseTicker([]byte(`not json`))
	assert.Error(t, err)

	empty := TickerData{InstID: "BTC-USDT"}
	_, err = empty.LastPrice()
	assert.Error(t, err)
}

func TestParseVenueEvent(t *testing.T) {
	ev, ok := parseVenueEvent([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	require.True(t, ok)
	assert.Equal(t, "error", ev.Event)
	assert.Equal(t, "60012", ev.Code)

	_, ok = parseVenueEvent(tickerFrame("BTC-USDT", "1"))
	assert.False(t, ok)
}

func TestCloseFrame(t *testing.T) {
	payload := closeFrame(websocket.CloseAbnormalClosure, "gone")
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "gone"), payload)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	payload = closeFrame(websocket.ClosePolicyViolation, string(long))
	assert.LessOrEqual(t, len(payload), 125)

	// 2-byte runes: byte 123 falls mid-rune.
	payload = closeFrame(websocket.ClosePolicyViolation, strings.Repeat("é", 100))
	assert.LessOrEqual(t, len(payload), 125)
	assert.True(t, utf8.Valid(payload[2:]))
	assert.Equal(t, strings.Repeat("é", 61), string(payload[2:]))
}

func TestValidateUpstreamURL(t *testing.T) {
	assert.NoError(t, validateUpstreamURL("wss://ws.okx.com:8443/ws/v5/public"))
	assert.NoError(t, validateUpstreamURL("ws://127.0.0.1:9000"))
	assert.Error(t, validateUpstreamURL("https://www.okx.com"))
	assert.Error(t, validateUpstreamURL("wss://"))
	assert.Error(t, validateUpstreamURL("://bad"))
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "unknown(9)", ConnectionState(9).String())
}
