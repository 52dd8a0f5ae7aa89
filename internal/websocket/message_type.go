package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// EventType names the server→client control events.
type EventType string

const (
	EventWelcome           EventType = "welcome"
	EventConnected         EventType = "connected"
	EventDisconnected      EventType = "disconnected"
	EventPong              EventType = "pong"
	EventInstrumentChanged EventType = "instrumentChanged"
)

// String returns the string representation of the EventType
func (et EventType) String() string {
	return string(et)
}

// Client→server operations.
const (
	OpPing             = "ping"
	OpChangeInstrument = "changeInstrument"
	OpSubscribe        = "subscribe"
)

// ClientRequest is the part of an inbound client frame the proxy inspects.
// Frames with any other op are forwarded upstream untouched.
type ClientRequest struct {
	Op     string         `json:"op"`
	InstID string         `json:"instId,omitempty"`
	Args   []SubscribeArg `json:"args,omitempty"`
}

var errNotObject = errors.New("expected a JSON object")

// decodeClientRequest parses an inbound client frame. Anything other than a
// JSON object is rejected, including a bare null.
func decodeClientRequest(raw []byte) (ClientRequest, error) {
	var req ClientRequest
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return ClientRequest{}, err
		}
		return ClientRequest{}, errNotObject
	}
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return ClientRequest{}, err
	}
	return req, nil
}

// subscribesTo reports whether req is a subscribe naming instID.
func (r ClientRequest) subscribesTo(instID string) bool {
	if r.Op != OpSubscribe {
		return false
	}
	for _, arg := range r.Args {
		if arg.InstID == instID {
			return true
		}
	}
	return false
}

// EventMessage is a control event sent to a client.
type EventMessage struct {
	Event   EventType `json:"event"`
	Message string    `json:"message,omitempty"`
	InstID  string    `json:"instId,omitempty"`
	Ts      int64     `json:"ts,omitempty"`
}

// ErrorMessage is sent to a client for any non-fatal failure.
type ErrorMessage struct {
	Error string `json:"error"`
}

// SubscribeArg is one channel subscription in a venue subscribe request.
type SubscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// SubscribeRequest is the venue control frame sent once an upstream socket opens.
type SubscribeRequest struct {
	Op   string         `json:"op"`
	Args []SubscribeArg `json:"args"`
}

const welcomeText = "Welcome to the OKX market data WebSocket proxy"

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only fixed, marshalable structs are encoded here.
		panic(err)
	}
	return data
}

func NewWelcomeMessage() []byte {
	return encode(EventMessage{Event: EventWelcome, Message: welcomeText})
}

func NewConnectedMessage(instID string) []byte {
	return encode(EventMessage{Event: EventConnected, InstID: instID})
}

func NewDisconnectedMessage(instID string) []byte {
	return encode(EventMessage{Event: EventDisconnected, InstID: instID})
}

func NewInstrumentChangedMessage(instID string) []byte {
	return encode(EventMessage{Event: EventInstrumentChanged, InstID: instID})
}

// NewPongMessage replies to a heartbeat with the server clock in unix milliseconds.
func NewPongMessage(now time.Time) []byte {
	return encode(EventMessage{Event: EventPong, Ts: now.UnixMilli()})
}

func NewErrorMessage(text string) []byte {
	return encode(ErrorMessage{Error: text})
}

func NewSubscribeRequest(channel, instID string) []byte {
	return encode(SubscribeRequest{
		Op:   OpSubscribe,
		Args: []SubscribeArg{{Channel: channel, InstID: instID}},
	})
}
