package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var errNotTicker = errors.New("not a ticker frame")

// TickerArg identifies the channel a venue push belongs to.
type TickerArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// TickerData is one entry of a ticker push. Prices arrive as strings and may be empty.
type TickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	LastSz string `json:"lastSz"`
	AskPx  string `json:"askPx"`
	BidPx  string `json:"bidPx"`
	Vol24h string `json:"vol24h"`
	Ts     string `json:"ts"`
}

// LastPrice parses the last traded price.
func (d TickerData) LastPrice() (decimal.Decimal, error) {
	return decimal.NewFromString(d.Last)
}

// TickerFrame is the venue's ticker push: {arg:{channel,instId}, data:[...]}.
type TickerFrame struct {
	Arg  TickerArg    `json:"arg"`
	Data []TickerData `json:"data"`
}

// venueEvent covers the venue's control replies ({event:"subscribe"|"error", ...}).
type venueEvent struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

// ParseTicker decodes a venue frame as a ticker push. Control replies and frames
// without data return errNotTicker.
func ParseTicker(data []byte) (*TickerFrame, error) {
	var frame TickerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	if frame.Arg.Channel == "" || len(frame.Data) == 0 {
		return nil, errNotTicker
	}
	return &frame, nil
}

func parseVenueEvent(data []byte) (venueEvent, bool) {
	var ev venueEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
		return venueEvent{}, false
	}
	return ev, true
}
