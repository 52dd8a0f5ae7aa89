package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"market-proxy/internal/config"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

var ErrMissingParam = errors.New("missing required parameter")

// MissingParamError names the query parameter a forwarded request lacked.
type MissingParamError struct {
	Param string
}

func (e *MissingParamError) Error() string {
	return e.Param + " is required"
}

func (e *MissingParamError) Is(target error) bool {
	return target == ErrMissingParam
}

// Endpoint is one public venue query the proxy forwards.
type Endpoint struct {
	VenuePath string
	Required  []string
	Optional  []string
}

var (
	MarketTickers = Endpoint{
		VenuePath: "/api/v5/market/tickers",
		Required:  []string{"instType"},
		Optional:  []string{"uly", "instFamily"},
	}
	MarketTicker = Endpoint{
		VenuePath: "/api/v5/market/ticker",
		Required:  []string{"instId"},
	}
	MarketBooks = Endpoint{
		VenuePath: "/api/v5/market/books",
		Required:  []string{"instId"},
		Optional:  []string{"sz"},
	}
	MarketCandles = Endpoint{
		VenuePath: "/api/v5/market/candles",
		Required:  []string{"instId"},
		Optional:  []string{"bar", "before", "after", "limit"},
	}
	PublicInstruments = Endpoint{
		VenuePath: "/api/v5/public/instruments",
		Required:  []string{"instType"},
		Optional:  []string{"uly", "instFamily", "instId"},
	}
	PublicFundingRate = Endpoint{
		VenuePath: "/api/v5/public/funding-rate",
		Required:  []string{"instId"},
	}
	PublicTime = Endpoint{
		VenuePath: "/api/v5/public/time",
	}
	SystemStatus = Endpoint{
		VenuePath: "/api/v5/system/status",
		Optional:  []string{"state"},
	}
)

// Params picks the endpoint's parameters out of query. Unknown parameters
// are dropped.
func (e Endpoint) Params(query url.Values) (map[string]string, error) {
	params := make(map[string]string, len(e.Required)+len(e.Optional))
	for _, name := range e.Required {
		v := strings.TrimSpace(query.Get(name))
		if v == "" {
			return nil, &MissingParamError{Param: name}
		}
		params[name] = v
	}
	for _, name := range e.Optional {
		if v := strings.TrimSpace(query.Get(name)); v != "" {
			params[name] = v
		}
	}
	return params, nil
}

// VenueResponse is the venue's reply, passed through to the caller as is.
type VenueResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (r *VenueResponse) IsError() bool {
	return r.StatusCode < 200 || r.StatusCode > 299
}

type OKXService struct {
	client  *resty.Client
	limiter *rate.Limiter
}

func NewOKXService(cfg config.RESTConfig) *OKXService {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &OKXService{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

// Forward sends a public GET to the venue. A non-2xx venue reply is not an
// error; only missing parameters and transport failures are.
func (s *OKXService) Forward(ctx context.Context, ep Endpoint, query url.Values) (*VenueResponse, error) {
	params, err := ep.Params(query)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle %s: %w", ep.VenuePath, err)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(ep.VenuePath)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ep.VenuePath, err)
	}

	return &VenueResponse{
		StatusCode:  resp.StatusCode(),
		ContentType: resp.Header().Get("Content-Type"),
		Body:        resp.Body(),
	}, nil
}
