package idex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/awnumar/memguard"

	"github.com/caesar-terminal/idexbook/internal/metrics"
)

const APIKeyHeader = "IDEX-API-Key"

// Status-class errors returned by the REST API, reachable via errors.Is on
// an *APIError.
var (
	ErrBadRequest      = errors.New("idex: bad request")
	ErrTooManyRequests = errors.New("idex: too many requests")
	ErrInternalServer  = errors.New("idex: internal server error")

	// ErrUnavailable wraps failures to get a usable reply at all: dial,
	// timeout, body read or an undecodable body.
	ErrUnavailable = errors.New("idex: venue unavailable")
)

// APIError is a non-200 REST response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("idex: http %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("idex: http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	case ErrTooManyRequests:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrInternalServer:
		return e.StatusCode == http.StatusInternalServerError
	}
	return false
}

// Credentials hold the API key sealed in a memguard enclave. It is opened
// only while a request header is written.
type Credentials struct {
	enclave *memguard.Enclave
}

// NewCredentials seals key and wipes the caller's slice. An empty key
// yields credentials that add no header.
func NewCredentials(key []byte) *Credentials {
	if len(key) == 0 {
		return &Credentials{}
	}
	return &Credentials{enclave: memguard.NewEnclave(key)}
}

func (c *Credentials) apply(h http.Header) error {
	if c == nil || c.enclave == nil {
		return nil
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return fmt.Errorf("idex: open api key enclave: %w", err)
	}
	h.Set(APIKeyHeader, string(buf.Bytes()))
	buf.Destroy()
	return nil
}

// Header returns a fresh header carrying the API key, or nil when no key is
// configured. The WebSocket handshake uses it.
func (c *Credentials) Header() (http.Header, error) {
	if c == nil || c.enclave == nil {
		return nil, nil
	}
	h := make(http.Header)
	if err := c.apply(h); err != nil {
		return nil, err
	}
	return h, nil
}

// ExchangeInfo is the subset of GET /exchange used for pool pricing.
type ExchangeInfo struct {
	TakerIdexFeeRate              string `json:"takerIdexFeeRate"`
	TakerLiquidityProviderFeeRate string `json:"takerLiquidityProviderFeeRate"`
	TakerTradeMinimum             string `json:"takerTradeMinimum"`
}

// Asset is one entry of GET /assets. MaticPrice is absent for unpriced tokens.
type Asset struct {
	Symbol     string  `json:"symbol"`
	MaticPrice *string `json:"maticPrice"`
}

// Market is one entry of GET /markets.
type Market struct {
	Market     string `json:"market"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	TickSize   string `json:"tickSize"`
}

// RESTClient calls the public IDEX REST endpoints.
type RESTClient struct {
	BaseURL    string
	HTTPClient *http.Client
	creds      *Credentials
}

func NewRESTClient(baseURL string, timeout time.Duration, creds *Credentials) *RESTClient {
	return &RESTClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		creds: creds,
	}
}

// ExchangeInfo calls GET /exchange.
func (c *RESTClient) ExchangeInfo(ctx context.Context) (ExchangeInfo, error) {
	var out ExchangeInfo
	err := c.get(ctx, "/exchange", nil, &out)
	return out, err
}

// Assets calls GET /assets.
func (c *RESTClient) Assets(ctx context.Context) ([]Asset, error) {
	var out []Asset
	err := c.get(ctx, "/assets", nil, &out)
	return out, err
}

// Markets calls GET /markets.
func (c *RESTClient) Markets(ctx context.Context) ([]Market, error) {
	var out []Market
	err := c.get(ctx, "/markets", nil, &out)
	return out, err
}

// OrderBookLevel2 calls GET /orderbook at level 2.
func (c *RESTClient) OrderBookLevel2(ctx context.Context, market string, limit int, limitOrderOnly bool) (OrderBook, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("level", "2")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("limitOrderOnly", strconv.FormatBool(limitOrderOnly))

	var out OrderBook
	err := c.get(ctx, "/orderbook", params, &out)
	return out, err
}

func (c *RESTClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	reqURL := c.BaseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	if err := c.creds.apply(req.Header); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	metrics.RESTLatencySeconds.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RESTErrorsTotal.WithLabelValues(endpoint).Inc()
		return fmt.Errorf("%w: GET %s: %w", ErrUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RESTErrorsTotal.WithLabelValues(endpoint).Inc()
		return fmt.Errorf("%w: read %s: %w", ErrUnavailable, endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		metrics.RESTErrorsTotal.WithLabelValues(endpoint).Inc()
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var payload ErrorMessage
		if json.Unmarshal(body, &payload) == nil && payload.Code != "" {
			apiErr.Code, apiErr.Message = payload.Code, payload.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrUnavailable, endpoint, err)
	}
	return nil
}
