// Package exchange implements the ExchangeGateway over the exchange's REST
// API and streams tickers over its websocket feed. Errors are typed at this
// boundary: HTTP status codes and transport failures become
// domain.ExchangeError values so the retry classifier never inspects
// message text.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

// requestTimeout is the hard per-call timeout applied to every REST request.
const requestTimeout = 10 * time.Second

// ClientConfig holds REST endpoint parameters.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
}

// Client is the REST implementation of domain.ExchangeGateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a REST gateway client. Request signing is the
// responsibility of the exchange-specific transport; this client only
// attaches the API key header.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// GetServerTime returns the exchange's clock.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/time", nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("exchange: get server time: %w", err)
	}

	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("exchange: decode server time: %w", err)
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// GetSymbolTicker returns the latest price for a symbol.
func (c *Client) GetSymbolTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	path := "/api/v1/ticker?symbol=" + url.QueryEscape(symbol)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("exchange: get ticker %s: %w", symbol, err)
	}

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
		Bid    string `json:"bidPrice"`
		Ask    string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Ticker{}, fmt.Errorf("exchange: decode ticker: %w", err)
	}

	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("exchange: parse ticker price %q: %w", resp.Price, err)
	}
	bid, _ := strconv.ParseFloat(resp.Bid, 64)
	ask, _ := strconv.ParseFloat(resp.Ask, 64)

	return domain.Ticker{
		Symbol: resp.Symbol,
		Price:  price,
		Bid:    bid,
		Ask:    ask,
		Ts:     time.Now().UTC(),
	}, nil
}

// PlaceOrder submits an order and returns the exchange's fill report.
func (c *Client) PlaceOrder(ctx context.Context, params domain.OrderParams) (domain.OrderResult, error) {
	payload := map[string]any{
		"symbol":   params.Symbol,
		"side":     string(params.Side),
		"type":     string(params.Type),
		"quantity": params.Quantity,
	}
	if params.Type == domain.OrderTypeLimit {
		payload["price"] = params.Price
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v1/order", payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("exchange: place order %s %s: %w", params.Side, params.Symbol, err)
	}

	var resp struct {
		OrderID     string `json:"orderId"`
		Status      string `json:"status"`
		FilledPrice string `json:"avgPrice"`
		FilledQty   string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("exchange: decode order result: %w", err)
	}

	filledPrice, _ := strconv.ParseFloat(resp.FilledPrice, 64)
	filledQty, _ := strconv.ParseFloat(resp.FilledQty, 64)

	return domain.OrderResult{
		OrderID:     resp.OrderID,
		Status:      domain.OrderStatus(resp.Status),
		FilledPrice: filledPrice,
		FilledQty:   filledQty,
		Ts:          time.Now().UTC(),
	}, nil
}

// CancelOrder cancels an open order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := "/api/v1/order?orderId=" + url.QueryEscape(orderID)
	if _, err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("exchange: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetAccountBalances returns all non-zero asset balances.
func (c *Client) GetAccountBalances(ctx context.Context) ([]domain.Balance, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/account", nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: get balances: %w", err)
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: decode balances: %w", err)
	}

	balances := make([]domain.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, domain.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// GetOrderBook returns a depth snapshot limited to the given number of
// levels per side.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBook, error) {
	path := fmt.Sprintf("/api/v1/depth?symbol=%s&limit=%d", url.QueryEscape(symbol), limit)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("exchange: get order book %s: %w", symbol, err)
	}

	var resp struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderBook{}, fmt.Errorf("exchange: decode order book: %w", err)
	}

	book := domain.OrderBook{Symbol: symbol, Ts: time.Now().UTC()}
	book.Bids = parseLevels(resp.Bids)
	book.Asks = parseLevels(resp.Asks)
	return book, nil
}

func parseLevels(raw [][2]string) [][2]float64 {
	levels := make([][2]float64, 0, len(raw))
	for _, entry := range raw {
		price, err1 := strconv.ParseFloat(entry[0], 64)
		qty, err2 := strconv.ParseFloat(entry[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, [2]float64{price, qty})
	}
	return levels
}

// do performs one HTTP request under the hard timeout and maps the response
// to either the body bytes or a typed error.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(resp, body)
}

// transportError types a connection-level failure.
func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewExchangeError(domain.ErrKindTimeout, 0, err.Error())
	}
	return domain.NewExchangeError(domain.ErrKindNetwork, 0, err.Error())
}

// statusError types a non-2xx response by status code.
func statusError(resp *http.Response, body []byte) error {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ee := domain.NewExchangeError(domain.ErrKindRateLimit, resp.StatusCode, msg)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				ee.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return ee
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return domain.NewExchangeError(domain.ErrKindTimeout, resp.StatusCode, msg)
	case resp.StatusCode >= 500:
		return domain.NewExchangeError(domain.ErrKindServer, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewExchangeError(domain.ErrKindAuthentication, resp.StatusCode, msg)
	case resp.StatusCode >= 400:
		return domain.NewExchangeError(domain.ErrKindClient, resp.StatusCode, msg)
	default:
		return domain.NewExchangeError(domain.ErrKindServer, resp.StatusCode, msg)
	}
}

// Compile-time interface check.
var _ domain.ExchangeGateway = (*Client)(nil)
