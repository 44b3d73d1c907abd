// Package binance implements the market-data and execution ports against the
// Binance spot API: REST for order placement and price polling, WebSocket
// for the live tick stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
)

// Client is the REST client for the Binance spot API.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a Binance REST client.
//
// baseURL is the API root, e.g. "https://api.binance.com".
func NewClient(baseURL, apiKey, apiSecret string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

var _ domain.ExecutionAdapter = (*Client)(nil)

// apiError is the Binance error body, e.g. {"code":-2010,"msg":"..."}.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// orderResponse is the FULL response of POST /api/v3/order.
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	TransactTime  int64  `json:"transactTime"`
	Fills         []struct {
		Price string `json:"price"`
		Qty   string `json:"qty"`
	} `json:"fills"`
}

// ClosePosition flattens a position with a market order. The execution token
// is forwarded as newClientOrderId: Binance rejects a second order with the
// same id, and the rejection is resolved by looking the original order up,
// so a timeout plus retry cannot close the position twice.
func (c *Client) ClosePosition(ctx context.Context, req domain.CloseRequest) (domain.Fill, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", closeSide(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", clientOrderID(req.IdempotencyKey))
	params.Set("newOrderRespType", "FULL")

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.duplicateOrder() {
			// We already placed this order on a previous attempt.
			return c.lookupOrder(ctx, req.Symbol, req.IdempotencyKey)
		}
		return domain.Fill{}, fmt.Errorf("binance: close %s: %w", req.PositionID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	return fillFromOrder(resp)
}

// fillFromOrder converts an order response into a Fill, averaging the fill
// legs into one exit price.
func fillFromOrder(resp orderResponse) (domain.Fill, error) {
	if resp.Status != "FILLED" {
		return domain.Fill{}, fmt.Errorf("binance: order %s in status %s: %w", resp.ClientOrderID, resp.Status, domain.ErrTransient)
	}

	var notional, qty decimal.Decimal
	for _, leg := range resp.Fills {
		price, err := decimal.NewFromString(leg.Price)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("binance: parse fill price: %w", err)
		}
		legQty, err := decimal.NewFromString(leg.Qty)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("binance: parse fill qty: %w", err)
		}
		notional = notional.Add(price.Mul(legQty))
		qty = qty.Add(legQty)
	}
	if qty.IsZero() {
		return domain.Fill{}, fmt.Errorf("binance: order %d filled with no legs: %w", resp.OrderID, domain.ErrTransient)
	}

	return domain.Fill{
		ExitPrice:   notional.Div(qty).Round(8),
		Quantity:    qty,
		ExchangeRef: fmt.Sprintf("%d", resp.OrderID),
		FilledAt:    time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

// lookupOrder resolves a duplicate-order rejection by fetching the order the
// earlier attempt placed.
func (c *Client) lookupOrder(ctx context.Context, symbol, token string) (domain.Fill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID(token))

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("binance: lookup order %s: %w", token, err)
	}

	var resp struct {
		OrderID             int64  `json:"orderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		UpdateTime          int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("binance: decode order lookup: %w", err)
	}
	if resp.Status != "FILLED" {
		return domain.Fill{}, fmt.Errorf("binance: order %s in status %s: %w", token, resp.Status, domain.ErrTransient)
	}

	qty, err := decimal.NewFromString(resp.ExecutedQty)
	if err != nil || qty.IsZero() {
		return domain.Fill{}, fmt.Errorf("binance: order %s has no executed quantity: %w", token, domain.ErrTransient)
	}
	quote, err := decimal.NewFromString(resp.CummulativeQuoteQty)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("binance: parse quote qty: %w", err)
	}

	return domain.Fill{
		ExitPrice:   quote.Div(qty).Round(8),
		Quantity:    qty,
		ExchangeRef: fmt.Sprintf("%d", resp.OrderID),
		FilledAt:    time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

// PollLatest fetches the most recent trade for one symbol. The trades
// endpoint carries the trade's own timestamp, unlike the price ticker, so
// the tick reflects when the exchange printed the price rather than when we
// asked for it. The poll instant is the fallback for a zero timestamp.
func (c *Client) PollLatest(ctx context.Context, symbol string) (domain.Tick, error) {
	endpoint := fmt.Sprintf("%s/api/v3/trades?symbol=%s&limit=1", c.baseURL, url.QueryEscape(symbol))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("binance: build trades request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("binance: trades %s: %w: %w", symbol, domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("binance: read trades %s: %w", symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Tick{}, fmt.Errorf("binance: trades %s: %w", symbol, classifyHTTP(resp.StatusCode, body))
	}

	var out []struct {
		Price string `json:"price"`
		Time  int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.Tick{}, fmt.Errorf("binance: decode trades %s: %w", symbol, err)
	}
	if len(out) == 0 {
		return domain.Tick{}, fmt.Errorf("binance: trades %s: no trades returned", symbol)
	}
	last := out[len(out)-1]
	price, err := decimal.NewFromString(last.Price)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("binance: parse trade price %s: %w", symbol, err)
	}

	occurredAt := c.now()
	if last.Time > 0 {
		occurredAt = time.UnixMilli(last.Time).UTC()
	}
	return domain.Tick{
		Symbol:     symbol,
		Price:      price,
		OccurredAt: occurredAt,
		Source:     domain.SourcePoll,
	}, nil
}

// doSigned executes a signed request. Binance signs the query string with
// HMAC-SHA256 of the API secret.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", fmt.Sprintf("%d", c.now().UnixMilli()))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	endpoint := c.baseURL + path + "?" + query
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTP(resp.StatusCode, body)
	}
	return body, nil
}

// classifyHTTP maps an error response onto the transient/terminal taxonomy.
// Rate limits, bans, and server errors are worth retrying; everything else
// is a business rejection that a retry cannot fix.
func classifyHTTP(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	if apiErr.Msg == "" {
		apiErr.Msg = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusTooManyRequests, status == 418, status >= 500:
		return fmt.Errorf("http %d: %w: %w", status, domain.ErrTransient, &apiErr)
	default:
		return fmt.Errorf("http %d: %w: %w", status, domain.ErrTerminal, &apiErr)
	}
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg)
}

// duplicateOrder reports whether the rejection means an order with this
// client order id already exists.
func (e *apiError) duplicateOrder() bool {
	return e.Code == -2026 || strings.Contains(strings.ToLower(e.Msg), "duplicate")
}

func closeSide(side domain.Side) string {
	if side == domain.SideLong {
		return "SELL"
	}
	return "BUY"
}

// clientOrderID truncates the token to Binance's 36-char client order id
// limit. The prefix of a sha256 hex token is still unique in practice.
func clientOrderID(token string) string {
	if len(token) > 36 {
		return token[:36]
	}
	return token
}
