package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tradingcore/agent/internal/domain"
)

const (
	defaultBaseURL = "https://open-api.bingx.com"

	// BingX's documented general trading limit is 10 req/s per UID; stay
	// at 60% of that to leave headroom for bursts and other processes
	// sharing the same API key.
	requestsPerSec = 6
	burstSize      = 10

	maxRetries    = 3
	baseRetryWait = 300 * time.Millisecond
)

// Client is the signed REST client for BingX's USDT-M perpetual swap API.
type Client struct {
	baseURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	recvWindow int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a Client. baseURL/wsURL default to BingX's
// production swap endpoints when empty.
func NewClient(baseURL, wsURL, apiKey, apiSecret string, recvWindowMs int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if recvWindowMs <= 0 {
		recvWindowMs = 5000
	}
	return &Client{
		baseURL:    baseURL,
		wsURL:      wsURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindowMs,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), burstSize),
	}
}

var _ domain.ExchangeClient = (*Client)(nil)

func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	var contracts []contractInfo
	if err := c.signedGet(ctx, "/openApi/swap/v2/quote/contracts", nil, &contracts); err != nil {
		return nil, fmt.Errorf("bingx: get symbol info: %w", err)
	}
	for _, c := range contracts {
		if c.Symbol != symbol {
			continue
		}
		return &domain.SymbolInfo{
			Symbol:   c.Symbol,
			TickSize: decimal.RequireFromString(orDefault(c.TickSize, "0.01")),
			QtyStep:  decimal.RequireFromString(orDefault(c.StepSize, "0.001")),
			MinQty:   decimal.RequireFromString(orDefault(c.MinQty, "0")),
			MaxQty:   decimal.RequireFromString(orDefault(c.MaxQty, "0")),
		}, nil
	}
	return nil, fmt.Errorf("bingx: unknown symbol %q", symbol)
}

func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var tick tickerData
	params := url.Values{"symbol": {symbol}}
	if err := c.signedGet(ctx, "/openApi/swap/v2/quote/price", params, &tick); err != nil {
		return decimal.Zero, fmt.Errorf("bingx: get current price: %w", err)
	}
	return decimal.NewFromString(tick.Price)
}

func (c *Client) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	var bal balanceData
	if err := c.signedGet(ctx, "/openApi/swap/v2/user/balance", nil, &bal); err != nil {
		return decimal.Zero, fmt.Errorf("bingx: get account balance: %w", err)
	}
	return decimal.NewFromString(bal.Balance.Balance)
}

func (c *Client) GetPositions(ctx context.Context, symbol string) ([]domain.PositionSnapshot, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var raw []positionData
	if err := c.signedGet(ctx, "/openApi/swap/v2/user/positions", params, &raw); err != nil {
		return nil, fmt.Errorf("bingx: get positions: %w", err)
	}

	out := make([]domain.PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		out = append(out, domain.PositionSnapshot{
			Symbol:                p.Symbol,
			PositionSide:          domain.Side(strings.ToUpper(p.PositionSide)),
			PositionAmt:           decimal.RequireFromString(orDefault(p.PositionAmt, "0")),
			AvgPrice:              decimal.RequireFromString(orDefault(p.AvgPrice, "0")),
			RealizedPnL:           decimal.RequireFromString(orDefault(p.RealizedProfit, "0")),
			UnrealizedPnL:         decimal.RequireFromString(orDefault(p.UnrealizedProfit, "0")),
			PositionInitialMargin: decimal.RequireFromString(orDefault(p.InitialMargin, "0")),
			Leverage:              decimal.RequireFromString(orDefault(p.Leverage, "1")),
		})
	}
	return out, nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp openOrdersResponse
	if err := c.signedGet(ctx, "/openApi/swap/v2/trade/openOrders", params, &resp); err != nil {
		return nil, fmt.Errorf("bingx: get open orders: %w", err)
	}
	out := make([]domain.OpenOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, orderDataToOpenOrder(o))
	}
	return out, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	var o orderData
	if err := c.signedGet(ctx, "/openApi/swap/v2/trade/order", params, &o); err != nil {
		return nil, fmt.Errorf("bingx: get order status: %w", err)
	}
	return &domain.OrderStatus{
		Status:      o.Status,
		ExecutedQty: decimal.RequireFromString(orDefault(o.ExecutedQty, "0")),
		AvgPrice:    decimal.RequireFromString(orDefault(o.AvgPrice, "0")),
	}, nil
}

func (c *Client) GetMyTrades(ctx context.Context, symbol string, limit int, sinceID string) ([]domain.Trade, error) {
	params := url.Values{"symbol": {symbol}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if sinceID != "" {
		params.Set("fromId", sinceID)
	}
	var resp fillsResponse
	if err := c.signedGet(ctx, "/openApi/swap/v2/trade/allFillOrders", params, &resp); err != nil {
		return nil, fmt.Errorf("bingx: get my trades: %w", err)
	}
	out := make([]domain.Trade, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		out = append(out, domain.Trade{
			TradeID: strconv.FormatInt(f.TradeID, 10),
			OrderID: strconv.FormatInt(f.OrderID, 10),
			Qty:     decimal.RequireFromString(orDefault(f.Qty, "0")),
			Price:   decimal.RequireFromString(orDefault(f.Price, "0")),
			Time:    time.UnixMilli(f.Time).UTC(),
			Status:  f.Status,
		})
	}
	return out, nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, req domain.PlaceLimitOrderRequest) (*domain.PlacedOrder, error) {
	params := url.Values{
		"symbol":       {req.Symbol},
		"side":         {string(req.Side)},
		"positionSide": {string(req.PositionSide)},
		"type":         {"LIMIT"},
		"price":        {req.Price.String()},
		"quantity":     {req.Qty.String()},
		"timeInForce":  {orDefault(req.TIF, "GTC")},
		"clientOrderID": {uuid.New().String()},
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.PostOnly {
		params.Set("timeInForce", "POC")
	}
	return c.placeOrder(ctx, params)
}

func (c *Client) PlaceMarketOrder(ctx context.Context, req domain.PlaceMarketOrderRequest) (*domain.PlacedOrder, error) {
	params := url.Values{
		"symbol":        {req.Symbol},
		"side":          {string(req.Side)},
		"positionSide":  {string(req.PositionSide)},
		"type":          {"MARKET"},
		"quantity":      {req.Qty.String()},
		"clientOrderID": {uuid.New().String()},
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return c.placeOrder(ctx, params)
}

func (c *Client) PlaceStopMarketOrder(ctx context.Context, req domain.PlaceStopMarketOrderRequest) (*domain.PlacedOrder, error) {
	params := url.Values{
		"symbol":        {req.Symbol},
		"side":          {string(req.Side)},
		"positionSide":  {string(req.PositionSide)},
		"type":          {"STOP_MARKET"},
		"stopPrice":     {req.StopPrice.String()},
		"quantity":      {req.Qty.String()},
		"clientOrderID": {uuid.New().String()},
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return c.placeOrder(ctx, params)
}

func (c *Client) placeOrder(ctx context.Context, params url.Values) (*domain.PlacedOrder, error) {
	var resp placeOrderResponse
	if err := c.signedPost(ctx, "/openApi/swap/v2/trade/order", params, &resp); err != nil {
		return nil, fmt.Errorf("bingx: place order: %w", err)
	}
	return &domain.PlacedOrder{OrderID: strconv.FormatInt(resp.Order.OrderID, 10)}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	if err := c.signedDelete(ctx, "/openApi/swap/v2/trade/order", params, nil); err != nil {
		return fmt.Errorf("bingx: cancel order: %w", err)
	}
	return nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	params := url.Values{"symbol": {symbol}, "leverage": {leverage.String()}}
	if err := c.signedPost(ctx, "/openApi/swap/v2/trade/leverage", params, nil); err != nil {
		return fmt.Errorf("bingx: set leverage: %w", err)
	}
	return nil
}

func orderDataToOpenOrder(o orderData) domain.OpenOrder {
	return domain.OpenOrder{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		Symbol:       o.Symbol,
		Status:       o.Status,
		Side:         domain.OrderSide(o.Side),
		PositionSide: domain.Side(strings.ToUpper(o.PositionSide)),
		Price:        decimal.RequireFromString(orDefault(o.Price, "0")),
		StopPrice:    decimal.RequireFromString(orDefault(o.StopPrice, "0")),
		Qty:          decimal.RequireFromString(orDefault(o.Qty, "0")),
		ExecutedQty:  decimal.RequireFromString(orDefault(o.ExecutedQty, "0")),
		ReduceOnly:   o.ReduceOnly,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// --------------------------------------------------------------------------
// Signing and transport
// --------------------------------------------------------------------------

// sign computes BingX's query-string signature: HMAC-SHA256 over the
// params sorted lexicographically by key, hex encoded.
func (c *Client) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) authParams(extra url.Values) url.Values {
	params := url.Values{}
	for k, v := range extra {
		params[k] = v
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	params.Set("signature", c.sign(params))
	return params
}

func (c *Client) signedGet(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		full := c.baseURL + path + "?" + c.authParams(params).Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, err
		}
		c.addHeaders(req)
		return c.httpClient.Do(req)
	}, out)
}

func (c *Client) signedPost(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		signed := c.authParams(params)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(signed.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		c.addHeaders(req)
		return c.httpClient.Do(req)
	}, out)
}

func (c *Client) signedDelete(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		full := c.baseURL + path + "?" + c.authParams(params).Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, full, nil)
		if err != nil {
			return nil, err
		}
		c.addHeaders(req)
		return c.httpClient.Do(req)
	}, out)
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("X-BX-APIKEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
}

// doWithRetry rate-limits, sends, and retries on 429/5xx with
// exponential backoff, then unmarshals the envelope's data field.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			lastErr = err
			c.sleep(ctx, attempt)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("bingx: HTTP %d: %s", resp.StatusCode, string(body))
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("bingx: HTTP %d: %s", resp.StatusCode, string(body))
		}

		var env restEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("bingx: decode envelope: %w", err)
		}
		if env.Code != 0 {
			return fmt.Errorf("bingx: api error %d: %s", env.Code, env.Msg)
		}
		if out == nil || len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("bingx: decode data: %w", err)
		}
		return nil
	}
	return fmt.Errorf("bingx: exhausted %d retries: %w", maxRetries, lastErr)
}

func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
