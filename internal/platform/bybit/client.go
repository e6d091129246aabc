// Package bybit implements domain.Exchange over the Bybit v5 REST API for
// USDT linear perpetuals, plus a public ticker stream.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

const (
	endpointCreateOrder = "/v5/order/create"
	endpointOrderStatus = "/v5/order/realtime"
	endpointCancelOrder = "/v5/order/cancel"
	endpointPositions   = "/v5/position/list"
	endpointTradingStop = "/v5/position/trading-stop"
	endpointClosedPnL   = "/v5/position/closed-pnl"
	endpointTickers     = "/v5/market/tickers"
	endpointInstruments = "/v5/market/instruments-info"

	// oneWayMode is the positionIdx for one-way position mode.
	oneWayMode = 0
)

// APIError is a non-zero retCode returned by the exchange.
type APIError struct {
	Endpoint string
	Code     int
	Msg      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: %s: retCode %d: %s", e.Endpoint, e.Code, e.Msg)
}

// Unwrap maps well-known retCodes to domain sentinels so callers can use
// errors.Is without knowing Bybit codes.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case retNotModified:
		return domain.ErrNotModified
	case retRateLimited:
		return domain.ErrRateLimited
	case retInvalidKey, retInvalidSign, retPermission:
		return domain.ErrUnauthorized
	case retOrderNotFound:
		return domain.ErrNotFound
	case retReduceOnly:
		return domain.ErrNoPosition
	default:
		return nil
	}
}

// Config carries the REST endpoint and credentials.
type Config struct {
	BaseURL  string
	Category string
	Auth     crypto.HMACAuth
	Timeout  time.Duration
}

// Client is the REST client for the Bybit v5 API.
type Client struct {
	baseURL    string
	category   string
	auth       crypto.HMACAuth
	httpClient *http.Client
	limiter    domain.RateLimiter
	perSecond  int
	logger     *slog.Logger
	now        func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter throttles signed requests to perSecond through limiter.
func WithRateLimiter(limiter domain.RateLimiter, perSecond int) Option {
	return func(c *Client) {
		c.limiter = limiter
		c.perSecond = perSecond
	}
}

// NewClient creates a new Bybit REST client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	category := cfg.Category
	if category == "" {
		category = "linear"
	}
	c := &Client{
		baseURL:    cfg.BaseURL,
		category:   category,
		auth:       cfg.Auth,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "bybit")),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateMarketOrder submits a market order and reads back its fill.
func (c *Client) CreateMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (domain.OrderResult, error) {
	body := createOrderBody{
		Category:    c.category,
		Symbol:      req.Symbol,
		Side:        string(req.Side),
		OrderType:   "Market",
		Qty:         formatFloat(req.Amount),
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.ClientID,
		PositionIdx: oneWayMode,
	}
	var ack orderAck
	if err := c.do(ctx, http.MethodPost, endpointCreateOrder, nil, body, true, &ack); err != nil {
		return domain.OrderResult{}, fmt.Errorf("bybit: create order %s: %w", req.Symbol, err)
	}

	res := domain.OrderResult{
		OrderID:  ack.OrderID,
		ClientID: ack.OrderLinkID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Amount:   req.Amount,
		Status:   "New",
	}

	// The create ack carries no fill data. A failed lookup still leaves a
	// usable result; callers fall back to their reference price.
	rec, err := c.orderStatus(ctx, req.Symbol, ack.OrderID)
	if err != nil {
		c.logger.Warn("order status lookup failed",
			slog.String("symbol", req.Symbol),
			slog.String("order_id", ack.OrderID),
			slog.String("error", err.Error()),
		)
		return res, nil
	}
	res.AvgPrice = parseFloat(rec.AvgPrice)
	if q := parseFloat(rec.CumExecQty); q > 0 {
		res.Amount = q
	}
	res.Status = rec.OrderStatus
	return res, nil
}

func (c *Client) orderStatus(ctx context.Context, symbol, orderID string) (orderRecord, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var out listResult[orderRecord]
	if err := c.do(ctx, http.MethodGet, endpointOrderStatus, params, nil, true, &out); err != nil {
		return orderRecord{}, err
	}
	if len(out.List) == 0 {
		return orderRecord{}, domain.ErrNotFound
	}
	return out.List[0], nil
}

// FetchPositions returns non-zero positions. With no symbols it lists every
// USDT-settled position, following the pagination cursor.
func (c *Client) FetchPositions(ctx context.Context, symbols ...string) ([]domain.ExchangePosition, error) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	params := url.Values{}
	params.Set("category", c.category)
	params.Set("limit", "200")
	if len(symbols) == 1 {
		params.Set("symbol", symbols[0])
	} else {
		params.Set("settleCoin", "USDT")
	}

	var out []domain.ExchangePosition
	for {
		var page listResult[positionRecord]
		if err := c.do(ctx, http.MethodGet, endpointPositions, params, nil, true, &page); err != nil {
			return nil, fmt.Errorf("bybit: fetch positions: %w", err)
		}
		for _, r := range page.List {
			p, ok := r.toDomain()
			if !ok {
				continue
			}
			if len(want) > 0 && !want[p.Symbol] {
				continue
			}
			out = append(out, p)
		}
		if page.NextPageCursor == "" || len(page.List) == 0 {
			break
		}
		params.Set("cursor", page.NextPageCursor)
	}
	return out, nil
}

// FetchTicker returns the latest public quote for symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var out listResult[tickerRecord]
	if err := c.do(ctx, http.MethodGet, endpointTickers, params, nil, false, &out); err != nil {
		return domain.Ticker{}, fmt.Errorf("bybit: fetch ticker %s: %w", symbol, err)
	}
	if len(out.List) == 0 {
		return domain.Ticker{}, fmt.Errorf("bybit: fetch ticker %s: %w", symbol, domain.ErrUnknownSymbol)
	}
	return out.List[0].toDomain(c.now()), nil
}

// SetTradingStop replaces the position-level stop-loss. An unchanged stop
// comes back as an error wrapping domain.ErrNotModified.
func (c *Client) SetTradingStop(ctx context.Context, req domain.TradingStopRequest) error {
	body := tradingStopBody{
		Category:    c.category,
		Symbol:      req.Symbol,
		StopLoss:    formatFloat(req.StopLoss),
		TpslMode:    "Full",
		SlTriggerBy: "LastPrice",
		PositionIdx: req.PositionIdx,
	}
	if req.TakeProfit != nil {
		body.TakeProfit = formatFloat(*req.TakeProfit)
	}
	if err := c.do(ctx, http.MethodPost, endpointTradingStop, nil, body, true, nil); err != nil {
		return fmt.Errorf("bybit: set trading stop %s: %w", req.Symbol, err)
	}
	return nil
}

// FetchClosedPnL lists closed-PnL records for symbol created after since,
// newest first.
func (c *Client) FetchClosedPnL(ctx context.Context, symbol string, since time.Time) ([]domain.ClosedPnL, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("limit", "50")
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var out listResult[closedPnLRecord]
	if err := c.do(ctx, http.MethodGet, endpointClosedPnL, params, nil, true, &out); err != nil {
		return nil, fmt.Errorf("bybit: fetch closed pnl %s: %w", symbol, err)
	}
	records := make([]domain.ClosedPnL, 0, len(out.List))
	for _, r := range out.List {
		rec := r.toDomain()
		if !since.IsZero() && rec.CreatedAt.Before(since) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := cancelOrderBody{Category: c.category, Symbol: symbol, OrderID: orderID}
	if err := c.do(ctx, http.MethodPost, endpointCancelOrder, nil, body, true, nil); err != nil {
		return fmt.Errorf("bybit: cancel order %s: %w", orderID, err)
	}
	return nil
}

// FetchInstrument returns tick size and lot filters for symbol.
func (c *Client) FetchInstrument(ctx context.Context, symbol string) (domain.SymbolPrecision, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var out listResult[instrumentRecord]
	if err := c.do(ctx, http.MethodGet, endpointInstruments, params, nil, false, &out); err != nil {
		return domain.SymbolPrecision{}, fmt.Errorf("bybit: fetch instrument %s: %w", symbol, err)
	}
	if len(out.List) == 0 {
		return domain.SymbolPrecision{}, fmt.Errorf("bybit: fetch instrument %s: %w", symbol, domain.ErrUnknownSymbol)
	}
	return out.List[0].toDomain(), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, signs, sends and decodes one request. For GET the signed
// payload is the encoded query; for POST it is the JSON body.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, reqBody any, signed bool, out any) error {
	if signed && c.limiter != nil && c.perSecond > 0 {
		if err := c.limiter.Wait(ctx, "bybit:private", c.perSecond, time.Second); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	start := time.Now()
	defer metrics.ObserveSince(metrics.ExchangeLatency.WithLabelValues(endpoint), start)

	fullURL := c.baseURL + endpoint
	var payload string
	var bodyReader io.Reader
	if method == http.MethodGet {
		payload = params.Encode()
		if payload != "" {
			fullURL += "?" + payload
		}
	} else if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.auth.Key == "" || c.auth.Secret == "" {
			return fmt.Errorf("%w: api credentials not configured", domain.ErrSigningFailed)
		}
		for k, v := range c.auth.HeadersAt(payload, c.now().UnixMilli()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != retOK {
		return &APIError{Endpoint: endpoint, Code: env.RetCode, Msg: env.RetMsg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx HTTP status codes to errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var env envelope
	_ = json.Unmarshal(body, &env)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrUnauthorized, statusCode, env.RetMsg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrRateLimited, statusCode, env.RetMsg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, env.RetMsg)
	}
}

// IsNotModified reports whether err is the "stop-loss unchanged" reply.
func IsNotModified(err error) bool {
	return errors.Is(err, domain.ErrNotModified)
}

var _ domain.Exchange = (*Client)(nil)
