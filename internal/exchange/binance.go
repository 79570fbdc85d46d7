package exchange

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/driftline/tradecore/pkg/types"
)

const (
	binanceBaseURL    = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"

	// Binance allows 1200 request weight per minute; stay at 20/s with a
	// small burst so a candle backfill cannot trip the ban threshold.
	binanceRequestsPerSecond = 20
	binanceBurst             = 40

	defaultOpTimeout = 10 * time.Second
)

// BinanceAdapter talks to the Binance REST API. A circuit breaker guards the
// HTTP surface: after repeated failures calls fail fast with UNAVAILABLE
// instead of piling timeouts onto a dead endpoint.
type BinanceAdapter struct {
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	cfg       AdapterConfig
	baseURL   string
	opTimeout time.Duration
	connected bool

	orderFeed orderFeed
}

// NewBinanceAdapter creates a Binance adapter with the given config.
func NewBinanceAdapter(logger *zap.Logger, cfg AdapterConfig) *BinanceAdapter {
	b := &BinanceAdapter{
		logger: logger.Named("binance"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(binanceRequestsPerSecond), binanceBurst),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "binance-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	_ = b.Configure(cfg)
	return b
}

// Configure replaces the adapter credentials and endpoints.
func (b *BinanceAdapter) Configure(cfg AdapterConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cfg = cfg
	b.baseURL = binanceBaseURL
	if cfg.BaseURL != "" {
		b.baseURL = cfg.BaseURL
	} else if cfg.Demo {
		b.baseURL = binanceTestnetURL
	}
	b.opTimeout = defaultOpTimeout
	if cfg.TimeoutSec > 0 {
		b.opTimeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return nil
}

// Connect verifies API connectivity with a ping.
func (b *BinanceAdapter) Connect(ctx context.Context) error {
	body, err := b.public(ctx, "/api/v3/ping", nil)
	if err != nil {
		return types.WrapError(types.CodeUnavailable, "binance ping failed", err)
	}
	_ = body

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("Connected to Binance", zap.String("baseURL", b.base()))
	return nil
}

// Disconnect marks the adapter as disconnected. The HTTP client is stateless
// so there is nothing to tear down.
func (b *BinanceAdapter) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect succeeded more recently than Disconnect.
func (b *BinanceAdapter) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// GetCandles fetches up to limit klines for the symbol, optionally bounded
// by start and end.
func (b *BinanceAdapter) GetCandles(ctx context.Context, symbol string, interval types.Interval, start, end time.Time, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	params.Set("interval", string(interval))
	params.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	body, err := b.public(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	// Kline rows are heterogeneous arrays:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse klines", err)
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		c, err := parseKline(row)
		if err != nil {
			return nil, types.WrapError(types.CodeInternal, "parse kline row", err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// GetTicker fetches the book ticker for the symbol.
func (b *BinanceAdapter) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))

	body, err := b.public(ctx, "/api/v3/ticker/24hr", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Symbol    string `json:"symbol"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		LastPrice string `json:"lastPrice"`
		Volume    string `json:"volume"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse ticker", err)
	}

	ticker := &types.Ticker{Symbol: symbol, Timestamp: time.Now()}
	if ticker.Bid, err = decimal.NewFromString(raw.BidPrice); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse bid price", err)
	}
	if ticker.Ask, err = decimal.NewFromString(raw.AskPrice); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse ask price", err)
	}
	if ticker.Last, err = decimal.NewFromString(raw.LastPrice); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse last price", err)
	}
	if ticker.Volume, err = decimal.NewFromString(raw.Volume); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse volume", err)
	}
	return ticker, nil
}

// GetOrderBook fetches an order book snapshot.
func (b *BinanceAdapter) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	params.Set("limit", strconv.Itoa(limit))

	body, err := b.public(ctx, "/api/v3/depth", params)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse depth", err)
	}

	book := &types.OrderBook{Symbol: symbol, Timestamp: time.Now()}
	if book.Bids, err = parseLevels(raw.Bids); err != nil {
		return nil, err
	}
	if book.Asks, err = parseLevels(raw.Asks); err != nil {
		return nil, err
	}
	return book, nil
}

// GetBalance fetches all non-zero account balances.
func (b *BinanceAdapter) GetBalance(ctx context.Context) ([]types.Balance, error) {
	body, err := b.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse account", err)
	}

	var balances []types.Balance
	for _, bal := range raw.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			continue
		}
		locked, err := decimal.NewFromString(bal.Locked)
		if err != nil {
			continue
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, types.Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// PlaceOrder submits an order and returns the exchange view of it.
func (b *BinanceAdapter) PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(order.Symbol))
	params.Set("side", strings.ToUpper(string(order.Side)))
	params.Set("type", strings.ToUpper(string(order.Type)))
	params.Set("quantity", order.Quantity.String())
	if order.Type == types.OrderTypeLimit {
		params.Set("price", order.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}

	body, err := b.signed(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	placed, err := parseBinanceOrder(body, order.Symbol)
	if err != nil {
		return nil, err
	}
	b.orderFeed.publish(*placed)
	return placed, nil
}

// CancelOrder cancels an open order.
func (b *BinanceAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	params.Set("orderId", orderID)

	body, err := b.signed(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return err
	}
	if cancelled, perr := parseBinanceOrder(body, symbol); perr == nil {
		b.orderFeed.publish(*cancelled)
	}
	return nil
}

// GetOrder fetches the current state of an order.
func (b *BinanceAdapter) GetOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	params.Set("orderId", orderID)

	body, err := b.signed(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	return parseBinanceOrder(body, symbol)
}

func (b *BinanceAdapter) SubscribeCandles(ctx context.Context, symbol string, interval types.Interval) <-chan types.Candle {
	return pollCandles(ctx, b, symbol, interval)
}

func (b *BinanceAdapter) SubscribeTicker(ctx context.Context, symbol string) <-chan types.Ticker {
	return pollTicker(ctx, b, symbol)
}

func (b *BinanceAdapter) SubscribeOrders(ctx context.Context) <-chan types.Order {
	return b.orderFeed.subscribe(ctx)
}

func (b *BinanceAdapter) base() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.baseURL
}

func (b *BinanceAdapter) timeout() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opTimeout
}

// public performs an unauthenticated GET through the limiter and breaker.
func (b *BinanceAdapter) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := b.base() + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return b.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
}

// signed performs an HMAC-SHA256 signed request through the limiter and
// breaker. Signature covers the query string including the timestamp.
func (b *BinanceAdapter) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	b.mu.RLock()
	apiKey, apiSecret := b.cfg.APIKey, b.cfg.APISecret
	b.mu.RUnlock()

	if apiKey == "" || apiSecret == "" {
		return nil, types.NewError(types.CodeAuthenticationFailed, "binance credentials not configured")
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	endpoint := b.base() + path + "?" + params.Encode()
	return b.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", apiKey)
		return req, nil
	})
}

func (b *BinanceAdapter) do(ctx context.Context, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, types.WrapError(types.CodeTimeout, "rate limit wait", err)
	}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, classifyBinanceStatus(resp.StatusCode, body)
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.WrapError(types.CodeUnavailable, "binance circuit open", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.WrapError(types.CodeTimeout, "binance request timed out", err)
		}
		var te *types.Error
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, types.WrapError(types.CodeUnavailable, "binance request failed", err)
	}
	return result.([]byte), nil
}

// classifyBinanceStatus maps HTTP failures onto typed codes.
func classifyBinanceStatus(status int, body []byte) error {
	msg := fmt.Sprintf("binance status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.CodeAuthenticationFailed, msg)
	case status == http.StatusTooManyRequests || status == 418:
		return types.NewError(types.CodeUnavailable, msg)
	case status >= 500:
		return types.NewError(types.CodeUnavailable, msg)
	default:
		return types.NewError(types.CodeInvalidArgument, msg)
	}
}

// binanceSymbol converts "BTC/USDT" to "BTCUSDT".
func binanceSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func parseKline(row []json.RawMessage) (types.Candle, error) {
	var (
		c        types.Candle
		openMs   int64
		closeMs  int64
		parseErr error
	)
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return c, err
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return c, err
	}
	c.OpenTime = time.UnixMilli(openMs)
	c.CloseTime = time.UnixMilli(closeMs)

	dec := func(raw json.RawMessage) decimal.Decimal {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			parseErr = err
			return decimal.Zero
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			parseErr = err
			return decimal.Zero
		}
		return d
	}
	c.Open = dec(row[1])
	c.High = dec(row[2])
	c.Low = dec(row[3])
	c.Close = dec(row[4])
	c.Volume = dec(row[5])
	return c, parseErr
}

func parseLevels(raw [][]string) ([]types.OrderBookLevel, error) {
	levels := make([]types.OrderBookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, types.WrapError(types.CodeInternal, "parse depth price", err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, types.WrapError(types.CodeInternal, "parse depth quantity", err)
		}
		levels = append(levels, types.OrderBookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func parseBinanceOrder(body []byte, symbol string) (*types.Order, error) {
	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		Price         string `json:"price"`
		TransactTime  int64  `json:"transactTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.WrapError(types.CodeInternal, "parse order", err)
	}

	order := &types.Order{
		ID:            strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID: raw.ClientOrderID,
		Symbol:        symbol,
		Side:          types.OrderSide(strings.ToLower(raw.Side)),
		Type:          types.OrderType(strings.ToLower(raw.Type)),
		Status:        convertBinanceStatus(raw.Status),
		UpdatedAt:     time.Now(),
	}
	if raw.TransactTime > 0 {
		order.CreatedAt = time.UnixMilli(raw.TransactTime)
	}
	var err error
	if raw.OrigQty != "" {
		if order.Quantity, err = decimal.NewFromString(raw.OrigQty); err != nil {
			return nil, types.WrapError(types.CodeInternal, "parse order quantity", err)
		}
	}
	if raw.ExecutedQty != "" {
		if order.FilledQty, err = decimal.NewFromString(raw.ExecutedQty); err != nil {
			return nil, types.WrapError(types.CodeInternal, "parse filled quantity", err)
		}
	}
	if raw.Price != "" {
		if order.Price, err = decimal.NewFromString(raw.Price); err != nil {
			return nil, types.WrapError(types.CodeInternal, "parse order price", err)
		}
		order.AvgFillPrice = order.Price
	}
	return order, nil
}

func convertBinanceStatus(status string) types.OrderStatus {
	switch status {
	case "NEW":
		return types.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return types.OrderStatusOpen
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}
