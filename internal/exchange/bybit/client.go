package bybit

import (
	"bytes"
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
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
)

const (
	pathOrderCreate   = "/v5/order/create"
	pathOrderCancel   = "/v5/order/cancel"
	pathOrderRealtime = "/v5/order/realtime"
	pathOrderHistory  = "/v5/order/history"
	pathWalletBalance = "/v5/account/wallet-balance"
	pathPositionList  = "/v5/position/list"
)

// Client talks to the Bybit v5 REST API. orderLinkId carries the client
// order id so a resubmitted order is recognized as a duplicate.
type Client struct {
	host         string
	httpClient   *http.Client
	apiKey       string
	apiSecret    string
	recvWindow   string
	category     string
	accountType  string
	pollInterval time.Duration
	pollAttempts int
	now          func() time.Time

	Logger *zap.Logger
}

type APIError struct {
	Status  int
	RetCode int
	RetMsg  string
}

func (e *APIError) Error() string {
	if e.RetCode != 0 {
		return fmt.Sprintf("bybit error (%d): %s", e.RetCode, e.RetMsg)
	}
	return fmt.Sprintf("bybit http %d: %s", e.Status, e.RetMsg)
}

func NewClient(httpClient *http.Client, cfg config.ExchangeConfig) *Client {
	host := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if host == "" {
		host = "https://api.bybit.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = 5000
	}
	category := cfg.Category
	if category == "" {
		category = "linear"
	}
	accountType := cfg.AccountType
	if accountType == "" {
		accountType = "UNIFIED"
	}
	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{
		host:         host,
		httpClient:   httpClient,
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		recvWindow:   strconv.Itoa(recv),
		category:     category,
		accountType:  accountType,
		pollInterval: cfg.PollInterval,
		pollAttempts: attempts,
		now:          time.Now,
	}
}

func (c *Client) GetBalance(ctx context.Context) (exchange.Balance, error) {
	q := url.Values{}
	q.Set("accountType", c.accountType)
	var res walletBalanceResult
	if err := c.do(ctx, http.MethodGet, pathWalletBalance, q, nil, &res); err != nil {
		return exchange.Balance{}, err
	}
	if len(res.List) == 0 {
		return exchange.Balance{}, fmt.Errorf("wallet balance: %w", exchange.ErrNotFound)
	}
	acct := res.List[0]
	return exchange.Balance{
		Equity:    parseDecimal(acct.TotalEquity),
		Available: parseDecimal(acct.TotalAvailableBalance),
		Coin:      "USD",
	}, nil
}

// PlaceOrder submits a market order and polls until it settles or the poll
// budget runs out. A still-open order is returned with status new.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	body := createOrderRequest{
		Category:    c.category,
		Symbol:      req.Symbol,
		Side:        sideString(req.Side),
		OrderType:   "Market",
		Qty:         req.Qty.String(),
		OrderLinkID: req.ClientOrderID,
		ReduceOnly:  req.ReduceOnly,
	}
	if !req.ReduceOnly {
		if req.StopLoss.IsPositive() {
			body.StopLoss = req.StopLoss.String()
		}
		if req.TakeProfit.IsPositive() {
			body.TakeProfit = req.TakeProfit.String()
		}
	}
	var created createOrderResult
	if err := c.do(ctx, http.MethodPost, pathOrderCreate, nil, body, &created); err != nil {
		return exchange.OrderResult{}, err
	}
	if c.Logger != nil {
		c.Logger.Info("bybit order created",
			zap.String("symbol", req.Symbol),
			zap.String("order_id", created.OrderID),
			zap.String("order_link_id", created.OrderLinkID),
		)
	}

	result := exchange.OrderResult{
		OrderID:       created.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        exchange.OrderNew,
		Qty:           req.Qty,
	}
	for i := 0; i < c.pollAttempts; i++ {
		if i > 0 && c.pollInterval > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}
		got, err := c.LookupOrder(ctx, req.Symbol, req.ClientOrderID)
		if errors.Is(err, exchange.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		result = got
		if result.Status != exchange.OrderNew && result.Status != exchange.OrderPartial {
			break
		}
	}
	return result, nil
}

func (c *Client) LookupOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)
	q.Set("orderLinkId", clientOrderID)
	for _, path := range []string{pathOrderRealtime, pathOrderHistory} {
		var res orderListResult
		if err := c.do(ctx, http.MethodGet, path, q, nil, &res); err != nil {
			return exchange.OrderResult{}, err
		}
		if len(res.List) > 0 {
			return res.List[0].toResult(), nil
		}
	}
	return exchange.OrderResult{}, exchange.ErrNotFound
}

// CancelOrder cancels a working order by orderLinkId. Bybit answers an
// order that already finished with retCode 110001, reported as ErrNotFound.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	body := cancelOrderRequest{
		Category:    c.category,
		Symbol:      symbol,
		OrderLinkID: clientOrderID,
	}
	if err := c.do(ctx, http.MethodPost, pathOrderCancel, nil, body, nil); err != nil {
		return err
	}
	if c.Logger != nil {
		c.Logger.Info("bybit order cancelled", zap.String("symbol", symbol), zap.String("order_link_id", clientOrderID))
	}
	return nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)
	var res positionListResult
	if err := c.do(ctx, http.MethodGet, pathPositionList, q, nil, &res); err != nil {
		return nil, err
	}
	for _, p := range res.List {
		if pos := p.toPosition(); pos != nil {
			return pos, nil
		}
	}
	return nil, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("client is nil")
	}
	fullURL := c.host + path
	queryString := ""
	if len(query) > 0 {
		queryString = query.Encode()
		fullURL += "?" + queryString
	}
	var body io.Reader
	bodyRaw := []byte{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyRaw = raw
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	signed := queryString
	if method == http.MethodPost {
		signed = string(bodyRaw)
	}
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("X-BAPI-SIGN", Sign(c.apiSecret, ts+c.apiKey+c.recvWindow+signed))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", exchange.ErrTransient, ctx.Err())
		}
		return fmt.Errorf("%w: request failed: %v", exchange.ErrTransient, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, RetMsg: strings.TrimSpace(string(respBody))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %w", exchange.ErrTransient, apiErr)
		}
		return fmt.Errorf("%w: %w", exchange.ErrRejected, apiErr)
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.RetCode != 0 {
		return classify(&APIError{Status: resp.StatusCode, RetCode: env.RetCode, RetMsg: env.RetMsg})
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", path, err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

const (
	retParamsError        = 10001
	retRecvWindow         = 10002
	retRateLimit          = 10006
	retServerBusy         = 10016
	retOrderNotExists     = 110001
	retInsufficientFunds  = 110007
	retDuplicateOrderLink = 110072
)

func classify(e *APIError) error {
	switch e.RetCode {
	case retDuplicateOrderLink:
		return fmt.Errorf("%w: %w", exchange.ErrDuplicateOrder, e)
	case retOrderNotExists:
		return fmt.Errorf("%w: %w", exchange.ErrNotFound, e)
	case retRecvWindow, retRateLimit, retServerBusy:
		return fmt.Errorf("%w: %w", exchange.ErrTransient, e)
	case retParamsError, retInsufficientFunds:
		return fmt.Errorf("%w: %w", exchange.ErrRejected, e)
	default:
		return fmt.Errorf("%w: %w", exchange.ErrRejected, e)
	}
}
