// Package binance is the REST and websocket client for a Binance-style spot
// venue. It implements domain.MarketData and domain.Exchange.
package binance

import (
	"context"
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

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/spotbot/internal/crypto"
	"github.com/alanyoungcy/spotbot/internal/domain"
)

// DefaultBaseURL is the production REST root.
const DefaultBaseURL = "https://api.binance.com"

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string
	Auth    *crypto.APIAuth
	// RequestsPerSecond paces every REST call; burst equals the rate.
	RequestsPerSecond float64
	Timeout           time.Duration
	// RulesTTL is how long exchangeInfo filters are cached.
	RulesTTL time.Duration
}

// Client talks to the venue's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	auth       *crypto.APIAuth
	rulesTTL   time.Duration
	now        func() time.Time

	mu    sync.Mutex
	rules map[string]cachedRules
}

type cachedRules struct {
	rules   domain.SymbolRules
	fetched time.Time
}

// NewClient creates a Client. Zero-valued settings take safe defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RulesTTL <= 0 {
		cfg.RulesTTL = time.Hour
	}
	burst := max(int(cfg.RequestsPerSecond), 1)
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		auth:       cfg.Auth,
		rulesTTL:   cfg.RulesTTL,
		now:        time.Now,
		rules:      make(map[string]cachedRules),
	}
}

// RecentCandles returns the latest limit candles, oldest first.
func (c *Client) RecentCandles(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	q := url.Values{
		"symbol":   {symbol},
		"interval": {string(tf)},
		"limit":    {strconv.Itoa(limit)},
	}
	var rows [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", q, false, &rows); err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", symbol, tf, err)
	}
	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		cd, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("binance: klines %s: %w", symbol, err)
		}
		candles = append(candles, cd)
	}
	return candles, nil
}

// CurrentPrice returns the last traded price.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Price string `json:"price"`
	}
	if err := c.get(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}}, false, &out); err != nil {
		return 0, fmt.Errorf("binance: price %s: %w", symbol, err)
	}
	p := parseFloat(out.Price)
	if p <= 0 {
		return 0, fmt.Errorf("binance: price %s: non-positive price %q: %w", symbol, out.Price, domain.ErrTransient)
	}
	return p, nil
}

// Ticker24h returns the rolling 24h statistics.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (domain.Ticker24h, error) {
	var out apiTicker24h
	if err := c.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {symbol}}, false, &out); err != nil {
		return domain.Ticker24h{}, fmt.Errorf("binance: ticker %s: %w", symbol, err)
	}
	return out.toDomain(), nil
}

// SymbolRules returns the cached trading filters for symbol.
func (c *Client) SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error) {
	c.mu.Lock()
	cached, ok := c.rules[symbol]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.fetched) < c.rulesTTL {
		return cached.rules, nil
	}

	var info apiExchangeInfo
	if err := c.get(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}}, false, &info); err != nil {
		return domain.SymbolRules{}, fmt.Errorf("binance: exchange info %s: %w", symbol, err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if s.Status != "" && s.Status != "TRADING" {
			return domain.SymbolRules{}, fmt.Errorf("binance: %s status %s: %w", symbol, s.Status, domain.ErrSymbolInvalid)
		}
		r := s.toDomain()
		c.mu.Lock()
		c.rules[symbol] = cachedRules{rules: r, fetched: c.now()}
		c.mu.Unlock()
		return r, nil
	}
	return domain.SymbolRules{}, fmt.Errorf("binance: exchange info %s: %w", symbol, domain.ErrSymbolInvalid)
}

// PlaceMarketOrder submits a MARKET order keyed by req.ClientOrderID.
func (c *Client) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	q := url.Values{
		"symbol":           {req.Symbol},
		"side":             {string(req.Side)},
		"type":             {"MARKET"},
		"quantity":         {formatQty(req.Quantity)},
		"newClientOrderId": {req.ClientOrderID},
		"newOrderRespType": {"FULL"},
	}
	var out apiOrder
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", q, true, &out); err != nil {
		return domain.Fill{}, fmt.Errorf("binance: place %s %s: %w", req.Side, req.Symbol, err)
	}
	return out.toDomain(), nil
}

// QueryOrder looks an order up by client order id. An unknown order yields
// domain.ErrNotFound.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (domain.Fill, error) {
	q := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	var out apiOrder
	if err := c.get(ctx, "/api/v3/order", q, true, &out); err != nil {
		return domain.Fill{}, fmt.Errorf("binance: query order %s: %w", clientOrderID, err)
	}
	return out.toDomain(), nil
}

// FreeBalance returns the free (unlocked) balance of asset.
func (c *Client) FreeBalance(ctx context.Context, asset string) (float64, error) {
	var acct apiAccount
	if err := c.get(ctx, "/api/v3/account", url.Values{"omitZeroBalances": {"true"}}, true, &acct); err != nil {
		return 0, fmt.Errorf("binance: account: %w", err)
	}
	for _, b := range acct.Balances {
		if b.Asset == asset {
			return parseFloat(b.Free), nil
		}
	}
	return 0, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, signed bool, out any) error {
	return c.do(ctx, http.MethodGet, path, q, signed, out)
}

// do paces, signs and sends one request, then decodes the body into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	query := q.Encode()
	if signed {
		if c.auth == nil || c.auth.Key == "" {
			return fmt.Errorf("signed endpoint without credentials: %w", domain.ErrUnauthorized)
		}
		query = c.auth.SignQuery(q, c.now())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if signed {
		req.Header.Set(crypto.APIKeyHeader, c.auth.Key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w: %w", domain.ErrTransient, err)
	}
	if err := classify(resp.StatusCode, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify maps a non-2xx response onto the domain error taxonomy.
func classify(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	apiErr := &APIError{Code: 0, Msg: strings.TrimSpace(string(body))}
	var decoded APIError
	if json.Unmarshal(body, &decoded) == nil && (decoded.Code != 0 || decoded.Msg != "") {
		apiErr = &decoded
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return errors.Join(domain.ErrRateLimited, domain.ErrTransient, apiErr)
	case status >= 500:
		return errors.Join(domain.ErrTransient, apiErr)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Join(domain.ErrUnauthorized, apiErr)
	}

	switch apiErr.Code {
	case codeInvalidSymbol:
		return errors.Join(domain.ErrSymbolInvalid, apiErr)
	case codeNoSuchOrder:
		return errors.Join(domain.ErrNotFound, apiErr)
	case codeNewOrderReject, codeFilterFailure, codeInvalidQuantity:
		return errors.Join(domain.ErrOrderRejected, apiErr)
	}
	return fmt.Errorf("HTTP %d: %w", status, apiErr)
}

var (
	_ domain.MarketData = (*Client)(nil)
	_ domain.Exchange   = (*Client)(nil)
)
