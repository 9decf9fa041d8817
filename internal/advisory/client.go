// Package advisory asks an external decision service for a BUY/SELL/HOLD
// call on a candidate entry and guards the engine against its failures.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// ClientConfig configures the HTTP advisor.
type ClientConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client calls an HTTP decision service. It implements domain.Advisor.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 5 * time.Minute
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "advisory",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.BreakerFailures
			},
		}),
	}
}

// request is the wire form of a market snapshot. NaN indicators are sent as
// null.
type request struct {
	Symbol      string              `json:"symbol"`
	Price       float64             `json:"price"`
	QuoteVolume float64             `json:"quote_volume_24h"`
	ChangePct   float64             `json:"price_change_pct_24h"`
	Indicators  map[string]*float64 `json:"indicators"`
	Screening   string              `json:"screening"`
	Time        time.Time           `json:"time"`
}

// response accepts both "signal" and "action" for the decision field.
type response struct {
	Signal     string    `json:"signal"`
	Action     string    `json:"action"`
	Confidence *float64  `json:"confidence"`
	StopLoss   *float64  `json:"stop_loss"`
	TakeProfit []float64 `json:"take_profit"`
	Rationale  string    `json:"rationale"`
}

// ProposeDecision posts the snapshot and decodes the decision. Bodies that
// wrap the JSON object in prose are tolerated.
func (c *Client) ProposeDecision(ctx context.Context, snap domain.MarketSnapshot) (domain.Advice, error) {
	body, err := json.Marshal(newRequest(snap))
	if err != nil {
		return domain.Advice{}, fmt.Errorf("advisory: marshal request: %w", err)
	}

	raw, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return domain.Advice{}, fmt.Errorf("advisory: %s: %w", snap.Symbol, err)
	}

	adv, err := parseAdvice(raw.([]byte))
	if err != nil {
		return domain.Advice{}, fmt.Errorf("advisory: %s: %w", snap.Symbol, err)
	}
	adv.Source = "advisor"
	return adv, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func newRequest(snap domain.MarketSnapshot) request {
	ind := make(map[string]*float64, len(snap.Indicators))
	for k, v := range snap.Indicators {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			ind[k] = nil
			continue
		}
		v := v
		ind[k] = &v
	}
	return request{
		Symbol:      snap.Symbol,
		Price:       snap.Price,
		QuoteVolume: snap.Ticker.QuoteVolume,
		ChangePct:   snap.Ticker.PriceChangePct,
		Indicators:  ind,
		Screening:   snap.Screening,
		Time:        snap.Time,
	}
}

// parseAdvice decodes a decision, falling back to the outermost {...} span
// when the body is not bare JSON.
func parseAdvice(raw []byte) (domain.Advice, error) {
	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		start, end := bytes.IndexByte(raw, '{'), bytes.LastIndexByte(raw, '}')
		if start < 0 || end <= start {
			return domain.Advice{}, fmt.Errorf("no JSON object in response: %w", domain.ErrMalformedAdvice)
		}
		if err := json.Unmarshal(raw[start:end+1], &r); err != nil {
			return domain.Advice{}, fmt.Errorf("decode response: %w: %w", domain.ErrMalformedAdvice, err)
		}
	}

	action := r.Signal
	if action == "" {
		action = r.Action
	}
	if r.Confidence == nil {
		return domain.Advice{}, fmt.Errorf("missing confidence: %w", domain.ErrMalformedAdvice)
	}
	return domain.Advice{
		Action:               domain.Action(strings.ToUpper(strings.TrimSpace(action))),
		Confidence:           *r.Confidence,
		Rationale:            r.Rationale,
		SuggestedStopLoss:    r.StopLoss,
		SuggestedTakeProfits: r.TakeProfit,
	}, nil
}

var _ domain.Advisor = (*Client)(nil)
