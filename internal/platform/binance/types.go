package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// APIError is the venue's error body: {"code":-1121,"msg":"Invalid symbol."}.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string { return fmt.Sprintf("binance: code %d: %s", e.Code, e.Msg) }

// Venue error codes the client classifies.
const (
	codeInvalidSymbol   = -1121
	codeFilterFailure   = -1013
	codeNewOrderReject  = -2010
	codeNoSuchOrder     = -2013
	codeInvalidQuantity = -1111
)

// apiTicker24h is GET /api/v3/ticker/24hr.
type apiTicker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	QuoteVolume        string `json:"quoteVolume"`
	PriceChangePercent string `json:"priceChangePercent"`
}

func (t apiTicker24h) toDomain() domain.Ticker24h {
	return domain.Ticker24h{
		Symbol:         t.Symbol,
		LastPrice:      parseFloat(t.LastPrice),
		QuoteVolume:    parseFloat(t.QuoteVolume),
		PriceChangePct: parseFloat(t.PriceChangePercent),
	}
}

// apiFilter is one entry of a symbol's filters array. Only the fields the
// engine uses are decoded.
type apiFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

type apiSymbol struct {
	Symbol     string      `json:"symbol"`
	Status     string      `json:"status"`
	BaseAsset  string      `json:"baseAsset"`
	QuoteAsset string      `json:"quoteAsset"`
	Filters    []apiFilter `json:"filters"`
}

type apiExchangeInfo struct {
	Symbols []apiSymbol `json:"symbols"`
}

func (s apiSymbol) toDomain() domain.SymbolRules {
	r := domain.SymbolRules{Symbol: s.Symbol, BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			r.StepSize = parseFloat(f.StepSize)
			r.MinQty = parseFloat(f.MinQty)
		case "NOTIONAL", "MIN_NOTIONAL":
			r.MinNotional = parseFloat(f.MinNotional)
		}
	}
	return r
}

// apiOrder covers both the FULL order response and GET /api/v3/order.
type apiOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Side                string `json:"side"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

func (o apiOrder) toDomain() domain.Fill {
	f := domain.Fill{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Status:        mapStatus(o.Status),
		ExecutedQty:   parseFloat(o.ExecutedQty),
		QuoteQty:      parseFloat(o.CummulativeQuoteQty),
	}
	if f.ExecutedQty > 0 {
		f.AvgPrice = f.QuoteQty / f.ExecutedQty
	}
	ts := o.TransactTime
	if ts == 0 {
		ts = o.UpdateTime
	}
	if ts > 0 {
		f.Time = time.UnixMilli(ts).UTC()
	}
	return f
}

func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired
	case "PENDING_NEW", "PENDING_CANCEL":
		return domain.OrderStatusNew
	}
	return domain.OrderStatus(s)
}

type apiBalance struct {
	Asset string `json:"asset"`
	Free  string `json:"free"`
}

type apiAccount struct {
	Balances []apiBalance `json:"balances"`
}

// parseKline decodes one kline row:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKline(row []json.RawMessage) (domain.Candle, error) {
	if len(row) < 7 {
		return domain.Candle{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	var openMs, closeMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return domain.Candle{}, fmt.Errorf("kline open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return domain.Candle{}, fmt.Errorf("kline close time: %w", err)
	}
	var vals [5]float64
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return domain.Candle{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return domain.Candle{
		OpenTime:  time.UnixMilli(openMs).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		CloseTime: time.UnixMilli(closeMs).UTC(),
	}, nil
}

// parseFloat returns 0 for empty or malformed venue decimals.
func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
