package domain

import (
	"math"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus mirrors the venue's order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest is a market order in base-asset quantity.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64
	ClientOrderID string
}

// Fill is the venue's report for one order.
type Fill struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Status        OrderStatus `json:"status"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	QuoteQty      float64     `json:"quote_qty"`
	Time          time.Time   `json:"time"`
}

// Executed reports a terminal order that moved quantity.
func (f Fill) Executed() bool {
	return f.Status.Terminal() && f.ExecutedQty > 0
}

// SymbolRules are the venue's trading filters for one symbol.
type SymbolRules struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// RoundQty floors qty to the step size.
func (r SymbolRules) RoundQty(qty float64) float64 {
	if r.StepSize <= 0 {
		return qty
	}
	steps := math.Floor(qty/r.StepSize + 1e-9)
	return roundTo(steps*r.StepSize, r.StepSize)
}

// roundTo strips float noise below the step's precision.
func roundTo(v, step float64) float64 {
	decimals := 0
	for s := step; s < 1 && decimals < 12; s *= 10 {
		decimals++
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
