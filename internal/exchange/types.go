// Package exchange defines the market data and order types shared across the
// engine, the Adapter interface every broker implements, and the adapter
// implementations (Coinbase Advanced, Binance, Bybit, paper, unavailable).
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType as submitted to the exchange.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// OrderStatus is the order's lifecycle state. Status only advances: a
// terminal order never reverts.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// Rank orders statuses for monotonicity checks: an upsert may only move an
// order to an equal or higher rank.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusOpen:
		return 1
	case StatusFilled, StatusCanceled, StatusRejected:
		return 2
	}
	return -1
}

// Ticker is an ephemeral top-of-book observation. Never persisted.
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume24h float64
	Time      time.Time
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (t Ticker) SpreadBps() float64 {
	mid := (t.Bid + t.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / mid * 10000
}

// Candle is an immutable OHLCV bar keyed by (symbol, interval, OpenTime).
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Validate checks the OHLC ordering invariant and non-negative volume.
func (c Candle) Validate() error {
	lo, hi := c.Open, c.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	if c.Low > lo || hi > c.High {
		return fmt.Errorf("candle at %s violates low <= open/close <= high (o=%v h=%v l=%v c=%v)",
			c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle at %s has negative volume %v", c.OpenTime.Format(time.RFC3339), c.Volume)
	}
	return nil
}

// Order is the engine's view of an exchange order. RequestedPrice, StopPrice
// and AvgFillPrice are zero when not applicable.
type Order struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Type           OrderType
	RequestedQty   float64
	RequestedPrice float64
	StopPrice      float64
	FilledQty      float64
	AvgFillPrice   float64
	FeesUsd        float64
	Status         OrderStatus
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// RemainingQty is the unfilled portion.
func (o Order) RemainingQty() float64 {
	r := o.RequestedQty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// OrderRequest is what the engine hands a broker.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // limit price; 0 for market
	StopPrice     float64
	ClientOrderID string
}

// Balance is one asset's free/locked split as reported by the exchange.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free + locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// Fill is one execution reported by the exchange's fill log.
type Fill struct {
	TradeID  string
	OrderID  string
	Symbol   string
	Side     Side
	Quantity float64
	Price    float64
	FeeUsd   float64
	Time     time.Time
}

// Adapter is the exchange surface the engine consumes. Implementations must
// be safe for concurrent use; every call honors ctx cancellation.
type Adapter interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	ListFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
}

var knownQuotes = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "GBP", "BTC", "ETH"}

// BaseAsset extracts the base asset from a trading pair: "BTC-USD" -> "BTC",
// "ETHUSDT" -> "ETH". Unrecognized concatenated pairs return the symbol as-is.
func BaseAsset(symbol string) string {
	if i := strings.IndexAny(symbol, "-/"); i > 0 {
		return symbol[:i]
	}
	upper := strings.ToUpper(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return symbol[:len(upper)-len(q)]
		}
	}
	return symbol
}

// QuoteAsset extracts the quote asset from a trading pair, defaulting to USD.
func QuoteAsset(symbol string) string {
	if i := strings.IndexAny(symbol, "-/"); i > 0 && i < len(symbol)-1 {
		return symbol[i+1:]
	}
	upper := strings.ToUpper(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return q
		}
	}
	return "USD"
}
