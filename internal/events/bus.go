package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxSubscribers bounds the fan-out per channel. Subscribe fails once a
// channel is at the limit.
const MaxSubscribers = 200

// ErrSubscriberLimit is returned by Subscribe when a channel is full.
var ErrSubscriberLimit = errors.New("events: subscriber limit reached")

// Handler receives one payload per delivery. Handlers must not subscribe or
// publish on the same channel from inside a delivery.
type Handler[T any] func(T)

type subscriber[T any] struct {
	id int
	fn Handler[T]
}

// Topic is a single named channel carrying payloads of one type. Fan-out is
// synchronous and ordered: handlers run in subscription order, and two
// Publish calls on the same topic never interleave.
type Topic[T any] struct {
	name string

	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
}

func newTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// Name returns the channel name.
func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers a handler and returns its unsubscribe func.
func (t *Topic[T]) Subscribe(fn Handler[T]) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.subs) >= MaxSubscribers {
		return nil, fmt.Errorf("%w: channel %q has %d subscribers", ErrSubscriberLimit, t.name, len(t.subs))
	}

	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})

	return func() { t.unsubscribe(id) }, nil
}

func (t *Topic[T]) unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish delivers payload to every subscriber in order. A panicking handler
// is recovered and logged so it cannot starve the remaining handlers.
// Delivery is best-effort within the process; nothing is persisted.
func (t *Topic[T]) Publish(payload T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.subs {
		deliver(t.name, s.fn, payload)
	}
}

func deliver[T any](channel string, fn Handler[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("channel", channel).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	fn(payload)
}

// =============================================================================
// CHANNEL PAYLOADS
// =============================================================================

// AlertLevel grades an alert for downstream routing.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarn     AlertLevel = "warn"
	LevelCritical AlertLevel = "critical"
)

// PricePayload is published on the price channel for each ticker observation.
type PricePayload struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume24h float64   `json:"volume_24h,omitempty"`
	Time      time.Time `json:"time"`
}

// TradePayload is published on the trades channel for each executed order.
type TradePayload struct {
	OrderID        string    `json:"order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	Fees           float64   `json:"fees"`
	RealizedPnlUsd float64   `json:"realized_pnl_usd,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PositionView is one open position enriched with mark-to-market fields.
type PositionView struct {
	Symbol           string  `json:"symbol"`
	Quantity         float64 `json:"quantity"`
	AvgEntryPrice    float64 `json:"avg_entry_price"`
	MarketPrice      float64 `json:"market_price"`
	ValueUsd         float64 `json:"value_usd"`
	UnrealizedPnlUsd float64 `json:"unrealized_pnl_usd"`
	UnrealizedPnlPct float64 `json:"unrealized_pnl_pct"`
}

// PositionsPayload is published on the positions channel after fills and on
// snapshot refreshes.
type PositionsPayload struct {
	Positions      []PositionView `json:"positions"`
	CashUsd        float64        `json:"cash_usd"`
	TotalEquityUsd float64        `json:"total_equity_usd"`
}

// AlertPayload is published on the alerts channel.
type AlertPayload struct {
	Level     AlertLevel        `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricsPayload is published on the metrics channel by the health report.
type MetricsPayload struct {
	Counters  map[string]float64 `json:"counters"`
	Gauges    map[string]float64 `json:"gauges"`
	UptimeSec float64            `json:"uptime_sec"`
}

// SentimentPayload is published on the sentiment channel.
type SentimentPayload struct {
	FearGreedIndex  int       `json:"fear_greed_index"`
	FearGreedLabel  string    `json:"fear_greed_label"`
	NewsScore       float64   `json:"news_score,omitempty"`
	SocialSentiment float64   `json:"social_sentiment,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// =============================================================================
// BUS
// =============================================================================

// Bus carries the closed set of channels. Each channel is typed: publishing
// the wrong payload shape does not compile.
type Bus struct {
	Price     *Topic[PricePayload]
	Trades    *Topic[TradePayload]
	Positions *Topic[PositionsPayload]
	Alerts    *Topic[AlertPayload]
	Metrics   *Topic[MetricsPayload]
	Sentiment *Topic[SentimentPayload]
}

// NewBus creates a bus with all channels empty.
func NewBus() *Bus {
	return &Bus{
		Price:     newTopic[PricePayload]("price"),
		Trades:    newTopic[TradePayload]("trades"),
		Positions: newTopic[PositionsPayload]("positions"),
		Alerts:    newTopic[AlertPayload]("alerts"),
		Metrics:   newTopic[MetricsPayload]("metrics"),
		Sentiment: newTopic[SentimentPayload]("sentiment"),
	}
}

// PublishAlert stamps and publishes an alert.
func (b *Bus) PublishAlert(level AlertLevel, title, message string, context map[string]string) {
	b.Alerts.Publish(AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Context:   context,
		Timestamp: time.Now(),
	})
}

// PublishTrade stamps and publishes a trade.
func (b *Bus) PublishTrade(orderID, symbol, side string, qty, price, fees, realizedPnl float64) {
	b.Trades.Publish(TradePayload{
		OrderID:        orderID,
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		Price:          price,
		Fees:           fees,
		RealizedPnlUsd: realizedPnl,
		Timestamp:      time.Now(),
	})
}
