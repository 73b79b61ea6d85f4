// Package queue buffers generated signals ahead of execution. The execution
// side is idempotent via clientOrderId, so both variants may deliver an item
// more than once without double-trading.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/strategy"
)

// Item is one queued signal with the market context it was generated under.
type Item struct {
	ID        string            `json:"id"`
	Symbol    string            `json:"symbol"`
	Signal    strategy.Signal   `json:"signal"`
	Ticker    exchange.Ticker   `json:"ticker"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewItem stamps a signal with identity and time.
func NewItem(symbol string, sig strategy.Signal, ticker exchange.Ticker) Item {
	return Item{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Signal:    sig,
		Ticker:    ticker,
		Timestamp: time.Now().UTC(),
	}
}

// Queue is a bounded FIFO. Push never blocks: a full queue drops its oldest
// item to protect execution from a slow broker. Pop and Peek report absence
// through the bool, not an error.
type Queue interface {
	Push(ctx context.Context, item Item) error
	Pop(ctx context.Context) (Item, bool, error)
	Peek(ctx context.Context) (Item, bool, error)
	Len(ctx context.Context) (int, error)
	Drain(ctx context.Context) ([]Item, error)
}

// New builds the configured queue variant. The redis backend requires a
// reachable server; construction fails rather than silently degrading.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Queue, error) {
	switch cfg.SignalQueue.Backend {
	case "", "memory":
		return NewMemory(cfg.SignalQueue.Capacity, log), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("queue: redis ping %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedis(client, cfg.Redis.QueueKey, cfg.SignalQueue.Capacity, log), nil
	}
	return nil, fmt.Errorf("queue: unknown backend %q", cfg.SignalQueue.Backend)
}
