package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultQueueKey = "signals:queue"

// RedisClient is the slice of go-redis used by the queue. *redis.Client
// satisfies it.
type RedisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPop(ctx context.Context, key string) *redis.StringCmd
	LIndex(ctx context.Context, key string, index int64) *redis.StringCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is the distributed queue variant: a redis list with JSON items,
// oldest at the head. Delivery is at-least-once; a drain racing another
// consumer can hand the same item to both.
type Redis struct {
	client RedisClient
	key    string
	cap    int
	log    zerolog.Logger
}

func NewRedis(client RedisClient, key string, capacity int, log zerolog.Logger) *Redis {
	if key == "" {
		key = defaultQueueKey
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Redis{
		client: client,
		key:    key,
		cap:    capacity,
		log:    log.With().Str("component", "signal_queue").Str("queue_key", key).Logger(),
	}
}

func (r *Redis) Push(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: marshal item %s: %w", item.ID, err)
	}
	n, err := r.client.RPush(ctx, r.key, data).Result()
	if err != nil {
		return fmt.Errorf("queue: push: %w", err)
	}
	if int(n) > r.cap {
		// Keep the newest cap items, shedding from the head.
		if err := r.client.LTrim(ctx, r.key, int64(-r.cap), -1).Err(); err != nil {
			return fmt.Errorf("queue: trim: %w", err)
		}
		r.log.Warn().
			Int64("length", n).
			Int("capacity", r.cap).
			Msg("signal queue full, dropped oldest")
	}
	return nil
}

func (r *Redis) Pop(ctx context.Context) (Item, bool, error) {
	data, err := r.client.LPop(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("queue: pop: %w", err)
	}
	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return Item{}, false, fmt.Errorf("queue: decode popped item: %w", err)
	}
	return item, true, nil
}

func (r *Redis) Peek(ctx context.Context) (Item, bool, error) {
	data, err := r.client.LIndex(ctx, r.key, 0).Result()
	if errors.Is(err, redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("queue: peek: %w", err)
	}
	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return Item{}, false, fmt.Errorf("queue: decode head item: %w", err)
	}
	return item, true, nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return int(n), nil
}

// Drain reads and deletes the whole list. Items that fail to decode are
// logged and skipped so one bad entry cannot wedge shutdown.
func (r *Redis) Drain(ctx context.Context) ([]Item, error) {
	rows, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: drain range: %w", err)
	}
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return nil, fmt.Errorf("queue: drain delete: %w", err)
	}
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		var item Item
		if err := json.Unmarshal([]byte(row), &item); err != nil {
			r.log.Error().Err(err).Msg("skipping undecodable queue item")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
