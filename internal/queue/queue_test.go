package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/strategy"
)

func testItem(id, symbol string) Item {
	return Item{
		ID:     id,
		Symbol: symbol,
		Signal: strategy.Signal{Action: strategy.ActionBuy, Confidence: 0.8, Reason: "test"},
		Ticker: exchange.Ticker{
			Symbol: symbol,
			Bid:    49990,
			Ask:    50010,
			Last:   50000,
			Time:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestMemoryFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(8, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := q.Push(ctx, testItem(fmt.Sprintf("sig-%d", i), "BTC-USD")); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}

	for i := 0; i < 3; i++ {
		item, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
		}
		if want := fmt.Sprintf("sig-%d", i); item.ID != want {
			t.Errorf("pop %d: ID = %q, want %q", i, item.ID, want)
		}
	}

	if _, ok, err := q.Pop(ctx); ok || err != nil {
		t.Errorf("pop on empty: ok=%v err=%v, want absent", ok, err)
	}
}

func TestMemoryDropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(3, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if err := q.Push(ctx, testItem(fmt.Sprintf("sig-%d", i), "ETH-USD")); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("Len = %d, want capacity 3", n)
	}
	if got := q.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	// The two oldest are gone; sig-2 is now the head.
	item, ok, _ := q.Pop(ctx)
	if !ok || item.ID != "sig-2" {
		t.Errorf("head after overflow = %q, want sig-2", item.ID)
	}
}

func TestMemoryPeek(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(8, zerolog.Nop())

	if _, ok, err := q.Peek(ctx); ok || err != nil {
		t.Fatalf("peek on empty: ok=%v err=%v", ok, err)
	}

	q.Push(ctx, testItem("sig-0", "BTC-USD"))
	q.Push(ctx, testItem("sig-1", "BTC-USD"))

	for i := 0; i < 2; i++ {
		item, ok, err := q.Peek(ctx)
		if err != nil || !ok {
			t.Fatalf("peek: ok=%v err=%v", ok, err)
		}
		if item.ID != "sig-0" {
			t.Errorf("peek = %q, want sig-0", item.ID)
		}
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("Len after peeks = %d, want 2", n)
	}
}

func TestMemoryDrain(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(8, zerolog.Nop())
	q.Push(ctx, testItem("sig-0", "BTC-USD"))
	q.Push(ctx, testItem("sig-1", "ETH-USD"))

	items, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(items) != 2 || items[0].ID != "sig-0" || items[1].ID != "sig-1" {
		t.Errorf("drain = %+v, want sig-0, sig-1 in order", items)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len after drain = %d, want 0", n)
	}
}

func TestNewItem(t *testing.T) {
	sig := strategy.Signal{Action: strategy.ActionSell, Confidence: 0.6, Reason: "take profit"}
	item := NewItem("BTC-USD", sig, exchange.Ticker{Symbol: "BTC-USD", Last: 50000})

	if item.ID == "" {
		t.Error("NewItem left ID empty")
	}
	if item.Symbol != "BTC-USD" || item.Signal.Action != strategy.ActionSell {
		t.Errorf("NewItem = %+v", item)
	}
	if item.Timestamp.IsZero() {
		t.Error("NewItem left Timestamp zero")
	}
}

// fakeRedis implements RedisClient over a plain slice.
type fakeRedis struct {
	rows  []string
	trims int
	dels  int
}

func (f *fakeRedis) RPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		switch b := v.(type) {
		case []byte:
			f.rows = append(f.rows, string(b))
		case string:
			f.rows = append(f.rows, b)
		}
	}
	return redis.NewIntResult(int64(len(f.rows)), nil)
}

func (f *fakeRedis) LPop(_ context.Context, _ string) *redis.StringCmd {
	if len(f.rows) == 0 {
		return redis.NewStringResult("", redis.Nil)
	}
	head := f.rows[0]
	f.rows = f.rows[1:]
	return redis.NewStringResult(head, nil)
}

func (f *fakeRedis) LIndex(_ context.Context, _ string, index int64) *redis.StringCmd {
	if index < 0 || int(index) >= len(f.rows) {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(f.rows[index], nil)
}

func (f *fakeRedis) LLen(_ context.Context, _ string) *redis.IntCmd {
	return redis.NewIntResult(int64(len(f.rows)), nil)
}

func (f *fakeRedis) LRange(_ context.Context, _ string, start, stop int64) *redis.StringSliceCmd {
	if start != 0 || stop != -1 {
		return redis.NewStringSliceResult(nil, fmt.Errorf("fake supports full range only"))
	}
	out := make([]string, len(f.rows))
	copy(out, f.rows)
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) LTrim(_ context.Context, _ string, start, stop int64) *redis.StatusCmd {
	f.trims++
	if stop == -1 && start < 0 {
		keep := int(-start)
		if len(f.rows) > keep {
			f.rows = f.rows[len(f.rows)-keep:]
		}
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, _ ...string) *redis.IntCmd {
	f.dels++
	f.rows = nil
	return redis.NewIntResult(1, nil)
}

func TestRedisQueueContract(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{}
	q := NewRedis(fake, "signals:test", 8, zerolog.Nop())

	t.Run("push pop round trip", func(t *testing.T) {
		if err := q.Push(ctx, testItem("sig-0", "BTC-USD")); err != nil {
			t.Fatalf("push: %v", err)
		}
		if err := q.Push(ctx, testItem("sig-1", "ETH-USD")); err != nil {
			t.Fatalf("push: %v", err)
		}

		item, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("pop: ok=%v err=%v", ok, err)
		}
		if item.ID != "sig-0" || item.Symbol != "BTC-USD" {
			t.Errorf("pop = %s/%s, want sig-0/BTC-USD", item.ID, item.Symbol)
		}
		if item.Signal.Action != strategy.ActionBuy || item.Ticker.Last != 50000 {
			t.Errorf("payload did not survive: %+v", item)
		}
	})

	t.Run("peek leaves head in place", func(t *testing.T) {
		item, ok, err := q.Peek(ctx)
		if err != nil || !ok {
			t.Fatalf("peek: ok=%v err=%v", ok, err)
		}
		if item.ID != "sig-1" {
			t.Errorf("peek = %q, want sig-1", item.ID)
		}
		if n, _ := q.Len(ctx); n != 1 {
			t.Errorf("Len after peek = %d, want 1", n)
		}
	})

	t.Run("pop on empty", func(t *testing.T) {
		if _, err := q.Drain(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if _, ok, err := q.Pop(ctx); ok || err != nil {
			t.Errorf("pop on empty: ok=%v err=%v", ok, err)
		}
	})
}

func TestRedisQueueTrimsOverCapacity(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{}
	q := NewRedis(fake, "signals:test", 3, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if err := q.Push(ctx, testItem(fmt.Sprintf("sig-%d", i), "BTC-USD")); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("Len = %d, want capacity 3", n)
	}
	if fake.trims != 2 {
		t.Errorf("trims = %d, want 2", fake.trims)
	}
	item, ok, _ := q.Pop(ctx)
	if !ok || item.ID != "sig-2" {
		t.Errorf("head after overflow = %q, want sig-2", item.ID)
	}
}

func TestRedisDrainSkipsBadRows(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{}
	q := NewRedis(fake, "signals:test", 8, zerolog.Nop())

	q.Push(ctx, testItem("sig-0", "BTC-USD"))
	fake.rows = append(fake.rows, "{not json")
	q.Push(ctx, testItem("sig-1", "ETH-USD"))

	items, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(items) != 2 || items[0].ID != "sig-0" || items[1].ID != "sig-1" {
		t.Errorf("drain = %+v, want the two valid items", items)
	}
	if fake.dels != 1 {
		t.Errorf("dels = %d, want 1", fake.dels)
	}
}

func TestQueueFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("memory backend", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.SignalQueue.Backend = "memory"
		cfg.SignalQueue.Capacity = 16
		q, err := New(ctx, cfg, zerolog.Nop())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, ok := q.(*Memory); !ok {
			t.Errorf("New = %T, want *Memory", q)
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.SignalQueue.Backend = "kafka"
		if _, err := New(ctx, cfg, zerolog.Nop()); err == nil {
			t.Error("New accepted unknown backend")
		}
	})
}
