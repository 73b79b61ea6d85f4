package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const defaultCapacity = 256

// Memory is the in-process queue variant.
type Memory struct {
	log zerolog.Logger

	mu      sync.Mutex
	items   []Item
	cap     int
	dropped int64
}

func NewMemory(capacity int, log zerolog.Logger) *Memory {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Memory{
		log:   log.With().Str("component", "signal_queue").Logger(),
		items: make([]Item, 0, capacity),
		cap:   capacity,
	}
}

func (m *Memory) Push(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) >= m.cap {
		old := m.items[0]
		m.items = m.items[1:]
		m.dropped++
		m.log.Warn().
			Str("dropped_id", old.ID).
			Str("symbol", old.Symbol).
			Int64("total_dropped", m.dropped).
			Msg("signal queue full, dropped oldest")
	}
	m.items = append(m.items, item)
	return nil
}

func (m *Memory) Pop(_ context.Context) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return Item{}, false, nil
	}
	item := m.items[0]
	m.items = m.items[1:]
	return item, true, nil
}

func (m *Memory) Peek(_ context.Context) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return Item{}, false, nil
	}
	return m.items[0], true, nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

// Drain removes and returns every queued item in FIFO order.
func (m *Memory) Drain(_ context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.items
	m.items = make([]Item, 0, m.cap)
	return out, nil
}

// Dropped reports how many items were discarded to make room.
func (m *Memory) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
