// Package candles keeps the append-only candle series per (symbol, interval):
// an in-memory window backed by the SQLite candles table.
package candles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/exchange"
)

var (
	// ErrStaleFeed means the newest candle is older than five expected
	// intervals. The market-data feed has stopped.
	ErrStaleFeed = errors.New("candles: stale feed")

	// ErrNoData means no candles exist yet for the series.
	ErrNoData = errors.New("candles: no data")
)

// staleIntervals is how many missed intervals mark a feed stale.
const staleIntervals = 5

// maxSeriesLen bounds the in-memory window per series. Older candles remain
// in the database.
const maxSeriesLen = 1000

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// IntervalDuration parses a candle interval string.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("candles: unsupported interval %q", interval)
	}
	return d, nil
}

type seriesKey struct {
	symbol   string
	interval string
}

// Store holds candle series with write-through persistence.
type Store struct {
	repo *database.Repository

	mu     sync.RWMutex
	series map[seriesKey][]exchange.Candle

	now func() time.Time
}

// NewStore creates a store backed by repo.
func NewStore(repo *database.Repository) *Store {
	return &Store{
		repo:   repo,
		series: make(map[seriesKey][]exchange.Candle),
		now:    time.Now,
	}
}

// Hydrate loads the most recent window for each symbol from the database.
func (s *Store) Hydrate(ctx context.Context, symbols []string, interval string) error {
	for _, symbol := range symbols {
		loaded, err := s.repo.RecentCandles(ctx, symbol, interval, maxSeriesLen)
		if err != nil {
			return fmt.Errorf("hydrate %s/%s: %w", symbol, interval, err)
		}
		s.mu.Lock()
		s.series[seriesKey{symbol, interval}] = loaded
		s.mu.Unlock()
	}
	return nil
}

// Upsert validates and stores one candle, idempotent on OpenTime. The
// database row is written before the in-memory window so a failed write
// leaves both views unchanged.
func (s *Store) Upsert(ctx context.Context, symbol, interval string, c exchange.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("candles: %w", err)
	}
	if _, err := IntervalDuration(interval); err != nil {
		return err
	}

	if err := s.repo.UpsertCandle(ctx, symbol, interval, c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := seriesKey{symbol, interval}
	window := s.series[k]

	i := sort.Search(len(window), func(i int) bool {
		return !window[i].OpenTime.Before(c.OpenTime)
	})
	switch {
	case i < len(window) && window[i].OpenTime.Equal(c.OpenTime):
		window[i] = c
	case i == len(window):
		window = append(window, c)
	default:
		window = append(window, exchange.Candle{})
		copy(window[i+1:], window[i:])
		window[i] = c
	}

	if len(window) > maxSeriesLen {
		window = window[len(window)-maxSeriesLen:]
	}
	s.series[k] = window
	return nil
}

// GetRecent returns the last n candles in strictly increasing OpenTime
// order. It fails with ErrNoData when the series is empty and ErrStaleFeed
// when the newest candle is older than five intervals.
func (s *Store) GetRecent(symbol, interval string, n int) ([]exchange.Candle, error) {
	step, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.series[seriesKey{symbol, interval}]
	if len(window) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoData, symbol, interval)
	}

	last := window[len(window)-1].OpenTime
	if age := s.now().Sub(last); age > staleIntervals*step {
		return nil, fmt.Errorf("%w: %s/%s last candle %s ago", ErrStaleFeed, symbol, interval, age.Round(time.Second))
	}

	if n > len(window) {
		n = len(window)
	}
	out := make([]exchange.Candle, n)
	copy(out, window[len(window)-n:])
	return out, nil
}

// Len returns the in-memory window size for a series.
func (s *Store) Len(symbol, interval string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[seriesKey{symbol, interval}])
}
