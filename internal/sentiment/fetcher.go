// Package sentiment polls the alternative.me Fear & Greed index and
// republishes it on the event bus. Scores are advisory: they feed dashboards
// and alerts, never order placement.
package sentiment

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/fault"
)

const alternativeMeURL = "https://api.alternative.me"

// Score is the last sentiment reading.
type Score struct {
	FearGreedIndex int       `json:"fear_greed_index"` // 0-100
	FearGreedLabel string    `json:"fear_greed_label"` // "Extreme Fear" .. "Extreme Greed"
	Overall        float64   `json:"overall"`          // -1 (fear) to +1 (greed)
	UpdatedAt      time.Time `json:"updated_at"`
}

// fearGreedResponse from the alternative.me fng endpoint.
type fearGreedResponse struct {
	Name string `json:"name"`
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
		Timestamp           string `json:"timestamp"`
	} `json:"data"`
}

type Fetcher struct {
	cfg  config.SentimentConfig
	http *resty.Client
	bus  *events.Bus
	log  zerolog.Logger

	mu       sync.RWMutex
	last     *Score
	lastZone string
}

func NewFetcher(cfg config.SentimentConfig, bus *events.Bus, log zerolog.Logger) *Fetcher {
	return newFetcher(alternativeMeURL, cfg, bus, log)
}

func newFetcher(baseURL string, cfg config.SentimentConfig, bus *events.Bus, log zerolog.Logger) *Fetcher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	return &Fetcher{
		cfg:      cfg,
		http:     client,
		bus:      bus,
		log:      log.With().Str("component", "sentiment").Logger(),
		lastZone: "normal",
	}
}

// Refresh fetches the current index, caches it, publishes it on the bus, and
// raises an alert when the reading crosses into an extreme zone. The
// scheduler drives the cadence.
func (f *Fetcher) Refresh(ctx context.Context) error {
	const op = "sentiment.refresh"

	var out fearGreedResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("limit", "1").
		SetResult(&out).
		Get("/fng/")
	if err != nil {
		return fault.Wrap(fault.Transient, op, err)
	}
	if resp.IsError() {
		return fault.Newf(fault.Transient, op, "fear/greed fetch: status %d", resp.StatusCode())
	}
	if len(out.Data) == 0 {
		return fault.Newf(fault.Transient, op, "fear/greed fetch: empty data")
	}

	idx, err := strconv.Atoi(out.Data[0].Value)
	if err != nil || idx < 0 || idx > 100 {
		return fault.Newf(fault.Transient, op, "fear/greed fetch: bad value %q", out.Data[0].Value)
	}

	score := Score{
		FearGreedIndex: idx,
		FearGreedLabel: out.Data[0].ValueClassification,
		Overall:        (float64(idx) - 50) / 50,
		UpdatedAt:      time.Now().UTC(),
	}

	f.mu.Lock()
	f.last = &score
	prevZone := f.lastZone
	zone := f.zoneFor(idx)
	f.lastZone = zone
	f.mu.Unlock()

	f.bus.Sentiment.Publish(events.SentimentPayload{
		FearGreedIndex: score.FearGreedIndex,
		FearGreedLabel: score.FearGreedLabel,
		Timestamp:      score.UpdatedAt,
	})

	if zone != prevZone && zone != "normal" {
		title := "Extreme fear"
		if zone == "greed" {
			title = "Extreme greed"
		}
		f.bus.PublishAlert(events.LevelWarn, title,
			fmt.Sprintf("fear/greed index at %d (%s)", idx, score.FearGreedLabel),
			map[string]string{"index": strconv.Itoa(idx)})
	}

	f.log.Debug().
		Int("index", idx).
		Str("label", score.FearGreedLabel).
		Msg("sentiment refreshed")
	return nil
}

func (f *Fetcher) zoneFor(idx int) string {
	switch {
	case idx <= f.cfg.FearThreshold:
		return "fear"
	case idx >= f.cfg.GreedThreshold:
		return "greed"
	default:
		return "normal"
	}
}

// Snapshot returns the last reading, if any poll has succeeded yet.
func (f *Fetcher) Snapshot() (Score, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.last == nil {
		return Score{}, false
	}
	return *f.last, true
}

// Extreme reports whether the market sits in a panic or bubble zone. Status
// surfaces show it; the risk engine does not consume it.
func (f *Fetcher) Extreme() (bool, string) {
	score, ok := f.Snapshot()
	if !ok {
		return false, ""
	}
	switch {
	case score.FearGreedIndex <= f.cfg.FearThreshold:
		return true, fmt.Sprintf("extreme fear (index %d)", score.FearGreedIndex)
	case score.FearGreedIndex >= f.cfg.GreedThreshold:
		return true, fmt.Sprintf("extreme greed (index %d)", score.FearGreedIndex)
	}
	return false, ""
}
