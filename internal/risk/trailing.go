package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
)

// ExitCheck is the outcome of one trailing-stop evaluation.
type ExitCheck struct {
	ShouldExit bool
	Reason     string
}

// TrailingState is a copy of one tracked position's trailing-stop state.
// StopPrice is zero until the stop activates.
type TrailingState struct {
	Symbol       string
	EntryPrice   float64
	HighestPrice float64
	StopPrice    float64
	Activated    bool
	OpenedAt     time.Time
	UpdatedAt    time.Time
}

// TrailingStopManager tracks one activating trailing stop per held symbol.
// The stop arms once the position gains ActivationPct, then ratchets upward
// with new highs and never moves down. Positions are long only.
type TrailingStopManager struct {
	cfg config.TrailingConfig
	log zerolog.Logger

	mu        sync.Mutex
	positions map[string]*TrailingState
}

// NewTrailingStopManager returns an empty manager. A disabled config turns
// every method into a no-op.
func NewTrailingStopManager(cfg config.TrailingConfig, log zerolog.Logger) *TrailingStopManager {
	return &TrailingStopManager{
		cfg:       cfg,
		log:       log.With().Str("component", "trailing_stop").Logger(),
		positions: make(map[string]*TrailingState),
	}
}

// OpenPosition starts tracking symbol from entryPrice with the stop unarmed.
// An existing entry for the symbol is replaced.
func (t *TrailingStopManager) OpenPosition(symbol string, entryPrice float64) {
	if !t.cfg.Enabled || entryPrice <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.positions[symbol]; ok {
		t.log.Debug().Str("symbol", symbol).Msg("replacing tracked trailing stop")
	}
	now := time.Now()
	t.positions[symbol] = &TrailingState{
		Symbol:       symbol,
		EntryPrice:   entryPrice,
		HighestPrice: entryPrice,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	t.log.Info().
		Str("symbol", symbol).
		Float64("entry", entryPrice).
		Float64("activation_pct", t.cfg.ActivationPct).
		Msg("trailing stop tracking opened")
}

// Remove stops tracking symbol.
func (t *TrailingStopManager) Remove(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.positions[symbol]; ok {
		delete(t.positions, symbol)
		t.log.Debug().Str("symbol", symbol).Msg("trailing stop tracking removed")
	}
}

// Update feeds one price observation and reports whether the stop fired.
// Pass atr=0 to use the percent trail; a positive atr with a configured
// multiplier switches to the ATR distance. The stop only ratchets upward.
func (t *TrailingStopManager) Update(symbol string, price, atr float64) ExitCheck {
	if !t.cfg.Enabled || price <= 0 {
		return ExitCheck{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return ExitCheck{}
	}
	pos.UpdatedAt = time.Now()

	if !pos.Activated {
		gain := (price - pos.EntryPrice) / pos.EntryPrice
		if gain >= t.cfg.ActivationPct {
			pos.Activated = true
			pos.HighestPrice = price
			pos.StopPrice = t.stopFor(price, atr)
			t.log.Info().
				Str("symbol", symbol).
				Float64("price", price).
				Float64("gain_pct", gain*100).
				Float64("stop", pos.StopPrice).
				Msg("trailing stop activated")
		}
		return ExitCheck{}
	}

	if price > pos.HighestPrice {
		pos.HighestPrice = price
		if stop := t.stopFor(price, atr); stop > pos.StopPrice {
			t.log.Debug().
				Str("symbol", symbol).
				Float64("old_stop", pos.StopPrice).
				Float64("new_stop", stop).
				Float64("high", price).
				Msg("trailing stop ratcheted")
			pos.StopPrice = stop
		}
	}

	if price <= pos.StopPrice {
		return ExitCheck{
			ShouldExit: true,
			Reason: fmt.Sprintf("trailing stop hit: price %.2f <= stop %.2f (entry %.2f, peak %.2f)",
				price, pos.StopPrice, pos.EntryPrice, pos.HighestPrice),
		}
	}
	return ExitCheck{}
}

// StopPrice returns the current stop for symbol; ok is false when the symbol
// is untracked or the stop has not activated.
func (t *TrailingStopManager) StopPrice(symbol string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[symbol]
	if !ok || !pos.Activated {
		return 0, false
	}
	return pos.StopPrice, true
}

// State returns a copy of the tracked state for symbol.
func (t *TrailingStopManager) State(symbol string) (TrailingState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return TrailingState{}, false
	}
	return *pos, true
}

// States returns copies of every tracked position.
func (t *TrailingStopManager) States() []TrailingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrailingState, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, *pos)
	}
	return out
}

func (t *TrailingStopManager) stopFor(price, atr float64) float64 {
	if atr > 0 && t.cfg.AtrMultiplier > 0 {
		return price - atr*t.cfg.AtrMultiplier
	}
	return price * (1 - t.cfg.TrailPct)
}
