package strategy

import (
	"fmt"

	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/market"
)

// MomentumConfig tunes the EMA crossover momentum strategy.
type MomentumConfig struct {
	FastPeriod int
	SlowPeriod int
	RSIPeriod  int
	// MinSpreadPct is the minimum EMA separation (percent of the slow EMA)
	// before the crossover counts as a trend.
	MinSpreadPct float64
	// Overbought/Oversold bound entries: no buys above Overbought RSI, no
	// sells below Oversold.
	Overbought float64
	Oversold   float64
}

// DefaultMomentumConfig returns the standard 12/26 crossover tuning.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		FastPeriod:   12,
		SlowPeriod:   26,
		RSIPeriod:    14,
		MinSpreadPct: 0.1,
		Overbought:   70,
		Oversold:     30,
	}
}

// Momentum buys when the fast EMA pulls above the slow EMA and sells when it
// drops below, both filtered by RSI so it does not chase exhausted moves.
type Momentum struct {
	cfg MomentumConfig
}

// NewMomentum builds the strategy.
func NewMomentum(cfg MomentumConfig) *Momentum {
	return &Momentum{cfg: cfg}
}

func (s *Momentum) Name() string { return "momentum" }

func (s *Momentum) Evaluate(candles []exchange.Candle, ticker exchange.Ticker) (Signal, error) {
	if len(candles) < s.cfg.SlowPeriod+1 {
		return Hold(fmt.Sprintf("need %d candles, have %d", s.cfg.SlowPeriod+1, len(candles))), nil
	}

	fast := market.EMA(candles, s.cfg.FastPeriod)
	slow := market.EMA(candles, s.cfg.SlowPeriod)
	rsi := market.RSI(candles, s.cfg.RSIPeriod)
	if slow == 0 {
		return Hold("slow ema is zero"), nil
	}

	spreadPct := (fast - slow) / slow * 100

	switch {
	case spreadPct >= s.cfg.MinSpreadPct && rsi < s.cfg.Overbought:
		return Signal{
			Action:     ActionBuy,
			Confidence: confidenceFromSpread(spreadPct, s.cfg.MinSpreadPct),
			Reason:     fmt.Sprintf("ema%d %.2f above ema%d %.2f by %.2f%%, rsi %.1f", s.cfg.FastPeriod, fast, s.cfg.SlowPeriod, slow, spreadPct, rsi),
		}, nil
	case spreadPct <= -s.cfg.MinSpreadPct && rsi > s.cfg.Oversold:
		return Signal{
			Action:     ActionSell,
			Confidence: confidenceFromSpread(-spreadPct, s.cfg.MinSpreadPct),
			Reason:     fmt.Sprintf("ema%d %.2f below ema%d %.2f by %.2f%%, rsi %.1f", s.cfg.FastPeriod, fast, s.cfg.SlowPeriod, slow, -spreadPct, rsi),
		}, nil
	}
	return Hold(fmt.Sprintf("ema spread %.2f%% inside %.2f%% band, rsi %.1f", spreadPct, s.cfg.MinSpreadPct, rsi)), nil
}

// confidenceFromSpread maps EMA separation onto 0.5..0.9: the wider the
// trend, the stronger the conviction, capped well below certainty.
func confidenceFromSpread(spreadPct, minPct float64) float64 {
	conf := 0.5 + (spreadPct-minPct)/5
	if conf > 0.9 {
		conf = 0.9
	}
	if conf < 0.5 {
		conf = 0.5
	}
	return conf
}
