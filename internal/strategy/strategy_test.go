package strategy

import (
	"errors"
	"testing"
	"time"

	"spot-trading-engine/internal/exchange"
)

func mkCandle(i int, close float64) exchange.Candle {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	return exchange.Candle{
		OpenTime: base.Add(time.Duration(i) * time.Minute),
		Open:     close,
		High:     close * 1.002,
		Low:      close * 0.998,
		Close:    close,
		Volume:   100,
	}
}

// rising yields n candles climbing stepPct percent per candle.
func rising(n int, start, stepPct float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	price := start
	for i := range out {
		out[i] = mkCandle(i, price)
		price *= 1 + stepPct/100
	}
	return out
}

func falling(n int, start, stepPct float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	price := start
	for i := range out {
		out[i] = mkCandle(i, price)
		price *= 1 - stepPct/100
	}
	return out
}

func flat(n int, price float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	for i := range out {
		out[i] = mkCandle(i, price)
	}
	return out
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	for _, name := range []string{"momentum", "mean_reversion"} {
		s, err := New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if s.Name() != name {
			t.Fatalf("Name() = %q, want %q", s.Name(), name)
		}
	}

	_, err := New("does-not-exist")
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("err = %v, want ErrUnknownStrategy", err)
	}
}

func TestMomentumSignals(t *testing.T) {
	s := NewMomentum(DefaultMomentumConfig())
	ticker := exchange.Ticker{Symbol: "BTC-USD", Last: 50_000}

	t.Run("uptrend buys", func(t *testing.T) {
		// A long rally, then a week of shallow pullback: the fast EMA is
		// still far above the slow one but RSI has cooled below 70.
		candles := rising(53, 100, 1)
		price := candles[52].Close
		for i := 0; i < 7; i++ {
			price *= 0.995
			candles = append(candles, mkCandle(53+i, price))
		}
		sig, err := s.Evaluate(candles, ticker)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if sig.Action != ActionBuy {
			t.Fatalf("action = %s (%s), want BUY", sig.Action, sig.Reason)
		}
		if sig.Confidence < 0.5 || sig.Confidence > 0.9 {
			t.Fatalf("confidence = %v, want within [0.5, 0.9]", sig.Confidence)
		}
		if sig.Reason == "" {
			t.Fatal("buy carries no reason")
		}
	})

	t.Run("downtrend sells", func(t *testing.T) {
		candles := falling(53, 100, 1)
		price := candles[52].Close
		for i := 0; i < 7; i++ {
			price *= 1.005
			candles = append(candles, mkCandle(53+i, price))
		}
		sig, err := s.Evaluate(candles, ticker)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if sig.Action != ActionSell {
			t.Fatalf("action = %s (%s), want SELL", sig.Action, sig.Reason)
		}
	})

	t.Run("flat market holds", func(t *testing.T) {
		sig, err := s.Evaluate(flat(60, 100), ticker)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if sig.Action != ActionHold {
			t.Fatalf("action = %s, want HOLD", sig.Action)
		}
	})

	t.Run("short window holds", func(t *testing.T) {
		sig, err := s.Evaluate(rising(10, 100, 0.5), ticker)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if sig.Action != ActionHold {
			t.Fatalf("action = %s, want HOLD on short window", sig.Action)
		}
	})
}

func TestMeanReversionSignals(t *testing.T) {
	s := NewMeanReversion(DefaultMeanReversionConfig())
	ticker := exchange.Ticker{Symbol: "BTC-USD", Last: 100}

	t.Run("oversold dip buys", func(t *testing.T) {
		// Steady decline: RSI pinned low, close under the SMA.
		sig, err := s.Evaluate(falling(40, 100, 1), ticker)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if sig.Action != ActionBuy {
			t.Fatalf("action = %s (%s), want BUY", sig.Action, sig.Reason)
		}
		if sig.Confidence <= 0.5 {
			t.Fatalf("confidence = %v, want above 0.5 for a deep dip", sig.Confidence)
		}
	})

	t.Run("overbought spike sells", func(t *testing.T) {
		sig, err := s.Evaluate(rising(40, 100, 1), ticker)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if sig.Action != ActionSell {
			t.Fatalf("action = %s (%s), want SELL", sig.Action, sig.Reason)
		}
	})

	t.Run("neutral market holds", func(t *testing.T) {
		sig, err := s.Evaluate(flat(40, 100), ticker)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if sig.Action != ActionHold {
			t.Fatalf("action = %s, want HOLD", sig.Action)
		}
	})
}
