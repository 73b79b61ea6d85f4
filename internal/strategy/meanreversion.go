package strategy

import (
	"fmt"

	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/market"
)

// MeanReversionConfig tunes the RSI reversion strategy.
type MeanReversionConfig struct {
	RSIPeriod  int
	SMAPeriod  int
	Oversold   float64
	Overbought float64
}

// DefaultMeanReversionConfig returns the standard 14-period RSI tuning.
func DefaultMeanReversionConfig() MeanReversionConfig {
	return MeanReversionConfig{
		RSIPeriod:  14,
		SMAPeriod:  20,
		Oversold:   30,
		Overbought: 70,
	}
}

// MeanReversion fades RSI extremes: it buys oversold dips below the moving
// average and sells overbought spikes above it.
type MeanReversion struct {
	cfg MeanReversionConfig
}

// NewMeanReversion builds the strategy.
func NewMeanReversion(cfg MeanReversionConfig) *MeanReversion {
	return &MeanReversion{cfg: cfg}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) Evaluate(candles []exchange.Candle, ticker exchange.Ticker) (Signal, error) {
	need := s.cfg.SMAPeriod
	if s.cfg.RSIPeriod+1 > need {
		need = s.cfg.RSIPeriod + 1
	}
	if len(candles) < need {
		return Hold(fmt.Sprintf("need %d candles, have %d", need, len(candles))), nil
	}

	rsi := market.RSI(candles, s.cfg.RSIPeriod)
	sma := market.SMA(candles, s.cfg.SMAPeriod)
	last := candles[len(candles)-1].Close

	switch {
	case rsi <= s.cfg.Oversold && last < sma:
		// The further RSI sank below the threshold, the more stretched
		// the move and the higher the conviction.
		conf := 0.5 + (s.cfg.Oversold-rsi)/s.cfg.Oversold*0.4
		return Signal{
			Action:     ActionBuy,
			Confidence: conf,
			Reason:     fmt.Sprintf("rsi %.1f oversold (<= %.0f), close %.2f below sma%d %.2f", rsi, s.cfg.Oversold, last, s.cfg.SMAPeriod, sma),
		}, nil
	case rsi >= s.cfg.Overbought && last > sma:
		conf := 0.5 + (rsi-s.cfg.Overbought)/(100-s.cfg.Overbought)*0.4
		return Signal{
			Action:     ActionSell,
			Confidence: conf,
			Reason:     fmt.Sprintf("rsi %.1f overbought (>= %.0f), close %.2f above sma%d %.2f", rsi, s.cfg.Overbought, last, s.cfg.SMAPeriod, sma),
		}, nil
	}
	return Hold(fmt.Sprintf("rsi %.1f in neutral band", rsi)), nil
}
