// Package market computes the indicator features the risk engine and the
// built-in strategies consume. All functions operate on candle windows in
// ascending openTime order and return zero (or a neutral value) when the
// window is too short.
package market

import (
	"math"

	"spot-trading-engine/internal/exchange"
)

// Features bundles the per-symbol market measurements taken each tick.
type Features struct {
	ADX           float64 // Wilder's directional index, 0..100
	VolatilityBps float64 // mean absolute close-to-close move, bps
	ATR           float64 // average true range, price units
}

// DefaultPeriod is the standard lookback for ADX, ATR and the volatility
// proxy.
const DefaultPeriod = 14

// ComputeFeatures evaluates the standard feature set over candles.
func ComputeFeatures(candles []exchange.Candle) Features {
	return Features{
		ADX:           ADX(candles, DefaultPeriod),
		VolatilityBps: VolatilityBps(candles, DefaultPeriod),
		ATR:           ATR(candles, DefaultPeriod),
	}
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA is the simple moving average of closes over the last period candles.
func SMA(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// EMA is the exponential moving average of closes, seeded with the SMA of
// the first period candles.
func EMA(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	ema := SMA(candles[:period], period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = candles[i].Close*multiplier + ema*(1-multiplier)
	}
	return ema
}

// ============================================================================
// RSI
// ============================================================================

// RSI is the relative strength index over the last period moves. Returns the
// neutral 50 when the window is too short.
func RSI(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 50
	}

	gains, losses := 0.0, 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ============================================================================
// ATR
// ============================================================================

// ATR is the average true range over the last period candles.
func ATR(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	return sum / float64(period)
}

func trueRange(c, prev exchange.Candle) float64 {
	return math.Max(c.High-c.Low,
		math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
}

// ============================================================================
// ADX (Wilder)
// ============================================================================

// ADX is Wilder's average directional index. It needs at least 2*period+1
// candles: one smoothing pass for the directional movements and a second for
// the DX series itself.
func ADX(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < 2*period+1 {
		return 0
	}

	n := len(candles)
	trs := make([]float64, 0, n-1)
	plusDMs := make([]float64, 0, n-1)
	minusDMs := make([]float64, 0, n-1)

	for i := 1; i < n; i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low

		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}

		trs = append(trs, trueRange(candles[i], candles[i-1]))
		plusDMs = append(plusDMs, plusDM)
		minusDMs = append(minusDMs, minusDM)
	}

	// Initial sums, then Wilder smoothing for the rest of the series.
	smTR := sum(trs[:period])
	smPlus := sum(plusDMs[:period])
	smMinus := sum(minusDMs[:period])

	dxs := make([]float64, 0, len(trs)-period+1)
	dxs = append(dxs, dx(smPlus, smMinus, smTR))

	for i := period; i < len(trs); i++ {
		smTR = smTR - smTR/float64(period) + trs[i]
		smPlus = smPlus - smPlus/float64(period) + plusDMs[i]
		smMinus = smMinus - smMinus/float64(period) + minusDMs[i]
		dxs = append(dxs, dx(smPlus, smMinus, smTR))
	}

	if len(dxs) < period {
		return 0
	}
	adx := sum(dxs[:period]) / float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx
}

func dx(plusDM, minusDM, tr float64) float64 {
	if tr == 0 {
		return 0
	}
	plusDI := 100 * plusDM / tr
	minusDI := 100 * minusDM / tr
	if plusDI+minusDI == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
}

func sum(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}

// ============================================================================
// VOLATILITY PROXY
// ============================================================================

// VolatilityBps is the mean absolute close-to-close move over the last
// period candles, in basis points. It proxies how much a typical candle
// moves, which the expected-edge gate weighs against trading costs.
func VolatilityBps(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	sumBps := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		sumBps += math.Abs(candles[i].Close-prev) / prev * 10_000
	}
	return sumBps / float64(period)
}

// ============================================================================
// VOLUME
// ============================================================================

// AverageVolume is the mean volume over the last period candles (or all of
// them when fewer are available).
func AverageVolume(candles []exchange.Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if period <= 0 || len(candles) < period {
		period = len(candles)
	}
	total := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		total += candles[i].Volume
	}
	return total / float64(period)
}
