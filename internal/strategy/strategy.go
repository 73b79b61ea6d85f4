// Package strategy defines the signal-producing interface and the built-in
// strategies. A strategy sees a candle window and the current ticker and
// answers with BUY, SELL or HOLD plus a confidence; everything downstream
// (sizing, gating, execution) is someone else's job.
package strategy

import (
	"fmt"

	"spot-trading-engine/internal/exchange"
)

// Action is the strategy's verdict for one evaluation.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is one evaluation result. Confidence is 0..1; the reason is free
// form and lands in the trade journal.
type Signal struct {
	Action     Action
	Confidence float64
	Reason     string
}

// Hold builds a HOLD signal with the given reason.
func Hold(reason string) Signal {
	return Signal{Action: ActionHold, Reason: reason}
}

// Strategy evaluates market data into signals.
type Strategy interface {
	// Name identifies the strategy in logs and the journal.
	Name() string

	// Evaluate inspects the candle window (ascending openTime) and the
	// current ticker. It must not mutate the slice.
	Evaluate(candles []exchange.Candle, ticker exchange.Ticker) (Signal, error)
}

// ErrUnknownStrategy is returned when the configured name has no builder.
var ErrUnknownStrategy = fmt.Errorf("unknown strategy")

type builder func() Strategy

var builders = map[string]builder{
	"momentum":       func() Strategy { return NewMomentum(DefaultMomentumConfig()) },
	"mean_reversion": func() Strategy { return NewMeanReversion(DefaultMeanReversionConfig()) },
}

// New resolves a strategy by its configured name.
func New(name string) (Strategy, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownStrategy, name, Names())
	}
	return b(), nil
}

// Names lists the registered strategy names.
func Names() []string {
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	return out
}
