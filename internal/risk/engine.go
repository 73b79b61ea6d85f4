// Package risk is the trade gatekeeper: an ordered veto pipeline every signal
// passes through before it may reach the order manager, plus the trailing
// stop manager that turns favorable excursions into synthetic exits. A veto
// is a decision, never an error.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/inventory"
	"spot-trading-engine/internal/killswitch"
	"spot-trading-engine/internal/market"
	"spot-trading-engine/internal/metrics"
	"spot-trading-engine/internal/strategy"
)

// Gate tags surfaced in Decision.BlockedBy, the decision log, and the
// risk.blocked.* counters. First blocking gate wins.
const (
	GateKillSwitch    = "killSwitch"
	GateConfidence    = "holdOrZeroConfidence"
	GateDuplicate     = "duplicateSignal"
	GateMode          = "modeGate"
	GateDailyLoss     = "dailyLoss"
	GateOpenPositions = "maxOpenPositions"
	GatePositionSize  = "maxPositionSize"
	GateSpread        = "spreadGuard"
	GateCooldown      = "cooldownBySymbol"
	GateInventory     = "inventoryGuard"
	GateEdgeFloor     = "expectedEdgeFloor"
	GateChop          = "chopFilter"
	GateMinNotional   = "minNotional"
)

// Config collects every limit the pipeline enforces, flattened from the
// application config so a runtime patch can swap it atomically.
type Config struct {
	Live                  bool
	AllowLiveTrading      bool
	MinConfidence         float64
	SignalCooldownMinutes int

	MaxDailyLossUsd     float64
	MaxPositionUsd      float64
	MaxOpenPositions    int
	CooldownMinutes     int
	SellCooldownMinutes int

	MaxSpreadBps         float64
	FeeRateBps           float64
	EstimatedSlippageBps float64
	SafetyMarginBps      float64
	MinNotionalUsd       float64
	ChopAdxThreshold     float64
}

// FromConfig flattens the application config into the engine's limits.
func FromConfig(app *config.Config) Config {
	return Config{
		Live:                  app.IsLive(),
		AllowLiveTrading:      app.AllowLiveTrading,
		MinConfidence:         app.Gatekeeper.MinConfidence,
		SignalCooldownMinutes: app.SignalCooldownMinutes,
		MaxDailyLossUsd:       app.Risk.MaxDailyLossUsd,
		MaxPositionUsd:        app.Risk.MaxPositionUsd,
		MaxOpenPositions:      app.Risk.MaxOpenPositions,
		CooldownMinutes:       app.Risk.CooldownMinutes,
		SellCooldownMinutes:   app.Gatekeeper.SellCooldownMinutes,
		MaxSpreadBps:          app.Guards.MaxSpreadBps,
		FeeRateBps:            app.Gatekeeper.FeeRateBps,
		EstimatedSlippageBps:  app.Gatekeeper.EstimatedSlippageBps,
		SafetyMarginBps:       app.Gatekeeper.SafetyMarginBps,
		MinNotionalUsd:        app.Gatekeeper.MinNotionalUsd,
		ChopAdxThreshold:      app.Gatekeeper.ChopAdxThreshold,
	}
}

// AccountView is the point-in-time account state the gates read. The caller
// extracts the per-symbol fields for the signal under evaluation.
type AccountView struct {
	RealizedPnlUsd   float64 // today
	UnrealizedPnlUsd float64
	OpenPositions    int
	HeldQty          float64   // base quantity already held for this symbol
	LastStopOutAt    time.Time // zero when the symbol never stopped out
	LastSellFillAt   time.Time // zero when the symbol never sold
}

// Inputs is one signal plus the market and account context it arrived in.
// Quantity is the proposed order size in base units; sells may come back
// clamped in the decision.
type Inputs struct {
	Symbol   string
	Signal   strategy.Signal
	Ticker   exchange.Ticker
	Features market.Features
	Quantity float64
	Account  AccountView
}

// Decision is the pipeline's verdict. BlockedBy carries the gate tag when
// Allowed is false; Quantity is the approved size (sells may be clamped
// below the request).
type Decision struct {
	Allowed   bool
	Reason    string
	BlockedBy string
	Quantity  float64
}

// Engine runs the gate pipeline. Safe for concurrent use.
type Engine struct {
	log     zerolog.Logger
	metrics *metrics.Registry
	inv     *inventory.Manager
	ks      *killswitch.Switch

	mu         sync.Mutex
	cfg        Config
	lastSignal map[string]time.Time // symbol|action -> last allowed decision

	now func() time.Time
}

// NewEngine wires the pipeline to the inventory book and the kill switch.
func NewEngine(cfg Config, inv *inventory.Manager, ks *killswitch.Switch, log zerolog.Logger, reg *metrics.Registry) *Engine {
	return &Engine{
		log:        log.With().Str("component", "risk").Logger(),
		metrics:    reg,
		inv:        inv,
		ks:         ks,
		cfg:        cfg,
		lastSignal: make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetConfig swaps the limits atomically. Used by the runtime config hook.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Evaluate runs the signal through the gates in order; the first block wins.
// An allowed decision arms the duplicate-signal cooldown for the signal's
// (symbol, action) pair. Every decision is logged with its inputs.
func (e *Engine) Evaluate(ctx context.Context, in Inputs) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.run(ctx, in)
	if d.Allowed {
		e.lastSignal[cooldownKey(in.Symbol, in.Signal.Action)] = e.now()
		e.metrics.Inc("risk.allowed")
	} else {
		e.metrics.Inc("risk.blocked." + d.BlockedBy)
	}

	evt := e.log.Info().
		Str("symbol", in.Symbol).
		Str("action", string(in.Signal.Action)).
		Float64("confidence", in.Signal.Confidence).
		Float64("quantity", d.Quantity).
		Float64("spread_bps", in.Ticker.SpreadBps()).
		Float64("adx", in.Features.ADX).
		Float64("volatility_bps", in.Features.VolatilityBps).
		Bool("allowed", d.Allowed)
	if !d.Allowed {
		evt = evt.Str("outcome", "blocked").Str("blocked_by", d.BlockedBy).Str("reason", d.Reason)
	}
	evt.Msg("risk decision")

	return d
}

func (e *Engine) run(ctx context.Context, in Inputs) Decision {
	act := in.Signal.Action
	qty := in.Quantity

	if e.ks.IsTriggered() {
		return block(GateKillSwitch, "kill switch is triggered", qty)
	}

	if act == strategy.ActionHold {
		return block(GateConfidence, "hold signal", qty)
	}
	if in.Signal.Confidence <= 0 || in.Signal.Confidence < e.cfg.MinConfidence {
		return block(GateConfidence,
			fmt.Sprintf("confidence %.2f below floor %.2f", in.Signal.Confidence, e.cfg.MinConfidence), qty)
	}

	if last, ok := e.lastSignal[cooldownKey(in.Symbol, act)]; ok {
		window := time.Duration(e.cfg.SignalCooldownMinutes) * time.Minute
		if since := e.now().Sub(last); since < window {
			return block(GateDuplicate,
				fmt.Sprintf("%s %s repeated %s after the last accepted signal (cooldown %s)",
					act, in.Symbol, since.Round(time.Second), window), qty)
		}
	}

	if e.cfg.Live && !e.cfg.AllowLiveTrading {
		return block(GateMode, "live trading is not enabled", qty)
	}

	pnl := in.Account.RealizedPnlUsd + in.Account.UnrealizedPnlUsd
	if pnl <= -e.cfg.MaxDailyLossUsd {
		return block(GateDailyLoss,
			fmt.Sprintf("daily pnl %.2f breached limit -%.2f", pnl, e.cfg.MaxDailyLossUsd), qty)
	}

	if act == strategy.ActionBuy && in.Account.HeldQty <= 0 && in.Account.OpenPositions >= e.cfg.MaxOpenPositions {
		return block(GateOpenPositions,
			fmt.Sprintf("max positions reached (%d/%d)", in.Account.OpenPositions, e.cfg.MaxOpenPositions), qty)
	}

	notional := qty * in.Ticker.Last
	if act == strategy.ActionBuy && notional > e.cfg.MaxPositionUsd {
		return block(GatePositionSize,
			fmt.Sprintf("notional %.2f exceeds max position %.2f", notional, e.cfg.MaxPositionUsd), qty)
	}

	if spread := in.Ticker.SpreadBps(); spread > e.cfg.MaxSpreadBps {
		if err := e.ks.RecordSpreadViolation(ctx); err != nil {
			e.log.Warn().Err(err).Msg("failed to record spread violation")
		}
		return block(GateSpread,
			fmt.Sprintf("spread %.1f bps exceeds max %.1f bps", spread, e.cfg.MaxSpreadBps), qty)
	}

	// Buys wait out the stop-out cooldown; sells wait out the sell cooldown
	// so partial exits do not machine-gun the book.
	if act == strategy.ActionBuy && !in.Account.LastStopOutAt.IsZero() {
		cool := time.Duration(e.cfg.CooldownMinutes) * time.Minute
		if since := e.now().Sub(in.Account.LastStopOutAt); since < cool {
			return block(GateCooldown,
				fmt.Sprintf("%s stopped out %s ago, cooldown %s", in.Symbol, since.Round(time.Second), cool), qty)
		}
	}
	if act == strategy.ActionSell && !in.Account.LastSellFillAt.IsZero() {
		cool := time.Duration(e.cfg.SellCooldownMinutes) * time.Minute
		if since := e.now().Sub(in.Account.LastSellFillAt); since < cool {
			return block(GateCooldown,
				fmt.Sprintf("%s sold %s ago, sell cooldown %s", in.Symbol, since.Round(time.Second), cool), qty)
		}
	}

	// A sell for the full holding must pass with the dust buffer shaved off,
	// so clamp before the final canSell verification.
	if act == strategy.ActionSell {
		clamped := e.inv.ClampSellQty(in.Symbol, qty)
		if clamped <= 0 {
			return block(GateInventory, e.inv.CanSell(in.Symbol, qty).Reason, qty)
		}
		if check := e.inv.CanSell(in.Symbol, clamped); !check.Allowed {
			return block(GateInventory, check.Reason, qty)
		}
		qty = clamped
		notional = qty * in.Ticker.Last
	}

	// Expected edge must clear the round trip: fee paid twice, plus slippage
	// and the safety margin.
	edge := in.Signal.Confidence * in.Features.VolatilityBps
	floor := 2*e.cfg.FeeRateBps + e.cfg.EstimatedSlippageBps + e.cfg.SafetyMarginBps
	if edge <= floor {
		return block(GateEdgeFloor,
			fmt.Sprintf("expected edge %.1f bps under cost floor %.1f bps", edge, floor), qty)
	}

	if in.Features.ADX < e.cfg.ChopAdxThreshold {
		return block(GateChop,
			fmt.Sprintf("adx %.1f below %.1f, market too choppy", in.Features.ADX, e.cfg.ChopAdxThreshold), qty)
	}

	if notional < e.cfg.MinNotionalUsd {
		return block(GateMinNotional,
			fmt.Sprintf("notional %.2f under exchange minimum %.2f", notional, e.cfg.MinNotionalUsd), qty)
	}

	return Decision{Allowed: true, Reason: "all gates passed", Quantity: qty}
}

func block(gate, reason string, qty float64) Decision {
	return Decision{Reason: reason, BlockedBy: gate, Quantity: qty}
}

func cooldownKey(symbol string, action strategy.Action) string {
	return symbol + "|" + string(action)
}
