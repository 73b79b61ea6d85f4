package bot

import (
	"context"
	"fmt"
	"time"

	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/killswitch"
	"spot-trading-engine/internal/orders"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/scheduler"
	"spot-trading-engine/internal/sentiment"
	"spot-trading-engine/internal/strategy"
)

// Outcome is the structured result of a command hook.
type Outcome struct {
	OK    bool   `json:"ok"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

func okOutcome(state string) Outcome { return Outcome{OK: true, State: state} }
func errOutcome(msg string) Outcome  { return Outcome{Error: msg} }

// Status is the cheap status view.
type Status struct {
	Mode           string                `json:"mode"`
	Exchange       string                `json:"exchange"`
	Symbols        []string              `json:"symbols"`
	Strategy       string                `json:"strategy"`
	TradingBlocked bool                  `json:"trading_blocked"`
	BlockReason    string                `json:"block_reason,omitempty"`
	KillSwitch     killswitch.State      `json:"kill_switch"`
	UptimeSec      float64               `json:"uptime_sec"`
	Jobs           []scheduler.JobStatus `json:"jobs"`
}

// RichStatus adds the expensive views for the dashboard detail page.
type RichStatus struct {
	Status
	Account       AccountSnapshot      `json:"account"`
	OpenOrders    []exchange.Order     `json:"open_orders"`
	TrailingStops []risk.TrailingState `json:"trailing_stops"`
	QueueDepth    int                  `json:"queue_depth"`
	BreakerState  string               `json:"breaker_state"`
	LastSync      time.Time            `json:"last_sync"`
	Sentiment     *sentiment.Score     `json:"sentiment,omitempty"`
}

func (e *Engine) GetStatus() Status {
	cfg := e.config()
	blocked, reason := e.manager.TradingBlocked()
	return Status{
		Mode:           cfg.Mode,
		Exchange:       cfg.Exchange,
		Symbols:        cfg.Symbols,
		Strategy:       e.strategy().Name(),
		TradingBlocked: blocked,
		BlockReason:    reason,
		KillSwitch:     e.ks.Snapshot(),
		UptimeSec:      time.Since(e.startedAt).Seconds(),
		Jobs:           e.sched.Status(),
	}
}

func (e *Engine) GetRichStatus(ctx context.Context) RichStatus {
	rich := RichStatus{
		Status:        e.GetStatus(),
		Account:       e.Snapshot(),
		OpenOrders:    e.store.GetOpenOrders(""),
		TrailingStops: e.trailing.States(),
		BreakerState:  e.exec.BreakerState(),
		LastSync:      e.inv.LastSync(),
	}
	if n, err := e.sigQueue.Len(ctx); err == nil {
		rich.QueueDepth = n
	}
	if e.fetcher != nil {
		if score, ok := e.fetcher.Snapshot(); ok {
			rich.Sentiment = &score
		}
	}
	return rich
}

// OnStrategySwitch swaps the running strategy. Takes effect from the next
// strategy tick.
func (e *Engine) OnStrategySwitch(name string) Outcome {
	next, err := strategy.New(name)
	if err != nil {
		return errOutcome(err.Error())
	}
	e.mu.Lock()
	prev := e.strat.Name()
	e.strat = next
	e.mu.Unlock()

	e.log.Info().Str("from", prev).Str("to", name).Msg("strategy switched")
	return okOutcome(name)
}

// OnSessionPause blocks new submissions. Reads, reconciliation and resting
// order handling keep running.
func (e *Engine) OnSessionPause(reason string) Outcome {
	if reason == "" {
		reason = "operator pause"
	}
	e.manager.Block(reason)
	e.log.Info().Str("reason", reason).Msg("session paused")
	return okOutcome("paused")
}

// OnSessionResume lifts the manager block. A tripped kill switch still gates
// every entry until it is reset.
func (e *Engine) OnSessionResume() Outcome {
	e.manager.Unblock()
	if e.ks.IsTriggered() {
		e.log.Warn().Msg("session resumed but the kill switch is tripped")
	}
	e.log.Info().Msg("session resumed")
	return okOutcome("active")
}

// OnPositionClose market-sells the full holding for symbol, bypassing the
// entry gates. Used by the operator to reduce exposure.
func (e *Engine) OnPositionClose(ctx context.Context, symbol string) Outcome {
	if e.inv.TotalQty(symbol) <= 0 {
		return okOutcome("flat")
	}
	order, err := e.manager.ClosePosition(ctx, symbol)
	if err != nil {
		return errOutcome(err.Error())
	}
	return okOutcome(fmt.Sprintf("close order %s %s", order.OrderID, order.Status))
}

// OnCancelAll cancels resting orders for symbol, or all symbols when empty.
func (e *Engine) OnCancelAll(ctx context.Context, symbol string) Outcome {
	n, err := e.manager.CancelAll(ctx, symbol)
	if err != nil {
		return errOutcome(fmt.Sprintf("canceled %d, then: %s", n, err))
	}
	return okOutcome(fmt.Sprintf("%d canceled", n))
}

// ConfigPatch is the whitelisted subset of configuration adjustable at
// runtime. Nil fields are left untouched; the patch applies atomically or
// not at all.
type ConfigPatch struct {
	MaxDailyLossUsd       *float64 `json:"max_daily_loss_usd,omitempty"`
	MaxPositionUsd        *float64 `json:"max_position_usd,omitempty"`
	MaxOpenPositions      *int     `json:"max_open_positions,omitempty"`
	CooldownMinutes       *int     `json:"cooldown_minutes,omitempty"`
	DeployPercent         *float64 `json:"deploy_percent,omitempty"`
	MaxSpreadBps          *float64 `json:"max_spread_bps,omitempty"`
	MinConfidence         *float64 `json:"min_confidence,omitempty"`
	ChopAdxThreshold      *float64 `json:"chop_adx_threshold,omitempty"`
	MinNotionalUsd        *float64 `json:"min_notional_usd,omitempty"`
	SignalCooldownMinutes *int     `json:"signal_cooldown_minutes,omitempty"`
	StrategyIntervalMs    *int     `json:"strategy_interval_ms,omitempty"`
	DataPollingMs         *int     `json:"data_polling_ms,omitempty"`
}

// OnConfigUpdate validates and applies a runtime config patch, then pushes
// the new limits into the risk engine, the sizing and the job cadences.
func (e *Engine) OnConfigUpdate(patch ConfigPatch) Outcome {
	e.mu.Lock()
	next := *e.cfg

	if patch.MaxDailyLossUsd != nil {
		next.Risk.MaxDailyLossUsd = *patch.MaxDailyLossUsd
	}
	if patch.MaxPositionUsd != nil {
		next.Risk.MaxPositionUsd = *patch.MaxPositionUsd
	}
	if patch.MaxOpenPositions != nil {
		next.Risk.MaxOpenPositions = *patch.MaxOpenPositions
	}
	if patch.CooldownMinutes != nil {
		next.Risk.CooldownMinutes = *patch.CooldownMinutes
	}
	if patch.DeployPercent != nil {
		next.Risk.DeployPercent = *patch.DeployPercent
	}
	if patch.MaxSpreadBps != nil {
		next.Guards.MaxSpreadBps = *patch.MaxSpreadBps
	}
	if patch.MinConfidence != nil {
		next.Gatekeeper.MinConfidence = *patch.MinConfidence
	}
	if patch.ChopAdxThreshold != nil {
		next.Gatekeeper.ChopAdxThreshold = *patch.ChopAdxThreshold
	}
	if patch.MinNotionalUsd != nil {
		next.Gatekeeper.MinNotionalUsd = *patch.MinNotionalUsd
	}
	if patch.SignalCooldownMinutes != nil {
		next.SignalCooldownMinutes = *patch.SignalCooldownMinutes
	}
	if patch.StrategyIntervalMs != nil {
		next.StrategyIntervalMs = *patch.StrategyIntervalMs
	}
	if patch.DataPollingMs != nil {
		next.Data.PollingMs = *patch.DataPollingMs
	}

	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return errOutcome(err.Error())
	}
	e.cfg = &next
	e.mu.Unlock()

	e.risk.SetConfig(risk.FromConfig(&next))
	e.manager.SetSizing(orders.SizingFromConfig(&next))

	if patch.StrategyIntervalMs != nil {
		period := time.Duration(next.StrategyIntervalMs) * time.Millisecond
		if err := e.sched.Reschedule(JobStrategy, period); err != nil {
			e.log.Warn().Err(err).Msg("strategy cadence unchanged")
		}
	}
	if patch.DataPollingMs != nil {
		period := time.Duration(next.Data.PollingMs) * time.Millisecond
		if err := e.sched.Reschedule(JobMarketData, period); err != nil {
			e.log.Warn().Err(err).Msg("market-data cadence unchanged")
		}
	}

	e.log.Info().Msg("runtime config applied")
	return okOutcome("applied")
}
