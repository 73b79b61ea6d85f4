package bot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/candles"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/market"
	"spot-trading-engine/internal/orders"
	"spot-trading-engine/internal/queue"
	"spot-trading-engine/internal/retry"
	"spot-trading-engine/internal/strategy"
)

// Metadata keys on queued signal items.
const (
	metaSource     = "source"
	sourceStrategy = "strategy"
	sourceTrailing = "trailing_stop"
)

// marketDataJob polls every symbol through the worker pool: ticker to the
// price channel, fresh candles into the store. Poll failures feed the API
// error streak; a quiet candle series raises a stale-feed alert once per
// episode. Per-symbol errors are logged, not returned, so one dead symbol
// cannot mark the whole job failed.
func (e *Engine) marketDataJob(ctx context.Context) error {
	cfg := e.config()

	var failed atomic.Int64
	group := e.pool.Group()
	for _, symbol := range cfg.Symbols {
		symbol := symbol
		group.Submit(func() {
			if err := e.pollSymbol(ctx, symbol, cfg.Interval); err != nil {
				failed.Add(1)
				e.reg.Inc("marketdata.poll_errors")
				e.log.Warn().Err(err).Str("symbol", symbol).Msg("market data poll failed")
			}
		})
	}
	group.Wait()

	e.trackAPIErrors(ctx, int(failed.Load()))
	e.checkFeedHealth(cfg)
	e.markToMarket(ctx)
	return nil
}

func (e *Engine) pollSymbol(ctx context.Context, symbol, interval string) error {
	tick, err := retry.Do(e.exec, ctx, "get_ticker", func(ctx context.Context) (exchange.Ticker, error) {
		return e.broker.GetTicker(ctx, symbol)
	})
	if err != nil {
		return err
	}
	e.publishTicker(tick)

	// Two candles cover the forming bar plus the last closed one; the
	// store upserts by openTime so re-reads are idempotent.
	window, err := retry.Do(e.exec, ctx, "get_candles", func(ctx context.Context) ([]exchange.Candle, error) {
		return e.broker.GetCandles(ctx, symbol, interval, 2)
	})
	if err != nil {
		return err
	}
	for _, c := range window {
		if err := e.candles.Upsert(ctx, symbol, interval, c); err != nil {
			return err
		}
	}
	return nil
}

// trackAPIErrors accumulates consecutive failed polls and hands the streak
// to the kill switch. Any clean pass resets it.
func (e *Engine) trackAPIErrors(ctx context.Context, failed int) {
	e.mu.Lock()
	if failed == 0 {
		e.apiErrStreak = 0
		e.mu.Unlock()
		return
	}
	e.apiErrStreak += failed
	streak := e.apiErrStreak
	e.mu.Unlock()

	if err := e.ks.CheckAPIErrors(ctx, streak); err != nil {
		e.log.Error().Err(err).Int("streak", streak).Msg("api error check failed to persist")
	}
}

// checkFeedHealth alerts once when a symbol's candle series goes stale and
// logs the recovery when data resumes.
func (e *Engine) checkFeedHealth(cfg *config.Config) {
	for _, symbol := range cfg.Symbols {
		_, err := e.candles.GetRecent(symbol, cfg.Interval, 1)
		switch {
		case errors.Is(err, candles.ErrStaleFeed):
			e.mu.Lock()
			alerted := e.staleAlerted[symbol]
			e.staleAlerted[symbol] = true
			e.mu.Unlock()
			if alerted {
				continue
			}
			e.reg.Inc("marketdata.stale_feed")
			e.log.Warn().Str("symbol", symbol).Msg("candle feed went stale")
			e.bus.PublishAlert(events.LevelWarn, "Stale market feed",
				fmt.Sprintf("%s/%s candles stopped arriving", symbol, cfg.Interval),
				map[string]string{"symbol": symbol})
		case err == nil:
			e.mu.Lock()
			recovered := e.staleAlerted[symbol]
			delete(e.staleAlerted, symbol)
			e.mu.Unlock()
			if recovered {
				e.log.Info().Str("symbol", symbol).Msg("candle feed recovered")
			}
		}
	}
}

// markToMarket refreshes the equity gauges, ratchets peak equity and runs
// the drawdown check against it.
func (e *Engine) markToMarket(ctx context.Context) {
	payload := e.inv.Positions(e.prices())
	equity := payload.TotalEquityUsd

	e.mu.Lock()
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	peak := e.peakEquity
	e.mu.Unlock()

	e.reg.Set("account.equity_usd", equity)
	e.reg.Set("account.cash_usd", payload.CashUsd)
	e.reg.Set("positions.open", float64(len(payload.Positions)))
	e.bus.Positions.Publish(payload)

	if err := e.ks.CheckDrawdown(ctx, equity, peak); err != nil {
		e.log.Error().Err(err).Msg("drawdown check failed to persist")
	}
}

// strategyJob generates at most one signal per symbol, then drains the queue
// into the order manager. Per symbol the order is fixed: trailing stop
// first, then the strategy; a triggered stop preempts the strategy for that
// tick.
func (e *Engine) strategyJob(ctx context.Context) error {
	cfg := e.config()

	for _, symbol := range cfg.Symbols {
		e.evaluateSymbol(ctx, symbol, cfg)
	}

	for {
		item, ok, err := e.sigQueue.Pop(ctx)
		if err != nil {
			e.log.Error().Err(err).Msg("signal queue pop failed")
			return err
		}
		if !ok {
			return nil
		}
		e.executeItem(ctx, item, cfg.Interval)
	}
}

func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, cfg *config.Config) {
	window, err := e.candles.GetRecent(symbol, cfg.Interval, candleLookback)
	switch {
	case errors.Is(err, candles.ErrNoData):
		e.log.Debug().Str("symbol", symbol).Msg("no candles yet")
		return
	case errors.Is(err, candles.ErrStaleFeed):
		// The market-data job already escalated; trading on a dead feed
		// is worse than missing a tick.
		e.log.Debug().Str("symbol", symbol).Msg("feed stale, skipping evaluation")
		return
	case err != nil:
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("candle read failed")
		return
	}
	if len(window) < market.DefaultPeriod+1 {
		e.log.Debug().Str("symbol", symbol).Int("have", len(window)).Msg("warming up")
		return
	}

	tick, age, ok := e.ticker(symbol)
	if !ok || age > e.tickerTTL(cfg) {
		fresh, err := retry.Do(e.exec, ctx, "get_ticker", func(ctx context.Context) (exchange.Ticker, error) {
			return e.broker.GetTicker(ctx, symbol)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("no usable quote")
			return
		}
		e.publishTicker(fresh)
		tick = fresh
	}

	feats := market.ComputeFeatures(window)

	if check := e.trailing.Update(symbol, tick.Last, feats.ATR); check.ShouldExit {
		e.reg.Inc("trailing.exit_signals")
		item := queue.NewItem(symbol, strategy.Signal{
			Action:     strategy.ActionSell,
			Confidence: 1,
			Reason:     check.Reason,
		}, tick)
		item.Metadata = map[string]string{metaSource: sourceTrailing}
		e.pushSignal(ctx, item)
		return
	}

	sig, err := e.strategy().Evaluate(window, tick)
	if err != nil {
		e.reg.Inc("strategy.errors")
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("strategy evaluation failed")
		return
	}
	if sig.Action == strategy.ActionHold {
		e.log.Debug().Str("symbol", symbol).Str("reason", sig.Reason).Msg("hold")
		return
	}

	item := queue.NewItem(symbol, sig, tick)
	item.Metadata = map[string]string{metaSource: sourceStrategy, "strategy": e.strategy().Name()}
	e.pushSignal(ctx, item)
}

func (e *Engine) pushSignal(ctx context.Context, item queue.Item) {
	if err := e.sigQueue.Push(ctx, item); err != nil {
		e.log.Error().Err(err).Str("symbol", item.Symbol).Msg("signal queue push failed")
		return
	}
	e.reg.Inc("strategy.signals")
	e.log.Info().
		Str("symbol", item.Symbol).
		Str("action", string(item.Signal.Action)).
		Float64("confidence", item.Signal.Confidence).
		Str("source", item.Metadata[metaSource]).
		Str("reason", item.Signal.Reason).
		Msg("signal queued")
}

// executeItem submits one queued signal. The item id doubles as the
// idempotency key, so a redelivered item lands on the same order. Features
// and account state are recomputed at execution time; a queue item from
// another process gets current numbers, not the ones it was born under.
func (e *Engine) executeItem(ctx context.Context, item queue.Item, interval string) {
	var feats market.Features
	if window, err := e.candles.GetRecent(item.Symbol, interval, candleLookback); err == nil {
		feats = market.ComputeFeatures(window)
	}

	order, err := e.manager.SubmitSignal(ctx, orders.SubmitRequest{
		Symbol:         item.Symbol,
		Signal:         item.Signal,
		Ticker:         item.Ticker,
		Features:       feats,
		Account:        e.accountView(item.Symbol),
		IdempotencyKey: item.ID,
	})
	if err != nil {
		e.reg.Inc("orders.submit_errors")
		e.log.Error().Err(err).
			Str("symbol", item.Symbol).
			Str("action", string(item.Signal.Action)).
			Str("source", item.Metadata[metaSource]).
			Msg("signal execution failed")
		return
	}
	if order == nil {
		return // vetoed or hold; the manager logged the outcome
	}
	if item.Metadata[metaSource] == sourceTrailing {
		e.reg.Inc("trailing.stop_outs")
		e.markStopOut(item.Symbol)
	}
}

// healthJob refreshes the slow gauges and publishes the metrics snapshot.
func (e *Engine) healthJob(ctx context.Context) error {
	if n, err := e.sigQueue.Len(ctx); err == nil {
		e.reg.Set("queue.depth", float64(n))
	}
	var breakerOpen float64
	if e.exec.BreakerState() != "closed" {
		breakerOpen = 1
	}
	e.reg.Set("retry.breaker_open", breakerOpen)

	e.bus.Metrics.Publish(e.reg.Snapshot())
	return nil
}

func (e *Engine) tickerTTL(cfg *config.Config) time.Duration {
	return 3 * time.Duration(cfg.Data.PollingMs) * time.Millisecond
}
