// Package bot hosts the trading loops: the scheduled jobs that poll market
// data, evaluate the strategy, reconcile state against the exchange, fetch
// sentiment and publish health reports. It owns the in-memory account
// snapshot (prices, stop-out times, peak equity) that the risk gates read;
// the durable books live in inventory, orderstate and the position machine.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/candles"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/inventory"
	"spot-trading-engine/internal/killswitch"
	"spot-trading-engine/internal/metrics"
	"spot-trading-engine/internal/orders"
	"spot-trading-engine/internal/orderstate"
	"spot-trading-engine/internal/position"
	"spot-trading-engine/internal/queue"
	"spot-trading-engine/internal/reconcile"
	"spot-trading-engine/internal/retry"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/scheduler"
	"spot-trading-engine/internal/sentiment"
	"spot-trading-engine/internal/strategy"
)

// Job names as they appear in scheduler status and logs.
const (
	JobMarketData    = "market-data"
	JobStrategy      = "strategy"
	JobReconcile     = "reconcile"
	JobFillReconcile = "fill-reconcile"
	JobSentiment     = "sentiment"
	JobHealthReport  = "health-report"
)

// marketDataWorkers bounds the pool that fans the market-data poll out
// across symbols.
const marketDataWorkers = 4

// warmupCandles is how much history each symbol loads at boot so the first
// strategy tick has a full indicator window.
const warmupCandles = 60

// candleLookback is the window handed to the strategy and the feature
// computation each tick.
const candleLookback = 50

// AccountSnapshot is the point-in-time account view for status surfaces.
type AccountSnapshot struct {
	CashUsd               float64               `json:"cash_usd"`
	RealizedPnlUsd        float64               `json:"realized_pnl_usd"`
	UnrealizedPnlUsd      float64               `json:"unrealized_pnl_usd"`
	TotalEquityUsd        float64               `json:"total_equity_usd"`
	PeakEquityUsd         float64               `json:"peak_equity_usd"`
	OpenPositions         []events.PositionView `json:"open_positions"`
	LastStopOutAtBySymbol map[string]time.Time  `json:"last_stop_out_at_by_symbol,omitempty"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// Deps are the engine's collaborators, all constructed by the caller.
type Deps struct {
	Config     *config.Config
	Broker     exchange.Adapter
	Retry      *retry.Executor
	Manager    *orders.Manager
	Risk       *risk.Engine
	Inventory  *inventory.Manager
	Orders     *orderstate.Store
	Positions  *position.Machine
	Trailing   *risk.TrailingStopManager
	KillSwitch *killswitch.Switch
	Candles    *candles.Store
	Queue      queue.Queue
	Sentiment  *sentiment.Fetcher
	Repo       *database.Repository
	Bus        *events.Bus
	Metrics    *metrics.Registry
}

// Engine runs the trading loops over the deps. One Engine per process.
type Engine struct {
	log zerolog.Logger
	reg *metrics.Registry
	bus *events.Bus

	broker    exchange.Adapter
	exec      *retry.Executor
	manager   *orders.Manager
	risk      *risk.Engine
	inv       *inventory.Manager
	store     *orderstate.Store
	positions *position.Machine
	trailing  *risk.TrailingStopManager
	ks        *killswitch.Switch
	candles   *candles.Store
	sigQueue  queue.Queue
	fetcher   *sentiment.Fetcher

	sched    *scheduler.Scheduler
	orderRec *reconcile.OrderReconciler
	fillRec  *reconcile.FillReconciler
	pool     *pond.WorkerPool
	stream   *exchange.TickerStream

	mu           sync.RWMutex
	cfg          *config.Config
	strat        strategy.Strategy
	lastTicker   map[string]exchange.Ticker
	lastTickAt   map[string]time.Time
	lastStopOut  map[string]time.Time
	lastSellFill map[string]time.Time
	staleAlerted map[string]bool
	peakEquity   float64
	apiErrStreak int

	startedAt time.Time
	unsubs    []func()
}

// New wires the engine. The strategy name must resolve; everything else is
// taken as given.
func New(deps Deps, log zerolog.Logger) (*Engine, error) {
	strat, err := strategy.New(deps.Config.Strategy)
	if err != nil {
		return nil, err
	}

	symbols := deps.Config.Symbols
	e := &Engine{
		log:          log.With().Str("component", "bot").Logger(),
		reg:          deps.Metrics,
		bus:          deps.Bus,
		broker:       deps.Broker,
		exec:         deps.Retry,
		manager:      deps.Manager,
		risk:         deps.Risk,
		inv:          deps.Inventory,
		store:        deps.Orders,
		positions:    deps.Positions,
		trailing:     deps.Trailing,
		ks:           deps.KillSwitch,
		candles:      deps.Candles,
		sigQueue:     deps.Queue,
		fetcher:      deps.Sentiment,
		cfg:          deps.Config,
		strat:        strat,
		lastTicker:   make(map[string]exchange.Ticker),
		lastTickAt:   make(map[string]time.Time),
		lastStopOut:  make(map[string]time.Time),
		lastSellFill: make(map[string]time.Time),
		staleAlerted: make(map[string]bool),
		startedAt:    time.Now().UTC(),
	}

	e.sched = scheduler.New(log, deps.Metrics)
	e.orderRec = reconcile.NewOrderReconciler(deps.Broker, deps.Retry, deps.Orders,
		deps.Manager, symbols, log, deps.Metrics)
	e.fillRec = reconcile.NewFillReconciler(deps.Broker, deps.Retry, deps.Repo,
		deps.Inventory, deps.Bus, symbols,
		time.Duration(deps.Config.FillReconcileMinutes)*time.Minute, log, deps.Metrics)
	e.pool = pond.New(marketDataWorkers, 2*len(symbols)+marketDataWorkers,
		pond.MinWorkers(1),
		pond.PanicHandler(func(p interface{}) {
			e.log.Error().Interface("panic", p).Msg("market-data worker panicked")
		}))

	if strings.EqualFold(deps.Config.Exchange, config.ExchangeCoinbase) {
		e.stream = exchange.NewTickerStream(symbols, deps.Bus, log)
	}

	// The price cache has one writer path: the price channel. Both the
	// poll job and the websocket stream land here.
	unsubPrice, err := deps.Bus.Price.Subscribe(e.onPrice)
	if err != nil {
		return nil, fmt.Errorf("bot: subscribe price: %w", err)
	}
	unsubTrades, err := deps.Bus.Trades.Subscribe(e.onTrade)
	if err != nil {
		unsubPrice()
		return nil, fmt.Errorf("bot: subscribe trades: %w", err)
	}
	e.unsubs = []func(){unsubPrice, unsubTrades}
	return e, nil
}

// Start warms the candle window, opens the stream and launches the jobs.
func (e *Engine) Start(ctx context.Context) error {
	cfg := e.config()
	e.startedAt = time.Now().UTC()

	if err := e.warmup(ctx); err != nil {
		// A cold start without history is survivable; the market-data
		// job backfills and the strategy job skips until it has a
		// window.
		e.log.Warn().Err(err).Msg("warmup incomplete, strategy waits for data")
	}

	if e.stream != nil {
		if err := e.stream.Start(); err != nil {
			e.log.Warn().Err(err).Msg("ticker stream failed to start, polling only")
		}
	}

	if err := e.registerJobs(cfg); err != nil {
		return err
	}
	if err := e.sched.Start(); err != nil {
		return err
	}

	e.log.Info().
		Str("mode", cfg.Mode).
		Str("exchange", cfg.Exchange).
		Strs("symbols", cfg.Symbols).
		Str("strategy", e.strategy().Name()).
		Msg("Trading engine started")
	e.bus.PublishAlert(events.LevelInfo, "Engine started",
		fmt.Sprintf("%s / %s on %s", cfg.Mode, e.strategy().Name(), cfg.Exchange), nil)
	return nil
}

// Stop drains the scheduler, then shuts the stream and the worker pool.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.sched.Shutdown(ctx)

	if e.stream != nil {
		e.stream.Stop()
	}
	e.pool.StopAndWait()
	for _, unsub := range e.unsubs {
		unsub()
	}

	if n, lerr := e.sigQueue.Len(context.Background()); lerr == nil && n > 0 {
		e.log.Warn().Int("dropped", n).Msg("signals left unexecuted in the queue")
	}
	e.log.Info().Msg("Trading engine stopped")
	return err
}

func (e *Engine) registerJobs(cfg *config.Config) error {
	jobs := []scheduler.Job{
		{Name: JobMarketData, Period: time.Duration(cfg.Data.PollingMs) * time.Millisecond, Run: e.marketDataJob},
		{Name: JobStrategy, Period: time.Duration(cfg.StrategyIntervalMs) * time.Millisecond, Run: e.strategyJob},
		{Name: JobFillReconcile, Period: time.Duration(cfg.FillReconcileMinutes) * time.Minute, Run: e.fillRec.Run},
		{Name: JobHealthReport, Period: time.Duration(cfg.HealthReportIntervalMs) * time.Millisecond, Run: e.healthJob},
	}
	if cfg.IsLive() {
		jobs = append(jobs, scheduler.Job{
			Name:   JobReconcile,
			Period: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
			Run:    e.orderRec.Run,
		})
	}
	if cfg.Sentiment.Enabled && e.fetcher != nil {
		jobs = append(jobs, scheduler.Job{
			Name:   JobSentiment,
			Period: time.Duration(cfg.Sentiment.PollMinutes) * time.Minute,
			Run:    func(ctx context.Context) error { return e.fetcher.Refresh(ctx) },
		})
	}
	for _, j := range jobs {
		if err := e.sched.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// warmup loads candle history for every symbol in parallel so the first
// strategy tick is not blind.
func (e *Engine) warmup(ctx context.Context) error {
	cfg := e.config()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(marketDataWorkers)

	for _, symbol := range cfg.Symbols {
		symbol := symbol
		g.Go(func() error {
			window, err := retry.Do(e.exec, ctx, "get_candles", func(ctx context.Context) ([]exchange.Candle, error) {
				return e.broker.GetCandles(ctx, symbol, cfg.Interval, warmupCandles)
			})
			if err != nil {
				return fmt.Errorf("warmup %s: %w", symbol, err)
			}
			for _, c := range window {
				if err := e.candles.Upsert(ctx, symbol, cfg.Interval, c); err != nil {
					return fmt.Errorf("warmup %s: %w", symbol, err)
				}
			}
			tick, err := retry.Do(e.exec, ctx, "get_ticker", func(ctx context.Context) (exchange.Ticker, error) {
				return e.broker.GetTicker(ctx, symbol)
			})
			if err != nil {
				return fmt.Errorf("warmup %s: %w", symbol, err)
			}
			e.publishTicker(tick)
			e.log.Debug().Str("symbol", symbol).Int("candles", len(window)).Msg("warmed up")
			return nil
		})
	}
	return g.Wait()
}

// onPrice keeps the ticker cache current. Runs on the price channel, so the
// poll job and the websocket stream share one write path.
func (e *Engine) onPrice(p events.PricePayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTicker[p.Symbol] = exchange.Ticker{
		Symbol:    p.Symbol,
		Bid:       p.Bid,
		Ask:       p.Ask,
		Last:      p.Last,
		Volume24h: p.Volume24h,
		Time:      p.Time,
	}
	e.lastTickAt[p.Symbol] = time.Now().UTC()
}

// onTrade feeds sell fills into the sell cooldown and the loss streak.
func (e *Engine) onTrade(t events.TradePayload) {
	if !strings.EqualFold(t.Side, string(exchange.SideSell)) {
		return
	}
	e.mu.Lock()
	e.lastSellFill[t.Symbol] = t.Timestamp
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ks.RecordTradeResult(ctx, t.RealizedPnlUsd > 0); err != nil {
		e.log.Error().Err(err).Str("symbol", t.Symbol).Msg("could not record trade result")
	}
}

func (e *Engine) publishTicker(t exchange.Ticker) {
	e.bus.Price.Publish(events.PricePayload{
		Symbol:    t.Symbol,
		Bid:       t.Bid,
		Ask:       t.Ask,
		Last:      t.Last,
		Volume24h: t.Volume24h,
		Time:      t.Time,
	})
}

// ticker returns the cached quote for symbol and how old it is.
func (e *Engine) ticker(symbol string) (exchange.Ticker, time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.lastTicker[symbol]
	if !ok {
		return exchange.Ticker{}, 0, false
	}
	return t, time.Since(e.lastTickAt[symbol]), true
}

// prices snapshots last trade prices for mark-to-market.
func (e *Engine) prices() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.lastTicker))
	for sym, t := range e.lastTicker {
		out[sym] = t.Last
	}
	return out
}

func (e *Engine) markStopOut(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastStopOut[symbol] = time.Now().UTC()
}

// accountView builds the per-symbol account context the risk gates read.
func (e *Engine) accountView(symbol string) risk.AccountView {
	payload := e.inv.Positions(e.prices())
	var unrealized float64
	for _, p := range payload.Positions {
		unrealized += p.UnrealizedPnlUsd
	}

	e.mu.RLock()
	stopOut := e.lastStopOut[symbol]
	sellFill := e.lastSellFill[symbol]
	e.mu.RUnlock()

	return risk.AccountView{
		RealizedPnlUsd:   e.inv.RealizedPnlToday(),
		UnrealizedPnlUsd: unrealized,
		OpenPositions:    len(payload.Positions),
		HeldQty:          e.inv.TotalQty(symbol),
		LastStopOutAt:    stopOut,
		LastSellFillAt:   sellFill,
	}
}

// Snapshot assembles the account view for status surfaces.
func (e *Engine) Snapshot() AccountSnapshot {
	payload := e.inv.Positions(e.prices())
	var unrealized float64
	for _, p := range payload.Positions {
		unrealized += p.UnrealizedPnlUsd
	}

	e.mu.RLock()
	stopOuts := make(map[string]time.Time, len(e.lastStopOut))
	for sym, at := range e.lastStopOut {
		stopOuts[sym] = at
	}
	peak := e.peakEquity
	e.mu.RUnlock()

	return AccountSnapshot{
		CashUsd:               payload.CashUsd,
		RealizedPnlUsd:        e.inv.RealizedPnlToday(),
		UnrealizedPnlUsd:      unrealized,
		TotalEquityUsd:        payload.TotalEquityUsd,
		PeakEquityUsd:         peak,
		OpenPositions:         payload.Positions,
		LastStopOutAtBySymbol: stopOuts,
		UpdatedAt:             time.Now().UTC(),
	}
}

func (e *Engine) config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) strategy() strategy.Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strat
}
