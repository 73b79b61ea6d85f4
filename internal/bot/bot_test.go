package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/candles"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/fault"
	"spot-trading-engine/internal/inventory"
	"spot-trading-engine/internal/killswitch"
	"spot-trading-engine/internal/metrics"
	"spot-trading-engine/internal/orders"
	"spot-trading-engine/internal/orderstate"
	"spot-trading-engine/internal/position"
	"spot-trading-engine/internal/queue"
	"spot-trading-engine/internal/retry"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/strategy"
)

// scriptBroker serves scripted quotes and candles and fills every order
// immediately at the last price.
type scriptBroker struct {
	mu         sync.Mutex
	tickers    map[string]exchange.Ticker
	candles    map[string][]exchange.Candle
	tickErr    error
	candleErr  error
	placeCalls []exchange.OrderRequest
}

func newScriptBroker() *scriptBroker {
	return &scriptBroker{
		tickers: make(map[string]exchange.Ticker),
		candles: make(map[string][]exchange.Candle),
	}
}

func (b *scriptBroker) Name() string { return "script" }

func (b *scriptBroker) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tickErr != nil {
		return exchange.Ticker{}, b.tickErr
	}
	t, ok := b.tickers[symbol]
	if !ok {
		return exchange.Ticker{}, fault.Newf(fault.Fatal, "script.get_ticker", "no quote for %s", symbol)
	}
	return t, nil
}

func (b *scriptBroker) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.candleErr != nil {
		return nil, b.candleErr
	}
	w := b.candles[symbol]
	if limit > 0 && len(w) > limit {
		w = w[len(w)-limit:]
	}
	return append([]exchange.Candle(nil), w...), nil
}

func (b *scriptBroker) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls = append(b.placeCalls, req)

	price := b.tickers[req.Symbol].Last
	now := time.Now().UTC()
	return exchange.Order{
		OrderID:       fmt.Sprintf("EX-%d", len(b.placeCalls)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		RequestedQty:  req.Quantity,
		FilledQty:     req.Quantity,
		AvgFillPrice:  price,
		FeesUsd:       req.Quantity * price * 0.001,
		Status:        exchange.StatusFilled,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}, nil
}

func (b *scriptBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (b *scriptBroker) GetOrder(ctx context.Context, orderID string) (exchange.Order, error) {
	return exchange.Order{}, fault.Newf(fault.Fatal, "script.get_order", "unknown order %s", orderID)
}

func (b *scriptBroker) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return nil, nil
}

func (b *scriptBroker) GetBalances(ctx context.Context) ([]exchange.Balance, error) {
	return nil, nil
}

func (b *scriptBroker) ListFills(ctx context.Context, symbol string, since time.Time) ([]exchange.Fill, error) {
	return nil, nil
}

func (b *scriptBroker) places() []exchange.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]exchange.OrderRequest(nil), b.placeCalls...)
}

func (b *scriptBroker) setTicker(t exchange.Ticker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickers[t.Symbol] = t
}

func (b *scriptBroker) setCandles(symbol string, w []exchange.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candles[symbol] = w
}

// scriptedStrategy returns a fixed signal.
type scriptedStrategy struct {
	sig strategy.Signal
	err error
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Evaluate([]exchange.Candle, exchange.Ticker) (strategy.Signal, error) {
	return s.sig, s.err
}

func testConfig(symbol string) *config.Config {
	return &config.Config{
		Mode:             config.ModePaper,
		Exchange:         config.ExchangeBinance,
		Symbols:          []string{symbol},
		Interval:         "1m",
		Strategy:         "momentum",
		AllowLiveTrading: false,
		Risk: config.RiskConfig{
			MaxDailyLossUsd:  500,
			MaxPositionUsd:   250,
			MaxOpenPositions: 3,
			CooldownMinutes:  5,
			DeployPercent:    0.5,
		},
		Guards: config.GuardsConfig{MaxSpreadBps: 50},
		Gatekeeper: config.GatekeeperConfig{
			MinConfidence:  0.3,
			MinNotionalUsd: 10,
		},
		KillSwitchConfig: config.KillSwitchConfig{
			MaxDrawdownPct:            10,
			MaxConsecutiveLosses:      3,
			APIErrorThreshold:         2,
			SpreadViolationsLimit:     3,
			SpreadViolationsWindowMin: 5,
		},
		Retry:                  config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 1},
		TrailingStop:           config.TrailingConfig{Enabled: true, ActivationPct: 0.01, TrailPct: 0.005},
		StrategyIntervalMs:     100,
		PollIntervalMs:         100,
		Data:                   config.DataConfig{PollingMs: 100},
		FillReconcileMinutes:   5,
		HealthReportIntervalMs: 100,
		Paper:                  config.PaperConfig{InitialCashUsd: 10000},
		SignalQueue:            config.SignalQueueConfig{Capacity: 16, Backend: config.QueueMemory},
		Database:               config.DatabaseConfig{Path: ":memory:"},
	}
}

type botFixture struct {
	engine *Engine
	broker *scriptBroker
	repo   *database.Repository
	inv    *inventory.Manager
	store  *orderstate.Store
	trail  *risk.TrailingStopManager
	ks     *killswitch.Switch
	bus    *events.Bus
	reg    *metrics.Registry
	queue  queue.Queue
	cfg    *config.Config
}

func newBotFixture(t *testing.T, cfg *config.Config) *botFixture {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := database.NewRepository(db)

	reg := metrics.NewRegistry()
	bus := events.NewBus()
	broker := newScriptBroker()

	inv := inventory.NewManager(cfg.DustBuffer, log, reg)
	inv.SetCash(cfg.Paper.InitialCashUsd)
	store := orderstate.NewStore(repo, log)
	pos := position.NewMachine(repo, log)
	trail := risk.NewTrailingStopManager(cfg.TrailingStop, log)
	ks, err := killswitch.New(ctx, cfg.KillSwitchConfig, repo, bus, log)
	if err != nil {
		t.Fatalf("killswitch: %v", err)
	}
	engine := risk.NewEngine(risk.FromConfig(cfg), inv, ks, log, reg)
	exec := retry.New(cfg.Retry, log, reg)
	candleStore := candles.NewStore(repo)
	mgr := orders.NewManager(orders.SizingFromConfig(cfg), orders.Deps{
		Broker:    broker,
		Retry:     exec,
		Risk:      engine,
		Inventory: inv,
		Orders:    store,
		Positions: pos,
		Trailing:  trail,
		Repo:      repo,
		Bus:       bus,
		Metrics:   reg,
	}, log)
	q := queue.NewMemory(cfg.SignalQueue.Capacity, log)

	e, err := New(Deps{
		Config:     cfg,
		Broker:     broker,
		Retry:      exec,
		Manager:    mgr,
		Risk:       engine,
		Inventory:  inv,
		Orders:     store,
		Positions:  pos,
		Trailing:   trail,
		KillSwitch: ks,
		Candles:    candleStore,
		Queue:      q,
		Repo:       repo,
		Bus:        bus,
		Metrics:    reg,
	}, log)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.pool.StopAndWait)

	return &botFixture{
		engine: e,
		broker: broker,
		repo:   repo,
		inv:    inv,
		store:  store,
		trail:  trail,
		ks:     ks,
		bus:    bus,
		reg:    reg,
		queue:  q,
		cfg:    cfg,
	}
}

// candleRun builds n ascending one-minute candles ending near now.
func candleRun(n int, base float64, end time.Time) []exchange.Candle {
	out := make([]exchange.Candle, n)
	start := end.Add(-time.Duration(n-1) * time.Minute)
	for i := range out {
		px := base + float64(i)
		out[i] = exchange.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     px,
			High:     px + 5,
			Low:      px - 5,
			Close:    px + 1,
			Volume:   10,
		}
	}
	return out
}

func seedCandles(t *testing.T, fx *botFixture, symbol string, w []exchange.Candle) {
	t.Helper()
	for _, c := range w {
		if err := fx.engine.candles.Upsert(context.Background(), symbol, fx.cfg.Interval, c); err != nil {
			t.Fatalf("seed candle: %v", err)
		}
	}
}

func quote(symbol string, last float64) exchange.Ticker {
	return exchange.Ticker{
		Symbol: symbol,
		Bid:    last - 10,
		Ask:    last + 10,
		Last:   last,
		Time:   time.Now().UTC(),
	}
}

func counter(fx *botFixture, name string) float64 {
	return fx.reg.Snapshot().Counters[name]
}

func TestMarketDataJobPublishesAndMarks(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))
	fx.broker.setTicker(quote(sym, 50000))
	fx.broker.setCandles(sym, candleRun(30, 50000, time.Now().UTC()))

	var positions []events.PositionsPayload
	if _, err := fx.bus.Positions.Subscribe(func(p events.PositionsPayload) {
		positions = append(positions, p)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := fx.engine.marketDataJob(context.Background()); err != nil {
		t.Fatalf("market data job: %v", err)
	}

	if n := fx.engine.candles.Len(sym, "1m"); n != 2 {
		t.Fatalf("stored candles = %d, want the 2 polled", n)
	}
	if _, _, ok := fx.engine.ticker(sym); !ok {
		t.Fatal("ticker cache not populated")
	}
	if len(positions) != 1 {
		t.Fatalf("positions payloads = %d, want 1", len(positions))
	}
	if positions[0].CashUsd != 10000 {
		t.Fatalf("cash = %v, want 10000", positions[0].CashUsd)
	}
	if g := fx.reg.Snapshot().Gauges["account.equity_usd"]; g != 10000 {
		t.Fatalf("equity gauge = %v, want 10000", g)
	}
	if fx.ks.IsTriggered() {
		t.Fatal("kill switch tripped on a healthy pass")
	}
}

func TestMarketDataJobErrorStreakTripsKillSwitch(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))
	fx.broker.tickErr = fault.New(fault.Fatal, "script.get_ticker", "venue down")

	ctx := context.Background()
	if err := fx.engine.marketDataJob(ctx); err != nil {
		t.Fatalf("job: %v", err)
	}
	if fx.ks.IsTriggered() {
		t.Fatal("tripped below the threshold")
	}
	if err := fx.engine.marketDataJob(ctx); err != nil {
		t.Fatalf("job: %v", err)
	}
	if !fx.ks.IsTriggered() {
		t.Fatal("two consecutive failed polls should trip the switch (threshold 2)")
	}
	if c := counter(fx, "marketdata.poll_errors"); c != 2 {
		t.Fatalf("poll_errors = %v, want 2", c)
	}
}

func TestStaleFeedAlertsOncePerEpisode(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))

	stale := candleRun(20, 50000, time.Now().UTC().Add(-2*time.Hour))
	seedCandles(t, fx, sym, stale)
	fx.broker.setTicker(quote(sym, 50000))
	fx.broker.setCandles(sym, stale)

	var alerts []events.AlertPayload
	if _, err := fx.bus.Alerts.Subscribe(func(a events.AlertPayload) {
		if strings.Contains(a.Title, "Stale") {
			alerts = append(alerts, a)
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := fx.engine.marketDataJob(ctx); err != nil {
			t.Fatalf("job: %v", err)
		}
	}
	if len(alerts) != 1 {
		t.Fatalf("stale alerts = %d, want 1 per episode", len(alerts))
	}

	// Fresh candles end the episode and clear the marker, so the next
	// stall alerts again.
	fx.broker.setCandles(sym, candleRun(20, 50000, time.Now().UTC()))
	if err := fx.engine.marketDataJob(ctx); err != nil {
		t.Fatalf("job: %v", err)
	}
	fx.engine.mu.RLock()
	_, marked := fx.engine.staleAlerted[sym]
	fx.engine.mu.RUnlock()
	if marked {
		t.Fatal("recovery should clear the stale marker")
	}
}

func TestStrategyJobExecutesBuySignal(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))
	fx.engine.strat = &scriptedStrategy{sig: strategy.Signal{
		Action:     strategy.ActionBuy,
		Confidence: 0.8,
		Reason:     "breakout",
	}}

	seedCandles(t, fx, sym, candleRun(30, 50000, time.Now().UTC()))
	fx.broker.setTicker(quote(sym, 50000))
	fx.bus.Price.Publish(events.PricePayload{
		Symbol: sym, Bid: 49990, Ask: 50010, Last: 50000, Time: time.Now().UTC(),
	})

	if err := fx.engine.strategyJob(context.Background()); err != nil {
		t.Fatalf("strategy job: %v", err)
	}

	places := fx.broker.places()
	if len(places) != 1 {
		t.Fatalf("broker calls = %d, want 1", len(places))
	}
	if places[0].Side != exchange.SideBuy {
		t.Fatalf("side = %s, want buy", places[0].Side)
	}
	if got := fx.inv.TotalQty(sym); got <= 0 {
		t.Fatalf("inventory after buy = %v, want positive", got)
	}
	if c := counter(fx, "strategy.signals"); c != 1 {
		t.Fatalf("strategy.signals = %v, want 1", c)
	}
	if n, _ := fx.queue.Len(context.Background()); n != 0 {
		t.Fatalf("queue depth after drain = %d, want 0", n)
	}
}

func TestTrailingExitPreemptsStrategy(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))
	// The strategy wants to buy more; the triggered stop must win the tick.
	fx.engine.strat = &scriptedStrategy{sig: strategy.Signal{
		Action:     strategy.ActionBuy,
		Confidence: 0.9,
		Reason:     "still bullish",
	}}

	ctx := context.Background()
	entry := exchange.Order{
		OrderID:       "SEED-1",
		ClientOrderID: "seed-1",
		Symbol:        sym,
		Side:          exchange.SideBuy,
		Type:          exchange.OrderMarket,
		RequestedQty:  0.005,
		FilledQty:     0.005,
		AvgFillPrice:  50000,
		Status:        exchange.StatusFilled,
		SubmittedAt:   time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if _, err := fx.inv.ConfirmFill(entry, 50000, 0.25); err != nil {
		t.Fatalf("seed holding: %v", err)
	}

	// Ride to 51000 so the stop activates at 50745, then pull back under it.
	fx.trail.OpenPosition(sym, 50000)
	fx.trail.Update(sym, 51000, 0)

	seedCandles(t, fx, sym, candleRun(30, 50470, time.Now().UTC()))
	fx.broker.setTicker(quote(sym, 50500))
	fx.bus.Price.Publish(events.PricePayload{
		Symbol: sym, Bid: 50490, Ask: 50510, Last: 50500, Time: time.Now().UTC(),
	})

	if err := fx.engine.strategyJob(ctx); err != nil {
		t.Fatalf("strategy job: %v", err)
	}

	places := fx.broker.places()
	if len(places) != 1 {
		t.Fatalf("broker calls = %d, want 1", len(places))
	}
	if places[0].Side != exchange.SideSell {
		t.Fatalf("side = %s, want the trailing exit sell", places[0].Side)
	}
	if got := fx.inv.TotalQty(sym); got != 0 {
		t.Fatalf("inventory after exit = %v, want 0", got)
	}
	if c := counter(fx, "trailing.stop_outs"); c != 1 {
		t.Fatalf("trailing.stop_outs = %v, want 1", c)
	}
	snap := fx.engine.Snapshot()
	if snap.LastStopOutAtBySymbol[sym].IsZero() {
		t.Fatal("stop-out time not recorded")
	}
	if states := fx.trail.States(); len(states) != 0 {
		t.Fatalf("trailing still tracks %d positions after the exit", len(states))
	}
}

func TestExecuteItemRedeliveryIsIdempotent(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))
	seedCandles(t, fx, sym, candleRun(30, 50000, time.Now().UTC()))
	fx.broker.setTicker(quote(sym, 50000))

	item := queue.NewItem(sym, strategy.Signal{
		Action:     strategy.ActionBuy,
		Confidence: 0.8,
		Reason:     "breakout",
	}, quote(sym, 50000))

	ctx := context.Background()
	fx.engine.executeItem(ctx, item, "1m")
	fx.engine.executeItem(ctx, item, "1m")

	if n := len(fx.broker.places()); n != 1 {
		t.Fatalf("broker calls = %d, want 1 for a redelivered item", n)
	}
	if c := counter(fx, "orders.idempotent_hit"); c != 1 {
		t.Fatalf("idempotent_hit = %v, want 1", c)
	}
}

func TestSellFillFeedsCooldownAndLossStreak(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))

	fx.bus.PublishTrade("EX-9", sym, string(exchange.SideSell), 0.005, 49000, 0.25, -5)

	view := fx.engine.accountView(sym)
	if view.LastSellFillAt.IsZero() {
		t.Fatal("sell fill time not recorded")
	}
	if got := fx.ks.Snapshot().ConsecutiveLosses; got != 1 {
		t.Fatalf("consecutive losses = %d, want 1", got)
	}

	fx.bus.PublishTrade("EX-10", sym, string(exchange.SideSell), 0.005, 52000, 0.25, 10)
	if got := fx.ks.Snapshot().ConsecutiveLosses; got != 0 {
		t.Fatalf("consecutive losses after a win = %d, want 0", got)
	}
}

func TestWarmupSeedsHistoryAndQuotes(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))
	fx.broker.setTicker(quote(sym, 50000))
	fx.broker.setCandles(sym, candleRun(60, 50000, time.Now().UTC()))

	if err := fx.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if n := fx.engine.candles.Len(sym, "1m"); n != 60 {
		t.Fatalf("warmed candles = %d, want 60", n)
	}
	if _, _, ok := fx.engine.ticker(sym); !ok {
		t.Fatal("warmup did not cache a quote")
	}
}

func TestHealthJobPublishesSnapshot(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))

	var snaps []events.MetricsPayload
	if _, err := fx.bus.Metrics.Subscribe(func(m events.MetricsPayload) {
		snaps = append(snaps, m)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := fx.engine.healthJob(context.Background()); err != nil {
		t.Fatalf("health job: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("metrics payloads = %d, want 1", len(snaps))
	}
	if _, ok := snaps[0].Gauges["queue.depth"]; !ok {
		t.Fatal("queue depth gauge missing from the snapshot")
	}
}

func TestReconcileJobRegisteredLiveOnly(t *testing.T) {
	const sym = "BTC-USD"

	hasJob := func(e *Engine, name string) bool {
		for _, st := range e.sched.Status() {
			if st.Name == name {
				return true
			}
		}
		return false
	}

	paper := newBotFixture(t, testConfig(sym))
	if err := paper.engine.registerJobs(paper.cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if hasJob(paper.engine, JobReconcile) {
		t.Fatal("paper mode should not run the open-order reconciler")
	}
	if !hasJob(paper.engine, JobFillReconcile) {
		t.Fatal("fill reconciler should run in every mode")
	}

	liveCfg := testConfig(sym)
	liveCfg.Mode = config.ModeLive
	live := newBotFixture(t, liveCfg)
	if err := live.engine.registerJobs(live.cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !hasJob(live.engine, JobReconcile) {
		t.Fatal("live mode must run the open-order reconciler")
	}
}

func TestOnStrategySwitch(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))

	t.Run("unknown name is rejected", func(t *testing.T) {
		out := fx.engine.OnStrategySwitch("no_such_strategy")
		if out.OK || out.Error == "" {
			t.Fatalf("outcome = %+v, want an error", out)
		}
	})

	t.Run("known name swaps the strategy", func(t *testing.T) {
		out := fx.engine.OnStrategySwitch("mean_reversion")
		if !out.OK || out.State != "mean_reversion" {
			t.Fatalf("outcome = %+v", out)
		}
		if got := fx.engine.strategy().Name(); got != "mean_reversion" {
			t.Fatalf("active strategy = %s", got)
		}
	})
}

func TestPauseBlocksSubmissionsUntilResume(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))
	seedCandles(t, fx, sym, candleRun(30, 50000, time.Now().UTC()))

	if out := fx.engine.OnSessionPause("maintenance"); !out.OK || out.State != "paused" {
		t.Fatalf("pause outcome = %+v", out)
	}

	item := queue.NewItem(sym, strategy.Signal{
		Action:     strategy.ActionBuy,
		Confidence: 0.8,
		Reason:     "breakout",
	}, quote(sym, 50000))
	fx.engine.executeItem(context.Background(), item, "1m")
	if n := len(fx.broker.places()); n != 0 {
		t.Fatalf("broker calls while paused = %d, want 0", n)
	}

	if out := fx.engine.OnSessionResume(); !out.OK || out.State != "active" {
		t.Fatalf("resume outcome = %+v", out)
	}
	if blocked, _ := fx.engine.manager.TradingBlocked(); blocked {
		t.Fatal("manager still blocked after resume")
	}
}

func TestOnPositionClose(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))
	fx.broker.setTicker(quote(sym, 50000))

	t.Run("flat symbol reports flat", func(t *testing.T) {
		out := fx.engine.OnPositionClose(context.Background(), sym)
		if !out.OK || out.State != "flat" {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("held symbol sells", func(t *testing.T) {
		entry := exchange.Order{
			OrderID:       "SEED-2",
			ClientOrderID: "seed-2",
			Symbol:        sym,
			Side:          exchange.SideBuy,
			Type:          exchange.OrderMarket,
			RequestedQty:  0.004,
			FilledQty:     0.004,
			AvgFillPrice:  50000,
			Status:        exchange.StatusFilled,
			SubmittedAt:   time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		}
		if _, err := fx.inv.ConfirmFill(entry, 50000, 0.2); err != nil {
			t.Fatalf("seed holding: %v", err)
		}

		out := fx.engine.OnPositionClose(context.Background(), sym)
		if !out.OK || !strings.Contains(out.State, "close order") {
			t.Fatalf("outcome = %+v", out)
		}
		if got := fx.inv.TotalQty(sym); got != 0 {
			t.Fatalf("holding after close = %v, want 0", got)
		}
	})
}

func TestOnConfigUpdate(t *testing.T) {
	const sym = "BTC-USD"
	fx := newBotFixture(t, testConfig(sym))

	t.Run("invalid patch is rejected atomically", func(t *testing.T) {
		bad := 1.5 // min_confidence must stay below 1
		out := fx.engine.OnConfigUpdate(ConfigPatch{MinConfidence: &bad})
		if out.OK || out.Error == "" {
			t.Fatalf("outcome = %+v, want a validation error", out)
		}
		if got := fx.engine.config().Gatekeeper.MinConfidence; got != 0.3 {
			t.Fatalf("min confidence mutated to %v on a rejected patch", got)
		}
	})

	t.Run("valid patch applies", func(t *testing.T) {
		maxPos := 400.0
		out := fx.engine.OnConfigUpdate(ConfigPatch{MaxPositionUsd: &maxPos})
		if !out.OK || out.State != "applied" {
			t.Fatalf("outcome = %+v", out)
		}
		if got := fx.engine.config().Risk.MaxPositionUsd; got != 400 {
			t.Fatalf("max position = %v, want 400", got)
		}
	})
}
