// Command spot-trading-engine runs the automated spot trading engine. It
// wires the exchange adapter, persistent state, risk pipeline and trading
// loops from configuration and runs until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/bot"
	"spot-trading-engine/internal/candles"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/inventory"
	"spot-trading-engine/internal/killswitch"
	"spot-trading-engine/internal/metrics"
	"spot-trading-engine/internal/notification"
	"spot-trading-engine/internal/orders"
	"spot-trading-engine/internal/orderstate"
	"spot-trading-engine/internal/position"
	"spot-trading-engine/internal/queue"
	"spot-trading-engine/internal/retry"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/secrets"
	"spot-trading-engine/internal/sentiment"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "config file path (default: config.yaml in . or ./config)")
	flag.Parse()

	// A .env file is a development convenience; deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("engine exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("mode", cfg.Mode).
		Str("exchange", cfg.Exchange).
		Strs("symbols", cfg.Symbols).
		Str("strategy", cfg.Strategy).
		Msg("Spot trading engine starting")
	if cfg.IsLive() && !cfg.AllowLiveTrading {
		log.Warn().Msg("live mode without allow_live_trading, every order is blocked at the risk gate")
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	bus := events.NewBus()
	reg := metrics.NewRegistry()

	// Notifications start before anything that can publish an alert, so
	// startup problems reach the operator too.
	notifier := notification.NewManager(log, buildNotifiers(cfg, log)...)
	if err := notifier.Start(bus); err != nil {
		return err
	}
	defer notifier.Stop()

	broker, degraded := buildBroker(ctx, cfg, log)

	store := orderstate.NewStore(repo, log)
	if err := store.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate orders: %w", err)
	}
	machine := position.NewMachine(repo, log)
	if err := machine.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate positions: %w", err)
	}
	ks, err := killswitch.New(ctx, cfg.KillSwitchConfig, repo, bus, log)
	if err != nil {
		return fmt.Errorf("hydrate kill switch: %w", err)
	}
	if cfg.KillSwitch && !ks.IsTriggered() {
		if err := ks.Trigger(ctx, "engaged at boot by configuration"); err != nil {
			log.Warn().Err(err).Msg("kill switch boot trip not persisted")
		}
	}
	candleStore := candles.NewStore(repo)
	if err := candleStore.Hydrate(ctx, cfg.Symbols, cfg.Interval); err != nil {
		log.Warn().Err(err).Msg("candle hydrate failed, warmup refetches")
	}

	inv := inventory.NewManager(cfg.DustBuffer, log, reg)
	trailing := risk.NewTrailingStopManager(cfg.TrailingStop, log)
	if cfg.IsLive() {
		if err := inv.HydrateFromExchange(ctx, broker, cfg.Symbols); err != nil {
			log.Error().Err(err).Msg("inventory hydrate failed")
			degraded = append(degraded, fmt.Sprintf("inventory hydrate: %v", err))
		}
		// Positions held across the restart go back under trailing
		// management at their recorded entry price.
		for _, sym := range cfg.Symbols {
			if inv.TotalQty(sym) > 0 {
				trailing.OpenPosition(sym, inv.AvgEntryPrice(sym))
			}
		}
	} else {
		inv.SetCash(cfg.Paper.InitialCashUsd)
	}

	riskEngine := risk.NewEngine(risk.FromConfig(cfg), inv, ks, log, reg)
	exec := retry.New(cfg.Retry, log, reg)

	manager := orders.NewManager(orders.SizingFromConfig(cfg), orders.Deps{
		Broker:    broker,
		Retry:     exec,
		Risk:      riskEngine,
		Inventory: inv,
		Orders:    store,
		Positions: machine,
		Trailing:  trailing,
		Repo:      repo,
		Bus:       bus,
		Metrics:   reg,
	}, log)

	// A degraded startup blocks trading instead of crashing, so the
	// operator can diagnose the engine through the status hooks.
	for _, reason := range degraded {
		manager.Block("startup degraded: " + reason)
		bus.PublishAlert(events.LevelCritical, "Degraded startup", reason, nil)
	}

	sigQueue, err := queue.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("signal queue: %w", err)
	}

	var fetcher *sentiment.Fetcher
	if cfg.Sentiment.Enabled {
		fetcher = sentiment.NewFetcher(cfg.Sentiment, bus, log)
	}

	engine, err := bot.New(bot.Deps{
		Config:     cfg,
		Broker:     broker,
		Retry:      exec,
		Manager:    manager,
		Risk:       riskEngine,
		Inventory:  inv,
		Orders:     store,
		Positions:  machine,
		Trailing:   trailing,
		KillSwitch: ks,
		Candles:    candleStore,
		Queue:      sigQueue,
		Sentiment:  fetcher,
		Repo:       repo,
		Bus:        bus,
		Metrics:    reg,
	}, log)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stop()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return engine.Stop(shutdownCtx)
}

// buildBroker resolves credentials and constructs the venue adapter. Failure
// does not abort startup: the caller installs the unavailable adapter's
// reasons as a runtime trading block and the engine runs degraded.
func buildBroker(ctx context.Context, cfg *config.Config, log zerolog.Logger) (exchange.Adapter, []string) {
	chain := secrets.BuildChain(cfg, log)

	var creds exchange.Credentials
	apiKey, apiSecret, err := secrets.ExchangeCredentials(ctx, chain, cfg.Exchange)
	switch {
	case err == nil:
		creds = exchange.Credentials{APIKey: apiKey, APISecret: apiSecret}
	case errors.Is(err, secrets.ErrNotFound):
		log.Debug().Str("exchange", cfg.Exchange).Msg("no credentials resolved, continuing unauthenticated")
	default:
		log.Warn().Err(err).Msg("credential resolution failed")
	}

	broker, err := exchange.New(cfg, creds, log)
	if err != nil {
		log.Error().Err(err).Str("exchange", cfg.Exchange).Msg("exchange adapter unavailable")
		return exchange.Unavailable{Reason: err.Error()}, []string{err.Error()}
	}
	log.Info().Str("adapter", broker.Name()).Msg("exchange adapter ready")
	return broker, nil
}

func buildNotifiers(cfg *config.Config, log zerolog.Logger) []notification.Notifier {
	var out []notification.Notifier
	if cfg.Telegram.Enabled {
		tg, err := notification.NewTelegram(cfg.Telegram)
		if err != nil {
			log.Warn().Err(err).Msg("telegram notifier unavailable")
		} else {
			out = append(out, tg)
		}
	}
	if cfg.Discord.Enabled {
		out = append(out, notification.NewDiscord(cfg.Discord))
	}
	return out
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
