// Package config loads the process-wide configuration: YAML file, environment
// overrides (SPOT_ prefix), and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Supported exchanges.
const (
	ExchangeCoinbase = "coinbase"
	ExchangeBinance  = "binance"
	ExchangeBybit    = "bybit"
)

// Signal queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config is the single immutable configuration handed to each component at
// construction. Runtime changes go through the bot's OnConfigUpdate hook,
// never through this struct.
type Config struct {
	Mode             string   `mapstructure:"mode"`
	Exchange         string   `mapstructure:"exchange"`
	Symbols          []string `mapstructure:"symbols"`
	Interval         string   `mapstructure:"interval"`
	Strategy         string   `mapstructure:"strategy"`
	AllowLiveTrading bool     `mapstructure:"allow_live_trading"`
	KillSwitch       bool     `mapstructure:"kill_switch"`

	Risk             RiskConfig       `mapstructure:"risk"`
	Guards           GuardsConfig     `mapstructure:"guards"`
	Gatekeeper       GatekeeperConfig `mapstructure:"gatekeeper"`
	KillSwitchConfig KillSwitchConfig `mapstructure:"kill_switch_config"`
	Retry            RetryConfig      `mapstructure:"retry"`
	TrailingStop     TrailingConfig   `mapstructure:"trailing_stop"`

	StrategyIntervalMs     int        `mapstructure:"strategy_interval_ms"`
	PollIntervalMs         int        `mapstructure:"poll_interval_ms"`
	Data                   DataConfig `mapstructure:"data"`
	FillReconcileMinutes   int        `mapstructure:"fill_reconcile_minutes"`
	HealthReportIntervalMs int        `mapstructure:"health_report_interval_ms"`

	DustBuffer            float64 `mapstructure:"dust_buffer"`
	SignalCooldownMinutes int     `mapstructure:"signal_cooldown_minutes"`

	Paper       PaperConfig       `mapstructure:"paper"`
	SignalQueue SignalQueueConfig `mapstructure:"signal_queue"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Discord     DiscordConfig     `mapstructure:"discord"`
	Sentiment   SentimentConfig   `mapstructure:"sentiment"`
}

// RiskConfig bounds portfolio exposure.
type RiskConfig struct {
	MaxDailyLossUsd  float64 `mapstructure:"max_daily_loss_usd"`
	MaxPositionUsd   float64 `mapstructure:"max_position_usd"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	CooldownMinutes  int     `mapstructure:"cooldown_minutes"`
	DeployPercent    float64 `mapstructure:"deploy_percent"`
}

// GuardsConfig holds per-signal market sanity checks.
type GuardsConfig struct {
	MaxSpreadBps   float64 `mapstructure:"max_spread_bps"`
	MaxSlippageBps float64 `mapstructure:"max_slippage_bps"`
	MinVolume      float64 `mapstructure:"min_volume"`
}

// GatekeeperConfig tunes the cost-floor and market-quality gates.
type GatekeeperConfig struct {
	MinConfidence        float64 `mapstructure:"min_confidence"`
	SellCooldownMinutes  int     `mapstructure:"sell_cooldown_minutes"`
	FeeRateBps           float64 `mapstructure:"fee_rate_bps"`
	EstimatedSlippageBps float64 `mapstructure:"estimated_slippage_bps"`
	SafetyMarginBps      float64 `mapstructure:"safety_margin_bps"`
	MinNotionalUsd       float64 `mapstructure:"min_notional_usd"`
	ChopAdxThreshold     float64 `mapstructure:"chop_adx_threshold"`
}

// KillSwitchConfig tunes trip thresholds.
type KillSwitchConfig struct {
	MaxDrawdownPct            float64 `mapstructure:"max_drawdown_pct"`
	MaxConsecutiveLosses      int     `mapstructure:"max_consecutive_losses"`
	APIErrorThreshold         int     `mapstructure:"api_error_threshold"`
	SpreadViolationsLimit     int     `mapstructure:"spread_violations_limit"`
	SpreadViolationsWindowMin int     `mapstructure:"spread_violations_window_min"`
}

// RetryConfig tunes the retry executor.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
}

// TrailingConfig tunes the trailing stop manager.
type TrailingConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ActivationPct float64 `mapstructure:"activation_pct"`
	TrailPct      float64 `mapstructure:"trail_pct"`
	AtrMultiplier float64 `mapstructure:"atr_multiplier"`
}

// DataConfig tunes market-data ingestion.
type DataConfig struct {
	PollingMs int `mapstructure:"polling_ms"`
}

// PaperConfig seeds the simulated broker.
type PaperConfig struct {
	InitialCashUsd float64 `mapstructure:"initial_cash_usd"`
	FeeBps         float64 `mapstructure:"fee_bps"`
}

// SignalQueueConfig selects and bounds the signal queue.
type SignalQueueConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Backend  string `mapstructure:"backend"`
}

// LoggingConfig tunes the global zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig locates the optional Redis signal queue backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	QueueKey string `mapstructure:"queue_key"`
}

// VaultConfig enables the HashiCorp Vault secrets backend.
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
}

// TelegramConfig enables the Telegram alert notifier.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// DiscordConfig enables the Discord alert notifier.
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// SentimentConfig enables the sentiment loop.
type SentimentConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PollMinutes    int  `mapstructure:"poll_minutes"`
	FearThreshold  int  `mapstructure:"fear_threshold"`
	GreedThreshold int  `mapstructure:"greed_threshold"`
}

// Load reads configuration from path (or the default search locations when
// path is empty), applies SPOT_-prefixed environment overrides, maps the
// legacy PAPER_TRADING key, and validates. A missing file is not an error;
// defaults plus environment are enough to run paper mode.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("SPOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLegacyPaperTrading(v, &cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLegacyPaperTrading maps the deprecated PAPER_TRADING boolean onto
// mode. An explicit mode key wins; the legacy key only fills the gap.
func applyLegacyPaperTrading(v *viper.Viper, cfg *Config) {
	raw, ok := os.LookupEnv("PAPER_TRADING")
	if !ok {
		if !v.InConfig("paper_trading") {
			return
		}
		raw = v.GetString("paper_trading")
	}

	if v.InConfig("mode") || os.Getenv("SPOT_MODE") != "" {
		log.Warn().Msg("PAPER_TRADING is deprecated and ignored because mode is set explicitly")
		return
	}

	if strings.EqualFold(raw, "true") || raw == "1" {
		cfg.Mode = ModePaper
	} else {
		cfg.Mode = ModeLive
	}
	log.Warn().
		Str("mapped_mode", cfg.Mode).
		Msg("PAPER_TRADING is deprecated; set mode=paper|live instead")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModePaper)
	v.SetDefault("exchange", ExchangeCoinbase)
	v.SetDefault("symbols", []string{"BTC-USD"})
	v.SetDefault("interval", "1m")
	v.SetDefault("strategy", "momentum")
	v.SetDefault("allow_live_trading", false)
	v.SetDefault("kill_switch", false)

	v.SetDefault("risk.max_daily_loss_usd", 500.0)
	v.SetDefault("risk.max_position_usd", 250.0)
	v.SetDefault("risk.max_open_positions", 3)
	v.SetDefault("risk.cooldown_minutes", 30)
	v.SetDefault("risk.deploy_percent", 0.25)

	v.SetDefault("guards.max_spread_bps", 50.0)
	v.SetDefault("guards.max_slippage_bps", 30.0)
	v.SetDefault("guards.min_volume", 0.0)

	v.SetDefault("gatekeeper.min_confidence", 0.0)
	v.SetDefault("gatekeeper.sell_cooldown_minutes", 5)
	v.SetDefault("gatekeeper.fee_rate_bps", 10.0)
	v.SetDefault("gatekeeper.estimated_slippage_bps", 5.0)
	v.SetDefault("gatekeeper.safety_margin_bps", 5.0)
	v.SetDefault("gatekeeper.min_notional_usd", 10.0)
	v.SetDefault("gatekeeper.chop_adx_threshold", 18.0)

	v.SetDefault("kill_switch_config.max_drawdown_pct", 5.0)
	v.SetDefault("kill_switch_config.max_consecutive_losses", 5)
	v.SetDefault("kill_switch_config.api_error_threshold", 10)
	v.SetDefault("kill_switch_config.spread_violations_limit", 3)
	v.SetDefault("kill_switch_config.spread_violations_window_min", 1)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)

	v.SetDefault("trailing_stop.enabled", true)
	v.SetDefault("trailing_stop.activation_pct", 0.02)
	v.SetDefault("trailing_stop.trail_pct", 0.01)
	v.SetDefault("trailing_stop.atr_multiplier", 1.5)

	v.SetDefault("strategy_interval_ms", 60000)
	v.SetDefault("poll_interval_ms", 30000)
	v.SetDefault("data.polling_ms", 15000)
	v.SetDefault("fill_reconcile_minutes", 5)
	v.SetDefault("health_report_interval_ms", 60000)

	v.SetDefault("dust_buffer", 1e-8)
	v.SetDefault("signal_cooldown_minutes", 5)

	v.SetDefault("paper.initial_cash_usd", 10000.0)
	v.SetDefault("paper.fee_bps", 10.0)

	v.SetDefault("signal_queue.capacity", 256)
	v.SetDefault("signal_queue.backend", QueueMemory)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("database.path", "data/trading.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_key", "signals")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.mount", "secret")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("discord.enabled", false)
	v.SetDefault("discord.webhook_url", "")

	v.SetDefault("sentiment.enabled", false)
	v.SetDefault("sentiment.poll_minutes", 15)
	v.SetDefault("sentiment.fear_threshold", 10)
	v.SetDefault("sentiment.greed_threshold", 90)
}

var validIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true,
}

// Validate rejects configurations the engine cannot run with. Live mode with
// allow_live_trading=false is legal: the engine runs read-only and the mode
// gate blocks entries.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("config: mode must be %q or %q, got %q", ModePaper, ModeLive, c.Mode)
	}
	switch c.Exchange {
	case ExchangeCoinbase, ExchangeBinance, ExchangeBybit:
	default:
		return fmt.Errorf("config: unknown exchange %q", c.Exchange)
	}
	if len(c.Symbols) == 0 {
		return errors.New("config: at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			return errors.New("config: empty symbol in symbols list")
		}
	}
	if !validIntervals[c.Interval] {
		return fmt.Errorf("config: unsupported interval %q", c.Interval)
	}
	if c.Strategy == "" {
		return errors.New("config: strategy name is required")
	}

	if c.Risk.MaxDailyLossUsd <= 0 {
		return errors.New("config: risk.max_daily_loss_usd must be positive")
	}
	if c.Risk.MaxPositionUsd <= 0 {
		return errors.New("config: risk.max_position_usd must be positive")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return errors.New("config: risk.max_open_positions must be positive")
	}
	if c.Risk.DeployPercent <= 0 || c.Risk.DeployPercent > 1 {
		return fmt.Errorf("config: risk.deploy_percent must be in (0,1], got %v", c.Risk.DeployPercent)
	}

	if c.Guards.MaxSpreadBps <= 0 {
		return errors.New("config: guards.max_spread_bps must be positive")
	}

	if c.KillSwitchConfig.MaxDrawdownPct <= 0 || c.KillSwitchConfig.MaxDrawdownPct > 100 {
		return fmt.Errorf("config: kill_switch_config.max_drawdown_pct must be in (0,100], got %v", c.KillSwitchConfig.MaxDrawdownPct)
	}
	if c.KillSwitchConfig.MaxConsecutiveLosses <= 0 {
		return errors.New("config: kill_switch_config.max_consecutive_losses must be positive")
	}
	if c.KillSwitchConfig.SpreadViolationsLimit <= 0 {
		return errors.New("config: kill_switch_config.spread_violations_limit must be positive")
	}
	if c.KillSwitchConfig.SpreadViolationsWindowMin <= 0 {
		return errors.New("config: kill_switch_config.spread_violations_window_min must be positive")
	}
	if c.KillSwitchConfig.APIErrorThreshold <= 0 {
		return errors.New("config: kill_switch_config.api_error_threshold must be positive")
	}

	if c.Gatekeeper.MinConfidence < 0 || c.Gatekeeper.MinConfidence >= 1 {
		return fmt.Errorf("config: gatekeeper.min_confidence must be in [0,1), got %v", c.Gatekeeper.MinConfidence)
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("config: retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelayMs <= 0 {
		return errors.New("config: retry.base_delay_ms must be positive")
	}

	if c.TrailingStop.Enabled {
		if c.TrailingStop.ActivationPct <= 0 {
			return errors.New("config: trailing_stop.activation_pct must be positive")
		}
		if c.TrailingStop.TrailPct <= 0 {
			return errors.New("config: trailing_stop.trail_pct must be positive")
		}
	}

	if c.StrategyIntervalMs <= 0 {
		return errors.New("config: strategy_interval_ms must be positive")
	}
	if c.PollIntervalMs <= 0 {
		return errors.New("config: poll_interval_ms must be positive")
	}
	if c.Data.PollingMs <= 0 {
		return errors.New("config: data.polling_ms must be positive")
	}
	if c.FillReconcileMinutes <= 0 {
		return errors.New("config: fill_reconcile_minutes must be positive")
	}

	if c.DustBuffer < 0 {
		return errors.New("config: dust_buffer cannot be negative")
	}

	if c.Paper.InitialCashUsd <= 0 {
		return errors.New("config: paper.initial_cash_usd must be positive")
	}
	if c.Paper.FeeBps < 0 {
		return errors.New("config: paper.fee_bps cannot be negative")
	}

	if c.SignalQueue.Capacity <= 0 {
		return errors.New("config: signal_queue.capacity must be positive")
	}
	switch c.SignalQueue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Redis.Addr == "" {
			return errors.New("config: signal_queue.backend=redis requires redis.addr")
		}
	default:
		return fmt.Errorf("config: unknown signal_queue.backend %q", c.SignalQueue.Backend)
	}

	if c.Database.Path == "" {
		return errors.New("config: database.path is required")
	}

	if c.Vault.Enabled && c.Vault.Address == "" {
		return errors.New("config: vault.enabled requires vault.address")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == 0) {
		return errors.New("config: telegram.enabled requires bot_token and chat_id")
	}
	if c.Discord.Enabled && c.Discord.WebhookURL == "" {
		return errors.New("config: discord.enabled requires webhook_url")
	}

	return nil
}

// IsLive reports whether the engine trades against a real exchange.
func (c *Config) IsLive() bool { return c.Mode == ModeLive }
