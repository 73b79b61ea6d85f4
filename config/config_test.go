package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Mode != ModePaper {
		t.Errorf("expected default mode paper, got %q", cfg.Mode)
	}
	if cfg.Exchange != ExchangeCoinbase {
		t.Errorf("expected default exchange coinbase, got %q", cfg.Exchange)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "BTC-USD" {
		t.Errorf("expected default symbols [BTC-USD], got %v", cfg.Symbols)
	}
	if cfg.Risk.MaxPositionUsd != 250 {
		t.Errorf("expected default max_position_usd 250, got %v", cfg.Risk.MaxPositionUsd)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default retry attempts 3, got %v", cfg.Retry.MaxAttempts)
	}
	if cfg.FillReconcileMinutes != 5 {
		t.Errorf("expected default fill_reconcile_minutes 5, got %v", cfg.FillReconcileMinutes)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
mode: live
exchange: binance
symbols:
  - BTCUSDT
  - ETHUSDT
interval: 15m
strategy: mean-reversion
allow_live_trading: true
risk:
  max_daily_loss_usd: 1000
  max_position_usd: 500
  max_open_positions: 5
  cooldown_minutes: 15
  deploy_percent: 0.5
gatekeeper:
  chop_adx_threshold: 22
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Mode != ModeLive {
		t.Errorf("expected mode live, got %q", cfg.Mode)
	}
	if !cfg.IsLive() {
		t.Error("IsLive() should be true for mode=live")
	}
	if cfg.Exchange != ExchangeBinance {
		t.Errorf("expected exchange binance, got %q", cfg.Exchange)
	}
	if len(cfg.Symbols) != 2 {
		t.Errorf("expected 2 symbols, got %v", cfg.Symbols)
	}
	if cfg.Risk.DeployPercent != 0.5 {
		t.Errorf("expected deploy_percent 0.5, got %v", cfg.Risk.DeployPercent)
	}
	if cfg.Gatekeeper.ChopAdxThreshold != 22 {
		t.Errorf("expected chop_adx_threshold 22, got %v", cfg.Gatekeeper.ChopAdxThreshold)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Guards.MaxSpreadBps != 50 {
		t.Errorf("expected default max_spread_bps 50, got %v", cfg.Guards.MaxSpreadBps)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "mode: paper\n")

	t.Setenv("SPOT_EXCHANGE", "bybit")
	t.Setenv("SPOT_RISK_MAX_POSITION_USD", "750")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Exchange != ExchangeBybit {
		t.Errorf("expected env override exchange=bybit, got %q", cfg.Exchange)
	}
	if cfg.Risk.MaxPositionUsd != 750 {
		t.Errorf("expected env override max_position_usd=750, got %v", cfg.Risk.MaxPositionUsd)
	}
}

func TestLegacyPaperTradingKey(t *testing.T) {
	t.Run("true maps to paper", func(t *testing.T) {
		t.Setenv("PAPER_TRADING", "true")
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Mode != ModePaper {
			t.Errorf("expected PAPER_TRADING=true to map to paper, got %q", cfg.Mode)
		}
	})

	t.Run("false maps to live", func(t *testing.T) {
		t.Setenv("PAPER_TRADING", "false")
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Mode != ModeLive {
			t.Errorf("expected PAPER_TRADING=false to map to live, got %q", cfg.Mode)
		}
	})

	t.Run("explicit mode wins", func(t *testing.T) {
		t.Setenv("PAPER_TRADING", "false")
		path := writeConfigFile(t, "mode: paper\n")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Mode != ModePaper {
			t.Errorf("explicit mode should win over PAPER_TRADING, got %q", cfg.Mode)
		}
	})
}

func TestValidateRejections(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("baseline Load failed: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "dry-run" }},
		{"bad exchange", func(c *Config) { c.Exchange = "kraken" }},
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"blank symbol", func(c *Config) { c.Symbols = []string{" "} }},
		{"bad interval", func(c *Config) { c.Interval = "2m" }},
		{"empty strategy", func(c *Config) { c.Strategy = "" }},
		{"zero daily loss", func(c *Config) { c.Risk.MaxDailyLossUsd = 0 }},
		{"deploy percent over 1", func(c *Config) { c.Risk.DeployPercent = 1.5 }},
		{"zero open positions", func(c *Config) { c.Risk.MaxOpenPositions = 0 }},
		{"zero spread limit", func(c *Config) { c.Guards.MaxSpreadBps = 0 }},
		{"drawdown over 100", func(c *Config) { c.KillSwitchConfig.MaxDrawdownPct = 150 }},
		{"zero consecutive losses", func(c *Config) { c.KillSwitchConfig.MaxConsecutiveLosses = 0 }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"zero base delay", func(c *Config) { c.Retry.BaseDelayMs = 0 }},
		{"trailing enabled without activation", func(c *Config) { c.TrailingStop.ActivationPct = 0 }},
		{"zero strategy interval", func(c *Config) { c.StrategyIntervalMs = 0 }},
		{"zero polling", func(c *Config) { c.Data.PollingMs = 0 }},
		{"negative dust buffer", func(c *Config) { c.DustBuffer = -1e-9 }},
		{"zero queue capacity", func(c *Config) { c.SignalQueue.Capacity = 0 }},
		{"unknown queue backend", func(c *Config) { c.SignalQueue.Backend = "kafka" }},
		{"redis backend without addr", func(c *Config) { c.SignalQueue.Backend = QueueRedis; c.Redis.Addr = "" }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"vault without address", func(c *Config) { c.Vault.Enabled = true; c.Vault.Address = "" }},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }},
		{"discord without webhook", func(c *Config) { c.Discord.Enabled = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected Validate to reject, got nil")
			}
		})
	}
}

func TestLiveModeWithoutAllowLiveTradingIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Mode = ModeLive
	cfg.AllowLiveTrading = false

	// Read-only live mode is a supported configuration; the mode gate
	// blocks entries at signal time.
	if err := cfg.Validate(); err != nil {
		t.Errorf("live mode with allow_live_trading=false should validate, got %v", err)
	}
}
