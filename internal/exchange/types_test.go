package exchange

import (
	"context"
	"testing"

	"spot-trading-engine/internal/fault"
)

func TestBaseAsset(t *testing.T) {
	cases := map[string]string{
		"BTC-USD":  "BTC",
		"ETH-USDC": "ETH",
		"BTCUSDT":  "BTC",
		"ETHUSDT":  "ETH",
		"SOL/USD":  "SOL",
		"WEIRD":    "WEIRD",
	}
	for symbol, want := range cases {
		if got := BaseAsset(symbol); got != want {
			t.Errorf("BaseAsset(%q) = %q, want %q", symbol, got, want)
		}
	}
}

func TestQuoteAsset(t *testing.T) {
	cases := map[string]string{
		"BTC-USD": "USD",
		"BTCUSDT": "USDT",
		"SOL/EUR": "EUR",
		"WEIRD":   "USD",
	}
	for symbol, want := range cases {
		if got := QuoteAsset(symbol); got != want {
			t.Errorf("QuoteAsset(%q) = %q, want %q", symbol, got, want)
		}
	}
}

func TestSpreadBps(t *testing.T) {
	tk := Ticker{Bid: 49990, Ask: 50010}
	if got := tk.SpreadBps(); got < 3.9 || got > 4.1 {
		t.Errorf("SpreadBps = %v, want ~4", got)
	}
	if got := (Ticker{}).SpreadBps(); got != 0 {
		t.Errorf("empty ticker SpreadBps = %v, want 0", got)
	}
}

func TestCandleValidate(t *testing.T) {
	good := Candle{Open: 10, High: 12, Low: 9, Close: 11, Volume: 5}
	if err := good.Validate(); err != nil {
		t.Errorf("valid candle rejected: %v", err)
	}
	bad := Candle{Open: 10, High: 9, Low: 9, Close: 11}
	if err := bad.Validate(); err == nil {
		t.Error("high below close accepted")
	}
	negVol := Candle{Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}
	if err := negVol.Validate(); err == nil {
		t.Error("negative volume accepted")
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	if StatusOpen.Terminal() {
		t.Error("open must not be terminal")
	}
	for _, s := range []OrderStatus{StatusFilled, StatusCanceled, StatusRejected} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	if StatusPending.Rank() >= StatusOpen.Rank() || StatusOpen.Rank() >= StatusFilled.Rank() {
		t.Error("status ranks must be strictly increasing pending < open < terminal")
	}
}

func TestUnavailableAdapter(t *testing.T) {
	u := Unavailable{Reason: "credentials missing"}
	ctx := context.Background()

	if _, err := u.GetTicker(ctx, "BTC-USD"); err == nil || fault.ClassOf(err) != fault.Degraded {
		t.Errorf("GetTicker err = %v, want Degraded", err)
	}
	if _, err := u.PlaceOrder(ctx, OrderRequest{}); err == nil || fault.ClassOf(err) != fault.Degraded {
		t.Errorf("PlaceOrder err = %v, want Degraded", err)
	}

	// Reconcilers poll these; they must idle quietly, not error.
	orders, err := u.ListOpenOrders(ctx, "")
	if err != nil || len(orders) != 0 {
		t.Errorf("ListOpenOrders = %v, %v, want empty, nil", orders, err)
	}
	balances, err := u.GetBalances(ctx)
	if err != nil || len(balances) != 0 {
		t.Errorf("GetBalances = %v, %v, want empty, nil", balances, err)
	}
}
