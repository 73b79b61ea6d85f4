package exchange

import (
	"context"
	"time"

	"spot-trading-engine/internal/fault"
)

// Unavailable is the adapter installed when no exchange could be constructed,
// usually because credentials failed to load. Reads and writes return
// Degraded faults; list calls return empty so reconcilers idle instead of
// alerting on every cycle.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Name() string { return "unavailable" }

func (u Unavailable) err(op string) error {
	reason := u.Reason
	if reason == "" {
		reason = "no exchange configured"
	}
	return fault.Newf(fault.Degraded, op, "exchange unavailable: %s", reason)
}

func (u Unavailable) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	return Ticker{}, u.err("unavailable.get_ticker")
}

func (u Unavailable) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return nil, u.err("unavailable.get_candles")
}

func (u Unavailable) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	return Order{}, u.err("unavailable.place_order")
}

func (u Unavailable) CancelOrder(ctx context.Context, orderID string) error {
	return u.err("unavailable.cancel_order")
}

func (u Unavailable) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return Order{}, u.err("unavailable.get_order")
}

func (u Unavailable) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	return nil, nil
}

func (u Unavailable) GetBalances(ctx context.Context) ([]Balance, error) {
	return nil, nil
}

func (u Unavailable) ListFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	return nil, nil
}
