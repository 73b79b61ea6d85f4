package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/fault"
)

// PaperBroker simulates execution against real market data. Reads delegate
// to the data adapter; orders fill from a simulated book seeded with
// InitialCashUsd. Market and marketable limit orders fill immediately at the
// touch; resting limits and stops fill during the sweep that runs on every
// GetTicker call, so the market-data poll drives the simulation clock.
type PaperBroker struct {
	data   Adapter
	log    zerolog.Logger
	feeBps float64

	mu         sync.Mutex
	cash       float64
	lockedCash float64
	holdings   map[string]float64 // base asset -> total qty
	lockedBase map[string]float64 // base asset -> qty locked by resting sells
	orders     map[string]Order
	fills      []Fill
	seq        int64
}

// NewPaperBroker wraps data for market reads and seeds the simulated account.
func NewPaperBroker(data Adapter, initialCashUsd, feeBps float64, log zerolog.Logger) *PaperBroker {
	return &PaperBroker{
		data:       data,
		log:        log.With().Str("component", "paper_broker").Logger(),
		feeBps:     feeBps,
		cash:       initialCashUsd,
		holdings:   make(map[string]float64),
		lockedBase: make(map[string]float64),
		orders:     make(map[string]Order),
	}
}

func (p *PaperBroker) Name() string { return "paper" }

// GetTicker delegates to the data adapter, then sweeps resting orders
// against the fresh quote.
func (p *PaperBroker) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	t, err := p.data.GetTicker(ctx, symbol)
	if err != nil {
		return Ticker{}, err
	}
	p.sweep(t)
	return t, nil
}

func (p *PaperBroker) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return p.data.GetCandles(ctx, symbol, interval, limit)
}

// PlaceOrder fills market and marketable limit orders immediately; other
// limits and stops rest on the simulated book with their funds locked.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	const op = "paper.place_order"
	if req.Symbol == "" {
		return Order{}, fault.New(fault.Fatal, op, "empty symbol")
	}
	if req.Quantity <= 0 {
		return Order{}, fault.Newf(fault.Fatal, op, "non-positive quantity %.8f", req.Quantity)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return Order{}, fault.Newf(fault.Fatal, op, "unknown side %q", req.Side)
	}

	ticker, err := p.data.GetTicker(ctx, req.Symbol)
	if err != nil {
		return Order{}, fault.Wrap(fault.Transient, op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.seq++
	o := Order{
		OrderID:        fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		RequestedQty:   req.Quantity,
		RequestedPrice: req.Price,
		StopPrice:      req.StopPrice,
		Status:         StatusOpen,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}

	switch req.Type {
	case OrderMarket:
		price := touchPrice(ticker, req.Side)
		if price <= 0 {
			return Order{}, fault.Newf(fault.Transient, op, "no quote for %s", req.Symbol)
		}
		if err := p.fillLocked(&o, price, now); err != nil {
			return Order{}, err
		}

	case OrderLimit:
		if req.Price <= 0 {
			return Order{}, fault.Newf(fault.Fatal, op, "limit order without price for %s", req.Symbol)
		}
		if marketable(req.Side, req.Price, ticker) {
			if err := p.fillLocked(&o, touchPrice(ticker, req.Side), now); err != nil {
				return Order{}, err
			}
		} else if err := p.restLocked(&o); err != nil {
			return Order{}, err
		}

	case OrderStop, OrderStopLimit:
		if req.StopPrice <= 0 {
			return Order{}, fault.Newf(fault.Fatal, op, "stop order without stop price for %s", req.Symbol)
		}
		if err := p.restLocked(&o); err != nil {
			return Order{}, err
		}

	default:
		return Order{}, fault.Newf(fault.Fatal, op, "unknown order type %q", req.Type)
	}

	p.orders[o.OrderID] = o
	p.log.Debug().
		Str("order_id", o.OrderID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Str("status", string(o.Status)).
		Float64("qty", o.RequestedQty).
		Msg("paper order placed")
	return o, nil
}

// CancelOrder cancels a resting order and releases its locks.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	const op = "paper.cancel_order"
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fault.Newf(fault.Fatal, op, "unknown order %s", orderID)
	}
	if o.Status.Terminal() {
		return fault.Newf(fault.Fatal, op, "order %s is %s", orderID, o.Status)
	}

	p.releaseLocks(o)
	o.Status = StatusCanceled
	o.UpdatedAt = time.Now()
	p.orders[orderID] = o
	return nil
}

func (p *PaperBroker) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const op = "paper.get_order"
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return Order{}, fault.Newf(fault.Fatal, op, "unknown order %s", orderID)
	}
	return o, nil
}

func (p *PaperBroker) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Order
	for _, o := range p.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// GetBalances reports USD cash plus every held base asset as free/locked.
func (p *PaperBroker) GetBalances(ctx context.Context) ([]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := []Balance{{Asset: "USD", Free: p.cash - p.lockedCash, Locked: p.lockedCash}}
	assets := make([]string, 0, len(p.holdings))
	for asset := range p.holdings {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		locked := p.lockedBase[asset]
		out = append(out, Balance{Asset: asset, Free: p.holdings[asset] - locked, Locked: locked})
	}
	return out, nil
}

func (p *PaperBroker) ListFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Fill
	for _, f := range p.fills {
		if symbol != "" && f.Symbol != symbol {
			continue
		}
		if !since.IsZero() && f.Time.Before(since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// sweep fills resting orders crossed by the quote.
func (p *PaperBroker) sweep(t Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, o := range p.orders {
		if o.Status.Terminal() || o.Symbol != t.Symbol {
			continue
		}

		var price float64
		switch o.Type {
		case OrderLimit:
			// A resting limit fills at its own price when the touch reaches it.
			if o.Side == SideBuy && t.Ask > 0 && t.Ask <= o.RequestedPrice {
				price = o.RequestedPrice
			}
			if o.Side == SideSell && t.Bid > 0 && t.Bid >= o.RequestedPrice {
				price = o.RequestedPrice
			}
		case OrderStop, OrderStopLimit:
			// Stops trigger through the touch and fill like market orders.
			if o.Side == SideSell && t.Bid > 0 && t.Bid <= o.StopPrice {
				price = t.Bid
			}
			if o.Side == SideBuy && t.Ask > 0 && t.Ask >= o.StopPrice {
				price = t.Ask
			}
		}
		if price <= 0 {
			continue
		}

		p.releaseLocks(o)
		if err := p.fillLocked(&o, price, now); err != nil {
			// Funds were consumed elsewhere since the order rested.
			o.Status = StatusRejected
			o.UpdatedAt = now
			p.log.Warn().Err(err).Str("order_id", id).Msg("resting order rejected on sweep")
		}
		p.orders[id] = o
	}
}

// fillLocked executes o completely at price. Caller holds p.mu.
func (p *PaperBroker) fillLocked(o *Order, price float64, now time.Time) error {
	const op = "paper.fill"
	base := BaseAsset(o.Symbol)
	notional := o.RequestedQty * price
	fee := notional * p.feeBps / 10000

	if o.Side == SideBuy {
		if p.cash-p.lockedCash < notional+fee {
			return fault.Newf(fault.Fatal, op, "insufficient cash: free %.2f, need %.2f",
				p.cash-p.lockedCash, notional+fee)
		}
		p.cash -= notional + fee
		p.holdings[base] += o.RequestedQty
	} else {
		if p.holdings[base]-p.lockedBase[base] < o.RequestedQty {
			return fault.Newf(fault.Fatal, op, "insufficient %s: free %.8f, need %.8f",
				base, p.holdings[base]-p.lockedBase[base], o.RequestedQty)
		}
		p.holdings[base] -= o.RequestedQty
		if p.holdings[base] <= 0 {
			delete(p.holdings, base)
		}
		p.cash += notional - fee
	}

	o.Status = StatusFilled
	o.FilledQty = o.RequestedQty
	o.AvgFillPrice = price
	o.FeesUsd = fee
	o.UpdatedAt = now

	p.seq++
	p.fills = append(p.fills, Fill{
		TradeID:  fmt.Sprintf("paper-t-%d", p.seq),
		OrderID:  o.OrderID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.RequestedQty,
		Price:    price,
		FeeUsd:   fee,
		Time:     now,
	})
	return nil
}

// restLocked parks o on the simulated book, locking the funds it would
// consume. Caller holds p.mu.
func (p *PaperBroker) restLocked(o *Order) error {
	const op = "paper.rest"
	if o.Side == SideBuy {
		reserve := o.RequestedQty * restingPrice(*o)
		if p.cash-p.lockedCash < reserve {
			return fault.Newf(fault.Fatal, op, "insufficient cash to rest order: free %.2f, need %.2f",
				p.cash-p.lockedCash, reserve)
		}
		p.lockedCash += reserve
		return nil
	}

	base := BaseAsset(o.Symbol)
	if p.holdings[base]-p.lockedBase[base] < o.RequestedQty {
		return fault.Newf(fault.Fatal, op, "insufficient %s to rest order: free %.8f, need %.8f",
			base, p.holdings[base]-p.lockedBase[base], o.RequestedQty)
	}
	p.lockedBase[base] += o.RequestedQty
	return nil
}

// releaseLocks undoes restLocked. Caller holds p.mu.
func (p *PaperBroker) releaseLocks(o Order) {
	if o.Status != StatusOpen || o.Type == OrderMarket {
		return
	}
	if o.Side == SideBuy {
		p.lockedCash -= o.RequestedQty * restingPrice(o)
		if p.lockedCash < 0 {
			p.lockedCash = 0
		}
		return
	}
	base := BaseAsset(o.Symbol)
	p.lockedBase[base] -= o.RequestedQty
	if p.lockedBase[base] <= 0 {
		delete(p.lockedBase, base)
	}
}

// restingPrice is the price a resting order reserves funds at.
func restingPrice(o Order) float64 {
	if o.RequestedPrice > 0 {
		return o.RequestedPrice
	}
	return o.StopPrice
}

// touchPrice is the immediate execution price for a side: buys lift the ask,
// sells hit the bid, with last as the fallback.
func touchPrice(t Ticker, side Side) float64 {
	if side == SideBuy {
		if t.Ask > 0 {
			return t.Ask
		}
	} else if t.Bid > 0 {
		return t.Bid
	}
	return t.Last
}

// marketable reports whether a limit order crosses the current touch.
func marketable(side Side, limit float64, t Ticker) bool {
	if side == SideBuy {
		return t.Ask > 0 && limit >= t.Ask
	}
	return t.Bid > 0 && limit <= t.Bid
}
