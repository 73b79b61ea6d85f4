// Package inventory is the authoritative view of cash and per-symbol base
// asset holdings. Every quantity is split into available and reserved; sells
// reserve before they reach the broker and release on fill, cancel, or
// resync. The exchange is the source of truth: hydration and resync adopt
// its figures wholesale.
package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/fault"
	"spot-trading-engine/internal/metrics"
)

// dustEpsilon is the holding size below which a position is considered gone.
const dustEpsilon = 1e-12

// resyncEpsilon is the tolerated drift between local and exchange figures
// before a resync overwrites local state.
const resyncEpsilon = 1e-6

// SellCheck reports whether a sell of a given size can be honored.
type SellCheck struct {
	Allowed      bool
	Reason       string
	AvailableQty float64
}

// Diff records one divergence found during resync.
type Diff struct {
	Field    string // "cash" or a symbol
	Local    float64
	Exchange float64
}

func (d Diff) String() string {
	return fmt.Sprintf("%s local=%.8f exchange=%.8f", d.Field, d.Local, d.Exchange)
}

// FillResult summarizes the cash and P&L effect of a confirmed fill.
type FillResult struct {
	CashDelta      float64
	RealizedPnlUsd float64 // non-zero only on sells with a known entry price
}

// Manager tracks cash and holdings for the configured symbols. All methods
// are safe for concurrent use; mutations are serialized by a single mutex.
type Manager struct {
	log     zerolog.Logger
	metrics *metrics.Registry
	dust    float64

	mu            sync.Mutex
	cash          float64
	available     map[string]float64
	reserved      map[string]float64
	avgEntry      map[string]float64
	realizedTotal float64
	realizedDay   float64
	dayStart      time.Time
	lastSync      time.Time

	now func() time.Time
}

// NewManager returns an empty manager. dustBuffer is subtracted from every
// sellable quantity so the engine never submits amounts the exchange rejects
// as dust.
func NewManager(dustBuffer float64, log zerolog.Logger, reg *metrics.Registry) *Manager {
	now := time.Now
	return &Manager{
		log:       log.With().Str("component", "inventory").Logger(),
		metrics:   reg,
		dust:      dustBuffer,
		available: make(map[string]float64),
		reserved:  make(map[string]float64),
		avgEntry:  make(map[string]float64),
		dayStart:  now().UTC().Truncate(24 * time.Hour),
		now:       now,
	}
}

// HydrateFromExchange seeds the book from exchange balances and open orders.
// Free balance becomes available, locked becomes reserved, and the remaining
// quantity of each open sell is imported into reserved. available + reserved
// always equals the exchange-reported total.
func (m *Manager) HydrateFromExchange(ctx context.Context, adapter exchange.Adapter, symbols []string) error {
	const op = "inventory.hydrate"

	balances, err := adapter.GetBalances(ctx)
	if err != nil {
		return fault.Wrap(fault.Degraded, op, err)
	}
	openOrders, err := adapter.ListOpenOrders(ctx, "")
	if err != nil {
		return fault.Wrap(fault.Degraded, op, err)
	}

	byAsset := make(map[string]exchange.Balance, len(balances))
	for _, b := range balances {
		byAsset[b.Asset] = b
	}

	sellRemaining := make(map[string]float64)
	for _, o := range openOrders {
		if o.Side == exchange.SideSell && !o.Status.Terminal() {
			sellRemaining[o.Symbol] += o.RemainingQty()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cash = 0
	quoteSeen := make(map[string]bool)
	for _, sym := range symbols {
		quote := exchange.QuoteAsset(sym)
		if !quoteSeen[quote] {
			quoteSeen[quote] = true
			m.cash += byAsset[quote].Free
		}

		b := byAsset[exchange.BaseAsset(sym)]
		m.available[sym] = b.Free
		m.reserved[sym] = b.Locked

		// Locked balance normally covers open sells; when the adapter
		// reports them only as free, shift the shortfall over.
		if short := sellRemaining[sym] - m.reserved[sym]; short > resyncEpsilon {
			move := short
			if move > m.available[sym] {
				move = m.available[sym]
				m.log.Warn().Str("symbol", sym).
					Float64("open_sell_qty", sellRemaining[sym]).
					Float64("total", m.available[sym]+m.reserved[sym]).
					Msg("open sells exceed reported holdings")
			}
			m.available[sym] -= move
			m.reserved[sym] += move
		}
	}
	m.pruneDustLocked()
	m.lastSync = m.now()

	m.log.Info().
		Float64("cash_usd", m.cash).
		Int("symbols", len(symbols)).
		Int("open_sells", len(sellRemaining)).
		Msg("inventory hydrated from exchange")
	return nil
}

// CanSell reports whether qty of symbol can be sold right now. The dust
// buffer is held back, so a request equal to the full available quantity
// fails by design of the buffer.
func (m *Manager) CanSell(symbol string, qty float64) SellCheck {
	m.mu.Lock()
	defer m.mu.Unlock()

	avail := m.available[symbol]
	sellable := avail - m.dust
	if sellable < qty {
		return SellCheck{
			Allowed:      false,
			Reason:       fmt.Sprintf("insufficient %s: available %.8f (dust buffer %.8f), requested %.8f", symbol, avail, m.dust, qty),
			AvailableQty: avail,
		}
	}
	return SellCheck{Allowed: true, AvailableQty: avail}
}

// ClampSellQty returns the largest sellable quantity not exceeding desired.
func (m *Manager) ClampSellQty(symbol string, desired float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	sellable := m.available[symbol] - m.dust
	if sellable <= 0 {
		return 0
	}
	if desired < sellable {
		return desired
	}
	return sellable
}

// Reserve moves qty from available to reserved ahead of a sell submission.
func (m *Manager) Reserve(symbol string, qty float64, orderID string) error {
	const op = "inventory.reserve"
	if qty <= 0 {
		return fault.Newf(fault.Invariant, op, "non-positive quantity %.8f for %s", qty, symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.available[symbol] < qty {
		return fault.Newf(fault.Invariant, op, "insufficient available %s: have %.8f, reserve %.8f (order %s)",
			symbol, m.available[symbol], qty, orderID)
	}
	m.available[symbol] -= qty
	m.reserved[symbol] += qty
	m.log.Debug().Str("symbol", symbol).Float64("qty", qty).Str("order_id", orderID).Msg("reserved for sell")
	return nil
}

// ReleaseReservation returns qty from reserved to available after a cancel
// or reject. Releasing more than is reserved clamps and warns; the books
// never go negative.
func (m *Manager) ReleaseReservation(symbol string, qty float64, orderID string) error {
	const op = "inventory.release"
	if qty <= 0 {
		return fault.Newf(fault.Invariant, op, "non-positive quantity %.8f for %s", qty, symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if qty > m.reserved[symbol] {
		m.log.Warn().Str("symbol", symbol).
			Float64("reserved", m.reserved[symbol]).
			Float64("release", qty).
			Str("order_id", orderID).
			Msg("release exceeds reservation, clamping")
		qty = m.reserved[symbol]
	}
	m.reserved[symbol] -= qty
	m.available[symbol] += qty
	return nil
}

// ConfirmFill applies a filled order to the books. Sells consume the
// reservation (falling back to available when over-sold) and credit
// proceeds net of fees; buys add to available, debit cash including fees,
// and re-weight the average entry price.
func (m *Manager) ConfirmFill(order exchange.Order, fillPrice, fees float64) (FillResult, error) {
	const op = "inventory.confirm_fill"
	qty := order.FilledQty
	if qty <= 0 {
		return FillResult{}, fault.Newf(fault.Invariant, op, "order %s confirmed with no filled quantity", order.OrderID)
	}
	if fillPrice <= 0 {
		return FillResult{}, fault.Newf(fault.Invariant, op, "order %s confirmed with fill price %.8f", order.OrderID, fillPrice)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()

	sym := order.Symbol
	var res FillResult

	switch order.Side {
	case exchange.SideSell:
		fromReserved := qty
		if fromReserved > m.reserved[sym] {
			fromReserved = m.reserved[sym]
		}
		m.reserved[sym] -= fromReserved
		if leftover := qty - fromReserved; leftover > 0 {
			m.log.Warn().Str("symbol", sym).
				Float64("qty", qty).
				Float64("reserved", fromReserved).
				Str("order_id", order.OrderID).
				Msg("sell exceeded reservation, drawing from available")
			if leftover > m.available[sym] {
				leftover = m.available[sym]
			}
			m.available[sym] -= leftover
		}

		res.CashDelta = qty*fillPrice - fees
		m.cash += res.CashDelta
		if entry := m.avgEntry[sym]; entry > 0 {
			res.RealizedPnlUsd = (fillPrice-entry)*qty - fees
		} else {
			res.RealizedPnlUsd = -fees
		}
		m.realizedTotal += res.RealizedPnlUsd
		m.realizedDay += res.RealizedPnlUsd

	case exchange.SideBuy:
		prevQty := m.available[sym] + m.reserved[sym]
		m.available[sym] += qty

		res.CashDelta = -(qty*fillPrice + fees)
		m.cash += res.CashDelta
		if m.cash < 0 {
			m.log.Warn().Float64("cash_usd", m.cash).Str("order_id", order.OrderID).Msg("cash went negative on buy fill")
		}

		// Size-weighted entry over buys only; sells leave it untouched.
		total := prevQty + qty
		m.avgEntry[sym] = (m.avgEntry[sym]*prevQty + fillPrice*qty) / total

	default:
		return FillResult{}, fault.Newf(fault.Invariant, op, "order %s has unknown side %q", order.OrderID, order.Side)
	}

	m.pruneDustLocked()
	m.log.Info().
		Str("symbol", sym).
		Str("side", string(order.Side)).
		Float64("qty", qty).
		Float64("price", fillPrice).
		Float64("fees_usd", fees).
		Float64("realized_pnl_usd", res.RealizedPnlUsd).
		Float64("cash_usd", m.cash).
		Msg("fill confirmed")
	return res, nil
}

// Resync re-pulls balances and, where local figures drift beyond epsilon,
// adopts the exchange's numbers. The returned diffs feed alerting.
func (m *Manager) Resync(ctx context.Context, adapter exchange.Adapter, symbols []string) ([]Diff, error) {
	const op = "inventory.resync"

	balances, err := adapter.GetBalances(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Degraded, op, err)
	}
	byAsset := make(map[string]exchange.Balance, len(balances))
	for _, b := range balances {
		byAsset[b.Asset] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var diffs []Diff

	exchCash := 0.0
	quoteSeen := make(map[string]bool)
	for _, sym := range symbols {
		quote := exchange.QuoteAsset(sym)
		if !quoteSeen[quote] {
			quoteSeen[quote] = true
			exchCash += byAsset[quote].Free
		}
	}
	if abs(exchCash-m.cash) > resyncEpsilon {
		diffs = append(diffs, Diff{Field: "cash", Local: m.cash, Exchange: exchCash})
		m.cash = exchCash
	}

	for _, sym := range symbols {
		b := byAsset[exchange.BaseAsset(sym)]
		localTotal := m.available[sym] + m.reserved[sym]
		exchTotal := b.Total()
		if abs(exchTotal-localTotal) > resyncEpsilon {
			diffs = append(diffs, Diff{Field: sym, Local: localTotal, Exchange: exchTotal})
			m.available[sym] = b.Free
			m.reserved[sym] = b.Locked
		}
	}
	m.pruneDustLocked()
	m.lastSync = m.now()

	if len(diffs) > 0 {
		if m.metrics != nil {
			m.metrics.Add("inventory.resync_diffs", float64(len(diffs)))
		}
		for _, d := range diffs {
			m.log.Warn().
				Str("field", d.Field).
				Float64("local", d.Local).
				Float64("exchange", d.Exchange).
				Msg("inventory drift corrected from exchange")
		}
	}
	return diffs, nil
}

// SeedEntryPrice restores a known average entry price after a restart, so
// realized P&L on the next exit is computed against the true basis.
func (m *Manager) SeedEntryPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avgEntry[symbol] = price
}

// SetCash overwrites the cash balance. Paper bootstrapping only.
func (m *Manager) SetCash(cash float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cash = cash
}

// Cash returns the quote currency balance in USD.
func (m *Manager) Cash() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// AvailableQty returns the unreserved holding for symbol.
func (m *Manager) AvailableQty(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[symbol]
}

// ReservedQty returns the reserved holding for symbol.
func (m *Manager) ReservedQty(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved[symbol]
}

// TotalQty returns available + reserved for symbol.
func (m *Manager) TotalQty(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[symbol] + m.reserved[symbol]
}

// AvgEntryPrice returns the size-weighted entry price, zero when unknown.
func (m *Manager) AvgEntryPrice(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgEntry[symbol]
}

// RealizedPnlToday returns realized P&L accumulated since UTC midnight.
func (m *Manager) RealizedPnlToday() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.realizedDay
}

// RealizedPnlTotal returns realized P&L accumulated since process start.
func (m *Manager) RealizedPnlTotal() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realizedTotal
}

// LastSync returns when the book last matched the exchange.
func (m *Manager) LastSync() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// Positions builds the positions channel payload from current holdings and
// the supplied market prices. Symbols without a price are valued at entry.
func (m *Manager) Positions(prices map[string]float64) events.PositionsPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload := events.PositionsPayload{CashUsd: m.cash, TotalEquityUsd: m.cash}
	for sym := range m.available {
		qty := m.available[sym] + m.reserved[sym]
		if qty < dustEpsilon {
			continue
		}
		entry := m.avgEntry[sym]
		price := prices[sym]
		if price <= 0 {
			price = entry
		}
		view := events.PositionView{
			Symbol:        sym,
			Quantity:      qty,
			AvgEntryPrice: entry,
			MarketPrice:   price,
			ValueUsd:      qty * price,
		}
		if entry > 0 && price > 0 {
			view.UnrealizedPnlUsd = (price - entry) * qty
			view.UnrealizedPnlPct = (price - entry) / entry * 100
		}
		payload.Positions = append(payload.Positions, view)
		payload.TotalEquityUsd += view.ValueUsd
	}
	return payload
}

// pruneDustLocked drops symbols whose total holding fell below the dust
// epsilon. Entry prices for gone positions are discarded with them.
func (m *Manager) pruneDustLocked() {
	for sym := range m.available {
		if m.available[sym]+m.reserved[sym] < dustEpsilon {
			delete(m.available, sym)
			delete(m.reserved, sym)
			delete(m.avgEntry, sym)
		}
	}
}

func (m *Manager) rollDayLocked() {
	day := m.now().UTC().Truncate(24 * time.Hour)
	if day.After(m.dayStart) {
		m.dayStart = day
		m.realizedDay = 0
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
