// Package orders turns approved signals into broker orders exactly once per
// idempotency key and routes every fill back into inventory, the position
// lifecycle, the journal and the event bus. The manager is the single writer
// through the execution sequence; other components read.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/fault"
	"spot-trading-engine/internal/inventory"
	"spot-trading-engine/internal/market"
	"spot-trading-engine/internal/metrics"
	"spot-trading-engine/internal/orderstate"
	"spot-trading-engine/internal/position"
	"spot-trading-engine/internal/retry"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/strategy"
)

// SubmitRequest is one signal with the context the decision needs.
type SubmitRequest struct {
	Symbol         string
	Signal         strategy.Signal
	Ticker         exchange.Ticker
	Features       market.Features
	Account        risk.AccountView
	IdempotencyKey string
}

// Sizing bounds how much a single buy may deploy.
type Sizing struct {
	MaxPositionUsd float64
	DeployPercent  float64
	MinNotionalUsd float64
}

func SizingFromConfig(cfg *config.Config) Sizing {
	return Sizing{
		MaxPositionUsd: cfg.Risk.MaxPositionUsd,
		DeployPercent:  cfg.Risk.DeployPercent,
		MinNotionalUsd: cfg.Gatekeeper.MinNotionalUsd,
	}
}

// Deps are the collaborators the manager writes through.
type Deps struct {
	Broker    exchange.Adapter
	Retry     *retry.Executor
	Risk      *risk.Engine
	Inventory *inventory.Manager
	Orders    *orderstate.Store
	Positions *position.Machine
	Trailing  *risk.TrailingStopManager
	Repo      *database.Repository
	Bus       *events.Bus
	Metrics   *metrics.Registry
}

// legMeta carries submit-time context to the fill, which may land later via
// the reconciler. reservedQty is what place() locked for a sell.
type legMeta struct {
	leg         string // "entry" or "exit"
	refPrice    float64
	confidence  float64
	reason      string
	decision    string
	reservedQty float64
	entryState  position.State // lifecycle state before the submit
}

type Manager struct {
	log zerolog.Logger
	reg *metrics.Registry
	bus *events.Bus

	broker    exchange.Adapter
	exec      *retry.Executor
	risk      *risk.Engine
	inv       *inventory.Manager
	store     *orderstate.Store
	positions *position.Machine
	trailing  *risk.TrailingStopManager
	repo      *database.Repository

	mu          sync.Mutex
	sizing      Sizing
	blocked     bool
	blockReason string
	pending     map[string]legMeta // clientOrderID -> submit context
}

func NewManager(sizing Sizing, deps Deps, log zerolog.Logger) *Manager {
	return &Manager{
		log:       log.With().Str("component", "orders").Logger(),
		reg:       deps.Metrics,
		bus:       deps.Bus,
		broker:    deps.Broker,
		exec:      deps.Retry,
		risk:      deps.Risk,
		inv:       deps.Inventory,
		store:     deps.Orders,
		positions: deps.Positions,
		trailing:  deps.Trailing,
		repo:      deps.Repo,
		sizing:    sizing,
		pending:   make(map[string]legMeta),
	}
}

// Block stops SubmitSignal until Unblock. Degraded startup and the operator
// pause hook set it; reads and reconciliation keep running.
func (m *Manager) Block(reason string) {
	m.mu.Lock()
	m.blocked = true
	m.blockReason = reason
	m.mu.Unlock()
	m.log.Warn().Str("reason", reason).Msg("trading blocked")
}

func (m *Manager) Unblock() {
	m.mu.Lock()
	m.blocked = false
	m.blockReason = ""
	m.mu.Unlock()
	m.log.Info().Msg("trading unblocked")
}

func (m *Manager) TradingBlocked() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked, m.blockReason
}

// SetSizing swaps the sizing limits. Used by the runtime config hook.
func (m *Manager) SetSizing(s Sizing) {
	m.mu.Lock()
	m.sizing = s
	m.mu.Unlock()
}

func (m *Manager) currentSizing() Sizing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizing
}

// SubmitSignal runs the execution sequence for one signal: idempotency
// lookup, sizing, risk pipeline, placement, fill accounting. HOLD and
// risk-blocked signals return (nil, nil); the risk engine logs its own
// verdicts. A runtime trading block surfaces as a DomainBlocked fault.
func (m *Manager) SubmitSignal(ctx context.Context, req SubmitRequest) (*exchange.Order, error) {
	const op = "orders.submit"

	if req.Signal.Action == strategy.ActionHold {
		return nil, nil
	}
	if blocked, reason := m.TradingBlocked(); blocked {
		return nil, fault.Newf(fault.DomainBlocked, op, "trading blocked: %s", reason)
	}

	if req.IdempotencyKey != "" {
		if existing, ok := m.store.GetByClientOrderID(req.IdempotencyKey); ok {
			m.reg.Inc("orders.idempotent_hit")
			m.log.Info().
				Str("client_order_id", req.IdempotencyKey).
				Str("order_id", existing.OrderID).
				Msg("idempotent replay, returning existing order")
			return &existing, nil
		}
	}

	if req.Ticker.Last <= 0 {
		return nil, fault.Newf(fault.Fatal, op, "no usable price for %s", req.Symbol)
	}

	qty := m.proposeQty(req)
	dec := m.risk.Evaluate(ctx, risk.Inputs{
		Symbol:   req.Symbol,
		Signal:   req.Signal,
		Ticker:   req.Ticker,
		Features: req.Features,
		Quantity: qty,
		Account:  req.Account,
	})
	if !dec.Allowed {
		return nil, nil
	}

	clientID := req.IdempotencyKey
	if clientID == "" {
		clientID = uuid.NewString()
	}

	side := exchange.SideBuy
	leg := "entry"
	if req.Signal.Action == strategy.ActionSell {
		side = exchange.SideSell
		leg = "exit"
	}

	return m.place(ctx, exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          side,
		Type:          exchange.OrderMarket,
		Quantity:      dec.Quantity,
		ClientOrderID: clientID,
	}, legMeta{
		leg:        leg,
		refPrice:   touchPrice(req.Ticker, side),
		confidence: req.Signal.Confidence,
		reason:     req.Signal.Reason,
		decision:   "allowed",
	})
}

// proposeQty sizes the order before the risk pipeline sees it. Buys deploy
// min(maxPositionUsd, deployPercent*cash); sells offer the whole clamped
// holding and let the engine's inventory gate veto or shrink it.
func (m *Manager) proposeQty(req SubmitRequest) float64 {
	s := m.currentSizing()
	if req.Signal.Action == strategy.ActionSell {
		return m.inv.ClampSellQty(req.Symbol, m.inv.AvailableQty(req.Symbol))
	}
	notional := s.DeployPercent * m.inv.Cash()
	if notional > s.MaxPositionUsd {
		notional = s.MaxPositionUsd
	}
	return notional / req.Ticker.Last
}

// ClosePosition market-sells the whole clamped holding. It is an operator
// command, not a signal: risk gates do not apply because the order strictly
// reduces exposure, and it works even after a kill-switch trip.
func (m *Manager) ClosePosition(ctx context.Context, symbol string) (*exchange.Order, error) {
	const op = "orders.close_position"

	qty := m.inv.ClampSellQty(symbol, m.inv.AvailableQty(symbol))
	if qty <= 0 {
		return nil, fault.Newf(fault.Fatal, op, "nothing to sell for %s", symbol)
	}

	refPrice := 0.0
	if t, err := m.broker.GetTicker(ctx, symbol); err == nil {
		refPrice = t.Bid
	}

	return m.place(ctx, exchange.OrderRequest{
		Symbol:        symbol,
		Side:          exchange.SideSell,
		Type:          exchange.OrderMarket,
		Quantity:      qty,
		ClientOrderID: uuid.NewString(),
	}, legMeta{
		leg:      "exit",
		refPrice: refPrice,
		reason:   "operator close",
		decision: "bypass:operator",
	})
}

// place is the single broker path. The clientOrderId index is claimed and,
// for sells, inventory reserved before the call, so a concurrent retry with
// the same key observes the first placement instead of racing it.
func (m *Manager) place(ctx context.Context, req exchange.OrderRequest, meta legMeta) (*exchange.Order, error) {
	const op = "orders.place"

	if !m.store.ReserveClientID(req.ClientOrderID) {
		if existing, ok := m.store.GetByClientOrderID(req.ClientOrderID); ok {
			m.reg.Inc("orders.idempotent_hit")
			return &existing, nil
		}
		return nil, fault.Newf(fault.DomainBlocked, op, "placement for %s already in flight", req.ClientOrderID)
	}

	if req.Side == exchange.SideSell {
		if err := m.inv.Reserve(req.Symbol, req.Quantity, req.ClientOrderID); err != nil {
			m.store.ReleaseClientID(req.ClientOrderID)
			return nil, err
		}
		meta.reservedQty = req.Quantity
	}

	// Entries show up in the lifecycle before the broker call so a crash
	// mid-flight is visible at next boot. Add-on buys to a live position
	// skip this edge; the fill updates quantity in place.
	if meta.leg == "entry" {
		cur, active := m.positions.GetBySymbol(req.Symbol)
		if active {
			meta.entryState = cur.State
		} else {
			if _, err := m.positions.Transition(ctx, req.Symbol, position.StatePendingEntry, position.Update{
				Quantity:   req.Quantity,
				EntryPrice: meta.refPrice,
			}); err != nil {
				m.store.ReleaseClientID(req.ClientOrderID)
				return nil, err
			}
			meta.entryState = position.StatePendingEntry
		}
	}

	m.rememberMeta(req.ClientOrderID, meta)

	order, err := retry.Do(m.exec, ctx, "place_order", func(ctx context.Context) (exchange.Order, error) {
		return m.broker.PlaceOrder(ctx, req)
	})
	if err != nil {
		m.reg.Inc("orders.rejected")
		m.unwindFailedPlacement(ctx, req, meta)
		return nil, err
	}

	m.reg.Inc("orders.submitted")
	m.log.Info().
		Str("order_id", order.OrderID).
		Str("client_order_id", order.ClientOrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("qty", order.RequestedQty).
		Str("status", string(order.Status)).
		Msg("order submitted")

	switch {
	case order.Status == exchange.StatusFilled:
		if err := m.bookFill(ctx, order); err != nil {
			return &order, err
		}
	case order.Status.Terminal():
		// Broker accepted then killed it (self-trade guard, halted market).
		m.applyTerminal(ctx, order)
	default:
		// Resting. The position stays in managing until the exit actually
		// fills: the lifecycle has no edge back out of pending_exit, so a
		// canceled exit must not have moved it.
		if err := m.store.Upsert(ctx, order); err != nil {
			m.log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist resting order")
		}
	}

	return &order, nil
}

func (m *Manager) unwindFailedPlacement(ctx context.Context, req exchange.OrderRequest, meta legMeta) {
	m.forgetMeta(req.ClientOrderID)
	m.store.ReleaseClientID(req.ClientOrderID)

	if meta.reservedQty > 0 {
		if err := m.inv.ReleaseReservation(req.Symbol, meta.reservedQty, req.ClientOrderID); err != nil {
			m.log.Error().Err(err).Str("symbol", req.Symbol).Msg("failed to release reservation after rejected placement")
		}
	}
	if meta.leg == "entry" && meta.entryState == position.StatePendingEntry {
		m.transitionIf(ctx, req.Symbol, position.StatePendingEntry, position.StateFlat, position.Update{})
	}
}

// ApplyOrderUpdate ingests an authoritative order observed outside the
// submit path (reconciler, cancel flows). Fills are booked idempotently.
func (m *Manager) ApplyOrderUpdate(ctx context.Context, order exchange.Order) error {
	switch {
	case order.Status == exchange.StatusFilled:
		return m.bookFill(ctx, order)
	case order.Status.Terminal():
		m.applyTerminal(ctx, order)
		return nil
	default:
		return m.store.Upsert(ctx, order)
	}
}

// bookFill applies a filled order exactly once: inventory, journal, position
// lifecycle, events, then the order store. The stored status and the journal
// are the dedup guards, so a fill seen by both the submit path and the
// reconciler is booked a single time.
func (m *Manager) bookFill(ctx context.Context, order exchange.Order) error {
	const op = "orders.book_fill"

	if prev, ok := m.store.GetByOrderID(order.OrderID); ok && prev.Status == exchange.StatusFilled {
		return nil
	}
	if legs, err := m.repo.JournalForOrder(ctx, order.OrderID); err == nil && len(legs) > 0 {
		return m.store.Upsert(ctx, order)
	}

	fillPrice := order.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = order.RequestedPrice
	}

	res, err := m.inv.ConfirmFill(order, fillPrice, order.FeesUsd)
	if err != nil {
		m.bus.PublishAlert(events.LevelCritical, "Fill accounting failed",
			fmt.Sprintf("order %s: %v", order.OrderID, err),
			map[string]string{"symbol": order.Symbol, "order_id": order.OrderID})
		return fault.Wrap(fault.Invariant, op, err)
	}

	meta, hadMeta := m.takeMeta(order.ClientOrderID)
	if !hadMeta {
		meta.leg = "entry"
		if order.Side == exchange.SideSell {
			meta.leg = "exit"
		}
		meta.decision = "reconciled"
	}

	m.appendJournalLeg(ctx, order, meta, fillPrice, res.RealizedPnlUsd)
	m.advanceLifecycle(ctx, order, meta, fillPrice)

	m.reg.Inc("orders.filled")
	m.bus.PublishTrade(order.OrderID, order.Symbol, string(order.Side),
		order.FilledQty, fillPrice, order.FeesUsd, res.RealizedPnlUsd)
	m.bus.Positions.Publish(m.inv.Positions(map[string]float64{order.Symbol: fillPrice}))

	return m.store.Upsert(ctx, order)
}

func (m *Manager) appendJournalLeg(ctx context.Context, order exchange.Order, meta legMeta, fillPrice, realized float64) {
	slippage := 0.0
	if meta.refPrice > 0 {
		slippage = (fillPrice - meta.refPrice) / meta.refPrice * 10000
	}
	holdingMs := int64(0)
	if meta.leg == "exit" {
		if pos, ok := m.positions.GetBySymbol(order.Symbol); ok && !pos.EntryTime.IsZero() {
			holdingMs = time.Since(pos.EntryTime).Milliseconds()
		}
	}

	entry := database.JournalEntry{
		ID:                uuid.NewString(),
		OrderID:           order.OrderID,
		ClientOrderID:     order.ClientOrderID,
		Symbol:            order.Symbol,
		Side:              string(order.Side),
		Leg:               meta.leg,
		RequestedPrice:    meta.refPrice,
		FilledPrice:       fillPrice,
		SlippageBps:       slippage,
		Quantity:          order.FilledQty,
		NotionalUsd:       order.FilledQty * fillPrice,
		CommissionUsd:     order.FeesUsd,
		Confidence:        meta.confidence,
		Reason:            meta.reason,
		RiskDecision:      meta.decision,
		RealizedPnlUsd:    realized,
		HoldingDurationMs: holdingMs,
		CreatedAt:         time.Now().UTC(),
	}
	if err := m.repo.AppendJournal(ctx, entry); err != nil {
		// The fill reconciler will flag this fill as orphaned.
		m.log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to append journal leg")
	}
}

// advanceLifecycle drives the position machine for one fill.
func (m *Manager) advanceLifecycle(ctx context.Context, order exchange.Order, meta legMeta, fillPrice float64) {
	sym := order.Symbol

	if order.Side == exchange.SideBuy {
		cur, ok := m.positions.GetBySymbol(sym)
		if ok && cur.State == position.StateManaging {
			// Add-on buy: fold into the live position.
			m.transitionIf(ctx, sym, position.StateManaging, position.StateManaging, position.Update{
				Quantity:   m.inv.TotalQty(sym),
				EntryPrice: m.inv.AvgEntryPrice(sym),
			})
			return
		}
		m.transitionIf(ctx, sym, position.StatePendingEntry, position.StateFilled, position.Update{
			Quantity:   order.FilledQty,
			EntryPrice: fillPrice,
		})
		m.transitionIf(ctx, sym, position.StateFilled, position.StateManaging, position.Update{})
		m.trailing.OpenPosition(sym, fillPrice)
		return
	}

	remaining := m.inv.TotalQty(sym)
	if remaining > 0 {
		// Partial exit: the position stays live with the reduced quantity.
		m.transitionIf(ctx, sym, position.StateManaging, position.StateManaging, position.Update{Quantity: remaining})
		return
	}
	m.transitionIf(ctx, sym, position.StateManaging, position.StatePendingExit, position.Update{})
	m.transitionIf(ctx, sym, position.StatePendingExit, position.StateExited, position.Update{})
	m.trailing.Remove(sym)
}

// applyTerminal handles canceled and rejected orders: books any partial
// fill, releases the unconsumed reservation, rolls an unfilled entry back to
// flat, and persists the terminal status.
func (m *Manager) applyTerminal(ctx context.Context, order exchange.Order) {
	// Take the meta once; bookFill consumes it too, so hand it back for the
	// partial-fill booking and keep a copy for the reservation math.
	meta, hadMeta := m.takeMeta(order.ClientOrderID)

	if order.FilledQty > 0 {
		if hadMeta {
			m.rememberMeta(order.ClientOrderID, meta)
		}
		filled := order
		filled.Status = exchange.StatusFilled
		if err := m.bookFill(ctx, filled); err != nil {
			m.log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to book partial fill on terminal order")
		}
	}

	if hadMeta && meta.reservedQty > 0 {
		leftover := meta.reservedQty - order.FilledQty
		if leftover > 0 {
			if err := m.inv.ReleaseReservation(order.Symbol, leftover, order.ClientOrderID); err != nil {
				m.log.Error().Err(err).Str("symbol", order.Symbol).Msg("failed to release reservation on terminal order")
			}
		}
	}
	if hadMeta && meta.leg == "entry" && order.FilledQty <= 0 {
		m.transitionIf(ctx, order.Symbol, position.StatePendingEntry, position.StateFlat, position.Update{})
	}

	m.reg.Inc("orders.canceled")
	if err := m.store.Upsert(ctx, order); err != nil {
		m.log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist terminal order")
	}
}

// CancelAll cancels every local open order, optionally narrowed to one
// symbol. Returns how many cancels the broker accepted.
func (m *Manager) CancelAll(ctx context.Context, symbol string) (int, error) {
	open := m.store.GetOpenOrders(symbol)
	canceled := 0
	var lastErr error

	for _, o := range open {
		err := m.exec.Execute(ctx, "cancel_order", func(ctx context.Context) error {
			return m.broker.CancelOrder(ctx, o.OrderID)
		})
		if err != nil {
			m.log.Error().Err(err).Str("order_id", o.OrderID).Msg("cancel failed")
			lastErr = err
			continue
		}
		canceled++

		authoritative, err := retry.Do(m.exec, ctx, "get_order", func(ctx context.Context) (exchange.Order, error) {
			return m.broker.GetOrder(ctx, o.OrderID)
		})
		if err != nil {
			authoritative = o
			authoritative.Status = exchange.StatusCanceled
			authoritative.UpdatedAt = time.Now().UTC()
		}
		if err := m.ApplyOrderUpdate(ctx, authoritative); err != nil {
			m.log.Error().Err(err).Str("order_id", o.OrderID).Msg("failed to apply canceled order")
		}
	}

	m.log.Info().Int("canceled", canceled).Int("open", len(open)).Str("symbol", symbol).Msg("cancel sweep finished")
	return canceled, lastErr
}

// transitionIf performs a lifecycle edge only when the position currently
// sits in from. Off-graph observations (fills for positions the machine
// never tracked) are logged, not fatal.
func (m *Manager) transitionIf(ctx context.Context, symbol string, from, to position.State, upd position.Update) {
	cur, ok := m.positions.GetBySymbol(symbol)
	if !ok || cur.State != from {
		m.log.Debug().
			Str("symbol", symbol).
			Str("want_from", string(from)).
			Str("state", string(cur.State)).
			Msg("lifecycle edge skipped")
		return
	}
	if _, err := m.positions.Transition(ctx, symbol, to, upd); err != nil {
		m.log.Error().Err(err).
			Str("symbol", symbol).
			Str("to", string(to)).
			Msg("lifecycle transition failed")
	}
}

func (m *Manager) rememberMeta(clientID string, meta legMeta) {
	m.mu.Lock()
	m.pending[clientID] = meta
	m.mu.Unlock()
}

func (m *Manager) takeMeta(clientID string) (legMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.pending[clientID]
	if ok {
		delete(m.pending, clientID)
	}
	return meta, ok
}

func (m *Manager) forgetMeta(clientID string) {
	m.mu.Lock()
	delete(m.pending, clientID)
	m.mu.Unlock()
}

// touchPrice is the submit-time reference for slippage: the side of the book
// a market order crosses.
func touchPrice(t exchange.Ticker, side exchange.Side) float64 {
	if side == exchange.SideBuy && t.Ask > 0 {
		return t.Ask
	}
	if side == exchange.SideSell && t.Bid > 0 {
		return t.Bid
	}
	return t.Last
}
