// Package reconcile keeps local state honest against the exchange. The order
// reconciler resolves local open orders the exchange no longer lists; the
// fill reconciler cross-checks the journal against the exchange's fill log
// and reseats inventory when they disagree.
package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/fault"
	"spot-trading-engine/internal/metrics"
	"spot-trading-engine/internal/orderstate"
	"spot-trading-engine/internal/retry"
)

// OrderApplier ingests an authoritative order observed on the exchange. The
// order manager implements it; fills are booked idempotently there.
type OrderApplier interface {
	ApplyOrderUpdate(ctx context.Context, order exchange.Order) error
}

// OrderReconciler runs the per-tick open-order sweep: any order we consider
// open that the exchange no longer lists gets fetched and applied, so fills
// and cancels that bypassed the submit path still land.
type OrderReconciler struct {
	broker  exchange.Adapter
	exec    *retry.Executor
	store   *orderstate.Store
	applier OrderApplier
	symbols []string
	log     zerolog.Logger
	reg     *metrics.Registry
}

func NewOrderReconciler(broker exchange.Adapter, exec *retry.Executor, store *orderstate.Store,
	applier OrderApplier, symbols []string, log zerolog.Logger, reg *metrics.Registry) *OrderReconciler {
	return &OrderReconciler{
		broker:  broker,
		exec:    exec,
		store:   store,
		applier: applier,
		symbols: symbols,
		log:     log.With().Str("component", "order_reconciler").Logger(),
		reg:     reg,
	}
}

// Run reconciles every configured symbol. Symbols fail independently; the
// last error is returned so the scheduler records the failure.
func (r *OrderReconciler) Run(ctx context.Context) error {
	var lastErr error
	for _, sym := range r.symbols {
		if err := r.reconcileSymbol(ctx, sym); err != nil {
			r.log.Warn().Err(err).Str("symbol", sym).Msg("open-order reconcile failed")
			lastErr = err
		}
	}
	return lastErr
}

func (r *OrderReconciler) reconcileSymbol(ctx context.Context, symbol string) error {
	const op = "reconcile.orders"

	local := r.store.GetOpenOrders(symbol)
	if len(local) == 0 {
		return nil
	}

	remote, err := retry.Do(r.exec, ctx, "list_open_orders", func(ctx context.Context) ([]exchange.Order, error) {
		return r.broker.ListOpenOrders(ctx, symbol)
	})
	if err != nil {
		return fault.Wrap(fault.Degraded, op, err)
	}

	stillOpen := make(map[string]bool, len(remote))
	for _, o := range remote {
		stillOpen[o.OrderID] = true
	}

	resolved := 0
	for _, o := range local {
		if stillOpen[o.OrderID] {
			continue
		}
		authoritative, err := retry.Do(r.exec, ctx, "get_order", func(ctx context.Context) (exchange.Order, error) {
			return r.broker.GetOrder(ctx, o.OrderID)
		})
		if err != nil {
			// Listing races can briefly hide an order; try again next tick.
			r.log.Warn().Err(err).Str("order_id", o.OrderID).Msg("could not fetch vanished order")
			continue
		}
		if err := r.applier.ApplyOrderUpdate(ctx, authoritative); err != nil {
			r.log.Error().Err(err).Str("order_id", o.OrderID).Msg("failed to apply reconciled order")
			continue
		}
		resolved++
		r.reg.Inc("reconcile.orders_resolved")
		r.log.Info().
			Str("order_id", authoritative.OrderID).
			Str("symbol", symbol).
			Str("status", string(authoritative.Status)).
			Float64("filled_qty", authoritative.FilledQty).
			Msg("vanished order resolved")
	}

	if resolved == 0 {
		r.log.Debug().Str("symbol", symbol).Int("open", len(local)).Msg("open orders match exchange")
	}
	return nil
}
