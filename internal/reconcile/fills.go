package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/fault"
	"spot-trading-engine/internal/inventory"
	"spot-trading-engine/internal/metrics"
	"spot-trading-engine/internal/retry"
)

// mismatchEpsilon is the tolerated drift between journal and exchange totals
// before a fill counts as mismatched.
const mismatchEpsilon = 1e-6

// FillReconciler periodically cross-checks the exchange's fill log against
// the journal. Quantity and fee totals must agree per order; a fill with no
// journal legs at all is an orphan. Any disagreement reseats inventory from
// the exchange and raises a critical alert. The journal itself is never
// rewritten.
type FillReconciler struct {
	broker  exchange.Adapter
	exec    *retry.Executor
	repo    *database.Repository
	inv     *inventory.Manager
	bus     *events.Bus
	symbols []string
	window  time.Duration
	log     zerolog.Logger
	reg     *metrics.Registry

	mu     sync.Mutex
	cursor time.Time

	now func() time.Time
}

func NewFillReconciler(broker exchange.Adapter, exec *retry.Executor, repo *database.Repository,
	inv *inventory.Manager, bus *events.Bus, symbols []string, window time.Duration,
	log zerolog.Logger, reg *metrics.Registry) *FillReconciler {
	return &FillReconciler{
		broker:  broker,
		exec:    exec,
		repo:    repo,
		inv:     inv,
		bus:     bus,
		symbols: symbols,
		window:  window,
		log:     log.With().Str("component", "fill_reconciler").Logger(),
		reg:     reg,
		now:     time.Now,
	}
}

// fillTotals aggregates one order's fills from the exchange log.
type fillTotals struct {
	symbol string
	qty    float64
	fees   float64
}

// Run pulls fills since the cursor and verifies them against the journal.
// The cursor lives in-process only: the first run after boot looks back one
// full window so fills landed across a restart are still checked.
func (r *FillReconciler) Run(ctx context.Context) error {
	const op = "reconcile.fills"

	start := r.now().UTC()
	r.mu.Lock()
	since := r.cursor
	if since.IsZero() {
		since = start.Add(-r.window)
	}
	r.mu.Unlock()

	byOrder := make(map[string]*fillTotals)
	var lastErr error
	for _, sym := range r.symbols {
		fills, err := retry.Do(r.exec, ctx, "list_fills", func(ctx context.Context) ([]exchange.Fill, error) {
			return r.broker.ListFills(ctx, sym, since)
		})
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", sym).Msg("fill log fetch failed")
			lastErr = fault.Wrap(fault.Degraded, op, err)
			continue
		}
		for _, f := range fills {
			t := byOrder[f.OrderID]
			if t == nil {
				t = &fillTotals{symbol: f.Symbol}
				byOrder[f.OrderID] = t
			}
			t.qty += f.Quantity
			t.fees += f.FeeUsd
		}
	}

	orphans, qtyMismatches, feeMismatches := 0, 0, 0
	for orderID, t := range byOrder {
		legs, err := r.repo.JournalForOrder(ctx, orderID)
		if err != nil {
			r.log.Error().Err(err).Str("order_id", orderID).Msg("journal lookup failed")
			lastErr = fault.Wrap(fault.Degraded, op, err)
			continue
		}
		if len(legs) == 0 {
			orphans++
			r.reg.Inc("reconcile.orphan_fills")
			r.log.Warn().
				Str("order_id", orderID).
				Str("symbol", t.symbol).
				Float64("qty", t.qty).
				Msg("exchange fill has no journal entry")
			continue
		}

		var journalQty, journalFees float64
		for _, leg := range legs {
			journalQty += leg.Quantity
			journalFees += leg.CommissionUsd
		}
		if math.Abs(journalQty-t.qty) > mismatchEpsilon {
			qtyMismatches++
			r.reg.Inc("reconcile.qty_mismatches")
			r.log.Warn().
				Str("order_id", orderID).
				Float64("journal_qty", journalQty).
				Float64("exchange_qty", t.qty).
				Msg("fill quantity mismatch")
		}
		if math.Abs(journalFees-t.fees) > mismatchEpsilon {
			feeMismatches++
			r.reg.Inc("reconcile.fee_mismatches")
			r.log.Warn().
				Str("order_id", orderID).
				Float64("journal_fees", journalFees).
				Float64("exchange_fees", t.fees).
				Msg("fill fee mismatch")
		}
	}

	if n := orphans + qtyMismatches + feeMismatches; n > 0 {
		r.resyncAndAlert(ctx, orphans, qtyMismatches, feeMismatches)
	} else {
		r.log.Debug().
			Int("orders", len(byOrder)).
			Time("since", since).
			Msg("fill ledger matches exchange")
	}

	r.mu.Lock()
	r.cursor = start
	r.mu.Unlock()
	return lastErr
}

func (r *FillReconciler) resyncAndAlert(ctx context.Context, orphans, qtyMismatches, feeMismatches int) {
	diffs, err := r.inv.Resync(ctx, r.broker, r.symbols)
	if err != nil {
		r.log.Error().Err(err).Msg("inventory resync after fill mismatch failed")
	}
	for _, d := range diffs {
		r.log.Warn().Str("diff", d.String()).Msg("inventory reseated from exchange")
	}

	r.bus.PublishAlert(events.LevelCritical, "Fill ledger mismatch",
		fmt.Sprintf("fill reconciliation found %d orphan(s), %d quantity and %d fee mismatch(es); inventory reseated from exchange",
			orphans, qtyMismatches, feeMismatches),
		map[string]string{
			"orphan_fills":    fmt.Sprintf("%d", orphans),
			"qty_mismatches":  fmt.Sprintf("%d", qtyMismatches),
			"fee_mismatches":  fmt.Sprintf("%d", feeMismatches),
			"inventory_diffs": fmt.Sprintf("%d", len(diffs)),
		})
}

// Cursor returns the next fetch window's start, for health reporting.
func (r *FillReconciler) Cursor() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}
