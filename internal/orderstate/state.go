// Package orderstate tracks the lifecycle of every order the engine has
// submitted. It is the single in-memory authority consulted by the order
// manager and the reconcilers; all writes funnel through Upsert, which
// guarantees that an order's status only ever moves forward.
package orderstate

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/fault"
)

// Store holds order state keyed by exchange order id, with a secondary
// index from client order id. Reads are lock-free copies; writes are
// serialized so status transitions are checked one at a time.
type Store struct {
	repo *database.Repository
	log  zerolog.Logger

	mu         sync.RWMutex
	byOrderID  map[string]exchange.Order
	byClientID map[string]string // clientOrderId -> orderId, "" while a submission is in flight
}

// NewStore returns an empty store backed by repo. Call Hydrate to reload
// persisted orders after a restart.
func NewStore(repo *database.Repository, log zerolog.Logger) *Store {
	return &Store{
		repo:       repo,
		log:        log.With().Str("component", "orderstate").Logger(),
		byOrderID:  make(map[string]exchange.Order),
		byClientID: make(map[string]string),
	}
}

// Hydrate loads every persisted order into the indexes. Terminal orders are
// indexed for idempotency lookups but never re-enter the open view.
func (s *Store) Hydrate(ctx context.Context) error {
	orders, err := s.repo.ListOrders(ctx)
	if err != nil {
		return fault.Wrap(fault.Degraded, "orderstate.hydrate", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	open := 0
	for _, o := range orders {
		s.byOrderID[o.OrderID] = o
		if o.ClientOrderID != "" {
			s.byClientID[o.ClientOrderID] = o.OrderID
		}
		if !o.Status.Terminal() {
			open++
		}
	}
	s.log.Info().Int("orders", len(orders)).Int("open", open).Msg("order state hydrated")
	return nil
}

// Upsert records the latest known state of an order. Identical input is a
// no-op beyond the persistence write; a status whose rank is lower than the
// stored one is treated as a stale read and dropped. A terminal order never
// changes status again.
func (s *Store) Upsert(ctx context.Context, o exchange.Order) error {
	const op = "orderstate.upsert"

	if o.OrderID == "" {
		return fault.New(fault.Invariant, op, "order has no order id")
	}
	if o.FilledQty > o.RequestedQty {
		return fault.Newf(fault.Invariant, op, "order %s filled %.10f exceeds requested %.10f",
			o.OrderID, o.FilledQty, o.RequestedQty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.byOrderID[o.OrderID]; ok {
		if o.Status.Rank() < cur.Status.Rank() {
			s.log.Debug().
				Str("order_id", o.OrderID).
				Str("stored", string(cur.Status)).
				Str("incoming", string(o.Status)).
				Msg("dropping stale order update")
			return nil
		}
		if cur.Status.Terminal() && o.Status != cur.Status {
			s.log.Warn().
				Str("order_id", o.OrderID).
				Str("stored", string(cur.Status)).
				Str("incoming", string(o.Status)).
				Msg("ignoring terminal status change")
			return nil
		}
		if o.FilledQty < cur.FilledQty {
			// Fills accumulate; a smaller figure is a stale snapshot.
			o.FilledQty = cur.FilledQty
		}
	}

	if err := s.repo.UpsertOrder(ctx, o); err != nil {
		return fault.Wrap(fault.Degraded, op, err)
	}

	s.byOrderID[o.OrderID] = o
	if o.ClientOrderID != "" {
		s.byClientID[o.ClientOrderID] = o.OrderID
	}
	return nil
}

// GetByOrderID returns the stored order for id.
func (s *Store) GetByOrderID(id string) (exchange.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byOrderID[id]
	return o, ok
}

// GetByClientOrderID resolves a client order id to its bound order.
// In-flight reservations that have not been bound yet do not resolve.
func (s *Store) GetByClientOrderID(clientID string) (exchange.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orderID, ok := s.byClientID[clientID]
	if !ok || orderID == "" {
		return exchange.Order{}, false
	}
	o, ok := s.byOrderID[orderID]
	return o, ok
}

// GetOpenOrders returns every non-terminal order, oldest first. An empty
// symbol matches all symbols.
func (s *Store) GetOpenOrders(symbol string) []exchange.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []exchange.Order
	for _, o := range s.byOrderID {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// ReserveClientID claims a client order id ahead of the broker call so a
// resubmission with the same key observes the claim instead of producing a
// second order. It returns false when the id is already claimed or bound.
func (s *Store) ReserveClientID(clientID string) bool {
	if clientID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byClientID[clientID]; ok {
		return false
	}
	s.byClientID[clientID] = ""
	return true
}

// ReleaseClientID drops an unbound reservation after a failed submission.
// Bound ids are kept; they are the idempotency record.
func (s *Store) ReleaseClientID(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if orderID, ok := s.byClientID[clientID]; ok && orderID == "" {
		delete(s.byClientID, clientID)
	}
}

// Count returns the number of tracked orders and how many are still open.
func (s *Store) Count() (total, open int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total = len(s.byOrderID)
	for _, o := range s.byOrderID {
		if !o.Status.Terminal() {
			open++
		}
	}
	return total, open
}
