// Package position tracks each symbol's trade lifecycle through a strict
// state machine. Entries move flat -> pending_entry -> filled -> managing ->
// pending_exit -> exited; a rejected entry falls back to flat, and managing
// may loop on itself for stop and target updates. Anything else is refused.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/fault"
)

// State names one node of the lifecycle graph.
type State string

const (
	StateFlat         State = "flat"
	StatePendingEntry State = "pending_entry"
	StateFilled       State = "filled"
	StateManaging     State = "managing"
	StatePendingExit  State = "pending_exit"
	StateExited       State = "exited"
)

// ErrInvalidTransition is returned for edges outside the lifecycle graph.
// The position is left exactly as it was.
var ErrInvalidTransition = errors.New("invalid position transition")

var transitions = map[State]map[State]bool{
	StateFlat:         {StatePendingEntry: true},
	StatePendingEntry: {StateFilled: true, StateFlat: true},
	StateFilled:       {StateManaging: true},
	StateManaging:     {StateManaging: true, StatePendingExit: true},
	StatePendingExit:  {StateExited: true},
	StateExited:       {},
}

// Position is one lifecycle record. The ID stays stable from entry to exit;
// a fresh entry cycle on the same symbol gets a new ID.
type Position struct {
	ID         string
	Symbol     string
	Side       exchange.Side
	Quantity   float64
	State      State
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	EntryTime  time.Time
	UpdatedAt  time.Time
}

// Update carries the optional fields a transition may set. Zero values are
// left unchanged.
type Update struct {
	Quantity   float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// Machine holds the active position per symbol and persists every
// transition. All methods are safe for concurrent use.
type Machine struct {
	repo *database.Repository
	log  zerolog.Logger

	mu       sync.Mutex
	bySymbol map[string]Position

	now func() time.Time
}

// NewMachine returns an empty machine backed by repo.
func NewMachine(repo *database.Repository, log zerolog.Logger) *Machine {
	return &Machine{
		repo:     repo,
		log:      log.With().Str("component", "position").Logger(),
		bySymbol: make(map[string]Position),
		now:      time.Now,
	}
}

// Hydrate reloads active positions. Exited and flat rows stay in the
// database for the journal but never re-enter the machine.
func (m *Machine) Hydrate(ctx context.Context) error {
	rows, err := m.repo.ActivePositions(ctx)
	if err != nil {
		return fault.Wrap(fault.Degraded, "position.hydrate", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		p := Position{
			ID:         row.ID,
			Symbol:     row.Symbol,
			Side:       exchange.Side(row.Side),
			Quantity:   row.Quantity,
			State:      State(row.State),
			EntryPrice: row.EntryPrice,
			StopLoss:   row.StopLoss,
			TakeProfit: row.TakeProfit,
			EntryTime:  row.EntryTime,
			UpdatedAt:  row.UpdatedAt,
		}
		if prev, ok := m.bySymbol[row.Symbol]; ok {
			m.log.Warn().
				Str("symbol", row.Symbol).
				Str("kept", p.ID).
				Str("dropped", prev.ID).
				Msg("multiple active positions for symbol, keeping the newest")
			if prev.UpdatedAt.After(p.UpdatedAt) {
				continue
			}
		}
		m.bySymbol[row.Symbol] = p
	}
	m.log.Info().Int("active", len(m.bySymbol)).Msg("positions hydrated")
	return nil
}

// GetBySymbol returns the single active position for symbol, if any.
func (m *Machine) GetBySymbol(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.bySymbol[symbol]
	return p, ok
}

// Active returns all active positions.
func (m *Machine) Active() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.bySymbol))
	for _, p := range m.bySymbol {
		out = append(out, p)
	}
	return out
}

// ActiveCount returns how many symbols currently hold an active position.
func (m *Machine) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySymbol)
}

// Transition moves symbol's position to the target state, applying upd and
// persisting the result. Illegal edges return ErrInvalidTransition and leave
// the position untouched.
func (m *Machine) Transition(ctx context.Context, symbol string, to State, upd Update) (Position, error) {
	const op = "position.transition"

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, active := m.bySymbol[symbol]
	from := StateFlat
	if active {
		from = cur.State
	}

	if !transitions[from][to] {
		return Position{}, fault.Wrap(fault.Invariant, op,
			fmt.Errorf("%w: %s cannot go %s -> %s", ErrInvalidTransition, symbol, from, to))
	}

	next := cur
	if !active {
		next = Position{
			ID:        uuid.NewString(),
			Symbol:    symbol,
			Side:      exchange.SideBuy,
			State:     from,
			EntryTime: m.now(),
		}
	}
	next.State = to
	next.UpdatedAt = m.now()
	if upd.Quantity != 0 {
		next.Quantity = upd.Quantity
	}
	if upd.EntryPrice != 0 {
		next.EntryPrice = upd.EntryPrice
	}
	if upd.StopLoss != 0 {
		next.StopLoss = upd.StopLoss
	}
	if upd.TakeProfit != 0 {
		next.TakeProfit = upd.TakeProfit
	}

	row := database.PositionRow{
		ID:         next.ID,
		Symbol:     next.Symbol,
		Side:       string(next.Side),
		Quantity:   next.Quantity,
		State:      string(next.State),
		EntryPrice: next.EntryPrice,
		StopLoss:   next.StopLoss,
		TakeProfit: next.TakeProfit,
		EntryTime:  next.EntryTime,
		UpdatedAt:  next.UpdatedAt,
	}
	if err := m.repo.UpsertPosition(ctx, row); err != nil {
		return Position{}, fault.Wrap(fault.Degraded, op, err)
	}

	switch to {
	case StateFlat, StateExited:
		delete(m.bySymbol, symbol)
	default:
		m.bySymbol[symbol] = next
	}

	m.log.Debug().
		Str("symbol", symbol).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("position_id", next.ID).
		Msg("position transition")
	return next, nil
}
