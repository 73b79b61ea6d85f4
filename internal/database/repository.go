package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"spot-trading-engine/internal/exchange"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// Repository exposes typed access to the store.
type Repository struct {
	db *DB
}

// NewRepository wraps an open DB.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// =============================================================================
// ORDERS
// =============================================================================

// UpsertOrder inserts or replaces the order keyed by order_id.
// Status monotonicity is the order-state component's job; the repository
// writes what it is given.
func (r *Repository) UpsertOrder(ctx context.Context, o exchange.Order) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, client_order_id, symbol, side, type,
			requested_qty, requested_price, stop_price,
			filled_qty, avg_fill_price, fees_usd, status,
			submitted_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled_qty     = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			fees_usd       = excluded.fees_usd,
			status         = excluded.status,
			updated_at     = excluded.updated_at`,
		o.OrderID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type),
		o.RequestedQty, o.RequestedPrice, o.StopPrice,
		o.FilledQty, o.AvgFillPrice, o.FeesUsd, string(o.Status),
		timeToMs(o.SubmittedAt), timeToMs(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.OrderID, err)
	}
	return nil
}

const orderColumns = `order_id, client_order_id, symbol, side, type,
	requested_qty, requested_price, stop_price,
	filled_qty, avg_fill_price, fees_usd, status, submitted_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (exchange.Order, error) {
	var (
		o                      exchange.Order
		side, otype, status    string
		submittedMs, updatedMs int64
	)
	err := row.Scan(
		&o.OrderID, &o.ClientOrderID, &o.Symbol, &side, &otype,
		&o.RequestedQty, &o.RequestedPrice, &o.StopPrice,
		&o.FilledQty, &o.AvgFillPrice, &o.FeesUsd, &status,
		&submittedMs, &updatedMs,
	)
	if err != nil {
		return exchange.Order{}, err
	}
	o.Side = exchange.Side(side)
	o.Type = exchange.OrderType(otype)
	o.Status = exchange.OrderStatus(status)
	o.SubmittedAt = msToTime(submittedMs)
	o.UpdatedAt = msToTime(updatedMs)
	return o, nil
}

// GetOrder returns the order by exchange order id.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (exchange.Order, error) {
	row := r.db.conn.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.Order{}, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return exchange.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

// GetOrderByClientID returns the order by idempotency key.
func (r *Repository) GetOrderByClientID(ctx context.Context, clientOrderID string) (exchange.Order, error) {
	row := r.db.conn.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.Order{}, fmt.Errorf("client order %s: %w", clientOrderID, ErrNotFound)
	}
	if err != nil {
		return exchange.Order{}, fmt.Errorf("get order by client id %s: %w", clientOrderID, err)
	}
	return o, nil
}

// ListOrders returns every persisted order, oldest first.
func (r *Repository) ListOrders(ctx context.Context) ([]exchange.Order, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY submitted_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []exchange.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// =============================================================================
// CANDLES
// =============================================================================

// UpsertCandle writes a candle, idempotent on (symbol, interval, open_time).
func (r *Repository) UpsertCandle(ctx context.Context, symbol, interval string, c exchange.Candle) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO candles (symbol, interval, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close,
			volume = excluded.volume`,
		symbol, interval, timeToMs(c.OpenTime), c.Open, c.High, c.Low, c.Close, c.Volume,
	)
	if err != nil {
		return fmt.Errorf("upsert candle %s/%s: %w", symbol, interval, err)
	}
	return nil
}

// RecentCandles returns the last n candles in ascending open_time order.
func (r *Repository) RecentCandles(ctx context.Context, symbol, interval string, n int) ([]exchange.Candle, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume FROM (
			SELECT open_time, open, high, low, close, volume
			FROM candles WHERE symbol = ? AND interval = ?
			ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC`,
		symbol, interval, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent candles %s/%s: %w", symbol, interval, err)
	}
	defer rows.Close()

	var out []exchange.Candle
	for rows.Next() {
		var (
			c  exchange.Candle
			ms int64
		)
		if err := rows.Scan(&ms, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.OpenTime = msToTime(ms)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// KILL SWITCH
// =============================================================================

// LoadKillSwitch returns the persisted row, creating the default if absent.
func (r *Repository) LoadKillSwitch(ctx context.Context) (KillSwitchRow, error) {
	if _, err := r.db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO kill_switch (id) VALUES (1)`); err != nil {
		return KillSwitchRow{}, fmt.Errorf("seed kill_switch: %w", err)
	}

	var (
		row         KillSwitchRow
		triggered   int
		triggeredMs int64
		violations  string
	)
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT triggered, reason, triggered_at, consecutive_losses, spread_violations_json
		FROM kill_switch WHERE id = 1`).
		Scan(&triggered, &row.Reason, &triggeredMs, &row.ConsecutiveLosses, &violations)
	if err != nil {
		return KillSwitchRow{}, fmt.Errorf("load kill_switch: %w", err)
	}

	row.Triggered = triggered != 0
	row.TriggeredAt = msToTime(triggeredMs)
	if err := json.Unmarshal([]byte(violations), &row.SpreadViolationsMs); err != nil {
		return KillSwitchRow{}, fmt.Errorf("decode spread violations: %w", err)
	}
	return row, nil
}

// SaveKillSwitch writes the row through. Called on every state change.
func (r *Repository) SaveKillSwitch(ctx context.Context, row KillSwitchRow) error {
	violations := row.SpreadViolationsMs
	if violations == nil {
		violations = []int64{}
	}
	encoded, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("encode spread violations: %w", err)
	}

	triggered := 0
	if row.Triggered {
		triggered = 1
	}
	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO kill_switch (id, triggered, reason, triggered_at, consecutive_losses, spread_violations_json)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			triggered = excluded.triggered,
			reason = excluded.reason,
			triggered_at = excluded.triggered_at,
			consecutive_losses = excluded.consecutive_losses,
			spread_violations_json = excluded.spread_violations_json`,
		triggered, row.Reason, timeToMs(row.TriggeredAt), row.ConsecutiveLosses, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("save kill_switch: %w", err)
	}
	return nil
}

// =============================================================================
// POSITION LIFECYCLE
// =============================================================================

// UpsertPosition writes a lifecycle record keyed by id.
func (r *Repository) UpsertPosition(ctx context.Context, p PositionRow) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, side, quantity, state, entry_price, stop_loss, take_profit, entry_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			state = excluded.state,
			entry_price = excluded.entry_price,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			entry_time = excluded.entry_time,
			updated_at = excluded.updated_at`,
		p.ID, p.Symbol, p.Side, p.Quantity, p.State, p.EntryPrice, p.StopLoss, p.TakeProfit,
		timeToMs(p.EntryTime), timeToMs(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.ID, err)
	}
	return nil
}

// ActivePositions returns records whose state is neither flat nor exited.
// Exited positions stay in the table for history but are never hydrated.
func (r *Repository) ActivePositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, symbol, side, quantity, state, entry_price, stop_loss, take_profit, entry_time, updated_at
		FROM positions WHERE state NOT IN ('flat', 'exited')
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("active positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var (
			p         PositionRow
			entryMs   int64
			updatedMs int64
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &p.Quantity, &p.State,
			&p.EntryPrice, &p.StopLoss, &p.TakeProfit, &entryMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.EntryTime = msToTime(entryMs)
		p.UpdatedAt = msToTime(updatedMs)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// JOURNAL
// =============================================================================

// AppendJournal writes one journal leg. The journal is append-only.
func (r *Repository) AppendJournal(ctx context.Context, e JournalEntry) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO journal (
			id, order_id, client_order_id, symbol, side, leg,
			requested_price, filled_price, slippage_bps,
			quantity, notional_usd, commission_usd, confidence,
			reason, risk_decision, realized_pnl_usd, holding_duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, e.ClientOrderID, e.Symbol, e.Side, e.Leg,
		e.RequestedPrice, e.FilledPrice, e.SlippageBps,
		e.Quantity, e.NotionalUsd, e.CommissionUsd, e.Confidence,
		e.Reason, e.RiskDecision, e.RealizedPnlUsd, e.HoldingDurationMs,
		timeToMs(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append journal %s: %w", e.ID, err)
	}
	return nil
}

const journalColumns = `id, order_id, client_order_id, symbol, side, leg,
	requested_price, filled_price, slippage_bps,
	quantity, notional_usd, commission_usd, confidence,
	reason, risk_decision, realized_pnl_usd, holding_duration_ms, created_at`

func scanJournal(rows *sql.Rows) (JournalEntry, error) {
	var (
		e  JournalEntry
		ms int64
	)
	err := rows.Scan(
		&e.ID, &e.OrderID, &e.ClientOrderID, &e.Symbol, &e.Side, &e.Leg,
		&e.RequestedPrice, &e.FilledPrice, &e.SlippageBps,
		&e.Quantity, &e.NotionalUsd, &e.CommissionUsd, &e.Confidence,
		&e.Reason, &e.RiskDecision, &e.RealizedPnlUsd, &e.HoldingDurationMs, &ms,
	)
	if err != nil {
		return JournalEntry{}, err
	}
	e.CreatedAt = msToTime(ms)
	return e, nil
}

// JournalForOrder returns every leg journaled against an order id.
func (r *Repository) JournalForOrder(ctx context.Context, orderID string) ([]JournalEntry, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE order_id = ? ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("journal for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// JournalSince returns legs created at or after the cursor, oldest first.
func (r *Repository) JournalSince(ctx context.Context, symbol string, sinceMs int64) ([]JournalEntry, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM journal
		 WHERE symbol = ? AND created_at >= ? ORDER BY created_at ASC`, symbol, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("journal since %d: %w", sinceMs, err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
