// Package database owns the engine's SQLite store: orders, candles, the
// kill-switch row, position lifecycle records, and the trade journal.
// Single-writer discipline: the pool is capped at one connection and every
// mutation goes through Repository methods.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS orders (
    order_id        TEXT PRIMARY KEY,
    client_order_id TEXT NOT NULL UNIQUE,
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    type            TEXT NOT NULL,
    requested_qty   REAL NOT NULL,
    requested_price REAL NOT NULL DEFAULT 0,
    stop_price      REAL NOT NULL DEFAULT 0,
    filled_qty      REAL NOT NULL DEFAULT 0,
    avg_fill_price  REAL NOT NULL DEFAULT 0,
    fees_usd        REAL NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    submitted_at    INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS candles (
    symbol    TEXT NOT NULL,
    interval  TEXT NOT NULL,
    open_time INTEGER NOT NULL,
    open      REAL NOT NULL,
    high      REAL NOT NULL,
    low       REAL NOT NULL,
    close     REAL NOT NULL,
    volume    REAL NOT NULL,
    PRIMARY KEY (symbol, interval, open_time)
);

CREATE TABLE IF NOT EXISTS kill_switch (
    id                     INTEGER PRIMARY KEY CHECK (id = 1),
    triggered              INTEGER NOT NULL DEFAULT 0,
    reason                 TEXT NOT NULL DEFAULT '',
    triggered_at           INTEGER NOT NULL DEFAULT 0,
    consecutive_losses     INTEGER NOT NULL DEFAULT 0,
    spread_violations_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS positions (
    id          TEXT PRIMARY KEY,
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    quantity    REAL NOT NULL,
    state       TEXT NOT NULL,
    entry_price REAL NOT NULL DEFAULT 0,
    stop_loss   REAL NOT NULL DEFAULT 0,
    take_profit REAL NOT NULL DEFAULT 0,
    entry_time  INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions(symbol, state);

CREATE TABLE IF NOT EXISTS journal (
    id                  TEXT PRIMARY KEY,
    order_id            TEXT NOT NULL,
    client_order_id     TEXT NOT NULL,
    symbol              TEXT NOT NULL,
    side                TEXT NOT NULL,
    leg                 TEXT NOT NULL,
    requested_price     REAL NOT NULL,
    filled_price        REAL NOT NULL,
    slippage_bps        REAL NOT NULL,
    quantity            REAL NOT NULL,
    notional_usd        REAL NOT NULL,
    commission_usd      REAL NOT NULL,
    confidence          REAL NOT NULL,
    reason              TEXT NOT NULL,
    risk_decision       TEXT NOT NULL,
    realized_pnl_usd    REAL NOT NULL DEFAULT 0,
    holding_duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_order ON journal(order_id);
CREATE INDEX IF NOT EXISTS idx_journal_symbol ON journal(symbol, created_at);
`

// DB wraps the sqlite handle.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the store at path, applies the schema, and runs the
// idempotent column migrations. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: sqlite has a single writer and the engine's
	// repositories serialize through it.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error { return db.conn.Close() }

// migrate applies additive column migrations for stores created by older
// schema versions. Each step is idempotent.
func (db *DB) migrate() error {
	steps := []struct {
		table, column, ddl string
	}{
		{"orders", "fees_usd", "ALTER TABLE orders ADD COLUMN fees_usd REAL NOT NULL DEFAULT 0"},
		{"journal", "holding_duration_ms", "ALTER TABLE journal ADD COLUMN holding_duration_ms INTEGER NOT NULL DEFAULT 0"},
		{"positions", "entry_time", "ALTER TABLE positions ADD COLUMN entry_time INTEGER NOT NULL DEFAULT 0"},
	}
	for _, s := range steps {
		ok, err := db.columnExists(s.table, s.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := db.conn.Exec(s.ddl); err != nil {
			return fmt.Errorf("add %s.%s: %w", s.table, s.column, err)
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) (bool, error) {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
