// Package sqlite implements the ledger and its companion stores on an
// embedded SQLite database (pure Go, no cgo). It backs development setups,
// the single-node deployment and the service tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id          TEXT PRIMARY KEY,
    title       TEXT    NOT NULL DEFAULT '',
    category    TEXT    NOT NULL DEFAULT '',
    periodicity TEXT    NOT NULL DEFAULT '',
    options     TEXT    NOT NULL,
    status      TEXT    NOT NULL CHECK (status IN ('open', 'closed', 'settled')),
    end_time    INTEGER NOT NULL,
    resolution  TEXT    NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    closed_at   INTEGER,
    settled_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status, end_time);

CREATE TABLE IF NOT EXISTS pools (
    market_id    TEXT    NOT NULL REFERENCES markets(id),
    option_index INTEGER NOT NULL,
    total        INTEGER NOT NULL DEFAULT 0 CHECK (total >= 0),
    PRIMARY KEY (market_id, option_index)
);

CREATE TABLE IF NOT EXISTS orders (
    id             TEXT PRIMARY KEY,
    market_id      TEXT    NOT NULL REFERENCES markets(id),
    user_id        TEXT    NOT NULL,
    option_index   INTEGER NOT NULL,
    quantity       INTEGER NOT NULL CHECK (quantity > 0),
    entry_multiple TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    cashout_amount INTEGER,
    payout         INTEGER,
    created_at     INTEGER NOT NULL,
    closed_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_orders_market_status ON orders(market_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS balances (
    user_id    TEXT PRIMARY KEY,
    coin       INTEGER NOT NULL DEFAULT 0 CHECK (coin >= 0),
    fiat       INTEGER NOT NULL DEFAULT 0 CHECK (fiat >= 0),
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transactions (
    id          TEXT PRIMARY KEY,
    user_id     TEXT    NOT NULL,
    amount      INTEGER NOT NULL,
    currency    TEXT    NOT NULL CHECK (currency IN ('COIN', 'FIAT')),
    category    TEXT    NOT NULL,
    description TEXT    NOT NULL DEFAULT '',
    market_id   TEXT    NOT NULL DEFAULT '',
    order_id    TEXT    NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);

CREATE TABLE IF NOT EXISTS exchange_orders (
    id               TEXT PRIMARY KEY,
    user_id          TEXT    NOT NULL,
    side             TEXT    NOT NULL,
    source_amount    INTEGER NOT NULL,
    source_currency  TEXT    NOT NULL,
    counter_amount   INTEGER NOT NULL,
    counter_currency TEXT    NOT NULL,
    price            TEXT    NOT NULL,
    fee              INTEGER NOT NULL DEFAULT 0,
    status           TEXT    NOT NULL,
    limit_order_id   TEXT    NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchange_orders_user ON exchange_orders(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS limit_orders (
    id              TEXT PRIMARY KEY,
    user_id         TEXT    NOT NULL,
    side            TEXT    NOT NULL,
    input_amount    INTEGER NOT NULL,
    input_currency  TEXT    NOT NULL,
    reserved        INTEGER NOT NULL CHECK (reserved > 0),
    limit_price     TEXT    NOT NULL,
    fee_pct         TEXT    NOT NULL,
    expires_at      INTEGER NOT NULL,
    status          TEXT    NOT NULL,
    execution_price TEXT,
    created_at      INTEGER NOT NULL,
    closed_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_limit_orders_active ON limit_orders(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_limit_orders_user ON limit_orders(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
    id             TEXT PRIMARY KEY,
    report_date    INTEGER NOT NULL,
    trigger        TEXT    NOT NULL DEFAULT '',
    status         TEXT    NOT NULL,
    users_scanned  INTEGER NOT NULL DEFAULT 0,
    batches_failed INTEGER NOT NULL DEFAULT 0,
    totals         TEXT    NOT NULL DEFAULT '[]',
    discrepancies  TEXT    NOT NULL DEFAULT '[]',
    error          TEXT    NOT NULL DEFAULT '',
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_created ON reconciliation_reports(created_at DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at DESC);
`

// DB is an open SQLite database with the ledger schema applied.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

func dsn(path string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + pragmas
}

// SQL returns the underlying handle.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Ping checks that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
