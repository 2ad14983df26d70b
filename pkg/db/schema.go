package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS tickers (
    ticker_id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    figi TEXT,
    class_code TEXT,
    currency TEXT,
    lot INTEGER NOT NULL DEFAULT 1,
    min_price_increment REAL NOT NULL DEFAULT 0.01,
    disable INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS candles (
    candle_id INTEGER PRIMARY KEY AUTOINCREMENT,
    ticker_id INTEGER NOT NULL,
    interval TEXT NOT NULL,
    ts DATETIME NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    UNIQUE(ticker_id, interval, ts),
    FOREIGN KEY(ticker_id) REFERENCES tickers(ticker_id)
);

CREATE TABLE IF NOT EXISTS ema (
    ema_id INTEGER PRIMARY KEY AUTOINCREMENT,
    ticker_id INTEGER NOT NULL,
    interval TEXT NOT NULL,
    span INTEGER NOT NULL,
    ts DATETIME NOT NULL,
    ema REAL NOT NULL,
    atr REAL NOT NULL DEFAULT 0,
    UNIQUE(ticker_id, interval, span, ts),
    FOREIGN KEY(ticker_id) REFERENCES tickers(ticker_id)
);

CREATE TABLE IF NOT EXISTS ema_cross (
    ema_cross_id INTEGER PRIMARY KEY AUTOINCREMENT,
    ticker_id INTEGER NOT NULL,
    interval TEXT NOT NULL,
    span INTEGER NOT NULL,
    ts DATETIME NOT NULL,
    UNIQUE(ticker_id, interval, span, ts),
    FOREIGN KEY(ticker_id) REFERENCES tickers(ticker_id)
);

CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    figi TEXT NOT NULL,
    direction TEXT NOT NULL,
    order_type TEXT NOT NULL,
    status TEXT NOT NULL,
    lots_requested INTEGER NOT NULL DEFAULT 0,
    lots_executed INTEGER NOT NULL DEFAULT 0,
    initial_order_price REAL NOT NULL DEFAULT 0,
    executed_order_price REAL NOT NULL DEFAULT 0,
    total_order_amount REAL NOT NULL DEFAULT 0,
    initial_commission REAL NOT NULL DEFAULT 0,
    executed_commission REAL NOT NULL DEFAULT 0,
    initial_security_price REAL NOT NULL DEFAULT 0,
    atr REAL NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS deals (
    deal_id TEXT PRIMARY KEY,
    ticker_id INTEGER NOT NULL,
    buy_order TEXT NOT NULL,
    sell_order TEXT,
    FOREIGN KEY(ticker_id) REFERENCES tickers(ticker_id),
    FOREIGN KEY(buy_order) REFERENCES orders(order_id),
    FOREIGN KEY(sell_order) REFERENCES orders(order_id)
);

CREATE TABLE IF NOT EXISTS position_checks (
    check_id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS position_rows (
    check_id INTEGER NOT NULL,
    ticker_id INTEGER NOT NULL,
    FOREIGN KEY(check_id) REFERENCES position_checks(check_id),
    FOREIGN KEY(ticker_id) REFERENCES tickers(ticker_id)
);

CREATE TABLE IF NOT EXISTS accounts (
    user_id INTEGER PRIMARY KEY,
    account_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candles_lookup ON candles(ticker_id, interval, ts DESC);
CREATE INDEX IF NOT EXISTS idx_ema_lookup ON ema(ticker_id, interval, span, ts DESC);
CREATE INDEX IF NOT EXISTS idx_ema_cross_lookup ON ema_cross(ticker_id, interval, span, ts);
CREATE INDEX IF NOT EXISTS idx_orders_account_figi ON orders(account_id, figi, direction, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_deals_open ON deals(ticker_id, sell_order);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
