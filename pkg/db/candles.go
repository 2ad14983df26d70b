package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddCandle inserts one bar; re-inserting an existing (ticker, interval, ts)
// key is a no-op, not an error.
func (d *Database) AddCandle(ctx context.Context, c Candle) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO candles (ticker_id, interval, ts, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker_id, interval, ts) DO NOTHING
	`, c.TickerID, string(c.Interval), bindTime(c.Timestamp), c.Open, c.High, c.Low, c.Close)
	if err != nil {
		return fmt.Errorf("add candle: %w", err)
	}
	return nil
}

// LastCandleTimestamp returns the newest stored bar timestamp for
// (ticker, interval), or nil when no bar is stored yet.
func (d *Database) LastCandleTimestamp(ctx context.Context, tickerID int64, interval Interval) (*time.Time, error) {
	var ts sqlTime
	err := d.DB.QueryRowContext(ctx, `
		SELECT ts FROM candles
		WHERE ticker_id = ? AND interval = ?
		ORDER BY ts DESC LIMIT 1
	`, tickerID, string(interval)).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last candle timestamp: %w", err)
	}
	return &ts.Time, nil
}

// LastCandle returns the newest stored bar for (ticker, interval).
func (d *Database) LastCandle(ctx context.Context, tickerID int64, interval Interval) (*Candle, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT ticker_id, interval, ts, open, high, low, close
		FROM candles
		WHERE ticker_id = ? AND interval = ?
		ORDER BY ts DESC LIMIT 1
	`, tickerID, string(interval))

	c, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query last candle: %w", err)
	}
	return &c, nil
}

// CandlesAscending returns the full bar history for (ticker, interval) in
// chronological order. Used by the indicator cold-start path.
func (d *Database) CandlesAscending(ctx context.Context, tickerID int64, interval Interval) ([]Candle, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT ticker_id, interval, ts, open, high, low, close
		FROM candles
		WHERE ticker_id = ? AND interval = ?
		ORDER BY ts
	`, tickerID, string(interval))
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()
	return collectCandles(rows)
}

// RecentCandles returns the newest limit bars in chronological order.
// Used by the indicator steady-state path (limit = 2x span).
func (d *Database) RecentCandles(ctx context.Context, tickerID int64, interval Interval, limit int) ([]Candle, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT ticker_id, interval, ts, open, high, low, close
		FROM candles
		WHERE ticker_id = ? AND interval = ?
		ORDER BY ts DESC LIMIT ?
	`, tickerID, string(interval), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent candles: %w", err)
	}
	defer rows.Close()

	out, err := collectCandles(rows)
	if err != nil {
		return nil, err
	}
	// Flip newest-first into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastTwoCandlesPerTicker returns, per ticker, the two newest bars of the
// interval (newest first).
func (d *Database) LastTwoCandlesPerTicker(ctx context.Context, interval Interval) (map[int64][]Candle, error) {
	return d.twoCandlesPerTicker(ctx, interval, nil)
}

// TwoCandlesPerTickerAsOf is LastTwoCandlesPerTicker evaluated at a
// historical point in time.
func (d *Database) TwoCandlesPerTickerAsOf(ctx context.Context, interval Interval, asOf time.Time) (map[int64][]Candle, error) {
	return d.twoCandlesPerTicker(ctx, interval, &asOf)
}

func (d *Database) twoCandlesPerTicker(ctx context.Context, interval Interval, asOf *time.Time) (map[int64][]Candle, error) {
	query := `
		WITH numbered AS (
			SELECT ticker_id, interval, ts, open, high, low, close,
			       ROW_NUMBER() OVER (PARTITION BY ticker_id ORDER BY ts DESC) AS rn
			FROM candles
			WHERE interval = ?`
	args := []any{string(interval)}
	if asOf != nil {
		query += ` AND ts <= ?`
		args = append(args, bindTime(*asOf))
	}
	query += `
		)
		SELECT ticker_id, interval, ts, open, high, low, close
		FROM numbered
		WHERE rn <= 2
		ORDER BY ticker_id, ts DESC
	`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query two candles per ticker: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]Candle)
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out[c.TickerID] = append(out[c.TickerID], c)
	}
	return out, rows.Err()
}

func scanCandle(row interface{ Scan(...any) error }) (Candle, error) {
	var c Candle
	var interval string
	var ts sqlTime
	err := row.Scan(&c.TickerID, &interval, &ts, &c.Open, &c.High, &c.Low, &c.Close)
	c.Interval = Interval(interval)
	c.Timestamp = ts.Time
	return c, err
}

func collectCandles(rows *sql.Rows) ([]Candle, error) {
	var out []Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
