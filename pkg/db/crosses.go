package db

import (
	"context"
	"fmt"
	"time"
)

// InsertCrossEventIfAbsent records a detected price/EMA crossing for a bar.
// It reports true when the event is new; an existing key reports false, and
// that outcome is itself the dedup signal consumed by the strategy.
func (d *Database) InsertCrossEventIfAbsent(ctx context.Context, tickerID int64, interval Interval, span int, ts time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO ema_cross (ticker_id, interval, span, ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ticker_id, interval, span, ts) DO NOTHING
	`, tickerID, string(interval), span, bindTime(ts))
	if err != nil {
		return false, fmt.Errorf("insert cross event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cross event rows affected: %w", err)
	}
	return n > 0, nil
}

// CountCrossEvents counts crossings for (ticker, interval, span) with
// timestamps in [start, end].
func (d *Database) CountCrossEvents(ctx context.Context, tickerID int64, interval Interval, span int, start, end time.Time) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ema_cross
		WHERE ticker_id = ? AND interval = ? AND span = ? AND ts BETWEEN ? AND ?
	`, tickerID, string(interval), span, bindTime(start), bindTime(end)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cross events: %w", err)
	}
	return n, nil
}

// CountDistinctHourBuckets counts distinct wall-clock hours that contain at
// least one crossing inside [start, end].
func (d *Database) CountDistinctHourBuckets(ctx context.Context, tickerID int64, interval Interval, span int, start, end time.Time) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT strftime('%Y-%m-%d %H', ts)) FROM ema_cross
		WHERE ticker_id = ? AND interval = ? AND span = ? AND ts BETWEEN ? AND ?
	`, tickerID, string(interval), span, bindTime(start), bindTime(end)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cross hour buckets: %w", err)
	}
	return n, nil
}
