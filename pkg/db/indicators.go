package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LatestIndicator returns the newest EMA/ATR point for (ticker, interval, span),
// or nil when none is stored yet.
func (d *Database) LatestIndicator(ctx context.Context, tickerID int64, interval Interval, span int) (*IndicatorPoint, error) {
	return d.indicatorAt(ctx, tickerID, interval, span, nil, 0)
}

// PenultimateIndicator returns the second-newest point.
func (d *Database) PenultimateIndicator(ctx context.Context, tickerID int64, interval Interval, span int) (*IndicatorPoint, error) {
	return d.indicatorAt(ctx, tickerID, interval, span, nil, 1)
}

// IndicatorAsOf returns the newest point at or before ts.
func (d *Database) IndicatorAsOf(ctx context.Context, tickerID int64, interval Interval, span int, ts time.Time) (*IndicatorPoint, error) {
	return d.indicatorAt(ctx, tickerID, interval, span, &ts, 0)
}

// PenultimateIndicatorAsOf returns the second-newest point at or before ts.
func (d *Database) PenultimateIndicatorAsOf(ctx context.Context, tickerID int64, interval Interval, span int, ts time.Time) (*IndicatorPoint, error) {
	return d.indicatorAt(ctx, tickerID, interval, span, &ts, 1)
}

func (d *Database) indicatorAt(ctx context.Context, tickerID int64, interval Interval, span int, asOf *time.Time, offset int) (*IndicatorPoint, error) {
	query := `
		SELECT ticker_id, interval, span, ts, ema, atr
		FROM ema
		WHERE ticker_id = ? AND interval = ? AND span = ?`
	args := []any{tickerID, string(interval), span}
	if asOf != nil {
		query += ` AND ts <= ?`
		args = append(args, bindTime(*asOf))
	}
	query += ` ORDER BY ts DESC LIMIT 1 OFFSET ?`
	args = append(args, offset)

	var p IndicatorPoint
	var intervalCol string
	var ts sqlTime
	err := d.DB.QueryRowContext(ctx, query, args...).Scan(
		&p.TickerID, &intervalCol, &p.Span, &ts, &p.EMA, &p.ATR)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query indicator: %w", err)
	}
	p.Interval = Interval(intervalCol)
	p.Timestamp = ts.Time
	return &p, nil
}

// BulkInsertIndicators writes a batch of points in one transaction.
// Duplicate (ticker, interval, span, ts) keys are skipped silently.
func (d *Database) BulkInsertIndicators(ctx context.Context, points []IndicatorPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin indicator insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ema (ticker_id, interval, span, ts, ema, atr)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker_id, interval, span, ts) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare indicator insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.TickerID, string(p.Interval), p.Span,
			bindTime(p.Timestamp), p.EMA, p.ATR); err != nil {
			return fmt.Errorf("insert indicator point: %w", err)
		}
	}
	return tx.Commit()
}

// TickersMissingIndicators returns ids of tradable tickers with no indicator
// rows at all for (interval, span). These need a cold-start computation.
func (d *Database) TickersMissingIndicators(ctx context.Context, interval Interval, span int) ([]int64, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT t.ticker_id
		FROM tickers t
		WHERE t.figi IS NOT NULL AND t.figi <> '' AND t.disable = 0
		  AND NOT EXISTS (
			SELECT 1 FROM ema e
			WHERE e.ticker_id = t.ticker_id AND e.interval = ? AND e.span = ?
		  )
	`, string(interval), span)
	if err != nil {
		return nil, fmt.Errorf("query tickers missing indicators: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ticker id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
