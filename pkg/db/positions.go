package db

import (
	"context"
	"database/sql"
	"fmt"
)

// SavePositionSnapshot records the set of tickers currently held by an
// account as one timestamped check.
func (d *Database) SavePositionSnapshot(ctx context.Context, accountID string, tickerIDs []int64) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin position snapshot: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO position_checks (account_id) VALUES (?)`, accountID)
	if err != nil {
		return fmt.Errorf("insert position check: %w", err)
	}
	checkID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("position check id: %w", err)
	}

	for _, id := range tickerIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO position_rows (check_id, ticker_id) VALUES (?, ?)`, checkID, id); err != nil {
			return fmt.Errorf("insert position row: %w", err)
		}
	}
	return tx.Commit()
}

// LatestPositionSnapshot returns the ticker set from the most recent check
// for an account. A missing snapshot returns an empty set.
func (d *Database) LatestPositionSnapshot(ctx context.Context, accountID string) (map[int64]bool, error) {
	var checkID int64
	err := d.DB.QueryRowContext(ctx, `
		SELECT check_id FROM position_checks
		WHERE account_id = ?
		ORDER BY check_id DESC LIMIT 1
	`, accountID).Scan(&checkID)
	if err == sql.ErrNoRows {
		return map[int64]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest position check: %w", err)
	}

	rows, err := d.DB.QueryContext(ctx,
		`SELECT ticker_id FROM position_rows WHERE check_id = ?`, checkID)
	if err != nil {
		return nil, fmt.Errorf("query position rows: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
