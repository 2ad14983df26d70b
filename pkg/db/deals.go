package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// OpenDeal starts a round trip for a ticker, linked to its buy order.
// At most one open deal may exist per ticker; a second open attempt while one
// is outstanding is a no-op and reports false.
func (d *Database) OpenDeal(ctx context.Context, tickerID int64, buyOrder string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO deals (deal_id, ticker_id, buy_order, sell_order)
		SELECT ?, ?, ?, NULL
		WHERE NOT EXISTS (
			SELECT 1 FROM deals WHERE ticker_id = ? AND sell_order IS NULL
		)
	`, uuid.NewString(), tickerID, buyOrder, tickerID)
	if err != nil {
		return false, fmt.Errorf("open deal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("open deal rows affected: %w", err)
	}
	return n > 0, nil
}

// CloseDeal completes the open deal for a ticker by recording its sell order.
// A close with no open deal is a no-op and reports false; a deal is completed
// at most once.
func (d *Database) CloseDeal(ctx context.Context, tickerID int64, buyOrder, sellOrder string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE deals SET buy_order = ?, sell_order = ?
		WHERE deal_id IN (
			SELECT deal_id FROM deals
			WHERE ticker_id = ? AND sell_order IS NULL
			LIMIT 1
		)
	`, buyOrder, sellOrder, tickerID)
	if err != nil {
		return false, fmt.Errorf("close deal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close deal rows affected: %w", err)
	}
	return n > 0, nil
}

// OpenDealForTicker returns the outstanding deal for a ticker, or nil.
func (d *Database) OpenDealForTicker(ctx context.Context, tickerID int64) (*Deal, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT deal_id, ticker_id, buy_order, COALESCE(sell_order, '')
		FROM deals
		WHERE ticker_id = ? AND sell_order IS NULL
	`, tickerID)

	var deal Deal
	err := row.Scan(&deal.ID, &deal.TickerID, &deal.BuyOrder, &deal.SellOrder)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open deal: %w", err)
	}
	return &deal, nil
}

// CountOpenDeals returns the number of outstanding deals across all tickers.
func (d *Database) CountOpenDeals(ctx context.Context) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deals WHERE sell_order IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open deals: %w", err)
	}
	return n, nil
}
