package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

const tickerColumns = `ticker_id, name, COALESCE(figi, ''), COALESCE(class_code, ''),
       COALESCE(currency, ''), lot, min_price_increment, disable`

func scanTicker(row interface{ Scan(...any) error }) (Ticker, error) {
	var t Ticker
	err := row.Scan(&t.ID, &t.Name, &t.FIGI, &t.ClassCode, &t.Currency, &t.Lot,
		&t.MinPriceIncrement, &t.Disabled)
	return t, err
}

// TickersMissingInstrument returns tickers that still need figi resolution.
func (d *Database) TickersMissingInstrument(ctx context.Context) ([]Ticker, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+tickerColumns+`
		FROM tickers
		WHERE (figi IS NULL OR figi = '') AND disable = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("query tickers missing instrument: %w", err)
	}
	defer rows.Close()

	var out []Ticker
	for rows.Next() {
		t, err := scanTicker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticker: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TradableTickers returns enabled tickers with a resolved figi and lot size.
func (d *Database) TradableTickers(ctx context.Context) ([]Ticker, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+tickerColumns+`
		FROM tickers
		WHERE figi IS NOT NULL AND figi <> '' AND lot > 0 AND disable = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("query tradable tickers: %w", err)
	}
	defer rows.Close()

	var out []Ticker
	for rows.Next() {
		t, err := scanTicker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticker: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResolveTickerInstrument stores the broker instrument identity for a ticker.
func (d *Database) ResolveTickerInstrument(ctx context.Context, id int64, figi, classCode, currency string, lot int64, minIncrement float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE tickers
		SET figi = ?, class_code = ?, currency = ?, lot = ?, min_price_increment = ?
		WHERE ticker_id = ?
	`, figi, classCode, currency, lot, minIncrement, id)
	if err != nil {
		return fmt.Errorf("resolve ticker instrument: %w", err)
	}
	return nil
}

// TickerByID returns a ticker by its id.
func (d *Database) TickerByID(ctx context.Context, id int64) (*Ticker, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tickerColumns+` FROM tickers WHERE ticker_id = ?`, id)
	t, err := scanTicker(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ticker by id: %w", err)
	}
	return &t, nil
}

// TickerByFIGI returns a ticker by its broker instrument id.
func (d *Database) TickerByFIGI(ctx context.Context, figi string) (*Ticker, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tickerColumns+` FROM tickers WHERE figi = ?`, figi)
	t, err := scanTicker(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ticker by figi: %w", err)
	}
	return &t, nil
}

// AddTicker creates a ticker row with just a name; duplicate names are no-ops.
func (d *Database) AddTicker(ctx context.Context, name string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO tickers (name) VALUES (?)
		ON CONFLICT(name) DO NOTHING
	`, name)
	if err != nil {
		return fmt.Errorf("add ticker: %w", err)
	}
	return nil
}

// Account returns the broker account id bound to a local user.
func (d *Database) Account(ctx context.Context, userID int64) (string, error) {
	var accountID string
	err := d.DB.QueryRowContext(ctx,
		`SELECT account_id FROM accounts WHERE user_id = ?`, userID).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query account: %w", err)
	}
	return accountID, nil
}

// SetAccount binds a broker account id to a local user.
func (d *Database) SetAccount(ctx context.Context, userID int64, accountID string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (user_id, account_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET account_id = excluded.account_id
	`, userID, accountID)
	if err != nil {
		return fmt.Errorf("set account: %w", err)
	}
	return nil
}
