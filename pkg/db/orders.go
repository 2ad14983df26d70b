package db

import (
	"context"
	"database/sql"
	"fmt"
)

const orderColumns = `order_id, account_id, figi, direction, order_type, status,
       lots_requested, lots_executed, initial_order_price, executed_order_price,
       total_order_amount, initial_commission, executed_commission,
       initial_security_price, atr, created_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	var direction string
	var createdAt sqlTime
	err := row.Scan(&o.ID, &o.AccountID, &o.FIGI, &direction, &o.OrderType, &o.Status,
		&o.LotsRequested, &o.LotsExecuted, &o.InitialOrderPrice, &o.ExecutedOrderPrice,
		&o.TotalOrderAmount, &o.InitialCommission, &o.ExecutedCommission,
		&o.InitialSecurityPrice, &o.ATR, &createdAt)
	o.Direction = Direction(direction)
	o.CreatedAt = createdAt.Time
	return o, err
}

// AddOrder stores a freshly submitted order.
func (d *Database) AddOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (order_id, account_id, figi, direction, order_type, status,
			lots_requested, lots_executed, initial_order_price, executed_order_price,
			total_order_amount, initial_commission, executed_commission,
			initial_security_price, atr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, o.ID, o.AccountID, o.FIGI, string(o.Direction), o.OrderType, o.Status,
		o.LotsRequested, o.LotsExecuted, o.InitialOrderPrice, o.ExecutedOrderPrice,
		o.TotalOrderAmount, o.InitialCommission, o.ExecutedCommission,
		o.InitialSecurityPrice, o.ATR, bindTimeOrNil(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("add order: %w", err)
	}
	return nil
}

// UpdateOrder refreshes the broker-reported fields of a mirrored order.
func (d *Database) UpdateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, lots_requested = ?, lots_executed = ?,
		    initial_order_price = ?, executed_order_price = ?, total_order_amount = ?,
		    initial_commission = ?, executed_commission = ?, initial_security_price = ?
		WHERE order_id = ?
	`, o.Status, o.LotsRequested, o.LotsExecuted,
		o.InitialOrderPrice, o.ExecutedOrderPrice, o.TotalOrderAmount,
		o.InitialCommission, o.ExecutedCommission, o.InitialSecurityPrice, o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// CancelOrder marks a local order cancelled.
func (d *Database) CancelOrder(ctx context.Context, orderID string) error {
	_, err := d.DB.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE order_id = ?`, StatusCancelled, orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

// OrderATR returns the ATR snapshot stored with an order.
func (d *Database) OrderATR(ctx context.Context, orderID string) (float64, error) {
	var atr float64
	err := d.DB.QueryRowContext(ctx,
		`SELECT atr FROM orders WHERE order_id = ?`, orderID).Scan(&atr)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query order atr: %w", err)
	}
	return atr, nil
}

// ActiveOrders returns ids of orders still resting on the book for an account.
func (d *Database) ActiveOrders(ctx context.Context, accountID string) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id FROM orders
		WHERE account_id = ? AND status IN (?, ?)
	`, accountID, StatusNew, StatusPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ActiveOrderByFIGI returns the newest active order for (account, figi,
// direction), or nil when there is none.
func (d *Database) ActiveOrderByFIGI(ctx context.Context, accountID, figi string, direction Direction) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE account_id = ? AND figi = ? AND direction = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, accountID, figi, string(direction), StatusNew, StatusPartiallyFilled)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active order: %w", err)
	}
	return &o, nil
}

// LatestOrderByDirection returns the newest order of any status for
// (account, figi, direction), or nil when there is none.
func (d *Database) LatestOrderByDirection(ctx context.Context, accountID, figi string, direction Direction) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE account_id = ? AND figi = ? AND direction = ?
		ORDER BY created_at DESC LIMIT 1
	`, accountID, figi, string(direction))

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest order: %w", err)
	}
	return &o, nil
}
