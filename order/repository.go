package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const orderColumns = `order_id, maker, taker, order_type, asset_id, amount, price,
payment_method, status, cancel_reason, created_at, expires_at, min_limit, max_limit`

// Insert writes a freshly created order inside the operation's transaction.
func Insert(ctx context.Context, tx pgx.Tx, o Order) error {
	const q = `
INSERT INTO orders (order_id, maker, order_type, asset_id, amount, price,
                    payment_method, status, created_at, expires_at, min_limit, max_limit)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	if _, err := tx.Exec(ctx, q,
		o.OrderID, o.Maker, o.Type, o.AssetID, o.Amount, o.Price,
		o.PaymentMethod, o.Status, o.CreatedAt, o.ExpiresAt, o.MinLimit, o.MaxLimit,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrOrderExists
		}
		return fmt.Errorf("order: insert: %w", err)
	}
	return nil
}

// GetForUpdate row-locks the order for the duration of a transition. Two
// concurrent transitions on the same order serialize here; the loser sees
// the winner's committed state and fails its own precondition check.
func GetForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("order: lock row: %w", err)
	}
	return o, nil
}

// Save persists the mutable fields a transition may have touched.
func Save(ctx context.Context, tx pgx.Tx, o Order) error {
	const q = `
UPDATE orders
SET taker = $1, amount = $2, status = $3, cancel_reason = $4
WHERE order_id = $5
`
	tag, err := tx.Exec(ctx, q, o.Taker, o.Amount, o.Status, o.CancelReason, o.OrderID)
	if err != nil {
		return fmt.Errorf("order: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.OrderID,
		&o.Maker,
		&o.Taker,
		&o.Type,
		&o.AssetID,
		&o.Amount,
		&o.Price,
		&o.PaymentMethod,
		&o.Status,
		&o.CancelReason,
		&o.CreatedAt,
		&o.ExpiresAt,
		&o.MinLimit,
		&o.MaxLimit,
	)
	if err != nil {
		return Order{}, err
	}
	return o, nil
}
