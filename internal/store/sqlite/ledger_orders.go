package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

const orderSelectCols = `id, market_id, user_id, option_index, quantity,
	entry_multiple, status, cashout_amount, payout, created_at, closed_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var qty, createdAt int64
	var multiple, status string
	var cashout, payout, closedAt sql.NullInt64

	err := row.Scan(
		&o.ID, &o.MarketID, &o.UserID, &o.Option, &qty,
		&multiple, &status, &cashout, &payout, &createdAt, &closedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Quantity = money.Amount(qty)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = fromNanos(createdAt)
	o.ClosedAt = fromNullNanos(closedAt)
	if o.EntryMultiple, err = decimal.NewFromString(multiple); err != nil {
		return domain.Order{}, fmt.Errorf("parse entry multiple %q: %w", multiple, err)
	}
	if cashout.Valid {
		v := money.Amount(cashout.Int64)
		o.CashoutAmount = &v
	}
	if payout.Valid {
		v := money.Amount(payout.Int64)
		o.Payout = &v
	}
	return o, nil
}

func (t *ledgerTx) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// InsertOrder stores a new active order.
func (t *ledgerTx) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, market_id, user_id, option_index, quantity,
			entry_multiple, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.MarketID, o.UserID, o.Option, int64(o.Quantity),
		o.EntryMultiple.String(), string(o.Status), nanos(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder reads an order.
func (t *ledgerTx) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("sqlite: get order %s: %w", id, err)
	}
	return o, nil
}

// LockOrder is GetOrder; the connection is already exclusive.
func (t *ledgerTx) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return t.GetOrder(ctx, id)
}

// FinalizeOrder moves an active order to a terminal status.
func (t *ledgerTx) FinalizeOrder(ctx context.Context, id string, tr domain.OrderTransition) error {
	var amount any
	if tr.Amount != nil {
		amount = int64(*tr.Amount)
	}

	var query string
	switch tr.Status {
	case domain.OrderStatusCashout:
		query = `UPDATE orders SET status = ?, cashout_amount = ?, closed_at = ?
			WHERE id = ? AND status = 'active'`
	case domain.OrderStatusWon, domain.OrderStatusRefunded, domain.OrderStatusLost, domain.OrderStatusCancelled:
		query = `UPDATE orders SET status = ?, payout = ?, closed_at = ?
			WHERE id = ? AND status = 'active'`
	default:
		return fmt.Errorf("sqlite: finalize order %s to %q: %w", id, tr.Status, domain.ErrLedgerInvariant)
	}

	res, err := t.tx.ExecContext(ctx, query, string(tr.Status), amount, nanos(tr.At), id)
	if err != nil {
		return fmt.Errorf("sqlite: finalize order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: finalize order %s: %w", id, domain.ErrOrderNotActive)
	}
	return nil
}

// ListActiveOrders returns the market's active orders in id order.
func (t *ledgerTx) ListActiveOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	orders, err := t.queryOrders(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE market_id = ? AND status = 'active' ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active orders: %w", err)
	}
	return orders, nil
}

// ListOrdersByUser returns a user's orders, newest first.
func (t *ledgerTx) ListOrdersByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := appendListOpts(
		`SELECT `+orderSelectCols+` FROM orders WHERE user_id = ?`,
		[]any{userID}, opts, "created_at")
	orders, err := t.queryOrders(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders by user: %w", err)
	}
	return orders, nil
}

// ListOrdersByMarket returns a market's orders, newest first.
func (t *ledgerTx) ListOrdersByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := appendListOpts(
		`SELECT `+orderSelectCols+` FROM orders WHERE market_id = ?`,
		[]any{marketID}, opts, "created_at")
	orders, err := t.queryOrders(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders by market: %w", err)
	}
	return orders, nil
}

// SumPoolOrders totals, per option, the orders whose stake is still inside
// the pool.
func (t *ledgerTx) SumPoolOrders(ctx context.Context, marketID string) (map[int]money.Amount, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT option_index, COALESCE(SUM(quantity), 0) FROM orders
		 WHERE market_id = ? AND status IN ('active', 'won', 'lost')
		 GROUP BY option_index`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: sum pool orders: %w", err)
	}
	defer rows.Close()

	sums := make(map[int]money.Amount)
	for rows.Next() {
		var option int
		var total int64
		if err := rows.Scan(&option, &total); err != nil {
			return nil, fmt.Errorf("sqlite: scan pool order sum: %w", err)
		}
		sums[option] = money.Amount(total)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: sum pool orders rows: %w", err)
	}
	return sums, nil
}
