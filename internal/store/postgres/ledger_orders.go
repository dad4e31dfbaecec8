package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

const orderSelectCols = `id, market_id, user_id, option_index, quantity,
	entry_multiple::text, status, cashout_amount, payout, created_at, closed_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var qty int64
	var multiple, status string
	var cashout, payout *int64

	err := row.Scan(
		&o.ID, &o.MarketID, &o.UserID, &o.Option, &qty,
		&multiple, &status, &cashout, &payout, &o.CreatedAt, &o.ClosedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Quantity = money.Amount(qty)
	o.Status = domain.OrderStatus(status)
	if o.EntryMultiple, err = decimal.NewFromString(multiple); err != nil {
		return domain.Order{}, fmt.Errorf("parse entry multiple %q: %w", multiple, err)
	}
	if cashout != nil {
		v := money.Amount(*cashout)
		o.CashoutAmount = &v
	}
	if payout != nil {
		v := money.Amount(*payout)
		o.Payout = &v
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
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
	const query = `
		INSERT INTO orders (
			id, market_id, user_id, option_index, quantity,
			entry_multiple, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)`

	_, err := t.tx.Exec(ctx, query,
		o.ID, o.MarketID, o.UserID, o.Option, int64(o.Quantity),
		o.EntryMultiple.String(), string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder reads an order without locking it.
func (t *ledgerTx) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return t.getOrder(ctx, id, "")
}

// LockOrder reads an order and holds its row lock until commit.
func (t *ledgerTx) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return t.getOrder(ctx, id, " FOR UPDATE")
}

func (t *ledgerTx) getOrder(ctx context.Context, id, suffix string) (domain.Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`+suffix, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// FinalizeOrder moves an active order to a terminal status. The status guard
// in the WHERE clause makes a second finalization a no-op that reports
// ErrOrderNotActive.
func (t *ledgerTx) FinalizeOrder(ctx context.Context, id string, tr domain.OrderTransition) error {
	var amount *int64
	if tr.Amount != nil {
		v := int64(*tr.Amount)
		amount = &v
	}

	var query string
	switch tr.Status {
	case domain.OrderStatusCashout:
		query = `UPDATE orders SET status = $1, cashout_amount = $2, closed_at = $3
			WHERE id = $4 AND status = 'active'`
	case domain.OrderStatusWon, domain.OrderStatusRefunded, domain.OrderStatusLost, domain.OrderStatusCancelled:
		query = `UPDATE orders SET status = $1, payout = $2, closed_at = $3
			WHERE id = $4 AND status = 'active'`
	default:
		return fmt.Errorf("postgres: finalize order %s to %q: %w", id, tr.Status, domain.ErrLedgerInvariant)
	}

	tag, err := t.tx.Exec(ctx, query, string(tr.Status), amount, tr.At, id)
	if err != nil {
		return fmt.Errorf("postgres: finalize order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finalize order %s: %w", id, domain.ErrOrderNotActive)
	}
	return nil
}

// ListActiveOrders returns the market's active orders in id order.
func (t *ledgerTx) ListActiveOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE market_id = $1 AND status = 'active'
		 ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active orders: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active orders: %w", err)
	}
	return orders, nil
}

// ListOrdersByUser returns a user's orders, newest first.
func (t *ledgerTx) ListOrdersByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := appendListOpts(
		`SELECT `+orderSelectCols+` FROM orders WHERE user_id = $1`,
		[]any{userID}, opts, "created_at")

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by user: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by user: %w", err)
	}
	return orders, nil
}

// ListOrdersByMarket returns a market's orders, newest first.
func (t *ledgerTx) ListOrdersByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := appendListOpts(
		`SELECT `+orderSelectCols+` FROM orders WHERE market_id = $1`,
		[]any{marketID}, opts, "created_at")

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by market: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by market: %w", err)
	}
	return orders, nil
}

// SumPoolOrders totals, per option, the orders whose stake is still inside
// the pool.
func (t *ledgerTx) SumPoolOrders(ctx context.Context, marketID string) (map[int]money.Amount, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT option_index, COALESCE(SUM(quantity), 0)::bigint FROM orders
		 WHERE market_id = $1 AND status IN ('active', 'won', 'lost')
		 GROUP BY option_index`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: sum pool orders: %w", err)
	}
	defer rows.Close()

	sums := make(map[int]money.Amount)
	for rows.Next() {
		var option int
		var total int64
		if err := rows.Scan(&option, &total); err != nil {
			return nil, fmt.Errorf("postgres: scan pool order sum: %w", err)
		}
		sums[option] = money.Amount(total)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: sum pool orders rows: %w", err)
	}
	return sums, nil
}
