package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// InsertExchangeOrder records an executed conversion.
func (t *ledgerTx) InsertExchangeOrder(ctx context.Context, e domain.ExchangeOrder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO exchange_orders (
			id, user_id, side, source_amount, source_currency,
			counter_amount, counter_currency, price, fee, status,
			limit_order_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Side), int64(e.SourceAmount), string(e.SourceCurrency),
		int64(e.CounterAmount), string(e.CounterCurrency), e.Price.String(), int64(e.Fee),
		string(e.Status), e.LimitOrderID, nanos(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert exchange order %s: %w", e.ID, err)
	}
	return nil
}

// ListExchangeOrders returns a user's conversions, newest first.
func (t *ledgerTx) ListExchangeOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.ExchangeOrder, error) {
	query, args := appendListOpts(`
		SELECT id, user_id, side, source_amount, source_currency,
			counter_amount, counter_currency, price, fee, status,
			limit_order_id, created_at
		FROM exchange_orders WHERE user_id = ?`,
		[]any{userID}, opts, "created_at")

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list exchange orders: %w", err)
	}
	defer rows.Close()

	var out []domain.ExchangeOrder
	for rows.Next() {
		var e domain.ExchangeOrder
		var side, srcCur, cntCur, price, status string
		var src, cnt, fee, createdAt int64
		if err := rows.Scan(
			&e.ID, &e.UserID, &side, &src, &srcCur,
			&cnt, &cntCur, &price, &fee, &status,
			&e.LimitOrderID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan exchange order: %w", err)
		}
		e.Side = domain.Side(side)
		e.SourceAmount = money.Amount(src)
		e.SourceCurrency = money.Currency(srcCur)
		e.CounterAmount = money.Amount(cnt)
		e.CounterCurrency = money.Currency(cntCur)
		e.Fee = money.Amount(fee)
		e.Status = domain.ExchangeOrderStatus(status)
		e.CreatedAt = fromNanos(createdAt)
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("sqlite: parse exchange price %q: %w", price, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list exchange orders rows: %w", err)
	}
	return out, nil
}

const limitSelectCols = `id, user_id, side, input_amount, input_currency, reserved,
	limit_price, fee_pct, expires_at, status, execution_price, created_at, closed_at`

func scanLimitOrder(row rowScanner) (domain.LimitOrder, error) {
	var l domain.LimitOrder
	var side, inputCur, limitPrice, feePct, status string
	var input, reserved, expiresAt, createdAt int64
	var execPrice sql.NullString
	var closedAt sql.NullInt64

	err := row.Scan(
		&l.ID, &l.UserID, &side, &input, &inputCur, &reserved,
		&limitPrice, &feePct, &expiresAt, &status, &execPrice,
		&createdAt, &closedAt,
	)
	if err != nil {
		return domain.LimitOrder{}, err
	}

	l.Side = domain.Side(side)
	l.InputAmount = money.Amount(input)
	l.InputCurrency = money.Currency(inputCur)
	l.Reserved = money.Amount(reserved)
	l.Status = domain.LimitOrderStatus(status)
	l.ExpiresAt = fromNanos(expiresAt)
	l.CreatedAt = fromNanos(createdAt)
	l.ClosedAt = fromNullNanos(closedAt)
	if l.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return domain.LimitOrder{}, fmt.Errorf("parse limit price %q: %w", limitPrice, err)
	}
	if l.FeePct, err = decimal.NewFromString(feePct); err != nil {
		return domain.LimitOrder{}, fmt.Errorf("parse fee pct %q: %w", feePct, err)
	}
	if execPrice.Valid {
		d, err := decimal.NewFromString(execPrice.String)
		if err != nil {
			return domain.LimitOrder{}, fmt.Errorf("parse execution price %q: %w", execPrice.String, err)
		}
		l.ExecutionPrice = &d
	}
	return l, nil
}

func (t *ledgerTx) queryLimitOrders(ctx context.Context, query string, args ...any) ([]domain.LimitOrder, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LimitOrder
	for rows.Next() {
		l, err := scanLimitOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertLimitOrder stores a new active limit order.
func (t *ledgerTx) InsertLimitOrder(ctx context.Context, l domain.LimitOrder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO limit_orders (
			id, user_id, side, input_amount, input_currency, reserved,
			limit_price, fee_pct, expires_at, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, string(l.Side), int64(l.InputAmount), string(l.InputCurrency),
		int64(l.Reserved), l.LimitPrice.String(), l.FeePct.String(), nanos(l.ExpiresAt),
		string(l.Status), nanos(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert limit order %s: %w", l.ID, err)
	}
	return nil
}

// GetLimitOrder reads a limit order.
func (t *ledgerTx) GetLimitOrder(ctx context.Context, id string) (domain.LimitOrder, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+limitSelectCols+` FROM limit_orders WHERE id = ?`, id)
	l, err := scanLimitOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LimitOrder{}, domain.ErrNotFound
		}
		return domain.LimitOrder{}, fmt.Errorf("sqlite: get limit order %s: %w", id, err)
	}
	return l, nil
}

// LockLimitOrder is GetLimitOrder; the connection is already exclusive.
func (t *ledgerTx) LockLimitOrder(ctx context.Context, id string) (domain.LimitOrder, error) {
	return t.GetLimitOrder(ctx, id)
}

// LockActiveLimitOrders returns up to limit active orders with ids after
// afterID, in id order.
func (t *ledgerTx) LockActiveLimitOrders(ctx context.Context, afterID string, limit int) ([]domain.LimitOrder, error) {
	out, err := t.queryLimitOrders(ctx,
		`SELECT `+limitSelectCols+` FROM limit_orders
		 WHERE status = 'active' AND id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: lock active limit orders: %w", err)
	}
	return out, nil
}

// FinalizeLimitOrder closes an active limit order.
func (t *ledgerTx) FinalizeLimitOrder(ctx context.Context, id string, status domain.LimitOrderStatus, price *decimal.Decimal, at time.Time) error {
	var priceStr any
	if price != nil {
		priceStr = price.String()
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE limit_orders SET status = ?, execution_price = ?, closed_at = ?
		 WHERE id = ? AND status = 'active'`,
		string(status), priceStr, nanos(at), id)
	if err != nil {
		return fmt.Errorf("sqlite: finalize limit order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: finalize limit order %s: %w", id, domain.ErrOrderNotActive)
	}
	return nil
}

// ListLimitOrders returns a user's limit orders, newest first.
func (t *ledgerTx) ListLimitOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LimitOrder, error) {
	query, args := appendListOpts(
		`SELECT `+limitSelectCols+` FROM limit_orders WHERE user_id = ?`,
		[]any{userID}, opts, "created_at")
	out, err := t.queryLimitOrders(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list limit orders: %w", err)
	}
	return out, nil
}
