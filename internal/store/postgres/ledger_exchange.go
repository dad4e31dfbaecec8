package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// InsertExchangeOrder records an executed conversion.
func (t *ledgerTx) InsertExchangeOrder(ctx context.Context, e domain.ExchangeOrder) error {
	const query = `
		INSERT INTO exchange_orders (
			id, user_id, side, source_amount, source_currency,
			counter_amount, counter_currency, price, fee, status,
			limit_order_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, NULLIF($11, ''), $12)`

	_, err := t.tx.Exec(ctx, query,
		e.ID, e.UserID, string(e.Side), int64(e.SourceAmount), string(e.SourceCurrency),
		int64(e.CounterAmount), string(e.CounterCurrency), e.Price.String(), int64(e.Fee),
		string(e.Status), e.LimitOrderID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert exchange order %s: %w", e.ID, err)
	}
	return nil
}

// ListExchangeOrders returns a user's conversions, newest first.
func (t *ledgerTx) ListExchangeOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.ExchangeOrder, error) {
	query, args := appendListOpts(`
		SELECT id, user_id, side, source_amount, source_currency,
			counter_amount, counter_currency, price::text, fee, status,
			COALESCE(limit_order_id, ''), created_at
		FROM exchange_orders WHERE user_id = $1`,
		[]any{userID}, opts, "created_at")

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exchange orders: %w", err)
	}
	defer rows.Close()

	var out []domain.ExchangeOrder
	for rows.Next() {
		var e domain.ExchangeOrder
		var side, srcCur, cntCur, price, status string
		var src, cnt, fee int64
		if err := rows.Scan(
			&e.ID, &e.UserID, &side, &src, &srcCur,
			&cnt, &cntCur, &price, &fee, &status,
			&e.LimitOrderID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan exchange order: %w", err)
		}
		e.Side = domain.Side(side)
		e.SourceAmount = money.Amount(src)
		e.SourceCurrency = money.Currency(srcCur)
		e.CounterAmount = money.Amount(cnt)
		e.CounterCurrency = money.Currency(cntCur)
		e.Fee = money.Amount(fee)
		e.Status = domain.ExchangeOrderStatus(status)
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: parse exchange price %q: %w", price, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list exchange orders rows: %w", err)
	}
	return out, nil
}

const limitSelectCols = `id, user_id, side, input_amount, input_currency, reserved,
	limit_price::text, fee_pct::text, expires_at, status, execution_price::text,
	created_at, closed_at`

func scanLimitOrder(row rowScanner) (domain.LimitOrder, error) {
	var l domain.LimitOrder
	var side, inputCur, limitPrice, feePct, status string
	var input, reserved int64
	var execPrice *string

	err := row.Scan(
		&l.ID, &l.UserID, &side, &input, &inputCur, &reserved,
		&limitPrice, &feePct, &l.ExpiresAt, &status, &execPrice,
		&l.CreatedAt, &l.ClosedAt,
	)
	if err != nil {
		return domain.LimitOrder{}, err
	}

	l.Side = domain.Side(side)
	l.InputAmount = money.Amount(input)
	l.InputCurrency = money.Currency(inputCur)
	l.Reserved = money.Amount(reserved)
	l.Status = domain.LimitOrderStatus(status)
	if l.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return domain.LimitOrder{}, fmt.Errorf("parse limit price %q: %w", limitPrice, err)
	}
	if l.FeePct, err = decimal.NewFromString(feePct); err != nil {
		return domain.LimitOrder{}, fmt.Errorf("parse fee pct %q: %w", feePct, err)
	}
	if execPrice != nil {
		d, err := decimal.NewFromString(*execPrice)
		if err != nil {
			return domain.LimitOrder{}, fmt.Errorf("parse execution price %q: %w", *execPrice, err)
		}
		l.ExecutionPrice = &d
	}
	return l, nil
}

func scanLimitOrders(rows pgx.Rows) ([]domain.LimitOrder, error) {
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
	const query = `
		INSERT INTO limit_orders (
			id, user_id, side, input_amount, input_currency, reserved,
			limit_price, fee_pct, expires_at, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11)`

	_, err := t.tx.Exec(ctx, query,
		l.ID, l.UserID, string(l.Side), int64(l.InputAmount), string(l.InputCurrency),
		int64(l.Reserved), l.LimitPrice.String(), l.FeePct.String(), l.ExpiresAt,
		string(l.Status), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert limit order %s: %w", l.ID, err)
	}
	return nil
}

// GetLimitOrder reads a limit order without locking it.
func (t *ledgerTx) GetLimitOrder(ctx context.Context, id string) (domain.LimitOrder, error) {
	return t.getLimitOrder(ctx, id, "")
}

// LockLimitOrder reads a limit order and holds its row lock until commit.
func (t *ledgerTx) LockLimitOrder(ctx context.Context, id string) (domain.LimitOrder, error) {
	return t.getLimitOrder(ctx, id, " FOR UPDATE")
}

func (t *ledgerTx) getLimitOrder(ctx context.Context, id, suffix string) (domain.LimitOrder, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+limitSelectCols+` FROM limit_orders WHERE id = $1`+suffix, id)
	l, err := scanLimitOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LimitOrder{}, domain.ErrNotFound
		}
		return domain.LimitOrder{}, fmt.Errorf("postgres: get limit order %s: %w", id, err)
	}
	return l, nil
}

// LockActiveLimitOrders claims a page of active orders after afterID. SKIP
// LOCKED lets several sweepers work side by side without blocking on each
// other.
func (t *ledgerTx) LockActiveLimitOrders(ctx context.Context, afterID string, limit int) ([]domain.LimitOrder, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+limitSelectCols+` FROM limit_orders
		 WHERE status = 'active' AND id > $1
		 ORDER BY id
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock active limit orders: %w", err)
	}
	out, err := scanLimitOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active limit orders: %w", err)
	}
	return out, nil
}

// FinalizeLimitOrder closes an active limit order.
func (t *ledgerTx) FinalizeLimitOrder(ctx context.Context, id string, status domain.LimitOrderStatus, price *decimal.Decimal, at time.Time) error {
	var priceStr *string
	if price != nil {
		s := price.String()
		priceStr = &s
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE limit_orders SET status = $1, execution_price = $2::numeric, closed_at = $3
		 WHERE id = $4 AND status = 'active'`,
		string(status), priceStr, at, id)
	if err != nil {
		return fmt.Errorf("postgres: finalize limit order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finalize limit order %s: %w", id, domain.ErrOrderNotActive)
	}
	return nil
}

// ListLimitOrders returns a user's limit orders, newest first.
func (t *ledgerTx) ListLimitOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LimitOrder, error) {
	query, args := appendListOpts(
		`SELECT `+limitSelectCols+` FROM limit_orders WHERE user_id = $1`,
		[]any{userID}, opts, "created_at")

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list limit orders: %w", err)
	}
	out, err := scanLimitOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan limit orders: %w", err)
	}
	return out, nil
}
