package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

const balanceSelectCols = `user_id, coin, fiat, updated_at`

func scanBalance(row rowScanner) (domain.Balance, error) {
	var b domain.Balance
	var coin, fiat int64
	if err := row.Scan(&b.UserID, &coin, &fiat, &b.UpdatedAt); err != nil {
		return domain.Balance{}, err
	}
	b.Coin = money.Amount(coin)
	b.Fiat = money.Amount(fiat)
	return b, nil
}

// GetBalance returns the user's balance; a user without a row has zero.
func (t *ledgerTx) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+balanceSelectCols+` FROM balances WHERE user_id = $1`, userID)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balance{UserID: userID}, nil
		}
		return domain.Balance{}, fmt.Errorf("postgres: get balance %s: %w", userID, err)
	}
	return b, nil
}

// LockBalance creates the balance row if missing and locks it.
func (t *ledgerTx) LockBalance(ctx context.Context, userID string) (domain.Balance, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID); err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: ensure balance %s: %w", userID, err)
	}

	row := t.tx.QueryRow(ctx,
		`SELECT `+balanceSelectCols+` FROM balances WHERE user_id = $1 FOR UPDATE`, userID)
	b, err := scanBalance(row)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: lock balance %s: %w", userID, err)
	}
	return b, nil
}

// AppendTransaction inserts the ledger row and applies it to the balance.
// The balances CHECK constraint turns an overdraft into
// ErrInsufficientBalance.
func (t *ledgerTx) AppendTransaction(ctx context.Context, tr domain.Transaction) error {
	const insertTx = `
		INSERT INTO transactions (
			id, user_id, amount, currency, category, description,
			market_id, order_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)`

	if _, err := t.tx.Exec(ctx, insertTx,
		tr.ID, tr.UserID, int64(tr.Amount), string(tr.Currency), string(tr.Category),
		tr.Description, tr.MarketID, tr.OrderID, tr.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert transaction %s: %w", tr.ID, err)
	}

	var coin, fiat int64
	switch tr.Currency {
	case money.Coin:
		coin = int64(tr.Amount)
	case money.Fiat:
		fiat = int64(tr.Amount)
	default:
		return fmt.Errorf("postgres: transaction %s currency %q: %w", tr.ID, tr.Currency, domain.ErrInvalidAmount)
	}

	// The delta is applied with a plain UPDATE: an upsert would check the
	// non-negative constraint against the proposed insert row instead.
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		tr.UserID); err != nil {
		return fmt.Errorf("postgres: ensure balance %s: %w", tr.UserID, err)
	}

	const applyBalance = `
		UPDATE balances SET coin = coin + $1, fiat = fiat + $2, updated_at = $3
		WHERE user_id = $4`

	if _, err := t.tx.Exec(ctx, applyBalance, coin, fiat, tr.CreatedAt, tr.UserID); err != nil {
		if isCode(err, codeCheckViolation) {
			return fmt.Errorf("postgres: apply transaction %s: %w", tr.ID, domain.ErrInsufficientBalance)
		}
		return fmt.Errorf("postgres: apply transaction %s: %w", tr.ID, err)
	}
	return nil
}

const txSelectCols = `id, user_id, amount, currency, category, description,
	COALESCE(market_id, ''), COALESCE(order_id, ''), created_at`

func scanTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		var tr domain.Transaction
		var amount int64
		var currency, category string
		if err := rows.Scan(
			&tr.ID, &tr.UserID, &amount, &currency, &category, &tr.Description,
			&tr.MarketID, &tr.OrderID, &tr.CreatedAt,
		); err != nil {
			return nil, err
		}
		tr.Amount = money.Amount(amount)
		tr.Currency = money.Currency(currency)
		tr.Category = domain.TxCategory(category)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListTransactions returns a user's ledger, newest first.
func (t *ledgerTx) ListTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	query, args := appendListOpts(
		`SELECT `+txSelectCols+` FROM transactions WHERE user_id = $1`,
		[]any{userID}, opts, "created_at")

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	out, err := scanTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions: %w", err)
	}
	return out, nil
}

// ListTransactionsBetween returns every transaction in [from, to), oldest
// first.
func (t *ledgerTx) ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+txSelectCols+` FROM transactions
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at, id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions between: %w", err)
	}
	out, err := scanTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions between: %w", err)
	}
	return out, nil
}

// ListBalances pages balances by ascending user id.
func (t *ledgerTx) ListBalances(ctx context.Context, afterUserID string, limit int) ([]domain.Balance, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+balanceSelectCols+` FROM balances
		 WHERE user_id > $1 ORDER BY user_id LIMIT $2`, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances: %w", err)
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list balances rows: %w", err)
	}
	return out, nil
}

// SumTransactions totals the ledger per user and currency for user ids in
// (afterUserID, throughUserID].
func (t *ledgerTx) SumTransactions(ctx context.Context, afterUserID, throughUserID string) ([]domain.LedgerSum, error) {
	where := `user_id > $1`
	args := []any{afterUserID}
	if throughUserID != "" {
		where += ` AND user_id <= $2`
		args = append(args, throughUserID)
	}
	return t.sumTransactions(ctx, where, args...)
}

// SumUserTransactions totals one user's ledger per currency.
func (t *ledgerTx) SumUserTransactions(ctx context.Context, userID string) ([]domain.LedgerSum, error) {
	return t.sumTransactions(ctx, `user_id = $1`, userID)
}

func (t *ledgerTx) sumTransactions(ctx context.Context, where string, args ...any) ([]domain.LedgerSum, error) {
	query := `SELECT user_id, currency, SUM(amount)::bigint FROM transactions WHERE ` + where +
		` GROUP BY user_id, currency ORDER BY user_id, currency`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: sum transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerSum
	for rows.Next() {
		var s domain.LedgerSum
		var currency string
		var total int64
		if err := rows.Scan(&s.UserID, &currency, &total); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger sum: %w", err)
		}
		s.Currency = money.Currency(currency)
		s.Total = money.Amount(total)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: sum transactions rows: %w", err)
	}
	return out, nil
}

// OverwriteBalance replaces one balance component without a ledger entry.
func (t *ledgerTx) OverwriteBalance(ctx context.Context, userID string, currency money.Currency, amount money.Amount) error {
	var query string
	switch currency {
	case money.Coin:
		query = `INSERT INTO balances (user_id, coin, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET coin = EXCLUDED.coin, updated_at = NOW()`
	case money.Fiat:
		query = `INSERT INTO balances (user_id, fiat, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET fiat = EXCLUDED.fiat, updated_at = NOW()`
	default:
		return fmt.Errorf("postgres: overwrite balance currency %q: %w", currency, domain.ErrInvalidAmount)
	}

	if _, err := t.tx.Exec(ctx, query, userID, int64(amount)); err != nil {
		if isCode(err, codeCheckViolation) {
			return fmt.Errorf("postgres: overwrite balance %s: %w", userID, domain.ErrLedgerInvariant)
		}
		return fmt.Errorf("postgres: overwrite balance %s: %w", userID, err)
	}
	return nil
}
