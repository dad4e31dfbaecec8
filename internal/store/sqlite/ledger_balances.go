package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

const balanceSelectCols = `user_id, coin, fiat, updated_at`

func scanBalance(row rowScanner) (domain.Balance, error) {
	var b domain.Balance
	var coin, fiat, updatedAt int64
	if err := row.Scan(&b.UserID, &coin, &fiat, &updatedAt); err != nil {
		return domain.Balance{}, err
	}
	b.Coin = money.Amount(coin)
	b.Fiat = money.Amount(fiat)
	b.UpdatedAt = fromNanos(updatedAt)
	return b, nil
}

// GetBalance returns the user's balance; a user without a row has zero.
func (t *ledgerTx) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+balanceSelectCols+` FROM balances WHERE user_id = ?`, userID)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Balance{UserID: userID}, nil
		}
		return domain.Balance{}, fmt.Errorf("sqlite: get balance %s: %w", userID, err)
	}
	return b, nil
}

// LockBalance creates the balance row if missing and reads it.
func (t *ledgerTx) LockBalance(ctx context.Context, userID string) (domain.Balance, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, updated_at) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, nanos(time.Now())); err != nil {
		return domain.Balance{}, fmt.Errorf("sqlite: ensure balance %s: %w", userID, err)
	}
	return t.GetBalance(ctx, userID)
}

// AppendTransaction inserts the ledger row and applies it to the balance.
// The balances CHECK constraint turns an overdraft into
// ErrInsufficientBalance.
func (t *ledgerTx) AppendTransaction(ctx context.Context, tr domain.Transaction) error {
	var coin, fiat int64
	switch tr.Currency {
	case money.Coin:
		coin = int64(tr.Amount)
	case money.Fiat:
		fiat = int64(tr.Amount)
	default:
		return fmt.Errorf("sqlite: transaction %s currency %q: %w", tr.ID, tr.Currency, domain.ErrInvalidAmount)
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, amount, currency, category, description,
			market_id, order_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, int64(tr.Amount), string(tr.Currency), string(tr.Category),
		tr.Description, tr.MarketID, tr.OrderID, nanos(tr.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: insert transaction %s: %w", tr.ID, err)
	}

	// The delta is applied with a plain UPDATE: an upsert would check the
	// non-negative constraint against the proposed insert row instead.
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO balances (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`,
		tr.UserID); err != nil {
		return fmt.Errorf("sqlite: ensure balance %s: %w", tr.UserID, err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET coin = coin + ?, fiat = fiat + ?, updated_at = ?
		WHERE user_id = ?`,
		coin, fiat, nanos(tr.CreatedAt), tr.UserID,
	); err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("sqlite: apply transaction %s: %w", tr.ID, domain.ErrInsufficientBalance)
		}
		return fmt.Errorf("sqlite: apply transaction %s: %w", tr.ID, err)
	}
	return nil
}

const txSelectCols = `id, user_id, amount, currency, category, description,
	market_id, order_id, created_at`

func (t *ledgerTx) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var tr domain.Transaction
		var amount, createdAt int64
		var currency, category string
		if err := rows.Scan(
			&tr.ID, &tr.UserID, &amount, &currency, &category, &tr.Description,
			&tr.MarketID, &tr.OrderID, &createdAt,
		); err != nil {
			return nil, err
		}
		tr.Amount = money.Amount(amount)
		tr.Currency = money.Currency(currency)
		tr.Category = domain.TxCategory(category)
		tr.CreatedAt = fromNanos(createdAt)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListTransactions returns a user's ledger, newest first.
func (t *ledgerTx) ListTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	query, args := appendListOpts(
		`SELECT `+txSelectCols+` FROM transactions WHERE user_id = ?`,
		[]any{userID}, opts, "created_at")
	out, err := t.queryTransactions(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list transactions: %w", err)
	}
	return out, nil
}

// ListTransactionsBetween returns every transaction in [from, to), oldest
// first.
func (t *ledgerTx) ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	out, err := t.queryTransactions(ctx,
		`SELECT `+txSelectCols+` FROM transactions
		 WHERE created_at >= ? AND created_at < ? ORDER BY created_at, id`,
		nanos(from), nanos(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list transactions between: %w", err)
	}
	return out, nil
}

// ListBalances pages balances by ascending user id.
func (t *ledgerTx) ListBalances(ctx context.Context, afterUserID string, limit int) ([]domain.Balance, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+balanceSelectCols+` FROM balances
		 WHERE user_id > ? ORDER BY user_id LIMIT ?`, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list balances: %w", err)
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan balance: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list balances rows: %w", err)
	}
	return out, nil
}

// SumTransactions totals the ledger per user and currency for user ids in
// (afterUserID, throughUserID].
func (t *ledgerTx) SumTransactions(ctx context.Context, afterUserID, throughUserID string) ([]domain.LedgerSum, error) {
	where := `user_id > ?`
	args := []any{afterUserID}
	if throughUserID != "" {
		where += ` AND user_id <= ?`
		args = append(args, throughUserID)
	}
	return t.sumTransactions(ctx, where, args...)
}

// SumUserTransactions totals one user's ledger per currency.
func (t *ledgerTx) SumUserTransactions(ctx context.Context, userID string) ([]domain.LedgerSum, error) {
	return t.sumTransactions(ctx, `user_id = ?`, userID)
}

func (t *ledgerTx) sumTransactions(ctx context.Context, where string, args ...any) ([]domain.LedgerSum, error) {
	query := `SELECT user_id, currency, SUM(amount) FROM transactions WHERE ` + where +
		` GROUP BY user_id, currency ORDER BY user_id, currency`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: sum transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerSum
	for rows.Next() {
		var s domain.LedgerSum
		var currency string
		var total int64
		if err := rows.Scan(&s.UserID, &currency, &total); err != nil {
			return nil, fmt.Errorf("sqlite: scan ledger sum: %w", err)
		}
		s.Currency = money.Currency(currency)
		s.Total = money.Amount(total)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: sum transactions rows: %w", err)
	}
	return out, nil
}

// OverwriteBalance replaces one balance component without a ledger entry.
func (t *ledgerTx) OverwriteBalance(ctx context.Context, userID string, currency money.Currency, amount money.Amount) error {
	var query string
	switch currency {
	case money.Coin:
		query = `INSERT INTO balances (user_id, coin, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET coin = excluded.coin, updated_at = excluded.updated_at`
	case money.Fiat:
		query = `INSERT INTO balances (user_id, fiat, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET fiat = excluded.fiat, updated_at = excluded.updated_at`
	default:
		return fmt.Errorf("sqlite: overwrite balance currency %q: %w", currency, domain.ErrInvalidAmount)
	}

	if _, err := t.tx.ExecContext(ctx, query, userID, int64(amount), nanos(time.Now())); err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("sqlite: overwrite balance %s: %w", userID, domain.ErrLedgerInvariant)
		}
		return fmt.Errorf("sqlite: overwrite balance %s: %w", userID, err)
	}
	return nil
}
