package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/store"
)

// SQLSTATE codes that mean "run the unit of work again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeCheckViolation       = "23514"
	codeUniqueViolation      = "23505"
)

// Ledger implements domain.Ledger on PostgreSQL. Writes run at READ COMMITTED
// and rely on explicit FOR UPDATE row locks; reads run in a REPEATABLE READ
// snapshot.
type Ledger struct {
	pool   *pgxpool.Pool
	policy store.RetryPolicy
	logger *slog.Logger
}

// NewLedger creates a Ledger backed by the given pool.
func NewLedger(pool *pgxpool.Pool, policy store.RetryPolicy, logger *slog.Logger) *Ledger {
	return &Ledger{pool: pool, policy: policy, logger: logger}
}

// InTx runs fn in a read-write transaction, retrying on serialization
// failures, deadlocks and lock timeouts.
func (l *Ledger) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}
	return store.Retry(ctx, l.policy, l.logger, isRetryable, func() error {
		return l.run(ctx, opts, fn)
	})
}

// ReadTx runs fn in a read-only snapshot.
func (l *Ledger) ReadTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return store.Retry(ctx, l.policy, l.logger, isRetryable, func() error {
		return l.run(ctx, opts, fn)
	})
}

func (l *Ledger) run(ctx context.Context, opts pgx.TxOptions, fn func(tx domain.LedgerTx) error) (err error) {
	tx, err := l.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// ledgerTx implements domain.LedgerTx over one pgx transaction.
type ledgerTx struct {
	tx pgx.Tx
}

var _ domain.LedgerTx = (*ledgerTx)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// appendListOpts adds the since/until/limit/offset clauses and
// a descending order on col.
func appendListOpts(query string, args []any, opts domain.ListOpts, col string) (string, []any) {
	argIdx := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", col, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", col, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY %s DESC, id DESC", col)

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
