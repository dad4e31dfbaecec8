package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/store"
)

// Ledger implements domain.Ledger on SQLite. The single connection
// serializes every transaction, so Lock* methods are plain reads.
type Ledger struct {
	db     *sql.DB
	policy store.RetryPolicy
	logger *slog.Logger
}

// NewLedger creates a Ledger over an opened database.
func NewLedger(d *DB, policy store.RetryPolicy, logger *slog.Logger) *Ledger {
	return &Ledger{db: d.db, policy: policy, logger: logger}
}

// InTx runs fn in a write transaction, retrying while the database is busy.
func (l *Ledger) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return store.Retry(ctx, l.policy, l.logger, isRetryable, func() error {
		return l.run(ctx, fn)
	})
}

// ReadTx runs fn in a transaction that is rolled back afterwards.
func (l *Ledger) ReadTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return store.Retry(ctx, l.policy, l.logger, isRetryable, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin read: %w", err)
		}
		defer tx.Rollback()
		return fn(&ledgerTx{tx: tx})
	})
}

func (l *Ledger) run(ctx context.Context, fn func(tx domain.LedgerTx) error) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

func isRetryable(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func isCheckViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT_CHECK
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE)
}

// ledgerTx implements domain.LedgerTx over one database/sql transaction.
type ledgerTx struct {
	tx *sql.Tx
}

var _ domain.LedgerTx = (*ledgerTx)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// appendListOpts adds since/until/limit/offset clauses and a descending
// order on col, which holds unix nanoseconds.
func appendListOpts(query string, args []any, opts domain.ListOpts, col string) (string, []any) {
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= ?", col)
		args = append(args, nanos(*opts.Since))
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= ?", col)
		args = append(args, nanos(*opts.Until))
	}

	query += fmt.Sprintf(" ORDER BY %s DESC, id DESC", col)

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args
}
