package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

const marketSelectCols = `id, title, category, periodicity, options, status,
	end_time, resolution, created_at, closed_at, settled_at`

func scanMarket(row rowScanner) (domain.Market, error) {
	var m domain.Market
	var options, status string
	var endTime, createdAt int64
	var closedAt, settledAt sql.NullInt64

	err := row.Scan(
		&m.ID, &m.Title, &m.Category, &m.Periodicity, &options, &status,
		&endTime, &m.Resolution, &createdAt, &closedAt, &settledAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.EndTime = fromNanos(endTime)
	m.CreatedAt = fromNanos(createdAt)
	m.ClosedAt = fromNullNanos(closedAt)
	m.SettledAt = fromNullNanos(settledAt)
	if err := json.Unmarshal([]byte(options), &m.Options); err != nil {
		return domain.Market{}, fmt.Errorf("unmarshal options: %w", err)
	}
	return m, nil
}

// CreateMarket inserts the market and one zero pool row per option.
func (t *ledgerTx) CreateMarket(ctx context.Context, m domain.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("sqlite: marshal market options: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO markets (
			id, title, category, periodicity, options, status,
			end_time, resolution, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.Category, m.Periodicity, string(options), string(m.Status),
		nanos(m.EndTime), m.Resolution, nanos(m.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create market %s: %w", m.ID, err)
	}

	for i := range m.Options {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO pools (market_id, option_index, total) VALUES (?, ?, 0)`,
			m.ID, i,
		); err != nil {
			return fmt.Errorf("sqlite: create pool %s/%d: %w", m.ID, i, err)
		}
	}
	return nil
}

// GetMarket reads a market.
func (t *ledgerTx) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = ?`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	return m, nil
}

// LockMarket is GetMarket; the connection is already exclusive.
func (t *ledgerTx) LockMarket(ctx context.Context, id string) (domain.Market, error) {
	return t.GetMarket(ctx, id)
}

// SetMarketStatus moves a market forward and stamps the matching timestamp.
func (t *ledgerTx) SetMarketStatus(ctx context.Context, id string, status domain.MarketStatus, resolution string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	switch status {
	case domain.MarketStatusClosed:
		res, err = t.tx.ExecContext(ctx,
			`UPDATE markets SET status = ?, closed_at = ? WHERE id = ? AND status = 'open'`,
			string(status), nanos(at), id)
	case domain.MarketStatusSettled:
		res, err = t.tx.ExecContext(ctx,
			`UPDATE markets SET status = ?, settled_at = ?, resolution = ?,
				closed_at = COALESCE(closed_at, ?) WHERE id = ? AND status <> 'settled'`,
			string(status), nanos(at), resolution, nanos(at), id)
	default:
		return fmt.Errorf("sqlite: set market %s status %q: %w", id, status, domain.ErrInvalidMarket)
	}
	if err != nil {
		return fmt.Errorf("sqlite: set market %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: set market %s status %s: %w", id, status, domain.ErrConflict)
	}
	return nil
}

// ListMarkets returns markets, optionally filtered by status.
func (t *ledgerTx) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE 1=1`
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query, args = appendListOpts(query, args, opts, "created_at")

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list markets rows: %w", err)
	}
	return markets, nil
}

// Pools returns the market's pools ordered by option.
func (t *ledgerTx) Pools(ctx context.Context, marketID string) ([]domain.Pool, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT option_index, total FROM pools WHERE market_id = ? ORDER BY option_index`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pools %s: %w", marketID, err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		var p domain.Pool
		var total int64
		if err := rows.Scan(&p.Option, &total); err != nil {
			return nil, fmt.Errorf("sqlite: scan pool: %w", err)
		}
		p.MarketID = marketID
		p.Total = money.Amount(total)
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: pools rows: %w", err)
	}
	return pools, nil
}

// AdjustPool adds delta to one pool; the CHECK constraint rejects a negative
// result.
func (t *ledgerTx) AdjustPool(ctx context.Context, marketID string, option int, delta money.Amount) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE pools SET total = total + ? WHERE market_id = ? AND option_index = ?`,
		int64(delta), marketID, option)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("sqlite: pool %s/%d below zero: %w", marketID, option, domain.ErrLedgerInvariant)
		}
		return fmt.Errorf("sqlite: adjust pool %s/%d: %w", marketID, option, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: adjust pool %s/%d: %w", marketID, option, domain.ErrNotFound)
	}
	return nil
}
