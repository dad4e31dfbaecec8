package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

const marketSelectCols = `id, title, category, periodicity, options, status,
	end_time, resolution, created_at, closed_at, settled_at`

func scanMarket(row rowScanner) (domain.Market, error) {
	var m domain.Market
	var options []byte
	var status string

	err := row.Scan(
		&m.ID, &m.Title, &m.Category, &m.Periodicity, &options, &status,
		&m.EndTime, &m.Resolution, &m.CreatedAt, &m.ClosedAt, &m.SettledAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if err := json.Unmarshal(options, &m.Options); err != nil {
		return domain.Market{}, fmt.Errorf("unmarshal options: %w", err)
	}
	return m, nil
}

// CreateMarket inserts the market and one zero pool row per option.
func (t *ledgerTx) CreateMarket(ctx context.Context, m domain.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("postgres: marshal market options: %w", err)
	}

	const query = `
		INSERT INTO markets (
			id, title, category, periodicity, options, status,
			end_time, resolution, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = t.tx.Exec(ctx, query,
		m.ID, m.Title, m.Category, m.Periodicity, options, string(m.Status),
		m.EndTime, m.Resolution, m.CreatedAt,
	)
	if err != nil {
		if isCode(err, codeUniqueViolation) {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}

	for i := range m.Options {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO pools (market_id, option_index, total) VALUES ($1, $2, 0)`,
			m.ID, i,
		); err != nil {
			return fmt.Errorf("postgres: create pool %s/%d: %w", m.ID, i, err)
		}
	}
	return nil
}

// GetMarket reads a market without locking it.
func (t *ledgerTx) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	return t.getMarket(ctx, id, "")
}

// LockMarket reads a market and holds its row lock until commit.
func (t *ledgerTx) LockMarket(ctx context.Context, id string) (domain.Market, error) {
	return t.getMarket(ctx, id, " FOR UPDATE")
}

func (t *ledgerTx) getMarket(ctx context.Context, id, suffix string) (domain.Market, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1`+suffix, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// SetMarketStatus moves a market forward and stamps the matching timestamp.
func (t *ledgerTx) SetMarketStatus(ctx context.Context, id string, status domain.MarketStatus, resolution string, at time.Time) error {
	var query string
	switch status {
	case domain.MarketStatusClosed:
		query = `UPDATE markets SET status = $1, closed_at = $2 WHERE id = $3 AND status = 'open'`
	case domain.MarketStatusSettled:
		query = `UPDATE markets SET status = $1, settled_at = $2, resolution = $4,
			closed_at = COALESCE(closed_at, $2) WHERE id = $3 AND status <> 'settled'`
	default:
		return fmt.Errorf("postgres: set market %s status %q: %w", id, status, domain.ErrInvalidMarket)
	}

	args := []any{string(status), at, id}
	if status == domain.MarketStatusSettled {
		args = append(args, resolution)
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: set market %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: set market %s status %s: %w", id, status, domain.ErrConflict)
	}
	return nil
}

// ListMarkets returns markets, optionally filtered by status.
func (t *ledgerTx) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE 1=1`
	args := []any{}
	if status != "" {
		query += " AND status = $1"
		args = append(args, string(status))
	}
	query, args = appendListOpts(query, args, opts, "created_at")

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// Pools returns the market's pools ordered by option.
func (t *ledgerTx) Pools(ctx context.Context, marketID string) ([]domain.Pool, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT option_index, total FROM pools WHERE market_id = $1 ORDER BY option_index`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: pools %s: %w", marketID, err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		var p domain.Pool
		var total int64
		if err := rows.Scan(&p.Option, &total); err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		p.MarketID = marketID
		p.Total = money.Amount(total)
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: pools rows: %w", err)
	}
	return pools, nil
}

// AdjustPool adds delta to one pool; the CHECK constraint rejects a negative
// result.
func (t *ledgerTx) AdjustPool(ctx context.Context, marketID string, option int, delta money.Amount) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE pools SET total = total + $1 WHERE market_id = $2 AND option_index = $3`,
		int64(delta), marketID, option)
	if err != nil {
		if isCode(err, codeCheckViolation) {
			return fmt.Errorf("postgres: pool %s/%d below zero: %w", marketID, option, domain.ErrLedgerInvariant)
		}
		return fmt.Errorf("postgres: adjust pool %s/%d: %w", marketID, option, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: adjust pool %s/%d: %w", marketID, option, domain.ErrNotFound)
	}
	return nil
}
