package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// ReportStore implements domain.ReportStore using PostgreSQL.
type ReportStore struct {
	pool *pgxpool.Pool
}

// NewReportStore creates a new ReportStore backed by the given connection pool.
func NewReportStore(pool *pgxpool.Pool) *ReportStore {
	return &ReportStore{pool: pool}
}

// Save inserts or replaces a report.
func (s *ReportStore) Save(ctx context.Context, r domain.ReconciliationReport) error {
	totals, err := json.Marshal(r.Totals)
	if err != nil {
		return fmt.Errorf("postgres: marshal report totals: %w", err)
	}
	discrepancies, err := json.Marshal(r.Discrepancies)
	if err != nil {
		return fmt.Errorf("postgres: marshal report discrepancies: %w", err)
	}

	const query = `
		INSERT INTO reconciliation_reports (
			id, report_date, trigger, status, users_scanned, batches_failed,
			totals, discrepancies, error, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			users_scanned = EXCLUDED.users_scanned,
			batches_failed = EXCLUDED.batches_failed,
			totals = EXCLUDED.totals,
			discrepancies = EXCLUDED.discrepancies,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms`

	_, err = s.pool.Exec(ctx, query,
		r.ID, r.ReportDate, r.Trigger, string(r.Status), r.UsersScanned, r.BatchesFailed,
		totals, discrepancies, r.Error, r.Duration.Milliseconds(), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save report %s: %w", r.ID, err)
	}
	return nil
}

const reportSelectCols = `id, report_date, trigger, status, users_scanned, batches_failed,
	totals, discrepancies, error, duration_ms, created_at`

func scanReport(row rowScanner) (domain.ReconciliationReport, error) {
	var r domain.ReconciliationReport
	var status string
	var totals, discrepancies []byte
	var durationMS int64

	if err := row.Scan(
		&r.ID, &r.ReportDate, &r.Trigger, &status, &r.UsersScanned, &r.BatchesFailed,
		&totals, &discrepancies, &r.Error, &durationMS, &r.CreatedAt,
	); err != nil {
		return domain.ReconciliationReport{}, err
	}
	r.Status = domain.ReportStatus(status)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal(totals, &r.Totals); err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("unmarshal totals: %w", err)
	}
	if err := json.Unmarshal(discrepancies, &r.Discrepancies); err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("unmarshal discrepancies: %w", err)
	}
	return r, nil
}

// GetByID returns one report.
func (s *ReportStore) GetByID(ctx context.Context, id string) (domain.ReconciliationReport, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportSelectCols+` FROM reconciliation_reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReconciliationReport{}, domain.ErrNotFound
		}
		return domain.ReconciliationReport{}, fmt.Errorf("postgres: get report %s: %w", id, err)
	}
	return r, nil
}

// List returns reports, most recent first.
func (s *ReportStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ReconciliationReport, error) {
	query, args := appendListOpts(
		`SELECT `+reportSelectCols+` FROM reconciliation_reports WHERE 1=1`,
		nil, opts, "created_at")

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reports: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list reports rows: %w", err)
	}
	return out, nil
}
