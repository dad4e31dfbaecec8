package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// ReportStore implements domain.ReportStore on SQLite.
type ReportStore struct {
	db *sql.DB
}

// NewReportStore creates a ReportStore over an opened database.
func NewReportStore(d *DB) *ReportStore {
	return &ReportStore{db: d.db}
}

// Save inserts or replaces a report.
func (s *ReportStore) Save(ctx context.Context, r domain.ReconciliationReport) error {
	totals, err := json.Marshal(r.Totals)
	if err != nil {
		return fmt.Errorf("sqlite: marshal report totals: %w", err)
	}
	discrepancies, err := json.Marshal(r.Discrepancies)
	if err != nil {
		return fmt.Errorf("sqlite: marshal report discrepancies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reconciliation_reports (
			id, report_date, trigger, status, users_scanned, batches_failed,
			totals, discrepancies, error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nanos(r.ReportDate), r.Trigger, string(r.Status), r.UsersScanned, r.BatchesFailed,
		string(totals), string(discrepancies), r.Error, r.Duration.Milliseconds(), nanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save report %s: %w", r.ID, err)
	}
	return nil
}

const reportSelectCols = `id, report_date, trigger, status, users_scanned, batches_failed,
	totals, discrepancies, error, duration_ms, created_at`

func scanReport(row rowScanner) (domain.ReconciliationReport, error) {
	var r domain.ReconciliationReport
	var status, totals, discrepancies string
	var reportDate, durationMS, createdAt int64

	if err := row.Scan(
		&r.ID, &reportDate, &r.Trigger, &status, &r.UsersScanned, &r.BatchesFailed,
		&totals, &discrepancies, &r.Error, &durationMS, &createdAt,
	); err != nil {
		return domain.ReconciliationReport{}, err
	}
	r.Status = domain.ReportStatus(status)
	r.ReportDate = fromNanos(reportDate)
	r.CreatedAt = fromNanos(createdAt)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(totals), &r.Totals); err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("unmarshal totals: %w", err)
	}
	if err := json.Unmarshal([]byte(discrepancies), &r.Discrepancies); err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("unmarshal discrepancies: %w", err)
	}
	return r, nil
}

// GetByID returns one report.
func (s *ReportStore) GetByID(ctx context.Context, id string) (domain.ReconciliationReport, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportSelectCols+` FROM reconciliation_reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ReconciliationReport{}, domain.ErrNotFound
		}
		return domain.ReconciliationReport{}, fmt.Errorf("sqlite: get report %s: %w", id, err)
	}
	return r, nil
}

// List returns reports, most recent first.
func (s *ReportStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ReconciliationReport, error) {
	query, args := appendListOpts(
		`SELECT `+reportSelectCols+` FROM reconciliation_reports WHERE 1=1`,
		nil, opts, "created_at")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list reports: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list reports rows: %w", err)
	}
	return out, nil
}
