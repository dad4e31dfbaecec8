package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/engine"
	"github.com/alanyoungcy/poolbet/internal/notify"
)

const reconcileLockKey = "reconciliation"

// ReconciliationService compares every materialized balance with the sum of
// its ledger. It reports and never corrects; corrections go through
// BalanceService.Resync.
type ReconciliationService struct {
	ledger   domain.Ledger
	reports  domain.ReportStore
	locks    domain.LockManager
	archiver domain.Archiver
	fx       *Effects
	params   Params
	now      func() time.Time
	logger   *slog.Logger
}

// NewReconciliationService creates a ReconciliationService. locks may be nil
// when a single process runs the scheduler.
func NewReconciliationService(ledger domain.Ledger, reports domain.ReportStore, locks domain.LockManager, fx *Effects, params Params, logger *slog.Logger) *ReconciliationService {
	return &ReconciliationService{
		ledger:  ledger,
		reports: reports,
		locks:   locks,
		fx:      fx,
		params:  params,
		now:     utcNow,
		logger:  defaultLogger(logger),
	}
}

// WithArchiver copies every saved report to object storage.
func (s *ReconciliationService) WithArchiver(a domain.Archiver) *ReconciliationService {
	s.archiver = a
	return s
}

// WithClock overrides the time source.
func (s *ReconciliationService) WithClock(now func() time.Time) *ReconciliationService {
	s.now = now
	return s
}

// RunReconciliation walks all balances in batches and persists a report.
// trigger names who started the run ("cron", "operator:<id>", "cli").
func (s *ReconciliationService) RunReconciliation(ctx context.Context, trigger string) (domain.ReconciliationReport, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, reconcileLockKey, s.params.ReconcileLockTTL)
		if err != nil {
			return domain.ReconciliationReport{}, fmt.Errorf("reconciliation_service: run: %w", err)
		}
		defer unlock()
	}

	start := time.Now()
	report := domain.ReconciliationReport{
		ID:         uuid.NewString(),
		ReportDate: s.now(),
		Trigger:    trigger,
	}

	batchSize := s.params.ReconcileBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	acc := engine.NewReconcileAccumulator(s.params.ReconcileEpsilon)

	var (
		after   string
		batches int
		lastErr error
	)
	for {
		if err := ctx.Err(); err != nil {
			lastErr = err
			report.BatchesFailed++
			break
		}
		batches++

		var (
			through  string
			done     bool
			balances []domain.Balance
			sums     []domain.LedgerSum
		)
		// The closure may run more than once; only the committed attempt is
		// folded into the totals.
		err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
			through, done = "", false
			var err error
			if balances, err = tx.ListBalances(ctx, after, batchSize); err != nil {
				return err
			}
			if len(balances) == batchSize {
				through = balances[len(balances)-1].UserID
			} else {
				done = true
			}
			sums, err = tx.SumTransactions(ctx, after, through)
			return err
		})
		if err == nil {
			acc.AddBatch(balances, sums)
		} else {
			report.BatchesFailed++
			lastErr = err
			s.logger.WarnContext(ctx, "reconciliation_service: batch failed",
				slog.String("after", after),
				slog.String("error", err.Error()),
			)
			if through == "" {
				break
			}
		}
		if done {
			break
		}
		after = through
	}

	report.UsersScanned = acc.Users()
	report.Totals = acc.Totals()
	report.Discrepancies = acc.Discrepancies()
	switch {
	case report.BatchesFailed == 0:
		report.Status = domain.ReportCompleted
	case report.BatchesFailed >= batches:
		report.Status = domain.ReportFailed
	default:
		report.Status = domain.ReportPartial
	}
	if lastErr != nil {
		report.Error = lastErr.Error()
	}
	report.Duration = time.Since(start)
	report.CreatedAt = s.now()

	if err := s.reports.Save(ctx, report); err != nil {
		return report, fmt.Errorf("reconciliation_service: save report: %w", err)
	}
	s.afterRun(ctx, report)
	return report, nil
}

func (s *ReconciliationService) afterRun(ctx context.Context, r domain.ReconciliationReport) {
	var path string
	if s.archiver != nil {
		p, err := s.archiver.ArchiveReport(ctx, r)
		if err != nil {
			s.logger.WarnContext(ctx, "reconciliation_service: archive report failed",
				slog.String("report_id", r.ID), slog.String("error", err.Error()))
		} else {
			path = p
		}
	}

	s.fx.auditLog(ctx, "reconciliation.run", map[string]any{
		"report_id":     r.ID,
		"trigger":       r.Trigger,
		"status":        string(r.Status),
		"users":         r.UsersScanned,
		"discrepancies": len(r.Discrepancies),
		"archive_path":  path,
	})
	s.fx.publish(ctx, domain.ChannelReconciliation, "reconciliation_completed", "", map[string]any{
		"report_id":     r.ID,
		"status":        r.Status,
		"discrepancies": len(r.Discrepancies),
	})

	switch {
	case r.Status == domain.ReportFailed:
		s.fx.notify(ctx, notify.EventReconciliationFailed, "Reconciliation failed",
			fmt.Sprintf("report %s: %s", r.ID, r.Error))
	case len(r.Discrepancies) > 0:
		s.fx.notify(ctx, notify.EventReconciliationDiscrepancy, "Reconciliation discrepancies",
			fmt.Sprintf("report %s: %d discrepancies across %d users (status %s)",
				r.ID, len(r.Discrepancies), r.UsersScanned, r.Status))
	}

	level := slog.LevelInfo
	if len(r.Discrepancies) > 0 || r.Status != domain.ReportCompleted {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "reconciliation_service: run finished",
		slog.String("report_id", r.ID),
		slog.String("status", string(r.Status)),
		slog.Int("users", r.UsersScanned),
		slog.Int("discrepancies", len(r.Discrepancies)),
		slog.Int("batches_failed", r.BatchesFailed),
		slog.Duration("elapsed", r.Duration),
	)
}

// ListReports pages reports most recent first.
func (s *ReconciliationService) ListReports(ctx context.Context, opts domain.ListOpts) ([]domain.ReconciliationReport, error) {
	out, err := s.reports.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("reconciliation_service: list reports: %w", err)
	}
	return out, nil
}

// GetReport reads one report.
func (s *ReconciliationService) GetReport(ctx context.Context, id string) (domain.ReconciliationReport, error) {
	r, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("reconciliation_service: get report %q: %w", id, err)
	}
	return r, nil
}
