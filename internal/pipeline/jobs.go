package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/service"
)

// Reconciler runs a full reconciliation pass.
type Reconciler interface {
	RunReconciliation(ctx context.Context, trigger string) (domain.ReconciliationReport, error)
}

// LimitSweeper fills and expires resting limit orders.
type LimitSweeper interface {
	SweepLimitOrders(ctx context.Context, batch int) (service.SweepResult, error)
}

// MarketCloser closes open markets whose end time has passed.
type MarketCloser interface {
	CloseExpired(ctx context.Context) (int, error)
}

// ReconcileJob returns the scheduled reconciliation run. A run already held
// by another worker is skipped quietly.
func ReconcileJob(r Reconciler, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		rep, err := r.RunReconciliation(ctx, "schedule")
		if errors.Is(err, domain.ErrLockHeld) {
			logger.InfoContext(ctx, "pipeline: reconciliation already running elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: reconcile: %w", err)
		}
		logger.InfoContext(ctx, "pipeline: scheduled reconciliation done",
			slog.String("report_id", rep.ID),
			slog.String("status", string(rep.Status)),
		)
		return nil
	}
}

// SweepJob returns one limit order sweep over pages of batch.
func SweepJob(s LimitSweeper, batch int, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		res, err := s.SweepLimitOrders(ctx, batch)
		if err != nil {
			return fmt.Errorf("pipeline: sweep limit orders: %w", err)
		}
		if res.Filled > 0 || res.Expired > 0 {
			logger.InfoContext(ctx, "pipeline: limit sweep",
				slog.Int("scanned", res.Scanned),
				slog.Int("filled", res.Filled),
				slog.Int("expired", res.Expired),
			)
		}
		return nil
	}
}

// CloseJob returns one pass closing expired markets.
func CloseJob(c MarketCloser, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := c.CloseExpired(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: close expired markets: %w", err)
		}
		if n > 0 {
			logger.InfoContext(ctx, "pipeline: closed expired markets", slog.Int("count", n))
		}
		return nil
	}
}
