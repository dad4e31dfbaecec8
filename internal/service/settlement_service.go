package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/engine"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/notify"
)

// SettlementService resolves closed markets. A market settles exactly once:
// the status check inside the transaction makes repeat calls fail with
// ErrMarketAlreadySettled, and the distributed lock keeps two operators from
// even queuing against the same market.
type SettlementService struct {
	ledger domain.Ledger
	locks  domain.LockManager
	fx     *Effects
	params Params
	now    func() time.Time
	logger *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(ledger domain.Ledger, locks domain.LockManager, fx *Effects, params Params, logger *slog.Logger) *SettlementService {
	return &SettlementService{
		ledger: ledger,
		locks:  locks,
		fx:     fx,
		params: params,
		now:    utcNow,
		logger: defaultLogger(logger),
	}
}

// WithClock overrides the time source.
func (s *SettlementService) WithClock(now func() time.Time) *SettlementService {
	s.now = now
	return s
}

// Settle pays out a closed market for outcome. operator is recorded in the
// audit log.
func (s *SettlementService) Settle(ctx context.Context, marketID string, outcome domain.Outcome, operator string) (domain.SettlementSummary, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "settle:"+marketID, s.params.SettlementLockTTL)
		if err != nil {
			return domain.SettlementSummary{}, fmt.Errorf("settlement_service: settle %s: %w", marketID, err)
		}
		defer unlock()
	}

	start := time.Now()
	var (
		summary domain.SettlementSummary
		post    posting
	)
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		post = posting{}
		now := s.now()

		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		switch m.Status {
		case domain.MarketStatusSettled:
			return fmt.Errorf("%w: market %s (%s)", domain.ErrMarketAlreadySettled, marketID, m.Resolution)
		case domain.MarketStatusOpen:
			return fmt.Errorf("%w: market %s is open", domain.ErrMarketNotClosed, marketID)
		}

		pools, err := tx.Pools(ctx, marketID)
		if err != nil {
			return err
		}
		orders, err := tx.ListActiveOrders(ctx, marketID)
		if err != nil {
			return err
		}
		plan, err := engine.PlanSettlement(m, pools, orders, outcome, s.params.Settlement)
		if err != nil {
			return err
		}

		// Results are sorted by user, so balances lock in ascending order.
		var last string
		for _, r := range plan.Results {
			if r.Credit > 0 && r.Order.UserID != last {
				if _, err := tx.LockBalance(ctx, r.Order.UserID); err != nil {
					return err
				}
				last = r.Order.UserID
			}
		}

		for _, r := range plan.Results {
			if r.Credit > 0 {
				t := entry(r.Order.UserID, r.Credit, money.Coin, r.Category, now)
				t.MarketID, t.OrderID = marketID, r.Order.ID
				if err := post.add(ctx, tx, t); err != nil {
					return err
				}
			}
			tr := domain.OrderTransition{Status: r.Status, At: now}
			if r.Status == domain.OrderStatusWon || r.Status == domain.OrderStatusRefunded {
				credit := r.Credit
				tr.Amount = &credit
			}
			if err := tx.FinalizeOrder(ctx, r.Order.ID, tr); err != nil {
				return err
			}
		}
		for opt, delta := range plan.PoolDeltas {
			if delta == 0 {
				continue
			}
			if err := tx.AdjustPool(ctx, marketID, opt, delta); err != nil {
				return err
			}
		}

		feeTx := entry(s.params.PlatformUserID, plan.Fee, money.Coin, domain.TxFeeSettlement, now)
		feeTx.MarketID = marketID
		if err := post.add(ctx, tx, feeTx); err != nil {
			return err
		}

		if err := tx.SetMarketStatus(ctx, marketID, domain.MarketStatusSettled, outcome.String(), now); err != nil {
			return err
		}
		summary = plan.Summary
		return nil
	})
	if err != nil {
		return domain.SettlementSummary{}, fmt.Errorf("settlement_service: settle %s: %w", marketID, err)
	}

	s.fx.committed(ctx, post.txs)
	s.fx.publish(ctx, domain.ChannelSettlements, "market_settled", "", summary)
	s.fx.publish(ctx, domain.ChannelMarkets, "market_settled", "", map[string]string{
		"market_id":  marketID,
		"resolution": outcome.String(),
	})
	s.fx.auditLog(ctx, "settlement", map[string]any{
		"market_id":    marketID,
		"outcome":      outcome.String(),
		"operator":     operator,
		"winners":      summary.Winners,
		"losers":       summary.Losers,
		"refunded":     summary.Refunded,
		"total_payout": summary.TotalPayout.String(),
		"platform_fee": summary.PlatformFee.String(),
	})
	s.fx.notify(ctx, notify.EventSettlementCompleted,
		"Market settled",
		fmt.Sprintf("market %s resolved %s: %d won, %d lost, %d refunded, payout %s, fee %s",
			marketID, outcome, summary.Winners, summary.Losers, summary.Refunded,
			summary.TotalPayout, summary.PlatformFee),
	)
	s.logger.InfoContext(ctx, "settlement_service: market settled",
		slog.String("market_id", marketID),
		slog.String("outcome", outcome.String()),
		slog.Int("winners", summary.Winners),
		slog.Int("losers", summary.Losers),
		slog.Int("refunded", summary.Refunded),
		slog.String("total_payout", summary.TotalPayout.String()),
		slog.String("platform_fee", summary.PlatformFee.String()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}
