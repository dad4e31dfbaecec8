package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/engine"
)

// PoolService answers pool state queries. State is derived from pool rows on
// every call and never cached.
type PoolService struct {
	ledger domain.Ledger
	params engine.PoolParams
}

// NewPoolService creates a PoolService.
func NewPoolService(ledger domain.Ledger, params Params) *PoolService {
	return &PoolService{ledger: ledger, params: params.Pool}
}

// GetPoolState returns per-option totals, percentages and multiples.
func (s *PoolService) GetPoolState(ctx context.Context, marketID string) (domain.PoolState, error) {
	var state domain.PoolState
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		pools, err := tx.Pools(ctx, marketID)
		if err != nil {
			return err
		}
		state, err = engine.ComputePoolState(m, pools, s.params)
		return err
	})
	if err != nil {
		return domain.PoolState{}, fmt.Errorf("pool_service: pool state %q: %w", marketID, err)
	}
	return state, nil
}

// CheckInvariant compares the pool rows of a market with the orders that
// still count toward it. A mismatch is domain.ErrLedgerInvariant.
func (s *PoolService) CheckInvariant(ctx context.Context, marketID string) error {
	return s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		pools, err := tx.Pools(ctx, marketID)
		if err != nil {
			return err
		}
		sums, err := tx.SumPoolOrders(ctx, marketID)
		if err != nil {
			return err
		}
		for _, p := range pools {
			if p.Total != sums[p.Option] {
				return fmt.Errorf("pool_service: %w: market %s option %d pool %s orders %s",
					domain.ErrLedgerInvariant, marketID, p.Option, p.Total, sums[p.Option])
			}
		}
		return nil
	})
}
