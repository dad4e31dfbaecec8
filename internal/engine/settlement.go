package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// SettlementParams configures how a market is paid out.
type SettlementParams struct {
	FeePct  decimal.Decimal
	TieMode domain.TieMode
}

// OrderResult is the planned terminal state of one active order.
type OrderResult struct {
	Order    domain.Order
	Status   domain.OrderStatus
	Credit   money.Amount
	Category domain.TxCategory
}

// SettlementPlan is everything a settlement writes, computed up front.
type SettlementPlan struct {
	Outcome domain.Outcome
	// Effective is the outcome actually applied; a tie under refund mode
	// settles as void.
	Effective  domain.Outcome
	Results    []OrderResult
	PoolDeltas map[int]money.Amount
	Fee        money.Amount
	Summary    domain.SettlementSummary
}

// PlanSettlement decides the result of every active order of m. Results are
// sorted by user id then order id so balance locks are always taken in the
// same order.
func PlanSettlement(m domain.Market, pools []domain.Pool, orders []domain.Order, outcome domain.Outcome, p SettlementParams) (SettlementPlan, error) {
	if err := outcome.Validate(m); err != nil {
		return SettlementPlan{}, err
	}

	totals := make([]money.Amount, len(m.Options))
	for _, pl := range pools {
		if pl.Option >= 0 && pl.Option < len(totals) {
			totals[pl.Option] = pl.Total
		}
	}
	total, err := money.Sum(totals...)
	if err != nil {
		return SettlementPlan{}, err
	}

	effective := outcome
	if outcome.Kind == domain.OutcomeTie && p.TieMode != domain.TieSplit {
		effective = domain.Outcome{Kind: domain.OutcomeVoid}
	}

	plan := SettlementPlan{
		Outcome:    outcome,
		Effective:  effective,
		PoolDeltas: map[int]money.Amount{},
		Summary:    domain.SettlementSummary{MarketID: m.ID, Outcome: outcome},
	}

	winners := map[int]bool{}
	switch effective.Kind {
	case domain.OutcomeWinner:
		winners[effective.WinningOption] = true
	case domain.OutcomeTie:
		for _, opt := range effective.TiedOptions {
			winners[opt] = true
		}
	}

	if effective.Kind != domain.OutcomeVoid {
		plan.Fee, err = losingPoolFee(totals, winners, p.FeePct)
		if err != nil {
			return SettlementPlan{}, err
		}
	}

	// Split mode shares the pot net of the fee across every tied stake.
	var splitRatio decimal.Decimal
	if effective.Kind == domain.OutcomeTie {
		var tiedTotal money.Amount
		for opt := range winners {
			tiedTotal += totals[opt]
		}
		if tiedTotal > 0 {
			pot := total - plan.Fee
			splitRatio = pot.Decimal().Div(tiedTotal.Decimal())
		}
	}

	sorted := append([]domain.Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UserID != sorted[j].UserID {
			return sorted[i].UserID < sorted[j].UserID
		}
		return sorted[i].ID < sorted[j].ID
	})

	for _, o := range sorted {
		if o.Status != domain.OrderStatusActive {
			continue
		}
		if o.MarketID != m.ID || !m.ValidOption(o.Option) {
			return SettlementPlan{}, fmt.Errorf("engine: %w: order %s does not belong to market %s",
				domain.ErrLedgerInvariant, o.ID, m.ID)
		}

		res := OrderResult{Order: o}
		switch {
		case effective.Kind == domain.OutcomeVoid:
			res.Status = domain.OrderStatusRefunded
			res.Credit = o.Quantity
			res.Category = domain.TxSettlementRefund
			plan.PoolDeltas[o.Option] -= o.Quantity
			plan.Summary.Refunded++
		case winners[o.Option]:
			ratio := o.EntryMultiple
			if effective.Kind == domain.OutcomeTie {
				ratio = splitRatio
			}
			payout, err := o.Quantity.MulTrunc(ratio)
			if err != nil {
				return SettlementPlan{}, err
			}
			res.Status = domain.OrderStatusWon
			res.Credit = payout
			res.Category = domain.TxSettlementPayout
			plan.Summary.Winners++
		default:
			res.Status = domain.OrderStatusLost
			plan.Summary.Losers++
		}

		if plan.Summary.TotalPayout, err = plan.Summary.TotalPayout.Add(res.Credit); err != nil {
			return SettlementPlan{}, err
		}
		plan.Results = append(plan.Results, res)
	}
	plan.Summary.PlatformFee = plan.Fee
	return plan, nil
}

// losingPoolFee charges feePct of the smallest non-empty losing pool.
func losingPoolFee(totals []money.Amount, winners map[int]bool, feePct decimal.Decimal) (money.Amount, error) {
	var smallest money.Amount
	found := false
	for opt, t := range totals {
		if winners[opt] || t <= 0 {
			continue
		}
		if !found || t < smallest {
			smallest = t
			found = true
		}
	}
	if !found {
		return 0, nil
	}
	return smallest.MulRound(feePct)
}
