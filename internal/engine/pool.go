// Package engine holds the pure pricing and accounting rules of the ledger:
// pool multiples, cashout quotes, settlement plans, conversion pricing and
// reconciliation. Nothing here touches storage; services feed it rows read
// inside a ledger transaction and apply what it returns.
package engine

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// MultiplePlaces is the precision multiples are truncated to.
const MultiplePlaces = 6

var hundred = decimal.NewFromInt(100)

// PoolParams configures multiple derivation.
type PoolParams struct {
	// DefaultMultiple applies to an option nobody has staked on yet.
	DefaultMultiple decimal.Decimal
	MinMultiple     decimal.Decimal
	// MaxMultiple caps exposure on thinly staked options.
	MaxMultiple decimal.Decimal
}

// Multiple derives the multiple for one option from the market total.
func (p PoolParams) Multiple(total, optionTotal money.Amount) decimal.Decimal {
	if optionTotal <= 0 {
		return p.DefaultMultiple
	}
	m := money.Ratio(total, optionTotal, MultiplePlaces)
	if m.LessThan(p.MinMultiple) {
		m = p.MinMultiple
	}
	if p.MaxMultiple.IsPositive() && m.GreaterThan(p.MaxMultiple) {
		m = p.MaxMultiple
	}
	return m
}

// ComputePoolState builds the per-option view of a market from its pool rows.
// Options without a row are treated as empty.
func ComputePoolState(m domain.Market, pools []domain.Pool, p PoolParams) (domain.PoolState, error) {
	totals := make([]money.Amount, len(m.Options))
	for _, pl := range pools {
		if pl.Option < 0 || pl.Option >= len(totals) {
			continue
		}
		totals[pl.Option] = pl.Total
	}
	total, err := money.Sum(totals...)
	if err != nil {
		return domain.PoolState{}, err
	}

	state := domain.PoolState{
		MarketID: m.ID,
		Total:    total,
		Options:  make([]domain.OptionState, len(m.Options)),
	}
	for i, label := range m.Options {
		pct := decimal.Zero
		if total > 0 {
			pct = money.Ratio(totals[i], total, 6).Mul(hundred).Round(2)
		}
		state.Options[i] = domain.OptionState{
			Option:   i,
			Label:    label,
			Total:    totals[i],
			Percent:  pct,
			Multiple: p.Multiple(total, totals[i]),
		}
	}
	return state, nil
}

// WithStake returns the pool rows as they would be after adding qty to
// option. The input slice is not modified.
func WithStake(pools []domain.Pool, marketID string, option int, qty money.Amount) []domain.Pool {
	out := make([]domain.Pool, 0, len(pools)+1)
	found := false
	for _, pl := range pools {
		if pl.Option == option {
			pl.Total += qty
			found = true
		}
		out = append(out, pl)
	}
	if !found {
		out = append(out, domain.Pool{MarketID: marketID, Option: option, Total: qty})
	}
	return out
}
