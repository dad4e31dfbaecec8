package engine

import (
	"sort"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// ReconcileAccumulator compares materialized balances with ledger sums batch
// by batch and keeps running totals.
type ReconcileAccumulator struct {
	epsilon       money.Amount
	totals        map[money.Currency]*domain.CurrencyTotals
	discrepancies []domain.Discrepancy
	users         int
}

// NewReconcileAccumulator creates an accumulator tolerating |delta| <= epsilon.
func NewReconcileAccumulator(epsilon money.Amount) *ReconcileAccumulator {
	totals := make(map[money.Currency]*domain.CurrencyTotals, len(money.Currencies))
	for _, c := range money.Currencies {
		totals[c] = &domain.CurrencyTotals{Currency: c}
	}
	return &ReconcileAccumulator{epsilon: epsilon, totals: totals}
}

// AddBatch folds one batch in. Users present only in sums are compared with a
// zero balance.
func (a *ReconcileAccumulator) AddBatch(balances []domain.Balance, sums []domain.LedgerSum) {
	byUser := make(map[string]domain.Balance, len(balances))
	for _, b := range balances {
		byUser[b.UserID] = b
	}
	expected := make(map[string]map[money.Currency]money.Amount, len(balances))
	for _, s := range sums {
		if expected[s.UserID] == nil {
			expected[s.UserID] = map[money.Currency]money.Amount{}
		}
		expected[s.UserID][s.Currency] += s.Total
	}

	users := make([]string, 0, len(byUser)+len(expected))
	for u := range byUser {
		users = append(users, u)
	}
	for u := range expected {
		if _, ok := byUser[u]; !ok {
			users = append(users, u)
		}
	}
	sort.Strings(users)

	for _, u := range users {
		bal := byUser[u]
		for _, c := range money.Currencies {
			exp := expected[u][c]
			act := bal.Of(c)
			delta := act - exp

			t := a.totals[c]
			t.Expected += exp
			t.Actual += act
			t.Delta += delta

			if delta.Abs() > a.epsilon {
				a.discrepancies = append(a.discrepancies, domain.Discrepancy{
					UserID:   u,
					Currency: c,
					Expected: exp,
					Actual:   act,
					Delta:    delta,
				})
			}
		}
	}
	a.users += len(users)
}

// Totals returns per-currency aggregates in currency order.
func (a *ReconcileAccumulator) Totals() []domain.CurrencyTotals {
	out := make([]domain.CurrencyTotals, 0, len(money.Currencies))
	for _, c := range money.Currencies {
		out = append(out, *a.totals[c])
	}
	return out
}

// Discrepancies returns every mismatch found so far.
func (a *ReconcileAccumulator) Discrepancies() []domain.Discrepancy {
	return append([]domain.Discrepancy(nil), a.discrepancies...)
}

// Users is the number of distinct users compared.
func (a *ReconcileAccumulator) Users() int { return a.users }
