package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/engine"
	"github.com/alanyoungcy/poolbet/internal/money"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func units(n int64) money.Amount { return money.FromUnits(n) }

var params = engine.PoolParams{
	DefaultMultiple: d("1.5"),
	MinMultiple:     d("1"),
	MaxMultiple:     d("50"),
}

func twoWay() domain.Market {
	return domain.Market{ID: "m1", Options: []string{"A", "B"}, Status: domain.MarketStatusOpen}
}

func pools(a, b int64) []domain.Pool {
	return []domain.Pool{
		{MarketID: "m1", Option: 0, Total: units(a)},
		{MarketID: "m1", Option: 1, Total: units(b)},
	}
}

func TestMultiple_EmptyOptionUsesDefault(t *testing.T) {
	assert.True(t, d("1.5").Equal(params.Multiple(0, 0)))
	assert.True(t, d("1.5").Equal(params.Multiple(units(100), 0)))
}

func TestMultiple_FloorAndCeiling(t *testing.T) {
	// Sole option holding the whole pool floors at 1.0.
	assert.True(t, d("1").Equal(params.Multiple(units(100), units(100))))
	assert.True(t, d("4").Equal(params.Multiple(units(400), units(100))))
	assert.True(t, d("50").Equal(params.Multiple(units(10_000), units(1))))
}

func TestComputePoolState(t *testing.T) {
	st, err := engine.ComputePoolState(twoWay(), pools(300, 100), params)
	require.NoError(t, err)

	assert.Equal(t, units(400), st.Total)
	require.Len(t, st.Options, 2)
	assert.True(t, d("75").Equal(st.Options[0].Percent))
	assert.True(t, d("25").Equal(st.Options[1].Percent))
	assert.Equal(t, "1.333333", st.Options[0].Multiple.StringFixed(6))
	assert.True(t, d("4").Equal(st.Options[1].Multiple))
	assert.Equal(t, "B", st.Options[1].Label)
}

func TestComputePoolState_EmptyMarket(t *testing.T) {
	st, err := engine.ComputePoolState(twoWay(), nil, params)
	require.NoError(t, err)
	for _, o := range st.Options {
		assert.True(t, o.Percent.IsZero())
		assert.True(t, d("1.5").Equal(o.Multiple))
	}
}

func TestWithStake_DoesNotMutateInput(t *testing.T) {
	in := pools(10, 0)
	out := engine.WithStake(in, "m1", 1, units(5))
	assert.Equal(t, units(0), in[1].Total)
	assert.Equal(t, units(5), out[1].Total)
}

func TestQuoteCashout(t *testing.T) {
	st, err := engine.ComputePoolState(twoWay(), pools(100, 300), params)
	require.NoError(t, err)
	o := domain.Order{ID: "o1", Option: 0, Quantity: units(100)}

	q, err := engine.QuoteCashout(o, st, d("0.05"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, units(400), q.Gross)
	assert.Equal(t, units(20), q.Fee)
	assert.Equal(t, units(380), q.Net)
}

func TestQuoteCashout_StableWhenPoolUnchanged(t *testing.T) {
	st, err := engine.ComputePoolState(twoWay(), pools(170, 230), params)
	require.NoError(t, err)
	o := domain.Order{ID: "o1", Option: 1, Quantity: units(70)}

	q1, err := engine.QuoteCashout(o, st, d("0.05"), time.Now())
	require.NoError(t, err)
	q2, err := engine.QuoteCashout(o, st, d("0.05"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, q1.Net, q2.Net)
	assert.True(t, engine.Drift(q1.Net, q2.Net).IsZero())
}

func TestDrift(t *testing.T) {
	assert.True(t, d("0.02").Equal(engine.Drift(units(100), units(102))))
	assert.True(t, d("0.03").Equal(engine.Drift(units(100), units(97))))
}

func order(id, user string, option int, qty int64, mult string) domain.Order {
	return domain.Order{
		ID: id, MarketID: "m1", UserID: user, Option: option,
		Quantity: units(qty), EntryMultiple: d(mult), Status: domain.OrderStatusActive,
	}
}

func TestPlanSettlement_Winner(t *testing.T) {
	orders := []domain.Order{
		order("o1", "alice", 0, 100, "2.0"),
		order("o2", "bob", 1, 50, "3.0"),
	}
	plan, err := engine.PlanSettlement(twoWay(), pools(100, 50), orders,
		domain.Outcome{Kind: domain.OutcomeWinner, WinningOption: 0},
		engine.SettlementParams{FeePct: d("0.20")})
	require.NoError(t, err)

	require.Len(t, plan.Results, 2)
	assert.Equal(t, domain.OrderStatusWon, plan.Results[0].Status)
	assert.Equal(t, units(200), plan.Results[0].Credit)
	assert.Equal(t, domain.OrderStatusLost, plan.Results[1].Status)
	assert.Equal(t, money.Amount(0), plan.Results[1].Credit)
	// 20% of the smallest losing pool (50).
	assert.Equal(t, units(10), plan.Fee)
	assert.Equal(t, 1, plan.Summary.Winners)
	assert.Equal(t, 1, plan.Summary.Losers)
	assert.Empty(t, plan.PoolDeltas)
}

func TestPlanSettlement_FeeUsesSmallestNonEmptyLosingPool(t *testing.T) {
	m := domain.Market{ID: "m1", Options: []string{"A", "B", "C", "D"}}
	ps := []domain.Pool{
		{Option: 0, Total: units(100)},
		{Option: 1, Total: units(80)},
		{Option: 2, Total: units(30)},
		{Option: 3, Total: 0},
	}
	plan, err := engine.PlanSettlement(m, ps, nil,
		domain.Outcome{Kind: domain.OutcomeWinner, WinningOption: 0},
		engine.SettlementParams{FeePct: d("0.10")})
	require.NoError(t, err)
	assert.Equal(t, units(3), plan.Fee)
}

func TestPlanSettlement_Void(t *testing.T) {
	orders := []domain.Order{
		order("o1", "alice", 0, 100, "1.5"),
		order("o2", "bob", 1, 40, "2.5"),
	}
	plan, err := engine.PlanSettlement(twoWay(), pools(100, 40), orders,
		domain.Outcome{Kind: domain.OutcomeVoid}, engine.SettlementParams{FeePct: d("0.2")})
	require.NoError(t, err)

	for _, r := range plan.Results {
		assert.Equal(t, domain.OrderStatusRefunded, r.Status)
		assert.Equal(t, r.Order.Quantity, r.Credit)
	}
	assert.Equal(t, money.Amount(0), plan.Fee)
	assert.Equal(t, units(-100), plan.PoolDeltas[0])
	assert.Equal(t, units(-40), plan.PoolDeltas[1])
}

func TestPlanSettlement_TieRefundMode(t *testing.T) {
	orders := []domain.Order{order("o1", "alice", 0, 10, "1.5")}
	plan, err := engine.PlanSettlement(twoWay(), pools(10, 0), orders,
		domain.Outcome{Kind: domain.OutcomeTie, TiedOptions: []int{0, 1}},
		engine.SettlementParams{FeePct: d("0.2"), TieMode: domain.TieRefund})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeVoid, plan.Effective.Kind)
	assert.Equal(t, domain.OrderStatusRefunded, plan.Results[0].Status)
}

func TestPlanSettlement_TieSplitMode(t *testing.T) {
	m := domain.Market{ID: "m1", Options: []string{"A", "B", "C"}}
	ps := []domain.Pool{
		{Option: 0, Total: units(60)},
		{Option: 1, Total: units(20)},
		{Option: 2, Total: units(20)},
	}
	orders := []domain.Order{
		order("o1", "alice", 0, 60, "1.5"),
		order("o2", "bob", 1, 20, "4"),
		order("o3", "carol", 2, 20, "4"),
	}
	plan, err := engine.PlanSettlement(m, ps, orders,
		domain.Outcome{Kind: domain.OutcomeTie, TiedOptions: []int{0, 1}},
		engine.SettlementParams{FeePct: d("0.10"), TieMode: domain.TieSplit})
	require.NoError(t, err)

	// fee = 10% of 20 = 2; pot = 98 shared across 80 tied stake.
	assert.Equal(t, units(2), plan.Fee)
	assert.Equal(t, money.MustParse("73.5"), plan.Results[0].Credit)
	assert.Equal(t, money.MustParse("24.5"), plan.Results[1].Credit)
	assert.Equal(t, domain.OrderStatusLost, plan.Results[2].Status)
}

func TestPlanSettlement_RejectsBadOutcome(t *testing.T) {
	_, err := engine.PlanSettlement(twoWay(), nil, nil,
		domain.Outcome{Kind: domain.OutcomeWinner, WinningOption: 5}, engine.SettlementParams{})
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
}

func TestQuoteConversion(t *testing.T) {
	q, err := engine.QuoteConversion(domain.SideBuyCoin, units(100), d("2"), d("0.01"))
	require.NoError(t, err)
	assert.Equal(t, units(50), q.Gross)
	assert.Equal(t, money.MustParse("0.5"), q.Fee)
	assert.Equal(t, money.MustParse("49.5"), q.Net)
	assert.Equal(t, money.Coin, q.CounterCurrency)

	q, err = engine.QuoteConversion(domain.SideSellCoin, units(10), d("2"), d("0.01"))
	require.NoError(t, err)
	assert.Equal(t, units(20), q.Gross)
	assert.Equal(t, money.Fiat, q.CounterCurrency)
}

func TestQuoteConversion_Invalid(t *testing.T) {
	_, err := engine.QuoteConversion("hold", units(1), d("1"), d("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidSide)
	_, err = engine.QuoteConversion(domain.SideBuyCoin, 0, d("1"), d("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestValidateLimit(t *testing.T) {
	assert.NoError(t, engine.ValidateLimit(domain.SideBuyCoin, d("1.9"), d("2")))
	assert.ErrorIs(t, engine.ValidateLimit(domain.SideBuyCoin, d("2.1"), d("2")), domain.ErrLimitWouldExecute)
	assert.NoError(t, engine.ValidateLimit(domain.SideSellCoin, d("2.1"), d("2")))
	assert.ErrorIs(t, engine.ValidateLimit(domain.SideSellCoin, d("1.9"), d("2")), domain.ErrLimitWouldExecute)
}

func TestLimitCrossed(t *testing.T) {
	assert.True(t, engine.LimitCrossed(domain.SideBuyCoin, d("1.9"), d("1.8")))
	assert.False(t, engine.LimitCrossed(domain.SideBuyCoin, d("1.9"), d("2")))
	assert.True(t, engine.LimitCrossed(domain.SideSellCoin, d("2.1"), d("2.2")))
}

func TestPreviewLimit_DestinationInput(t *testing.T) {
	req := domain.LimitOrderRequest{
		Side: domain.SideBuyCoin, Amount: units(10), InputCurrency: money.Coin,
		LimitPrice: d("1.5"), ExpiresIn: time.Hour,
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p, err := engine.PreviewLimit(req, d("2"), d("0"), 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, units(15), p.Reserve)
	assert.Equal(t, money.Fiat, p.ReserveCurrency)
	assert.Equal(t, units(10), p.Net)
	assert.True(t, d("-25").Equal(p.DistancePct))
	assert.Equal(t, now.Add(time.Hour), p.ExpiresAt)
}

func TestPreviewLimit_Expiry(t *testing.T) {
	req := domain.LimitOrderRequest{
		Side: domain.SideSellCoin, Amount: units(1), InputCurrency: money.Coin,
		LimitPrice: d("3"), ExpiresIn: 48 * time.Hour,
	}
	_, err := engine.PreviewLimit(req, d("2"), d("0"), 24*time.Hour, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidExpiry)
}

func TestReconcileAccumulator(t *testing.T) {
	acc := engine.NewReconcileAccumulator(1)
	acc.AddBatch(
		[]domain.Balance{
			{UserID: "alice", Coin: units(10), Fiat: units(5)},
			{UserID: "bob", Coin: units(3)},
		},
		[]domain.LedgerSum{
			{UserID: "alice", Currency: money.Coin, Total: units(10)},
			{UserID: "alice", Currency: money.Fiat, Total: units(5) + 1},
			{UserID: "bob", Currency: money.Coin, Total: units(4)},
			{UserID: "ghost", Currency: money.Fiat, Total: units(2)},
		},
	)

	assert.Equal(t, 3, acc.Users())
	ds := acc.Discrepancies()
	require.Len(t, ds, 2)
	assert.Equal(t, "bob", ds[0].UserID)
	assert.Equal(t, units(-1), ds[0].Delta)
	assert.Equal(t, "ghost", ds[1].UserID)
	assert.Equal(t, money.Amount(0), ds[1].Actual)

	totals := acc.Totals()
	assert.Equal(t, money.Coin, totals[0].Currency)
	assert.Equal(t, units(14), totals[0].Expected)
	assert.Equal(t, units(13), totals[0].Actual)
}
