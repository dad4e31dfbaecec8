package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/store"
	"github.com/alanyoungcy/poolbet/internal/store/sqlite"
)

func openLedger(t *testing.T) (*sqlite.DB, *sqlite.Ledger) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, sqlite.NewLedger(db, store.RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond}, nil)
}

func testMarket(id string) domain.Market {
	return domain.Market{
		ID:        id,
		Title:     "Who wins?",
		Options:   []string{"A", "B"},
		Status:    domain.MarketStatusOpen,
		EndTime:   time.Now().Add(time.Hour).UTC(),
		CreatedAt: time.Now().UTC(),
	}
}

func credit(id, user string, amt money.Amount, cur money.Currency) domain.Transaction {
	return domain.Transaction{
		ID: id, UserID: user, Amount: amt, Currency: cur,
		Category: domain.TxDeposit, CreatedAt: time.Now().UTC(),
	}
}

func TestLedger_MarketAndPools(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.CreateMarket(ctx, testMarket("m1"))
	}))

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.CreateMarket(ctx, testMarket("m1"))
	})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.AdjustPool(ctx, "m1", 1, money.MustParse("25"))
	}))

	err = l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.AdjustPool(ctx, "m1", 0, money.MustParse("-1"))
	})
	require.ErrorIs(t, err, domain.ErrLedgerInvariant)

	require.NoError(t, l.ReadTx(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, m.Options)
		assert.Equal(t, domain.MarketStatusOpen, m.Status)

		pools, err := tx.Pools(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, pools, 2)
		assert.Equal(t, money.Amount(0), pools[0].Total)
		assert.Equal(t, money.MustParse("25"), pools[1].Total)

		_, err = tx.GetMarket(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func TestLedger_MarketStatusMovesForward(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)
	now := time.Now().UTC()

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.CreateMarket(ctx, testMarket("m1")); err != nil {
			return err
		}
		if err := tx.SetMarketStatus(ctx, "m1", domain.MarketStatusClosed, "", now); err != nil {
			return err
		}
		return tx.SetMarketStatus(ctx, "m1", domain.MarketStatusSettled, "option:1", now)
	}))

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.SetMarketStatus(ctx, "m1", domain.MarketStatusSettled, "void", now)
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, l.ReadTx(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, domain.MarketStatusSettled, m.Status)
		assert.Equal(t, "option:1", m.Resolution)
		require.NotNil(t, m.ClosedAt)
		require.NotNil(t, m.SettledAt)
		return nil
	}))
}

func TestLedger_AppendTransactionMaintainsBalance(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.AppendTransaction(ctx, credit("t1", "alice", money.MustParse("100"), money.Coin)); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, credit("t2", "alice", money.MustParse("-40"), money.Coin))
	}))

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.AppendTransaction(ctx, credit("t3", "alice", money.MustParse("-61"), money.Coin))
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, l.ReadTx(ctx, func(tx domain.LedgerTx) error {
		b, err := tx.GetBalance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, money.MustParse("60"), b.Coin)
		assert.Equal(t, money.Amount(0), b.Fiat)

		txs, err := tx.ListTransactions(ctx, "alice", domain.ListOpts{})
		require.NoError(t, err)
		assert.Len(t, txs, 2, "the rejected debit rolled back with its transaction")

		empty, err := tx.GetBalance(ctx, "nobody")
		require.NoError(t, err)
		assert.True(t, empty.Coin.IsZero())
		return nil
	}))
}

func TestLedger_DebitAgainstCommittedBalance(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.AppendTransaction(ctx, credit("d1", "bob", money.MustParse("100"), money.Fiat))
	}))

	// Each debit runs in its own transaction against the stored row.
	for i, amt := range []string{"-30", "-70"} {
		require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
			if _, err := tx.LockBalance(ctx, "bob"); err != nil {
				return err
			}
			return tx.AppendTransaction(ctx, credit(fmt.Sprintf("d%d", i+2), "bob", money.MustParse(amt), money.Fiat))
		}), "debit %s", amt)
	}

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.AppendTransaction(ctx, credit("d4", "bob", money.MustParse("-0.000001"), money.Fiat))
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, l.ReadTx(ctx, func(tx domain.LedgerTx) error {
		b, err := tx.GetBalance(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, b.Fiat.IsZero())
		return nil
	}))
}

func TestLedger_OrderFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)
	now := time.Now().UTC()

	order := domain.Order{
		ID: "o1", MarketID: "m1", UserID: "alice", Option: 0,
		Quantity:      money.MustParse("10"),
		EntryMultiple: decimal.RequireFromString("1.5"),
		Status:        domain.OrderStatusActive,
		CreatedAt:     now,
	}
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.CreateMarket(ctx, testMarket("m1")); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, order)
	}))

	net := money.MustParse("14.25")
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.FinalizeOrder(ctx, "o1", domain.OrderTransition{Status: domain.OrderStatusCashout, Amount: &net, At: now})
	}))

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.FinalizeOrder(ctx, "o1", domain.OrderTransition{Status: domain.OrderStatusCancelled, At: now})
	})
	require.ErrorIs(t, err, domain.ErrOrderNotActive)

	require.NoError(t, l.ReadTx(ctx, func(tx domain.LedgerTx) error {
		o, err := tx.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCashout, o.Status)
		assert.True(t, o.EntryMultiple.Equal(decimal.RequireFromString("1.5")))
		require.NotNil(t, o.CashoutAmount)
		assert.Equal(t, net, *o.CashoutAmount)
		assert.Nil(t, o.Payout)
		assert.True(t, o.CreatedAt.Equal(now))

		sums, err := tx.SumPoolOrders(ctx, "m1")
		require.NoError(t, err)
		assert.Empty(t, sums, "cashed-out stake leaves the pool")
		return nil
	}))
}

func TestLedger_ReconciliationQueries(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		for i, u := range []string{"a", "b", "c", "d"} {
			amt := money.FromUnits(int64(i + 1))
			if err := tx.AppendTransaction(ctx, credit("c-"+u, u, amt, money.Coin)); err != nil {
				return err
			}
			if err := tx.AppendTransaction(ctx, credit("f-"+u, u, amt, money.Fiat)); err != nil {
				return err
			}
		}
		return tx.OverwriteBalance(ctx, "c", money.Coin, money.FromUnits(99))
	}))

	require.NoError(t, l.ReadTx(ctx, func(tx domain.LedgerTx) error {
		page, err := tx.ListBalances(ctx, "a", 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "b", page[0].UserID)
		assert.Equal(t, "c", page[1].UserID)
		assert.Equal(t, money.FromUnits(99), page[1].Coin)

		sums, err := tx.SumTransactions(ctx, "a", "c")
		require.NoError(t, err)
		require.Len(t, sums, 4)
		assert.Equal(t, "b", sums[0].UserID)
		assert.Equal(t, money.Coin, sums[0].Currency)
		assert.Equal(t, money.FromUnits(3), sums[2].Total)

		tail, err := tx.SumTransactions(ctx, "c", "")
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, "d", tail[0].UserID)
		return nil
	}))
}

func TestLedger_LimitOrders(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)
	now := time.Now().UTC()

	for i, id := range []string{"l1", "l2", "l3"} {
		lo := domain.LimitOrder{
			ID: id, UserID: "alice", Side: domain.SideBuyCoin,
			InputAmount: money.MustParse("10"), InputCurrency: money.Coin,
			Reserved:   money.MustParse("15"),
			LimitPrice: decimal.RequireFromString("1.5"),
			FeePct:     decimal.RequireFromString("0.01"),
			ExpiresAt:  now.Add(time.Hour),
			Status:     domain.LimitStatusActive,
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
			return tx.InsertLimitOrder(ctx, lo)
		}))
	}

	price := decimal.RequireFromString("1.5")
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.FinalizeLimitOrder(ctx, "l1", domain.LimitStatusFilled, &price, now)
	}))
	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.FinalizeLimitOrder(ctx, "l1", domain.LimitStatusCancelled, nil, now)
	})
	require.True(t, errors.Is(err, domain.ErrOrderNotActive))

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		active, err := tx.LockActiveLimitOrders(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "l2", active[0].ID)

		next, err := tx.LockActiveLimitOrders(ctx, "l2", 10)
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, "l3", next[0].ID)

		filled, err := tx.GetLimitOrder(ctx, "l1")
		require.NoError(t, err)
		require.NotNil(t, filled.ExecutionPrice)
		assert.True(t, filled.ExecutionPrice.Equal(price))
		assert.NotNil(t, filled.ClosedAt)

		all, err := tx.ListLimitOrders(ctx, "alice", domain.ListOpts{Limit: 2})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "l3", all[0].ID, "newest first")
		return nil
	}))
}

func TestReportStore_ListMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	db, _ := openLedger(t)
	rs := sqlite.NewReportStore(db)
	base := time.Now().UTC()

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, rs.Save(ctx, domain.ReconciliationReport{
			ID: id, ReportDate: base, Status: domain.ReportCompleted,
			Totals:    []domain.CurrencyTotals{{Currency: money.Coin, Expected: 5, Actual: 5}},
			Duration:  1500 * time.Millisecond,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := rs.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "r3", page[0].ID)
	assert.Equal(t, "r2", page[1].ID)

	next, err := rs.List(ctx, domain.ListOpts{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "r1", next[0].ID)

	r, err := rs.GetByID(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, r.Duration)
	require.Len(t, r.Totals, 1)

	_, err = rs.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStore_LogAndList(t *testing.T) {
	ctx := context.Background()
	db, _ := openLedger(t)
	as := sqlite.NewAuditStore(db)

	require.NoError(t, as.Log(ctx, "balance.resync", map[string]any{"user_id": "alice"}))
	require.NoError(t, as.Log(ctx, "market.settled", map[string]any{"market_id": "m1"}))

	entries, err := as.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market.settled", entries[0].Event)
	assert.Equal(t, "alice", entries[1].Detail["user_id"])
}
