package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/store"
)

// withSearchPath points dsn at schema, for both URL and keyword/value forms.
func withSearchPath(dsn, schema string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return dsn + " search_path=" + schema
}

// openLedger migrates a fresh schema in the database named by
// POOLBET_TEST_POSTGRES_DSN, or skips.
func openLedger(t *testing.T) (*Client, *Ledger) {
	t.Helper()
	dsn := os.Getenv("POOLBET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POOLBET_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	admin, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	schema := "poolbet_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	_, err = admin.Pool().Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Pool().Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	c, err := New(ctx, ClientConfig{DSN: withSearchPath(dsn, schema), MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	// A second run finds every file recorded and is a no-op.
	require.NoError(t, c.RunMigrations(ctx))

	return c, NewLedger(c.Pool(), store.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond}, nil)
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

func TestIsRetryable(t *testing.T) {
	for code, want := range map[string]bool{
		codeSerializationFailure: true,
		codeDeadlockDetected:     true,
		codeLockNotAvailable:     true,
		codeCheckViolation:       false,
		codeUniqueViolation:      false,
	} {
		err := fmt.Errorf("postgres: wrapped: %w", &pgconn.PgError{Code: code})
		assert.Equal(t, want, isRetryable(err), code)
	}
	assert.False(t, isRetryable(domain.ErrNotFound))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/ledger?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "ledger"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
	assert.Equal(t, "postgres://x?sslmode=disable&search_path=s1", withSearchPath("postgres://x?sslmode=disable", "s1"))
	assert.Equal(t, "host=db search_path=s1", withSearchPath("host=db", "s1"))
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

		pools, err := tx.Pools(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, pools, 2)
		assert.Equal(t, money.MustParse("25"), pools[1].Total)

		_, err = tx.GetMarket(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func TestLedger_AppendTransactionMaintainsBalance(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.AppendTransaction(ctx, credit("t1", "alice", money.MustParse("100"), money.Coin))
	}))
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		if _, err := tx.LockBalance(ctx, "alice"); err != nil {
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

		txs, err := tx.ListTransactions(ctx, "alice", domain.ListOpts{})
		require.NoError(t, err)
		assert.Len(t, txs, 2)
		return nil
	}))
}

func TestLedger_ConcurrentDebitsSerializeOnBalanceLock(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.AppendTransaction(ctx, credit("seed", "carol", money.MustParse("100"), money.Fiat))
	}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = l.InTx(ctx, func(tx domain.LedgerTx) error {
				b, err := tx.LockBalance(ctx, "carol")
				if err != nil {
					return err
				}
				debit := money.MustParse("60")
				if b.Fiat < debit {
					return domain.ErrInsufficientBalance
				}
				return tx.AppendTransaction(ctx, credit(fmt.Sprintf("w%d", i), "carol", -debit, money.Fiat))
			})
		}()
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientBalance):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
}

func TestLedger_OrderFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

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

		sums, err := tx.SumPoolOrders(ctx, "m1")
		require.NoError(t, err)
		assert.Empty(t, sums)
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
		assert.Equal(t, money.FromUnits(99), page[1].Coin)

		sums, err := tx.SumTransactions(ctx, "a", "c")
		require.NoError(t, err)
		require.Len(t, sums, 4)
		assert.Equal(t, money.FromUnits(3), sums[2].Total)

		tail, err := tx.SumTransactions(ctx, "c", "")
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, "d", tail[0].UserID)
		return nil
	}))
}

func TestLedger_SweepSkipsLockedLimitOrders(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t)
	now := time.Now().UTC()

	for i, id := range []string{"l1", "l2"} {
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

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.InTx(ctx, func(tx domain.LedgerTx) error {
			if _, err := tx.LockLimitOrder(ctx, "l1"); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		claimed, err := tx.LockActiveLimitOrders(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "l2", claimed[0].ID)
		return nil
	}))
	close(release)
	require.NoError(t, <-done)

	price := decimal.RequireFromString("1.5")
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.FinalizeLimitOrder(ctx, "l1", domain.LimitStatusFilled, &price, now)
	}))
	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.FinalizeLimitOrder(ctx, "l1", domain.LimitStatusCancelled, nil, now)
	})
	require.ErrorIs(t, err, domain.ErrOrderNotActive)
}

func TestReportAndAuditStores(t *testing.T) {
	ctx := context.Background()
	c, _ := openLedger(t)
	rs := NewReportStore(c.Pool())
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

	r, err := rs.GetByID(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, r.Duration)
	_, err = rs.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	as := NewAuditStore(c.Pool())
	require.NoError(t, as.Log(ctx, "balance.resync", map[string]any{"user_id": "alice"}))
	require.NoError(t, as.Log(ctx, "market.settled", map[string]any{"market_id": "m1"}))
	entries, err := as.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market.settled", entries[0].Event)
}
