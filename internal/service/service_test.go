package service_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolbet/internal/cache/memory"
	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/service"
	"github.com/alanyoungcy/poolbet/internal/store"
	"github.com/alanyoungcy/poolbet/internal/store/sqlite"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type harness struct {
	ctx      context.Context
	clock    *clock
	params   service.Params
	ledger   *sqlite.Ledger
	locks    *memory.LockManager
	notifier *recordingNotifier

	markets  *service.MarketService
	pools    *service.PoolService
	orders   *service.OrderService
	cashout  *service.CashoutService
	settle   *service.SettlementService
	convert  *service.ConversionService
	recon    *service.ReconciliationService
	balances *service.BalanceService
}

func newHarness(t *testing.T, tweak func(*service.Params)) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	params := service.DefaultParams()
	params.ReconcileBatchSize = 7
	if tweak != nil {
		tweak(&params)
	}

	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger := sqlite.NewLedger(db, store.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond}, nil)
	locks := memory.NewLockManager()
	notifier := &recordingNotifier{}
	fx := service.NewEffects(memory.NewSignalBus(), sqlite.NewAuditStore(db), notifier, nil)
	rates := memory.NewRateStore(decimal.NewFromInt(2), clk.Now())

	return &harness{
		ctx:      ctx,
		clock:    clk,
		params:   params,
		ledger:   ledger,
		locks:    locks,
		notifier: notifier,
		markets:  service.NewMarketService(ledger, fx, nil).WithClock(clk.Now),
		pools:    service.NewPoolService(ledger, params),
		orders:   service.NewOrderService(ledger, fx, params, nil).WithClock(clk.Now),
		cashout:  service.NewCashoutService(ledger, fx, params, nil).WithClock(clk.Now),
		settle:   service.NewSettlementService(ledger, locks, fx, params, nil).WithClock(clk.Now),
		convert:  service.NewConversionService(ledger, rates, fx, params, nil).WithClock(clk.Now),
		recon: service.NewReconciliationService(ledger, sqlite.NewReportStore(db), locks, fx, params, nil).
			WithClock(clk.Now),
		balances: service.NewBalanceService(ledger, fx, nil).WithClock(clk.Now),
	}
}

func coin(s string) money.Amount { return money.MustParse(s) }

func (h *harness) market(t *testing.T, options ...string) domain.Market {
	t.Helper()
	if len(options) == 0 {
		options = []string{"A", "B"}
	}
	m, err := h.markets.CreateMarket(h.ctx, service.MarketInput{
		Title:   "Who wins?",
		Options: options,
		EndTime: h.clock.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return m
}

func (h *harness) fund(t *testing.T, user string, cur money.Currency, amount string) {
	t.Helper()
	_, err := h.balances.Deposit(h.ctx, user, cur, coin(amount), "test", "tester")
	require.NoError(t, err)
}

func (h *harness) place(t *testing.T, user, marketID string, option int, qty string) domain.Order {
	t.Helper()
	o, err := h.orders.PlaceOrder(h.ctx, user, marketID, option, coin(qty))
	require.NoError(t, err)
	return o
}

func (h *harness) balance(t *testing.T, user string) domain.Balance {
	t.Helper()
	b, err := h.balances.GetBalance(h.ctx, user)
	require.NoError(t, err)
	return b
}

func (h *harness) txCount(t *testing.T, user string) int {
	t.Helper()
	txs, err := h.balances.ListTransactions(h.ctx, user, domain.ListOpts{Limit: 1000})
	require.NoError(t, err)
	return len(txs)
}

func (h *harness) closeAndSettle(t *testing.T, marketID string, outcome domain.Outcome) domain.SettlementSummary {
	t.Helper()
	_, err := h.markets.CloseMarket(h.ctx, marketID)
	require.NoError(t, err)
	sum, err := h.settle.Settle(h.ctx, marketID, outcome, "op")
	require.NoError(t, err)
	return sum
}

func (h *harness) requireClean(t *testing.T) {
	t.Helper()
	r, err := h.recon.RunReconciliation(h.ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportCompleted, r.Status)
	assert.Empty(t, r.Discrepancies)
}

func winner(opt int) domain.Outcome {
	return domain.Outcome{Kind: domain.OutcomeWinner, WinningOption: opt}
}

func TestScenarioA_PostStakeMultiple(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "1000")

	o := h.place(t, "u1", m.ID, 0, "100")

	// The stake is the whole pool, so the post-stake multiple floors at 1.0.
	assert.Equal(t, "1", o.EntryMultiple.String())

	st, err := h.pools.GetPoolState(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, coin("100"), st.Options[0].Total)
	assert.Equal(t, money.Amount(0), st.Options[1].Total)
	assert.Equal(t, "1", st.Options[0].Multiple.String())
	assert.Equal(t, "1.5", st.Options[1].Multiple.String())
	assert.Equal(t, coin("900"), h.balance(t, "u1").Coin)
	require.NoError(t, h.pools.CheckInvariant(h.ctx, m.ID))
}

func TestScenarioA_PreStakeMultiple(t *testing.T) {
	h := newHarness(t, func(p *service.Params) { p.EntryMultiple = service.EntryPre })
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "1000")

	o := h.place(t, "u1", m.ID, 0, "100")
	assert.Equal(t, "1.5", o.EntryMultiple.String())

	st, err := h.pools.GetPoolState(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", st.Options[0].Multiple.String())

	// The stored multiple does not follow the pool.
	got, err := h.orders.GetOrder(h.ctx, "u1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.5", got.EntryMultiple.String())
}

func TestScenarioBC_WinnerAndLoser(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	for _, u := range []string{"u1", "u2", "u3"} {
		h.fund(t, u, money.Coin, "1000")
	}

	h.place(t, "u2", m.ID, 1, "100")
	win := h.place(t, "u1", m.ID, 0, "100")
	require.Equal(t, "2", win.EntryMultiple.String())
	lose := h.place(t, "u3", m.ID, 1, "50")

	before := h.balance(t, "u3").Coin
	sum := h.closeAndSettle(t, m.ID, winner(0))

	assert.Equal(t, 1, sum.Winners)
	assert.Equal(t, 2, sum.Losers)
	assert.Equal(t, coin("200"), sum.TotalPayout)
	// 20% of the losing pool of 150.
	assert.Equal(t, coin("30"), sum.PlatformFee)

	assert.Equal(t, coin("1100"), h.balance(t, "u1").Coin)
	assert.Equal(t, before, h.balance(t, "u3").Coin)
	assert.Equal(t, coin("30"), h.balance(t, domain.DefaultPlatformUserID).Coin)

	got, err := h.orders.GetOrder(h.ctx, "", win.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusWon, got.Status)
	got, err = h.orders.GetOrder(h.ctx, "", lose.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusLost, got.Status)

	mk, err := h.markets.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusSettled, mk.Status)
	assert.Equal(t, "option:0", mk.Resolution)

	require.NoError(t, h.pools.CheckInvariant(h.ctx, m.ID))
	h.requireClean(t)
	assert.Contains(t, h.notifier.Events(), "settlement_completed")
}

func TestSettle_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "100")
	h.fund(t, "u2", money.Coin, "100")
	h.place(t, "u1", m.ID, 0, "50")
	h.place(t, "u2", m.ID, 1, "50")
	h.closeAndSettle(t, m.ID, winner(0))

	n1, n2 := h.txCount(t, "u1"), h.txCount(t, domain.DefaultPlatformUserID)
	_, err := h.settle.Settle(h.ctx, m.ID, winner(1), "op")
	require.ErrorIs(t, err, domain.ErrMarketAlreadySettled)
	assert.Equal(t, n1, h.txCount(t, "u1"))
	assert.Equal(t, n2, h.txCount(t, domain.DefaultPlatformUserID))
}

func TestSettle_RequiresClosedMarket(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	_, err := h.settle.Settle(h.ctx, m.ID, winner(0), "op")
	require.ErrorIs(t, err, domain.ErrMarketNotClosed)

	_, err = h.markets.CloseMarket(h.ctx, m.ID)
	require.NoError(t, err)
	_, err = h.settle.Settle(h.ctx, m.ID, winner(5), "op")
	require.ErrorIs(t, err, domain.ErrInvalidOutcome)
}

func TestSettle_LockHeld(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	_, err := h.markets.CloseMarket(h.ctx, m.ID)
	require.NoError(t, err)

	unlock, err := h.locks.Acquire(h.ctx, "settle:"+m.ID, time.Minute)
	require.NoError(t, err)
	_, err = h.settle.Settle(h.ctx, m.ID, winner(0), "op")
	require.ErrorIs(t, err, domain.ErrLockHeld)
	unlock()

	_, err = h.settle.Settle(h.ctx, m.ID, winner(0), "op")
	require.NoError(t, err)
}

func TestSettle_VoidRefundsEveryone(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "100")
	h.fund(t, "u2", money.Coin, "100")
	a := h.place(t, "u1", m.ID, 0, "40")
	h.place(t, "u2", m.ID, 1, "60")

	sum := h.closeAndSettle(t, m.ID, domain.Outcome{Kind: domain.OutcomeVoid})
	assert.Equal(t, 2, sum.Refunded)
	assert.Equal(t, money.Amount(0), sum.PlatformFee)
	assert.Equal(t, coin("100"), h.balance(t, "u1").Coin)
	assert.Equal(t, coin("100"), h.balance(t, "u2").Coin)

	got, err := h.orders.GetOrder(h.ctx, "u1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, got.Status)

	st, err := h.pools.GetPoolState(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), st.Total)
	require.NoError(t, h.pools.CheckInvariant(h.ctx, m.ID))
}

func TestSettle_TieRefund(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t, "A", "B", "C")
	h.fund(t, "u1", money.Coin, "100")
	h.fund(t, "u2", money.Coin, "100")
	h.place(t, "u1", m.ID, 0, "100")
	h.place(t, "u2", m.ID, 2, "100")

	sum := h.closeAndSettle(t, m.ID, domain.Outcome{Kind: domain.OutcomeTie, TiedOptions: []int{0, 1}})
	assert.Equal(t, 2, sum.Refunded)
	assert.Equal(t, coin("100"), h.balance(t, "u1").Coin)
	assert.Equal(t, coin("100"), h.balance(t, "u2").Coin)

	mk, err := h.markets.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "tie:0,1", mk.Resolution)
}

func TestSettle_TieSplit(t *testing.T) {
	h := newHarness(t, func(p *service.Params) { p.Settlement.TieMode = domain.TieSplit })
	m := h.market(t, "A", "B", "C")
	for _, u := range []string{"u1", "u2", "u3"} {
		h.fund(t, u, money.Coin, "1000")
	}
	h.place(t, "u1", m.ID, 0, "100")
	h.place(t, "u2", m.ID, 1, "300")
	h.place(t, "u3", m.ID, 2, "100")

	sum := h.closeAndSettle(t, m.ID, domain.Outcome{Kind: domain.OutcomeTie, TiedOptions: []int{0, 1}})
	// Fee 20 of the losing pool; 480 shared over 400 tied stake at 1.2.
	assert.Equal(t, coin("20"), sum.PlatformFee)
	assert.Equal(t, 2, sum.Winners)
	assert.Equal(t, coin("1020"), h.balance(t, "u1").Coin)
	assert.Equal(t, coin("1060"), h.balance(t, "u2").Coin)
	assert.Equal(t, coin("900"), h.balance(t, "u3").Coin)
	h.requireClean(t)
}

func TestPlaceOrder_Validation(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "10")

	_, err := h.orders.PlaceOrder(h.ctx, "u1", m.ID, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = h.orders.PlaceOrder(h.ctx, "u1", m.ID, 2, coin("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidOption)
	_, err = h.orders.PlaceOrder(h.ctx, "u1", m.ID, 0, coin("11"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = h.orders.PlaceOrder(h.ctx, "u1", "missing", 0, coin("1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h.clock.Advance(25 * time.Hour)
	_, err = h.orders.PlaceOrder(h.ctx, "u1", m.ID, 0, coin("1"))
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)

	assert.Equal(t, coin("10"), h.balance(t, "u1").Coin)
	assert.Equal(t, 1, h.txCount(t, "u1"))
}

func TestPlaceOrder_RateLimited(t *testing.T) {
	h := newHarness(t, nil)
	h.orders.WithRateLimit(memory.NewRateLimiter(10, time.Second), 2, time.Minute)
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "10")

	h.place(t, "u1", m.ID, 0, "1")
	h.place(t, "u1", m.ID, 0, "1")
	_, err := h.orders.PlaceOrder(h.ctx, "u1", m.ID, 0, coin("1"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "100")
	o := h.place(t, "u1", m.ID, 0, "100")

	_, err := h.orders.CancelOrder(h.ctx, "u2", o.ID)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	got, err := h.orders.CancelOrder(h.ctx, "u1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Equal(t, coin("95"), h.balance(t, "u1").Coin)
	assert.Equal(t, coin("5"), h.balance(t, domain.DefaultPlatformUserID).Coin)

	_, err = h.orders.CancelOrder(h.ctx, "u1", o.ID)
	require.ErrorIs(t, err, domain.ErrOrderNotActive)

	st, err := h.pools.GetPoolState(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), st.Total)
	require.NoError(t, h.pools.CheckInvariant(h.ctx, m.ID))
}

func TestScenarioD_RepeatedQuoteIsStable(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "1000")
	h.fund(t, "u2", money.Coin, "1000")
	h.place(t, "u2", m.ID, 1, "100")
	o := h.place(t, "u1", m.ID, 0, "100")

	q1, err := h.cashout.GetQuote(h.ctx, "u1", o.ID)
	require.NoError(t, err)
	q2, err := h.cashout.GetQuote(h.ctx, "u1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, q1.Net, q2.Net)
	assert.Equal(t, coin("200"), q1.Gross)
	assert.Equal(t, coin("10"), q1.Fee)
	assert.Equal(t, coin("190"), q1.Net)
}

func TestCashout_DriftRejectedWithoutMutation(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	for _, u := range []string{"u1", "u2", "u3"} {
		h.fund(t, u, money.Coin, "1000")
	}
	h.place(t, "u2", m.ID, 1, "100")
	o := h.place(t, "u1", m.ID, 0, "100")

	q, err := h.cashout.GetQuote(h.ctx, "u1", o.ID)
	require.NoError(t, err)
	require.Equal(t, coin("190"), q.Net)

	// Another stake on B lifts A's multiple from 2.0 to 3.0.
	h.place(t, "u3", m.ID, 1, "100")
	txBefore := h.txCount(t, "u1")

	_, err = h.cashout.ConfirmCashout(h.ctx, "u1", o.ID, q.Net)
	require.ErrorIs(t, err, domain.ErrQuoteDrift)
	var drift *domain.QuoteDriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, coin("285"), drift.Fresh.Net)

	assert.Equal(t, coin("900"), h.balance(t, "u1").Coin)
	assert.Equal(t, txBefore, h.txCount(t, "u1"))
	got, err := h.orders.GetOrder(h.ctx, "u1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, got.Status)

	done, err := h.cashout.ConfirmCashout(h.ctx, "u1", o.ID, drift.Fresh.Net)
	require.NoError(t, err)
	assert.Equal(t, coin("285"), done.Net)
	assert.Equal(t, coin("1185"), h.balance(t, "u1").Coin)
	assert.Equal(t, coin("15"), h.balance(t, domain.DefaultPlatformUserID).Coin)

	got, err = h.orders.GetOrder(h.ctx, "u1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCashout, got.Status)
	require.NotNil(t, got.CashoutAmount)
	assert.Equal(t, coin("285"), *got.CashoutAmount)

	require.NoError(t, h.pools.CheckInvariant(h.ctx, m.ID))
	h.requireClean(t)
}

func TestCashout_SmallDriftAccepted(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	for _, u := range []string{"u1", "u2", "u3"} {
		h.fund(t, u, money.Coin, "10000")
	}
	h.place(t, "u2", m.ID, 1, "1000")
	o := h.place(t, "u1", m.ID, 0, "1000")
	q, err := h.cashout.GetQuote(h.ctx, "u1", o.ID)
	require.NoError(t, err)

	// 10 more on B moves the quote by 0.5%.
	h.place(t, "u3", m.ID, 1, "10")
	done, err := h.cashout.ConfirmCashout(h.ctx, "u1", o.ID, q.Net)
	require.NoError(t, err)
	assert.True(t, done.Net > q.Net)
}

func TestCashout_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	h.fund(t, "u1", money.Coin, "100")
	o := h.place(t, "u1", m.ID, 0, "100")

	_, err := h.cashout.GetQuote(h.ctx, "u2", o.ID)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = h.cashout.ConfirmCashout(h.ctx, "u1", o.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.markets.CloseMarket(h.ctx, m.ID)
	require.NoError(t, err)
	_, err = h.cashout.GetQuote(h.ctx, "u1", o.ID)
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)
}

func TestMarkets_CreateValidationAndCloseExpired(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.markets.CreateMarket(h.ctx, service.MarketInput{
		Title: "x", Options: []string{"A", "a"}, EndTime: h.clock.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidMarket)
	_, err = h.markets.CreateMarket(h.ctx, service.MarketInput{
		Title: "x", Options: []string{"A", "B"}, EndTime: h.clock.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidMarket)

	soon, err := h.markets.CreateMarket(h.ctx, service.MarketInput{
		Title: "soon", Options: []string{"A", "B"}, EndTime: h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	later := h.market(t)

	h.clock.Advance(2 * time.Hour)
	n, err := h.markets.CloseExpired(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.markets.GetMarket(h.ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, got.Status)
	got, err = h.markets.GetMarket(h.ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, got.Status)
}

func TestConversion_Instant(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "u1", money.Fiat, "100")

	q, err := h.convert.QuoteInstant(h.ctx, domain.SideBuyCoin, coin("100"))
	require.NoError(t, err)
	assert.Equal(t, coin("50"), q.Gross)
	assert.Equal(t, coin("0.5"), q.Fee)

	eo, err := h.convert.InstantConvert(h.ctx, "u1", domain.SideBuyCoin, coin("100"))
	require.NoError(t, err)
	assert.Equal(t, coin("49.5"), eo.CounterAmount)

	b := h.balance(t, "u1")
	assert.Equal(t, money.Amount(0), b.Fiat)
	assert.Equal(t, coin("49.5"), b.Coin)
	assert.Equal(t, coin("0.5"), h.balance(t, domain.DefaultPlatformUserID).Coin)

	_, err = h.convert.InstantConvert(h.ctx, "u1", domain.SideBuyCoin, coin("1"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// A feed-published rate expires after MaxRateAge.
	_, err = h.convert.SetRate(h.ctx, decimal.NewFromInt(2), "feed")
	require.NoError(t, err)
	h.clock.Advance(h.params.MaxRateAge + time.Minute)
	_, err = h.convert.QuoteInstant(h.ctx, domain.SideSellCoin, coin("1"))
	assert.ErrorIs(t, err, domain.ErrStaleRate)
	h.requireClean(t)
}

func TestConversion_PeggedRateNeverStale(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "u1", money.Fiat, "40")

	// The harness seeds a pegged rate of 2, as Wire does without a feed.
	h.clock.Advance(h.params.MaxRateAge + 6*time.Minute)
	q, err := h.convert.QuoteInstant(h.ctx, domain.SideBuyCoin, coin("10"))
	require.NoError(t, err)
	assert.Equal(t, coin("5"), q.Gross)

	h.clock.Advance(48 * time.Hour)
	eo, err := h.convert.InstantConvert(h.ctx, "u1", domain.SideBuyCoin, coin("20"))
	require.NoError(t, err)
	assert.Equal(t, coin("9.9"), eo.CounterAmount)

	_, err = h.convert.CreateLimitOrder(h.ctx, domain.LimitOrderRequest{
		UserID: "u1", Side: domain.SideBuyCoin, Amount: coin("5"), InputCurrency: money.Coin,
		LimitPrice: decimal.RequireFromString("1.5"), ExpiresIn: time.Hour,
	})
	require.NoError(t, err)
	h.requireClean(t)
}

func TestConversion_LimitLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "u1", money.Coin, "10")
	h.fund(t, "u2", money.Fiat, "30")

	_, err := h.convert.PreviewLimitOrder(h.ctx, domain.LimitOrderRequest{
		UserID: "u1", Side: domain.SideSellCoin, Amount: coin("10"), InputCurrency: money.Coin,
		LimitPrice: decimal.RequireFromString("1.5"), ExpiresIn: time.Hour,
	})
	require.ErrorIs(t, err, domain.ErrLimitWouldExecute)

	sell, err := h.convert.CreateLimitOrder(h.ctx, domain.LimitOrderRequest{
		UserID: "u1", Side: domain.SideSellCoin, Amount: coin("10"), InputCurrency: money.Coin,
		LimitPrice: decimal.RequireFromString("2.5"), ExpiresIn: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, coin("10"), sell.Reserved)
	assert.Equal(t, money.Amount(0), h.balance(t, "u1").Coin)

	buy, err := h.convert.CreateLimitOrder(h.ctx, domain.LimitOrderRequest{
		UserID: "u2", Side: domain.SideBuyCoin, Amount: coin("30"), InputCurrency: money.Fiat,
		LimitPrice: decimal.RequireFromString("1.5"), ExpiresIn: 90 * time.Minute,
	})
	require.NoError(t, err)

	res, err := h.convert.SweepLimitOrders(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Zero(t, res.Filled)

	_, err = h.convert.SetRate(h.ctx, decimal.RequireFromString("2.6"), "op")
	require.NoError(t, err)
	res, err = h.convert.SweepLimitOrders(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Filled)

	// Filled at the limit price, not the market: 25 gross, 0.25 fee.
	assert.Equal(t, coin("24.75"), h.balance(t, "u1").Fiat)
	los, err := h.convert.ListLimitOrders(h.ctx, "u1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, los, 1)
	assert.Equal(t, domain.LimitStatusFilled, los[0].Status)

	// Past expiry with a stale rate the sweeper only releases.
	h.clock.Advance(2 * time.Hour)
	res, err = h.convert.SweepLimitOrders(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, coin("30"), h.balance(t, "u2").Fiat)

	_, err = h.convert.CancelLimitOrder(h.ctx, "u2", buy.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotActive)
	h.requireClean(t)
}

func TestConversion_CancelLimitOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "u1", money.Fiat, "20")
	lo, err := h.convert.CreateLimitOrder(h.ctx, domain.LimitOrderRequest{
		UserID: "u1", Side: domain.SideBuyCoin, Amount: coin("5"), InputCurrency: money.Coin,
		LimitPrice: decimal.RequireFromString("1.6"), ExpiresIn: time.Hour,
	})
	require.NoError(t, err)
	// 5 coin at 1.6 reserves 8 fiat.
	assert.Equal(t, coin("8"), lo.Reserved)
	assert.Equal(t, coin("12"), h.balance(t, "u1").Fiat)

	_, err = h.convert.CancelLimitOrder(h.ctx, "u2", lo.ID)
	require.ErrorIs(t, err, domain.ErrNotOwner)
	got, err := h.convert.CancelLimitOrder(h.ctx, "u1", lo.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LimitStatusCancelled, got.Status)
	assert.Equal(t, coin("20"), h.balance(t, "u1").Fiat)
}

func TestBalances_WithdrawAndResync(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "u1", money.Coin, "50")

	_, err := h.balances.Withdraw(h.ctx, "u1", money.Coin, coin("60"), "w1", "op")
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = h.balances.Withdraw(h.ctx, "u1", money.Coin, coin("20"), "w1", "op")
	require.NoError(t, err)
	assert.Equal(t, coin("30"), h.balance(t, "u1").Coin)

	require.NoError(t, h.ledger.InTx(h.ctx, func(tx domain.LedgerTx) error {
		return tx.OverwriteBalance(h.ctx, "u1", money.Coin, coin("31"))
	}))

	r, err := h.recon.RunReconciliation(h.ctx, "test")
	require.NoError(t, err)
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, "u1", r.Discrepancies[0].UserID)
	assert.Equal(t, coin("1"), r.Discrepancies[0].Delta)
	assert.Contains(t, h.notifier.Events(), "reconciliation_discrepancy")

	// Reconciliation reports and never corrects.
	assert.Equal(t, coin("31"), h.balance(t, "u1").Coin)

	_, err = h.balances.Resync(h.ctx, "u1", money.Coin, "", "op")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	res, err := h.balances.Resync(h.ctx, "u1", money.Coin, "drift found by report "+r.ID, "op")
	require.NoError(t, err)
	assert.Equal(t, coin("31"), res.Before)
	assert.Equal(t, coin("30"), res.After)
	assert.Contains(t, h.notifier.Events(), "balance_resync")
	h.requireClean(t)
}

func TestReconciliation_ReportsMostRecentFirst(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 20; i++ {
		h.fund(t, fmt.Sprintf("user-%02d", i), money.Coin, "1")
	}

	first, err := h.recon.RunReconciliation(h.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 20, first.UsersScanned)
	h.clock.Advance(time.Minute)
	second, err := h.recon.RunReconciliation(h.ctx, "b")
	require.NoError(t, err)

	list, err := h.recon.ListReports(h.ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	got, err := h.recon.GetReport(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Trigger)
	require.Len(t, got.Totals, 2)
	assert.Equal(t, coin("20"), got.Totals[0].Expected)

	unlock, err := h.locks.Acquire(h.ctx, "reconciliation", time.Minute)
	require.NoError(t, err)
	defer unlock()
	_, err = h.recon.RunReconciliation(h.ctx, "c")
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

// replayingLedger runs every read closure twice, the way a retried
// transaction would.
type replayingLedger struct {
	domain.Ledger
}

func (l replayingLedger) ReadTx(ctx context.Context, fn func(domain.LedgerTx) error) error {
	if err := l.Ledger.ReadTx(ctx, fn); err != nil {
		return err
	}
	return l.Ledger.ReadTx(ctx, fn)
}

func TestReconciliation_RetriedBatchCountedOnce(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		h.fund(t, fmt.Sprintf("user-%02d", i), money.Coin, "3")
	}
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	recon := service.NewReconciliationService(replayingLedger{h.ledger}, sqlite.NewReportStore(db), nil, nil, h.params, nil)
	r, err := recon.RunReconciliation(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportCompleted, r.Status)
	assert.Equal(t, 10, r.UsersScanned)
	assert.Empty(t, r.Discrepancies)
	require.Len(t, r.Totals, 2)
	assert.Equal(t, coin("30"), r.Totals[0].Expected)
	assert.Equal(t, coin("30"), r.Totals[0].Actual)
}

func TestConcurrentOrders_KeepPoolAndBalancesConsistent(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market(t)
	const users, perUser = 8, 5
	for i := 0; i < users; i++ {
		h.fund(t, fmt.Sprintf("u%d", i), money.Coin, "100")
	}

	var wg sync.WaitGroup
	errs := make(chan error, users*perUser)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(user string, option int) {
			defer wg.Done()
			for j := 0; j < perUser; j++ {
				if _, err := h.orders.PlaceOrder(h.ctx, user, m.ID, option, coin("10")); err != nil {
					errs <- err
				}
			}
		}(fmt.Sprintf("u%d", i), i%2)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("place order: %v", err)
	}

	st, err := h.pools.GetPoolState(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, coin("400"), st.Total)
	require.NoError(t, h.pools.CheckInvariant(h.ctx, m.ID))
	for i := 0; i < users; i++ {
		assert.Equal(t, coin("50"), h.balance(t, fmt.Sprintf("u%d", i)).Coin)
	}
	h.requireClean(t)
}

func TestScenarioE_RandomOperationsReconcileClean(t *testing.T) {
	h := newHarness(t, nil)
	rng := rand.New(rand.NewSource(42))

	users := make([]string, 12)
	for i := range users {
		users[i] = fmt.Sprintf("user-%02d", i)
		h.fund(t, users[i], money.Coin, "500")
	}

	var (
		open    []string
		touched []string
		active  []domain.Order

		placed, cashedOut, cancelled, settled int
	)
	newMarket := func() {
		m := h.market(t, "A", "B", "C")
		open = append(open, m.ID)
		touched = append(touched, m.ID)
	}
	newMarket()
	newMarket()

	tolerated := func(err error) bool {
		return err == nil || domain.IsValidation(err)
	}

	for i := 0; i < 1000; i++ {
		switch op := rng.Intn(10); {
		case op < 5 && len(open) > 0:
			mid := open[rng.Intn(len(open))]
			qty := money.FromUnits(int64(1 + rng.Intn(40)))
			o, err := h.orders.PlaceOrder(h.ctx, users[rng.Intn(len(users))], mid, rng.Intn(3), qty)
			require.True(t, tolerated(err), "place: %v", err)
			if err == nil {
				placed++
				active = append(active, o)
			}
		case op < 7 && len(active) > 0:
			k := rng.Intn(len(active))
			o := active[k]
			active = append(active[:k], active[k+1:]...)
			q, err := h.cashout.GetQuote(h.ctx, o.UserID, o.ID)
			require.True(t, tolerated(err), "quote: %v", err)
			if err == nil && q.Net > 0 {
				_, err = h.cashout.ConfirmCashout(h.ctx, o.UserID, o.ID, q.Net)
				require.True(t, tolerated(err), "cashout: %v", err)
				if err == nil {
					cashedOut++
				}
			}
		case op < 8 && len(active) > 0:
			k := rng.Intn(len(active))
			o := active[k]
			active = append(active[:k], active[k+1:]...)
			_, err := h.orders.CancelOrder(h.ctx, o.UserID, o.ID)
			require.True(t, tolerated(err), "cancel: %v", err)
			if err == nil {
				cancelled++
			}
		case op < 9 && len(open) > 1:
			k := rng.Intn(len(open))
			mid := open[k]
			open = append(open[:k], open[k+1:]...)
			var outcome domain.Outcome
			switch rng.Intn(4) {
			case 0:
				outcome = domain.Outcome{Kind: domain.OutcomeVoid}
			case 1:
				outcome = domain.Outcome{Kind: domain.OutcomeTie, TiedOptions: []int{0, 2}}
			default:
				outcome = winner(rng.Intn(3))
			}
			h.closeAndSettle(t, mid, outcome)
			settled++
			kept := active[:0]
			for _, o := range active {
				if o.MarketID != mid {
					kept = append(kept, o)
				}
			}
			active = kept
			newMarket()
		default:
			h.fund(t, users[rng.Intn(len(users))], money.Coin, "25")
		}
	}

	// Guard against a run where every operation was rejected.
	require.Greater(t, placed, 200, "placed orders")
	require.Greater(t, cashedOut, 30, "cashouts")
	require.Greater(t, cancelled, 10, "cancellations")
	require.Greater(t, settled, 20, "settlements")

	for _, mid := range touched {
		require.NoError(t, h.pools.CheckInvariant(h.ctx, mid), "market %s", mid)
	}
	h.requireClean(t)
}
