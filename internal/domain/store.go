package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/money"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Ledger runs units of work against the transactional store. InTx commits
// only when fn returns nil and retries fn on transient conflicts, so fn must
// not have side effects outside the transaction. ReadTx runs fn in a
// consistent read-only snapshot; Lock* methods are not available there.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
	ReadTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is the set of operations available inside one transaction. Lock*
// methods take row locks held until commit.
type LedgerTx interface {
	CreateMarket(ctx context.Context, m Market) error
	GetMarket(ctx context.Context, id string) (Market, error)
	LockMarket(ctx context.Context, id string) (Market, error)
	SetMarketStatus(ctx context.Context, id string, status MarketStatus, resolution string, at time.Time) error
	ListMarkets(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)

	Pools(ctx context.Context, marketID string) ([]Pool, error)
	// AdjustPool adds delta to one option's pool. A result below zero fails
	// with ErrLedgerInvariant.
	AdjustPool(ctx context.Context, marketID string, option int, delta money.Amount) error

	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	LockOrder(ctx context.Context, id string) (Order, error)
	// FinalizeOrder moves an active order to a terminal status. It fails with
	// ErrOrderNotActive when the order already left the active state.
	FinalizeOrder(ctx context.Context, id string, t OrderTransition) error
	ListActiveOrders(ctx context.Context, marketID string) ([]Order, error)
	ListOrdersByUser(ctx context.Context, userID string, opts ListOpts) ([]Order, error)
	ListOrdersByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Order, error)
	SumPoolOrders(ctx context.Context, marketID string) (map[int]money.Amount, error)

	GetBalance(ctx context.Context, userID string) (Balance, error)
	LockBalance(ctx context.Context, userID string) (Balance, error)
	// AppendTransaction inserts t and applies t.Amount to the user's balance
	// in the same transaction.
	AppendTransaction(ctx context.Context, t Transaction) error
	ListTransactions(ctx context.Context, userID string, opts ListOpts) ([]Transaction, error)
	// ListTransactionsBetween returns transactions created in [from, to),
	// oldest first.
	ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]Transaction, error)
	// ListBalances pages balances in ascending user id order after afterUserID.
	ListBalances(ctx context.Context, afterUserID string, limit int) ([]Balance, error)
	// SumTransactions totals the ledger per user and currency for user ids in
	// (afterUserID, throughUserID]. An empty throughUserID means no upper bound.
	SumTransactions(ctx context.Context, afterUserID, throughUserID string) ([]LedgerSum, error)
	SumUserTransactions(ctx context.Context, userID string) ([]LedgerSum, error)
	// OverwriteBalance replaces one balance component. Only the audited
	// operator resync calls it.
	OverwriteBalance(ctx context.Context, userID string, currency money.Currency, amount money.Amount) error

	InsertExchangeOrder(ctx context.Context, e ExchangeOrder) error
	ListExchangeOrders(ctx context.Context, userID string, opts ListOpts) ([]ExchangeOrder, error)
	InsertLimitOrder(ctx context.Context, l LimitOrder) error
	GetLimitOrder(ctx context.Context, id string) (LimitOrder, error)
	LockLimitOrder(ctx context.Context, id string) (LimitOrder, error)
	// LockActiveLimitOrders locks up to limit active orders with ids after
	// afterID in id order, skipping rows another transaction already holds.
	LockActiveLimitOrders(ctx context.Context, afterID string, limit int) ([]LimitOrder, error)
	FinalizeLimitOrder(ctx context.Context, id string, status LimitOrderStatus, price *decimal.Decimal, at time.Time) error
	ListLimitOrders(ctx context.Context, userID string, opts ListOpts) ([]LimitOrder, error)
}

// ReportStore persists reconciliation reports.
type ReportStore interface {
	Save(ctx context.Context, r ReconciliationReport) error
	GetByID(ctx context.Context, id string) (ReconciliationReport, error)
	// List returns reports most recent first.
	List(ctx context.Context, opts ListOpts) ([]ReconciliationReport, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
