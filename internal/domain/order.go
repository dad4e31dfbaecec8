package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/money"
)

// OrderStatus represents the lifecycle state of a stake. Every status other
// than active is terminal.
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "active"
	OrderStatusCashout   OrderStatus = "cashout"
	OrderStatusWon       OrderStatus = "won"
	OrderStatusLost      OrderStatus = "lost"
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded is the non-loss terminal state for void settlement.
	OrderStatusRefunded OrderStatus = "refunded"
)

// CountsTowardPool reports whether an order in this status still has its
// quantity inside the market pool.
func (s OrderStatus) CountsTowardPool() bool {
	return s == OrderStatusActive || s == OrderStatusWon || s == OrderStatusLost
}

// Order is a user's stake on one option. EntryMultiple never changes after
// insert.
type Order struct {
	ID            string          `json:"id"`
	MarketID      string          `json:"market_id"`
	UserID        string          `json:"user_id"`
	Option        int             `json:"option"`
	Quantity      money.Amount    `json:"quantity"`
	EntryMultiple decimal.Decimal `json:"entry_multiple"`
	Status        OrderStatus     `json:"status"`
	CashoutAmount *money.Amount   `json:"cashout_amount,omitempty"`
	Payout        *money.Amount   `json:"payout,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// OrderTransition finalizes an active order.
type OrderTransition struct {
	Status OrderStatus
	// Amount is stored as cashout_amount for OrderStatusCashout and as payout
	// for won/refunded orders. Nil for lost and cancelled.
	Amount *money.Amount
	At     time.Time
}

// CashoutQuote prices an early exit at the current multiple.
type CashoutQuote struct {
	OrderID     string          `json:"order_id"`
	Quantity    money.Amount    `json:"quantity"`
	MultipleNow decimal.Decimal `json:"multiple_now"`
	Gross       money.Amount    `json:"gross"`
	Fee         money.Amount    `json:"fee"`
	Net         money.Amount    `json:"net"`
	QuotedAt    time.Time       `json:"quoted_at"`
}

// QuoteDriftError is returned by a cashout confirmation whose quoted net no
// longer matches the fresh quote. It carries the fresh quote so the caller can
// re-confirm.
type QuoteDriftError struct {
	Quoted money.Amount
	Fresh  CashoutQuote
	Drift  decimal.Decimal
}

func (e *QuoteDriftError) Error() string {
	return "quote drifted beyond tolerance: quoted " + e.Quoted.String() +
		", fresh " + e.Fresh.Net.String() + " (drift " + e.Drift.StringFixed(4) + ")"
}

func (e *QuoteDriftError) Unwrap() error { return ErrQuoteDrift }
