package domain

import (
	"time"

	"github.com/alanyoungcy/poolbet/internal/money"
)

// DefaultPlatformUserID is the account that collects every fee.
const DefaultPlatformUserID = "platform"

// TxCategory classifies a ledger transaction.
type TxCategory string

const (
	TxOrderStake        TxCategory = "order.stake"
	TxOrderCancelRefund TxCategory = "order.cancel_refund"
	TxCashoutCredit     TxCategory = "cashout.credit"
	TxSettlementPayout  TxCategory = "settlement.payout"
	TxSettlementRefund  TxCategory = "settlement.refund"
	TxConvertDebit      TxCategory = "convert.debit"
	TxConvertCredit     TxCategory = "convert.credit"
	TxLimitReserve      TxCategory = "limit.reserve"
	TxLimitRelease      TxCategory = "limit.release"
	TxLimitFill         TxCategory = "limit.fill"
	TxDeposit           TxCategory = "deposit"
	TxWithdrawal        TxCategory = "withdrawal"

	TxFeeCancellation TxCategory = "fee.cancellation"
	TxFeeCashout      TxCategory = "fee.cashout"
	TxFeeSettlement   TxCategory = "fee.settlement"
	TxFeeConversion   TxCategory = "fee.conversion"
)

// Transaction is an append-only ledger entry. Credits are positive, debits
// negative. A user's balance in a currency always equals the sum of their
// transactions in that currency.
type Transaction struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Amount      money.Amount   `json:"amount"`
	Currency    money.Currency `json:"currency"`
	Category    TxCategory     `json:"category"`
	Description string         `json:"description,omitempty"`
	MarketID    string         `json:"market_id,omitempty"`
	OrderID     string         `json:"order_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Balance is the materialized per-user balance.
type Balance struct {
	UserID    string       `json:"user_id"`
	Coin      money.Amount `json:"coin"`
	Fiat      money.Amount `json:"fiat"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Of returns the component for currency c.
func (b Balance) Of(c money.Currency) money.Amount {
	if c == money.Fiat {
		return b.Fiat
	}
	return b.Coin
}

// LedgerSum is the ledger-derived total for one user and currency.
type LedgerSum struct {
	UserID   string         `json:"user_id"`
	Currency money.Currency `json:"currency"`
	Total    money.Amount   `json:"total"`
}
