package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/money"
)

// Side is the direction of a coin/fiat conversion.
type Side string

const (
	SideBuyCoin  Side = "buy_coin"
	SideSellCoin Side = "sell_coin"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuyCoin || s == SideSellCoin
}

// Source is the currency debited by a conversion on this side.
func (s Side) Source() money.Currency {
	if s == SideBuyCoin {
		return money.Fiat
	}
	return money.Coin
}

// Destination is the currency credited by a conversion on this side.
func (s Side) Destination() money.Currency {
	if s == SideBuyCoin {
		return money.Coin
	}
	return money.Fiat
}

// Rate is the published reference price: FIAT per one COIN. A pegged rate
// comes from configuration rather than a feed and never goes stale.
type Rate struct {
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
	Pegged    bool            `json:"pegged,omitempty"`
}

// ExchangeOrderStatus is the state of an executed conversion.
type ExchangeOrderStatus string

const (
	ExchangeStatusPending ExchangeOrderStatus = "pending"
	ExchangeStatusFilled  ExchangeOrderStatus = "filled"
	ExchangeStatusFailed  ExchangeOrderStatus = "failed"
)

// ExchangeOrder records one executed conversion.
type ExchangeOrder struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	Side            Side                `json:"side"`
	SourceAmount    money.Amount        `json:"source_amount"`
	SourceCurrency  money.Currency      `json:"source_currency"`
	CounterAmount   money.Amount        `json:"counter_amount"`
	CounterCurrency money.Currency      `json:"counter_currency"`
	Price           decimal.Decimal     `json:"price"`
	Fee             money.Amount        `json:"fee"`
	Status          ExchangeOrderStatus `json:"status"`
	LimitOrderID    string              `json:"limit_order_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// ConversionQuote prices a conversion at a given price.
type ConversionQuote struct {
	Side            Side            `json:"side"`
	SourceAmount    money.Amount    `json:"source_amount"`
	SourceCurrency  money.Currency  `json:"source_currency"`
	Gross           money.Amount    `json:"gross"`
	Fee             money.Amount    `json:"fee"`
	Net             money.Amount    `json:"net"`
	CounterCurrency money.Currency  `json:"counter_currency"`
	Price           decimal.Decimal `json:"price"`
}

// LimitOrderStatus is the state of a resting conversion order.
type LimitOrderStatus string

const (
	LimitStatusActive    LimitOrderStatus = "active"
	LimitStatusFilled    LimitOrderStatus = "filled"
	LimitStatusExpired   LimitOrderStatus = "expired"
	LimitStatusCancelled LimitOrderStatus = "cancelled"
)

// LimitOrder is a conversion that executes when the reference price crosses
// LimitPrice. Reserved is held out of the source balance while active.
type LimitOrder struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Side           Side             `json:"side"`
	InputAmount    money.Amount     `json:"input_amount"`
	InputCurrency  money.Currency   `json:"input_currency"`
	Reserved       money.Amount     `json:"reserved"`
	LimitPrice     decimal.Decimal  `json:"limit_price"`
	FeePct         decimal.Decimal  `json:"fee_pct"`
	ExpiresAt      time.Time        `json:"expires_at"`
	Status         LimitOrderStatus `json:"status"`
	ExecutionPrice *decimal.Decimal `json:"execution_price,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
}

// LimitOrderRequest is the user input for a limit order preview or create.
type LimitOrderRequest struct {
	UserID        string          `json:"-"`
	Side          Side            `json:"side"`
	Amount        money.Amount    `json:"amount"`
	InputCurrency money.Currency  `json:"currency"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	ExpiresIn     time.Duration   `json:"-"`
}

// LimitPreview describes a limit order without creating it.
type LimitPreview struct {
	Side            Side            `json:"side"`
	Reserve         money.Amount    `json:"reserve"`
	ReserveCurrency money.Currency  `json:"reserve_currency"`
	Gross           money.Amount    `json:"gross"`
	Fee             money.Amount    `json:"fee"`
	Net             money.Amount    `json:"net"`
	CounterCurrency money.Currency  `json:"counter_currency"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	MarketPrice     decimal.Decimal `json:"market_price"`
	// DistancePct is how far the limit sits from the market price, in percent.
	DistancePct decimal.Decimal `json:"distance_pct"`
	ExpiresAt   time.Time       `json:"expires_at"`
}
