package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// QuoteCashout prices an early exit of o at the current pool state.
func QuoteCashout(o domain.Order, state domain.PoolState, feePct decimal.Decimal, now time.Time) (domain.CashoutQuote, error) {
	mult := state.Multiple(o.Option)
	if mult.IsZero() {
		return domain.CashoutQuote{}, fmt.Errorf("engine: %w: option %d", domain.ErrInvalidOption, o.Option)
	}
	gross, err := o.Quantity.MulTrunc(mult)
	if err != nil {
		return domain.CashoutQuote{}, err
	}
	fee, err := gross.MulRound(feePct)
	if err != nil {
		return domain.CashoutQuote{}, err
	}
	net, err := gross.Sub(fee)
	if err != nil {
		return domain.CashoutQuote{}, err
	}
	return domain.CashoutQuote{
		OrderID:     o.ID,
		Quantity:    o.Quantity,
		MultipleNow: mult,
		Gross:       gross,
		Fee:         fee,
		Net:         net,
		QuotedAt:    now,
	}, nil
}

// Drift returns |fresh - quoted| / quoted. quoted must be positive.
func Drift(quoted, fresh money.Amount) decimal.Decimal {
	if quoted <= 0 {
		return decimal.NewFromInt(1)
	}
	return money.Ratio((fresh - quoted).Abs(), quoted, 8)
}
