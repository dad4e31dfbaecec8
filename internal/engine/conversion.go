package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// QuoteConversion prices converting amount of side's source currency at
// price (FIAT per COIN), net of feePct charged on the destination amount.
func QuoteConversion(side domain.Side, amount money.Amount, price, feePct decimal.Decimal) (domain.ConversionQuote, error) {
	if !side.Valid() {
		return domain.ConversionQuote{}, fmt.Errorf("engine: %w: %q", domain.ErrInvalidSide, side)
	}
	if amount <= 0 {
		return domain.ConversionQuote{}, fmt.Errorf("engine: %w: %s", domain.ErrInvalidAmount, amount)
	}
	if !price.IsPositive() {
		return domain.ConversionQuote{}, fmt.Errorf("engine: %w: price %s", domain.ErrInvalidLimitPrice, price)
	}

	var gross money.Amount
	var err error
	if side == domain.SideBuyCoin {
		gross, err = amount.DivTrunc(price)
	} else {
		gross, err = amount.MulTrunc(price)
	}
	if err != nil {
		return domain.ConversionQuote{}, err
	}
	fee, err := gross.MulRound(feePct)
	if err != nil {
		return domain.ConversionQuote{}, err
	}
	net := gross - fee
	if net <= 0 {
		return domain.ConversionQuote{}, fmt.Errorf("engine: %w: amount %s converts to nothing", domain.ErrInvalidAmount, amount)
	}
	return domain.ConversionQuote{
		Side:            side,
		SourceAmount:    amount,
		SourceCurrency:  side.Source(),
		Gross:           gross,
		Fee:             fee,
		Net:             net,
		CounterCurrency: side.Destination(),
		Price:           price,
	}, nil
}

// ValidateLimit rejects a limit price that is already marketable: a buy must
// sit at or below the market price and a sell at or above it.
func ValidateLimit(side domain.Side, limit, market decimal.Decimal) error {
	if !limit.IsPositive() {
		return fmt.Errorf("engine: %w: %s", domain.ErrInvalidLimitPrice, limit)
	}
	switch side {
	case domain.SideBuyCoin:
		if limit.GreaterThan(market) {
			return fmt.Errorf("engine: %w: buy limit %s above market %s", domain.ErrLimitWouldExecute, limit, market)
		}
	case domain.SideSellCoin:
		if limit.LessThan(market) {
			return fmt.Errorf("engine: %w: sell limit %s below market %s", domain.ErrLimitWouldExecute, limit, market)
		}
	default:
		return fmt.Errorf("engine: %w: %q", domain.ErrInvalidSide, side)
	}
	return nil
}

// LimitCrossed reports whether the market price has reached the limit.
func LimitCrossed(side domain.Side, limit, market decimal.Decimal) bool {
	if side == domain.SideBuyCoin {
		return market.LessThanOrEqual(limit)
	}
	return market.GreaterThanOrEqual(limit)
}

// LimitReserve is the source-currency amount held for a limit order. Input
// given in the destination currency is converted at the limit price.
func LimitReserve(side domain.Side, amount money.Amount, input money.Currency, limit decimal.Decimal) (money.Amount, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("engine: %w: %s", domain.ErrInvalidAmount, amount)
	}
	if !input.Valid() {
		return 0, fmt.Errorf("engine: %w: currency %q", domain.ErrInvalidAmount, input)
	}
	if input == side.Source() {
		return amount, nil
	}
	if side == domain.SideBuyCoin {
		return amount.MulTrunc(limit)
	}
	return amount.DivTrunc(limit)
}

// PreviewLimit describes the order req would create against the market price.
func PreviewLimit(req domain.LimitOrderRequest, market, feePct decimal.Decimal, maxTTL time.Duration, now time.Time) (domain.LimitPreview, error) {
	if !req.Side.Valid() {
		return domain.LimitPreview{}, fmt.Errorf("engine: %w: %q", domain.ErrInvalidSide, req.Side)
	}
	if req.ExpiresIn <= 0 || (maxTTL > 0 && req.ExpiresIn > maxTTL) {
		return domain.LimitPreview{}, fmt.Errorf("engine: %w: %s", domain.ErrInvalidExpiry, req.ExpiresIn)
	}
	if err := ValidateLimit(req.Side, req.LimitPrice, market); err != nil {
		return domain.LimitPreview{}, err
	}
	reserve, err := LimitReserve(req.Side, req.Amount, req.InputCurrency, req.LimitPrice)
	if err != nil {
		return domain.LimitPreview{}, err
	}
	q, err := QuoteConversion(req.Side, reserve, req.LimitPrice, feePct)
	if err != nil {
		return domain.LimitPreview{}, err
	}

	distance := decimal.Zero
	if market.IsPositive() {
		distance = req.LimitPrice.Sub(market).Div(market).Mul(hundred).Round(4)
	}
	return domain.LimitPreview{
		Side:            req.Side,
		Reserve:         reserve,
		ReserveCurrency: req.Side.Source(),
		Gross:           q.Gross,
		Fee:             q.Fee,
		Net:             q.Net,
		CounterCurrency: q.CounterCurrency,
		LimitPrice:      req.LimitPrice,
		MarketPrice:     market,
		DistancePct:     distance,
		ExpiresAt:       now.Add(req.ExpiresIn),
	}, nil
}
