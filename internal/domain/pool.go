package domain

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/money"
)

// Pool is the running coin total staked on one option of a market.
type Pool struct {
	MarketID string       `json:"market_id"`
	Option   int          `json:"option"`
	Total    money.Amount `json:"total"`
}

// OptionState is the derived view of one option.
type OptionState struct {
	Option   int             `json:"option"`
	Label    string          `json:"label"`
	Total    money.Amount    `json:"total"`
	Percent  decimal.Decimal `json:"percent"`
	Multiple decimal.Decimal `json:"multiple"`
}

// PoolState is computed on demand from pool rows and never stored.
type PoolState struct {
	MarketID string        `json:"market_id"`
	Total    money.Amount  `json:"total"`
	Options  []OptionState `json:"options"`
}

// Multiple returns the current multiple for option, or zero if out of range.
func (s PoolState) Multiple(option int) decimal.Decimal {
	if option < 0 || option >= len(s.Options) {
		return decimal.Zero
	}
	return s.Options[option].Multiple
}
