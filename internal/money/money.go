// Package money defines the fixed-precision amount type shared by every
// ledger component. Amounts are int64 counts of micro-units (10^-6); ratios
// such as multiples, prices and fee percentages stay in decimal.Decimal.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of micro-units in one whole unit.
const Scale = 1_000_000

// Places is the number of decimal places an Amount carries.
const Places = 6

var (
	ErrOverflow      = errors.New("money: amount overflow")
	ErrInvalidAmount = errors.New("money: invalid amount")
)

var scaleDec = decimal.NewFromInt(Scale)

// Currency identifies which balance component an amount belongs to.
type Currency string

const (
	Coin Currency = "COIN"
	Fiat Currency = "FIAT"
)

// Currencies lists every supported currency in a stable order.
var Currencies = []Currency{Coin, Fiat}

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == Coin || c == Fiat
}

// ParseCurrency accepts "coin" / "fiat" in any case.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("money: unknown currency %q", s)
	}
	return c, nil
}

// Amount is a signed quantity of micro-units.
type Amount int64

// FromUnits converts a whole-unit count into an Amount.
func FromUnits(units int64) Amount {
	return Amount(units * Scale)
}

// FromDecimal converts a decimal number of units, truncating anything below
// one micro-unit. Values outside the int64 range return ErrOverflow.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	micros := d.Mul(scaleDec).Truncate(0)
	if micros.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || micros.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, ErrOverflow
	}
	return Amount(micros.IntPart()), nil
}

// Parse reads a decimal string such as "12.5" or "-0.000001".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Exponent() < -Places && !d.Equal(d.Truncate(Places)) {
		return 0, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, Places)
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the amount in whole units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Places)
}

// String formats the amount with all six decimal places.
func (a Amount) String() string {
	return a.Decimal().StringFixed(Places)
}

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Neg returns -a.
func (a Amount) Neg() Amount { return -a }

// Abs returns |a|.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b or ErrOverflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// MulTrunc multiplies by a ratio and truncates toward zero. Used for every
// amount credited to a user (payouts, gross cashout, conversion proceeds).
func (a Amount) MulTrunc(r decimal.Decimal) (Amount, error) {
	return FromDecimal(a.Decimal().Mul(r).Truncate(Places))
}

// MulRound multiplies by a ratio and rounds half away from zero to the nearest
// micro-unit. Used for fees.
func (a Amount) MulRound(r decimal.Decimal) (Amount, error) {
	return FromDecimal(a.Decimal().Mul(r).Round(Places))
}

// DivTrunc divides by a ratio and truncates toward zero. r must be non-zero.
func (a Amount) DivTrunc(r decimal.Decimal) (Amount, error) {
	if r.IsZero() {
		return 0, fmt.Errorf("money: divide %s by zero", a)
	}
	return FromDecimal(a.Decimal().Div(r).Truncate(Places))
}

// Ratio returns a/b with the given number of decimal places (truncated).
// It returns zero when b is zero.
func Ratio(a, b Amount, places int32) decimal.Decimal {
	if b == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(a)).Div(decimal.NewFromInt(int64(b))).Truncate(places)
}

// Sum adds amounts, stopping at the first overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, x := range amounts {
		var err error
		if total, err = total.Add(x); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MarshalJSON encodes the amount as a fixed-point decimal string so clients
// never see float rounding.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
