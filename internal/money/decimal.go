package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultScale is the system-wide monetary scale (fractional digits).
// Overridable via configuration; every add in the position processors is
// re-rounded to the configured scale so repeated additions cannot drift.
const DefaultScale int32 = 4

// Decimal is a fixed-scale monetary amount. The zero value is 0.
//
// Sign convention: amounts fetched from the transfer/fx-transfer records are
// pre-signed for direct addition; payee-side and FX-target-side amounts are
// stored negative. Callers must never re-derive sign from context.
type Decimal struct {
	value decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Decimal {
	return Decimal{}
}

// FromString parses a decimal string such as "100.2531".
func FromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Decimal{value: d}, nil
}

// MustFromString parses s and panics on failure. Test/constant use only.
func MustFromString(s string) Decimal {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt returns the amount i (whole units).
func FromInt(i int64) Decimal {
	return Decimal{value: decimal.NewFromInt(i)}
}

// Add returns d + o without rescaling. Pair with Rescale when accumulating.
func (d Decimal) Add(o Decimal) Decimal {
	return Decimal{value: d.value.Add(o.value)}
}

// Sub returns d - o without rescaling.
func (d Decimal) Sub(o Decimal) Decimal {
	return Decimal{value: d.value.Sub(o.value)}
}

// Neg returns -d.
func (d Decimal) Neg() Decimal {
	return Decimal{value: d.value.Neg()}
}

// Rescale rounds half-up to the given number of fractional digits.
func (d Decimal) Rescale(scale int32) Decimal {
	return Decimal{value: d.value.Round(scale)}
}

// Cmp returns -1, 0 or 1 comparing d to o.
func (d Decimal) Cmp(o Decimal) int {
	return d.value.Cmp(o.value)
}

// Equal reports whether d and o represent the same numeric value.
func (d Decimal) Equal(o Decimal) bool {
	return d.value.Equal(o.value)
}

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

// IsNegative reports whether d < 0.
func (d Decimal) IsNegative() bool {
	return d.value.IsNegative()
}

// String returns the minimal decimal representation.
func (d Decimal) String() string {
	return d.value.String()
}

// StringFixed renders d with exactly scale fractional digits.
func (d Decimal) StringFixed(scale int32) string {
	return d.value.StringFixed(scale)
}

// MarshalJSON renders the amount as a JSON string to avoid float coercion.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.value.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal literals.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	var v decimal.Decimal
	if err := v.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("unmarshal amount: %w", err)
	}
	d.value = v
	return nil
}
