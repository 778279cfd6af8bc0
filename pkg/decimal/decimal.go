// Package decimal provides the fixed-precision quantity type used for all
// prices and amounts. Values are exact decimals at a fixed scale of 8; the
// canonical string form is what goes on the ledger, and a zero-padded variant
// exists only for boundaries that need lexicographic ordering.
package decimal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every stored quantity carries.
const Scale = 8

// PaddedWidth is the total width of the left-zero-padded string form.
// 20 integer digits is enough for any quantity this system handles.
const PaddedWidth = 20 + 1 + Scale

// D is a non-negative fixed-scale decimal quantity.
type D struct {
	d decimal.Decimal
}

// Zero is the zero quantity.
var Zero = D{decimal.Zero}

// Parse converts a decimal string into a quantity. It rejects negative
// values and values with more than Scale fractional digits, since those
// could not round-trip through the canonical form.
func Parse(s string) (D, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return Zero, fmt.Errorf("parse decimal %q: negative quantity", s)
	}
	if d.Exponent() < -Scale {
		return Zero, fmt.Errorf("parse decimal %q: more than %d decimal places", s, Scale)
	}
	return D{d}, nil
}

// MustParse is Parse for compile-time constants in tests and fixtures.
func MustParse(s string) D {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromInt converts a whole number into a quantity.
func FromInt(n int64) D {
	return D{decimal.NewFromInt(n)}
}

func (a D) Add(b D) D { return D{a.d.Add(b.d)} }

// Sub returns a-b. The result may be negative; callers that care check Sign.
func (a D) Sub(b D) D { return D{a.d.Sub(b.d)} }

func (a D) Mul(b D) D { return D{a.d.Mul(b.d).Round(Scale)} }

// Cmp returns -1, 0, or +1. This is the one total order in the system;
// nothing compares quantities any other way.
func (a D) Cmp(b D) int { return a.d.Cmp(b.d) }

func (a D) IsZero() bool     { return a.d.IsZero() }
func (a D) IsPositive() bool { return a.d.IsPositive() }
func (a D) Sign() int        { return a.d.Sign() }

// Min returns the smaller of a and b.
func Min(a, b D) D {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// String returns the canonical fixed-scale form, e.g. "9.50000000".
func (a D) String() string { return a.d.StringFixed(Scale) }

// Padded returns the canonical form left-padded with zeros to PaddedWidth so
// that lexicographic order coincides with numeric order. Raw decimal strings
// of different lengths do not sort the same way numerically, so any key that
// participates in ordered scans must use this form.
func (a D) Padded() string {
	s := a.String()
	if len(s) >= PaddedWidth {
		return s
	}
	return strings.Repeat("0", PaddedWidth-len(s)) + s
}

// MarshalJSON emits the canonical string form.
func (a D) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a bare number.
func (a *D) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
