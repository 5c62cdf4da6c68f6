package core

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is an exact rational quantity in a network's base unit (wei,
// microAlgos). The zero value is zero.
type Amount struct {
	r big.Rat
}

// NewAmount returns num/den. Panics on den == 0 like big.NewRat.
func NewAmount(num, den int64) Amount {
	var a Amount
	a.r.SetFrac64(num, den)
	return a
}

// AmountFromInt wraps an integer base-unit value
func AmountFromInt(v *big.Int) Amount {
	var a Amount
	a.r.SetInt(v)
	return a
}

// ParseAmount accepts integers ("100"), decimals ("2.5") and fractions ("5/3")
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if s == "" {
		return a, fmt.Errorf("empty amount")
	}
	if _, ok := a.r.SetString(s); !ok {
		return a, fmt.Errorf("invalid amount %q", s)
	}
	return a, nil
}

// MustAmount is ParseAmount for constants and tests
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Rat() *big.Rat { return new(big.Rat).Set(&a.r) }

func (a Amount) Sign() int { return a.r.Sign() }

func (a Amount) IsPositive() bool { return a.r.Sign() > 0 }

func (a Amount) Cmp(b Amount) int { return a.r.Cmp(&b.r) }

func (a Amount) Sub(b Amount) Amount {
	var out Amount
	out.r.Sub(&a.r, &b.r)
	return out
}

func (a Amount) Mul(b Amount) Amount {
	var out Amount
	out.r.Mul(&a.r, &b.r)
	return out
}

// Min returns the smaller of a and b
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Floor truncates towards zero to an integer base-unit value. Amounts on
// orders are strictly positive so truncation and floor agree.
func (a Amount) Floor() *big.Int {
	return new(big.Int).Quo(a.r.Num(), a.r.Denom())
}

// String renders integers plainly and everything else as a reduced fraction
func (a Amount) String() string {
	if a.r.IsInt() {
		return a.r.Num().String()
	}
	return a.r.String()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// bare JSON numbers are accepted too
		var n json.Number
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("amount must be a string or number: %w", err)
		}
		s = n.String()
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
