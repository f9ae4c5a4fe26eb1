// Package money implements exact fixed-point arithmetic for currency amounts
// and prices. Every value is an int64 scaled by 1e6 ("micro-units"), matching
// the 6-decimal precision of USDC. Prices use the same scale, so 0.40 is
// 400000. No floating point is used anywhere in this package.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Scale is the number of micro-units in one whole unit.
const Scale int64 = 1_000_000

// Decimals is the number of fractional digits carried by a micro-unit value.
const Decimals = 6

// ErrInvalidAmount is returned when a decimal string cannot be parsed.
var ErrInvalidAmount = errors.New("money: invalid amount")

// ErrDivideByZero is returned by DivPrice for a non-positive price.
var ErrDivideByZero = errors.New("money: division by non-positive price")

// Parse converts a decimal string such as "12.345" into micro-units.
// Fractional digits beyond the sixth are truncated toward zero.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && (!hasDot || frac == "") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	if w > (1<<63-1-f)/Scale {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, s)
	}

	v := w*Scale + f
	if neg {
		v = -v
	}
	return v, nil
}

// MustParse is Parse for constants and tests; it panics on bad input.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders micro-units as a decimal string with six fractional digits.
func Format(v int64) string {
	return formatDigits(v, Decimals)
}

// FormatCents renders micro-units with two fractional digits, truncating.
func FormatCents(v int64) string {
	return formatDigits(v, 2)
}

func formatDigits(v int64, digits int) string {
	sign := ""
	u := uint64(v)
	if v < 0 {
		sign = "-"
		u = uint64(-v)
	}
	whole := u / uint64(Scale)
	frac := fmt.Sprintf("%06d", u%uint64(Scale))[:digits]
	return fmt.Sprintf("%s%d.%s", sign, whole, frac)
}

// MulPrice returns floor(amount * price / Scale). It is used to value a
// quantity of shares at a price.
func MulPrice(amount, price int64) int64 {
	return mulDiv(amount, price, Scale)
}

// DivPrice returns floor(amount * Scale / price). It converts a stake into
// the number of shares it buys at price.
func DivPrice(amount, price int64) (int64, error) {
	if price <= 0 {
		return 0, ErrDivideByZero
	}
	return mulDiv(amount, Scale, price), nil
}

// Shares is the number of outcome shares a stake buys at price. Each share
// redeems for exactly one unit, so this is also the payout if the leg wins.
func Shares(stake, price int64) (int64, error) {
	return DivPrice(stake, price)
}

// Ratio returns num/den in micro-units (1.0 == Scale). A zero denominator
// yields zero.
func Ratio(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return mulDiv(num, Scale, den)
}

// BpsOf returns floor(amount * bps / 10000).
func BpsOf(amount, bps int64) int64 {
	return mulDiv(amount, bps, 10_000)
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Compare returns -1, 0 or +1.
func Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// mulDiv computes floor(a*b/c) with an arbitrary-precision intermediate.
func mulDiv(a, b, c int64) int64 {
	n := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	q, m := new(big.Int).QuoRem(n, big.NewInt(c), new(big.Int))
	// QuoRem truncates toward zero; adjust to floor for negative quotients.
	if m.Sign() != 0 && (m.Sign() < 0) != (c < 0) {
		q.Sub(q, big.NewInt(1))
	}
	return q.Int64()
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
