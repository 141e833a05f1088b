package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// AmountToMinorUnits converts a decimal amount string to the integer
// smallest-unit amount, flooring any precision beyond decimals. For example,
// "1.5" with 6 decimals becomes 1500000.
//
// The conversion is pure integer arithmetic on the decimal digits; it never
// routes through binary floating point, so the result is exact for every
// representable input.
func AmountToMinorUnits(amount string, decimals int) (uint64, error) {
	whole, frac, err := splitDecimal(amount)
	if err != nil {
		return 0, err
	}

	// Shift the fraction to exactly `decimals` digits: pad with zeros,
	// truncate (floor) anything beyond.
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	value := new(big.Int)
	if _, ok := value.SetString(whole+frac, 10); !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !value.IsUint64() {
		return 0, fmt.Errorf("%w: %q exceeds minor-unit range", ErrInvalidAmount, amount)
	}
	return value.Uint64(), nil
}

// MinorUnitsToAmount converts an integer smallest-unit amount to a decimal
// string. For example, 1500000 with 6 decimals becomes "1.5".
func MinorUnitsToAmount(value uint64, decimals int) string {
	s := fmt.Sprintf("%0*d", decimals+1, value)
	whole, frac := s[:len(s)-decimals], s[len(s)-decimals:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// splitDecimal parses a non-negative decimal string into its whole and
// fractional digit runs.
func splitDecimal(amount string) (whole, frac string, err error) {
	if amount == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	whole = amount
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		whole, frac = amount[:i], amount[i+1:]
	}
	if whole == "" && frac == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if whole == "" {
		whole = "0"
	}
	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return "", "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
			}
		}
	}
	return whole, frac, nil
}
