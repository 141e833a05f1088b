// Package validation provides syntactic checks for addresses and amounts
// before they reach the ledger.
package validation

import (
	"fmt"
	"regexp"
)

// addressRegex matches Solana base58 addresses (32-44 chars, base58 charset:
// no 0, O, I or l).
var addressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// amountRegex matches non-negative decimal amount strings.
var amountRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$|^\.[0-9]+$`)

// ValidateAddress checks that address is a syntactically valid Solana
// base58 address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !addressRegex.MatchString(address) {
		return fmt.Errorf("invalid address format: %s (expected base58 string, 32-44 chars)", address)
	}
	return nil
}

// ValidateAmount checks that amount is a well-formed, strictly positive
// decimal string.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	if !amountRegex.MatchString(amount) {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	for _, r := range amount {
		if r >= '1' && r <= '9' {
			return nil
		}
	}
	return fmt.Errorf("amount must be greater than 0, got: %s", amount)
}
