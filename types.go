// Package x402 implements the x402 payment-required protocol for the Quarry
// data marketplace: HTTP 402 challenges that gate a priced dataset query
// behind a verified Solana payment in SOL or USDC.
package x402

import (
	"fmt"
	"time"
)

// ProtocolVersion is the x402 protocol version carried in the X-402-Version header.
const ProtocolVersion = "1.0"

// ProtocolName identifies the settlement ledger in the X-402-Protocol header.
const ProtocolName = "solana"

// ChallengeTTL is the validity window of every challenge. It is fixed at
// creation and not renewable; an expired challenge requires a fresh quote.
const ChallengeTTL = 5 * time.Minute

// Currency identifies the settlement currency of a challenge.
type Currency string

const (
	// CurrencySOL settles in the native coin (lamports, 9 decimals).
	CurrencySOL Currency = "SOL"

	// CurrencyUSDC settles in the USDC SPL token (6 decimals).
	CurrencyUSDC Currency = "USDC"
)

// Decimals returns the number of minor-unit decimal places for the currency.
func (c Currency) Decimals() int {
	switch c {
	case CurrencySOL:
		return 9
	case CurrencyUSDC:
		return 6
	default:
		return 0
	}
}

// Valid reports whether the currency is in the supported set.
func (c Currency) Valid() bool {
	return c == CurrencySOL || c == CurrencyUSDC
}

// SplitInfo describes an optional two-party revenue split attached to a
// challenge. It records the derived shared-custody address and the share
// breakdown; it never moves funds by itself.
type SplitInfo struct {
	// PrimaryRecipient is the dataset publisher's wallet address.
	PrimaryRecipient string `json:"primary_recipient"`

	// PlatformRecipient is the platform's wallet address.
	PlatformRecipient string `json:"platform_recipient"`

	// SharedCustodyAddress is the deterministically derived address that
	// receives the payment before it is divided.
	SharedCustodyAddress string `json:"shared_custody_address"`

	// HoldingTokenAccount is the token sub-account owned by the
	// shared-custody address (token payments only).
	HoldingTokenAccount string `json:"holding_token_account,omitempty"`

	// PrimarySharePercent and PlatformSharePercent are integer percentages
	// and always sum to 100.
	PrimarySharePercent  int `json:"primary_share_percent"`
	PlatformSharePercent int `json:"platform_share_percent"`
}

// PaymentChallenge is a server-issued record of payment terms a client must
// satisfy before a resource is released. The Currency field discriminates the
// shape: SOL challenges carry AmountLamports; USDC challenges carry
// AmountTokens, Mint and RecipientTokenAccount.
type PaymentChallenge struct {
	// ChallengeID is an opaque, collision-resistant random identifier.
	ChallengeID string `json:"challenge_id"`

	// Recipient is the wallet address payment must be sent to.
	Recipient string `json:"recipient"`

	// Amount is the human-readable decimal amount, echoed to clients.
	Amount string `json:"amount"`

	// AmountLamports is the amount in lamports. SOL challenges only.
	AmountLamports uint64 `json:"amount_lamports,omitempty"`

	// AmountTokens is the amount in token base units. USDC challenges only.
	AmountTokens uint64 `json:"amount_tokens,omitempty"`

	// Mint is the SPL token mint address. USDC challenges only.
	Mint string `json:"mint_address,omitempty"`

	// RecipientTokenAccount is the recipient's associated token account,
	// derived from (mint, recipient). USDC challenges only.
	RecipientTokenAccount string `json:"recipient_token_account,omitempty"`

	// Currency is the settlement currency and discriminates which of the
	// amount fields above are populated.
	Currency Currency `json:"currency"`

	// Decimals is the minor-unit decimal count of Currency.
	Decimals int `json:"decimals"`

	// ResourceID identifies what is being purchased (dataset + query fingerprint).
	ResourceID string `json:"resource_id"`

	// Description is human-readable and not semantically used.
	Description string `json:"description"`

	// Timestamp and ExpiresAt are Unix seconds. ExpiresAt-Timestamp is
	// always ChallengeTTL.
	Timestamp int64 `json:"timestamp"`
	ExpiresAt int64 `json:"expires_at"`

	// Split is present only when revenue is shared between two recipients.
	Split *SplitInfo `json:"split,omitempty"`

	// DatasetSlug and SQLQuery are annotations merged in by the quote flow
	// so the paid query can be executed after verification.
	DatasetSlug string `json:"dataset_slug,omitempty"`
	SQLQuery    string `json:"sql_query,omitempty"`
}

// MinorUnits returns the integer smallest-unit amount for the challenge's
// currency.
func (p *PaymentChallenge) MinorUnits() uint64 {
	if p.Currency == CurrencyUSDC {
		return p.AmountTokens
	}
	return p.AmountLamports
}

// ExpiredAt reports whether the challenge has aged out at the given instant.
func (p *PaymentChallenge) ExpiredAt(now time.Time) bool {
	return now.Unix() > p.ExpiresAt
}

// ValidateShape checks that exactly the fields implied by Currency are
// populated. Builders always produce well-shaped challenges; this guards
// records loaded from a shared store.
func (p *PaymentChallenge) ValidateShape() error {
	switch p.Currency {
	case CurrencySOL:
		if p.AmountLamports == 0 {
			return fmt.Errorf("%w: SOL challenge without lamport amount", ErrInvalidChallenge)
		}
		if p.AmountTokens != 0 || p.Mint != "" || p.RecipientTokenAccount != "" {
			return fmt.Errorf("%w: SOL challenge carries token fields", ErrInvalidChallenge)
		}
	case CurrencyUSDC:
		if p.AmountTokens == 0 || p.Mint == "" || p.RecipientTokenAccount == "" {
			return fmt.Errorf("%w: USDC challenge missing token fields", ErrInvalidChallenge)
		}
		if p.AmountLamports != 0 {
			return fmt.Errorf("%w: USDC challenge carries lamport amount", ErrInvalidChallenge)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, p.Currency)
	}
	if p.ExpiresAt-p.Timestamp != int64(ChallengeTTL/time.Second) {
		return fmt.Errorf("%w: validity window is not %s", ErrInvalidChallenge, ChallengeTTL)
	}
	return nil
}

// Clone returns a deep copy of the challenge. Stores hand out clones so
// callers never share mutable state with the store.
func (p *PaymentChallenge) Clone() *PaymentChallenge {
	cp := *p
	if p.Split != nil {
		split := *p.Split
		cp.Split = &split
	}
	return &cp
}
