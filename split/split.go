// Package split derives deterministic shared-custody payout terms for
// dividing a single payment between a dataset publisher and the platform.
// It never moves funds: executing the split is an explicit on-chain program
// call outside this package.
package split

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/quarrylabs/quarry-pay"
)

// DefaultPlatformShare is the platform's percentage of a split payment.
const DefaultPlatformShare = 5

// seedLength is how many hex characters of the resource hash are used as
// the derivation seed. The seed-based derivation enforces a short label, so
// the resource id is hashed and truncated rather than used directly.
const seedLength = 16

// Resolver derives shared-custody addresses. It is a pure computation and
// safe for concurrent use.
type Resolver struct {
	mint              solana.PublicKey
	platformRecipient string
	platformShare     int
}

// NewResolver creates a Resolver. mint is the token whose holding account is
// derived alongside the shared-custody address; platformShare is an integer
// percentage in [0, 100].
func NewResolver(mint, platformRecipient string, platformShare int) (*Resolver, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address %q: %w", mint, err)
	}
	if _, err := solana.PublicKeyFromBase58(platformRecipient); err != nil {
		return nil, fmt.Errorf("invalid platform recipient %q: %w", platformRecipient, err)
	}
	if platformShare < 0 || platformShare > 100 {
		return nil, fmt.Errorf("platform share %d%% outside [0, 100]", platformShare)
	}
	return &Resolver{
		mint:              mintKey,
		platformRecipient: platformRecipient,
		platformShare:     platformShare,
	}, nil
}

// Seed returns the short deterministic derivation seed for a resource id.
func Seed(resourceID string) string {
	sum := sha256.Sum256([]byte(resourceID))
	return hex.EncodeToString(sum[:])[:seedLength]
}

// Resolve derives the shared-custody address and holding token account for
// the given publisher and resource, and returns them with the share
// breakdown. The same inputs always yield the same addresses.
func (r *Resolver) Resolve(primaryRecipient, resourceID string) (*x402.SplitInfo, error) {
	primary, err := solana.PublicKeyFromBase58(primaryRecipient)
	if err != nil {
		return nil, fmt.Errorf("invalid primary recipient %q: %w", primaryRecipient, err)
	}

	seed := Seed(resourceID)
	custody, err := solana.CreateWithSeed(primary, seed, solana.TokenProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive shared-custody address: %w", err)
	}
	holding, _, err := solana.FindAssociatedTokenAddress(custody, r.mint)
	if err != nil {
		return nil, fmt.Errorf("derive holding token account: %w", err)
	}

	return &x402.SplitInfo{
		PrimaryRecipient:     primaryRecipient,
		PlatformRecipient:    r.platformRecipient,
		SharedCustodyAddress: custody.String(),
		HoldingTokenAccount:  holding.String(),
		PrimarySharePercent:  100 - r.platformShare,
		PlatformSharePercent: r.platformShare,
	}, nil
}
