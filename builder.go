package x402

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry-pay/validation"
)

// CreateRequest are the inputs to Builder.CreatePaymentRequest.
type CreateRequest struct {
	// Amount is the human decimal amount in Currency units.
	Amount string

	// ResourceID identifies what is being purchased.
	ResourceID string

	// Description is echoed back to the client.
	Description string

	// Recipient is the wallet to receive payment. Empty falls back to the
	// Builder's configured platform wallet.
	Recipient string

	// Currency selects the settlement currency.
	Currency Currency
}

// SplitResolver derives the shared-custody terms for a two-party revenue
// split. Implemented by split.Resolver.
type SplitResolver interface {
	Resolve(primaryRecipient, resourceID string) (*SplitInfo, error)
}

// Builder computes payment terms and issues challenges. It is safe for
// concurrent use.
type Builder struct {
	store    ChallengeStore
	ledger   Ledger
	logger   *zap.Logger
	mint     string
	fallback string
	splits   SplitResolver
	now      func() time.Time
	newID    func() string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithFallbackRecipient sets the platform wallet used when a request names
// no recipient.
func WithFallbackRecipient(address string) BuilderOption {
	return func(b *Builder) { b.fallback = address }
}

// WithBuilderLogger sets the logger.
func WithBuilderLogger(logger *zap.Logger) BuilderOption {
	return func(b *Builder) { b.logger = logger }
}

// WithSplitResolver enables the optional revenue-split path. Disabled by
// default: direct payments keep the "who paid" proof simple for the
// reputation layer.
func WithSplitResolver(r SplitResolver) BuilderOption {
	return func(b *Builder) { b.splits = r }
}

// WithClock overrides the time source. Tests use this to age challenges.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder. mint is the USDC mint address used for token
// challenges.
func NewBuilder(store ChallengeStore, ledger Ledger, mint string, opts ...BuilderOption) *Builder {
	b := &Builder{
		store:  store,
		ledger: ledger,
		logger: zap.NewNop(),
		mint:   mint,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreatePaymentRequest validates the request, computes minor units, derives
// the recipient's settlement account for token payments, stores the
// challenge and returns it.
func (b *Builder) CreatePaymentRequest(ctx context.Context, req CreateRequest) (*PaymentChallenge, error) {
	recipient := req.Recipient
	if recipient == "" {
		recipient = b.fallback
	}
	if err := validation.ValidateAddress(recipient); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if !req.Currency.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCurrency, req.Currency)
	}
	if err := validation.ValidateAmount(req.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	minor, err := AmountToMinorUnits(req.Amount, req.Currency.Decimals())
	if err != nil {
		return nil, err
	}
	if minor == 0 {
		return nil, fmt.Errorf("%w: %q is below one minor unit", ErrInvalidAmount, req.Amount)
	}

	now := b.now().Unix()
	ch := &PaymentChallenge{
		ChallengeID: b.newID(),
		Recipient:   recipient,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Decimals:    req.Currency.Decimals(),
		ResourceID:  req.ResourceID,
		Description: req.Description,
		Timestamp:   now,
		ExpiresAt:   now + int64(ChallengeTTL/time.Second),
	}

	switch req.Currency {
	case CurrencySOL:
		ch.AmountLamports = minor
	case CurrencyUSDC:
		ch.AmountTokens = minor
		ch.Mint = b.mint
		tokenAccount, err := b.ledger.DeriveTokenAccount(recipient, b.mint)
		if err != nil {
			return nil, fmt.Errorf("%w: deriving settlement account: %v", ErrInvalidRecipient, err)
		}
		ch.RecipientTokenAccount = tokenAccount
	}

	if b.splits != nil {
		split, err := b.splits.Resolve(recipient, req.ResourceID)
		if err != nil {
			return nil, err
		}
		ch.Split = split
	}

	if err := b.store.Put(ctx, ch); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	b.logger.Info("payment challenge created",
		zap.String("challenge_id", ch.ChallengeID),
		zap.String("resource_id", ch.ResourceID),
		zap.String("currency", string(ch.Currency)),
		zap.String("amount", ch.Amount),
		zap.Uint64("minor_units", minor),
		zap.String("recipient", recipient),
		zap.Int64("expires_at", ch.ExpiresAt),
	)
	return ch, nil
}
