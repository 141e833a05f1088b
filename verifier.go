package x402

import (
	"context"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// Amount tolerance for settlement verification, expressed as a fraction.
// The recipient-side credit is checked, not the payer-side debit, so this is
// not a fee allowance; it absorbs rounding and timing artifacts in balance
// reporting. The constant is inherited from the reference deployment and has
// no documented fee-model derivation.
//
// TODO: replace with a value derived from an actual fee-accounting analysis
// of the target cluster.
const (
	toleranceNumerator   = 95
	toleranceDenominator = 100
)

// minAcceptable returns the smallest credited amount that satisfies a
// challenge for the given minor-unit amount.
func minAcceptable(minorUnits uint64) uint64 {
	v := new(big.Int).SetUint64(minorUnits)
	v.Mul(v, big.NewInt(toleranceNumerator))
	v.Div(v, big.NewInt(toleranceDenominator))
	return v.Uint64()
}

// Verifier checks claimed settlements against stored challenges. Successful
// verification consumes the challenge; every failure path except expiry
// preserves it so the client can retry with a corrected settlement reference.
type Verifier struct {
	store  ChallengeStore
	ledger Ledger
	logger *zap.Logger
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *zap.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier.
func NewVerifier(store ChallengeStore, ledger Ledger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:  store,
		ledger: ledger,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyPayment checks that the referenced settlement satisfies the
// challenge. It returns nil on success, after atomically consuming the
// challenge. Every failure returns a *VerificationError; unexpected ledger
// errors are folded into the retriable SETTLEMENT_NOT_FOUND outcome rather
// than propagated, so a transport blip never strands a challenge.
func (v *Verifier) VerifyPayment(ctx context.Context, challengeID, settlementReference string) error {
	logger := v.logger.With(
		zap.String("challenge_id", challengeID),
		zap.String("settlement_reference", settlementReference),
	)

	ch, err := v.store.Get(ctx, challengeID)
	if err != nil {
		logger.Info("verification failed", zap.String("stage", "lookup"))
		return NewVerificationError(FailureChallengeNotFound,
			"challenge not found or already used", false, ErrChallengeNotFound)
	}

	if ch.ExpiredAt(v.now()) {
		// Expired challenges are never resurrected.
		if _, err := v.store.Delete(ctx, challengeID); err != nil {
			logger.Warn("deleting expired challenge", zap.Error(err))
		}
		logger.Info("verification failed", zap.String("stage", "expiry"),
			zap.Int64("expires_at", ch.ExpiresAt))
		return NewVerificationError(FailureChallengeExpired,
			"challenge expired; request a new quote, the price may have changed",
			false, ErrChallengeExpired)
	}

	settlement, err := v.ledger.Settlement(ctx, settlementReference)
	if err != nil {
		if errors.Is(err, ErrSettlementNotFound) {
			logger.Info("verification failed", zap.String("stage", "fetch"))
			return NewVerificationError(FailureSettlementNotFound,
				"settlement not found on ledger yet; retry shortly", true, err)
		}
		// Transport failure or malformed response: retriable, challenge kept.
		logger.Warn("ledger fetch error", zap.String("stage", "fetch"), zap.Error(err))
		return NewVerificationError(FailureSettlementNotFound,
			"ledger unavailable; retry shortly", true, err)
	}

	if settlement.Failed {
		logger.Info("verification failed", zap.String("stage", "status"),
			zap.String("detail", settlement.FailureDetail))
		return NewVerificationError(FailureSettlementFailed,
			"settlement failed on ledger", false, ErrSettlementFailed)
	}

	var vErr *VerificationError
	switch ch.Currency {
	case CurrencyUSDC:
		vErr = verifyTokenCredit(ch, settlement)
	default:
		vErr = verifyNativeCredit(ch, settlement)
	}
	if vErr != nil {
		logger.Info("verification failed", zap.String("stage", "credit"),
			zap.String("code", string(vErr.Code)))
		return vErr
	}

	// Atomic check-and-delete: exactly one concurrent verification of the
	// same challenge observes the deletion and reports success.
	deleted, err := v.store.Delete(ctx, challengeID)
	if err != nil {
		logger.Warn("consuming challenge", zap.Error(err))
		return NewVerificationError(FailureSettlementNotFound,
			"store unavailable; retry shortly", true, err)
	}
	if !deleted {
		logger.Info("verification failed", zap.String("stage", "consume"))
		return NewVerificationError(FailureChallengeNotFound,
			"challenge already consumed by a concurrent verification", false,
			ErrChallengeNotFound)
	}

	logger.Info("payment verified",
		zap.String("currency", string(ch.Currency)),
		zap.Uint64("minor_units", ch.MinorUnits()),
	)
	return nil
}

// verifyNativeCredit checks that the recipient's native balance increased by
// at least the tolerated amount between the pre- and post-execution states.
func verifyNativeCredit(ch *PaymentChallenge, s *Settlement) *VerificationError {
	idx := -1
	for i, account := range s.Accounts {
		if account == ch.Recipient {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(s.PreBalances) || idx >= len(s.PostBalances) {
		return NewVerificationError(FailureRecipientNotCredited,
			"recipient does not appear in the settlement", false, ErrRecipientNotCredited)
	}

	pre, post := s.PreBalances[idx], s.PostBalances[idx]
	if post <= pre {
		return NewVerificationError(FailureRecipientNotCredited,
			"recipient balance did not increase", false, ErrRecipientNotCredited)
	}
	if post-pre < minAcceptable(ch.AmountLamports) {
		return NewVerificationError(FailureRecipientNotCredited,
			"recipient credited less than the required amount", false, ErrRecipientNotCredited)
	}
	return nil
}

// verifyTokenCredit scans the settlement's token balance snapshots for a
// sub-account of the challenge's mint whose balance increased by at least
// the tolerated amount. The first match wins.
func verifyTokenCredit(ch *PaymentChallenge, s *Settlement) *VerificationError {
	preByIndex := make(map[int]uint64, len(s.PreTokenBalances))
	for _, tb := range s.PreTokenBalances {
		if tb.Mint == ch.Mint {
			preByIndex[tb.AccountIndex] = tb.Amount
		}
	}

	want := minAcceptable(ch.AmountTokens)
	for _, tb := range s.PostTokenBalances {
		if tb.Mint != ch.Mint {
			continue
		}
		pre := preByIndex[tb.AccountIndex] // zero when the account was just created
		if tb.Amount > pre && tb.Amount-pre >= want {
			return nil
		}
	}
	return NewVerificationError(FailureTokenTransferMissing,
		"no token account was credited the required amount", false, ErrTokenTransferNotFound)
}
