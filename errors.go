package x402

import "errors"

// Creation-time errors. These are synchronous failures the caller must fix
// before retrying.
var (
	// ErrInvalidRecipient indicates an empty or malformed recipient address.
	ErrInvalidRecipient = errors.New("x402: invalid recipient address")

	// ErrInvalidCurrency indicates a currency outside the supported set.
	ErrInvalidCurrency = errors.New("x402: unsupported currency")

	// ErrInvalidAmount indicates a malformed or non-positive amount.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidChallenge indicates a challenge whose field shape does not
	// match its currency.
	ErrInvalidChallenge = errors.New("x402: malformed challenge")
)

// Verification-time errors. All of these are expected outcomes of
// verification, not exceptions; the Verifier resolves every failure to a
// *VerificationError wrapping one of them.
var (
	// ErrChallengeNotFound indicates an unknown or already-consumed challenge id.
	ErrChallengeNotFound = errors.New("x402: challenge not found")

	// ErrChallengeExpired indicates the challenge aged out. Terminal; the
	// challenge is deleted.
	ErrChallengeExpired = errors.New("x402: challenge expired")

	// ErrSettlementNotFound indicates the ledger has not indexed the
	// settlement yet. Retriable.
	ErrSettlementNotFound = errors.New("x402: settlement not found on ledger")

	// ErrSettlementFailed indicates the ledger reports the settlement itself
	// failed. Terminal for that settlement reference.
	ErrSettlementFailed = errors.New("x402: settlement failed on ledger")

	// ErrRecipientNotCredited indicates the settlement did not credit the
	// recipient the required amount of the native coin.
	ErrRecipientNotCredited = errors.New("x402: recipient not credited")

	// ErrTokenTransferNotFound indicates no token sub-account balance
	// increased by the required amount.
	ErrTokenTransferNotFound = errors.New("x402: token transfer not found")
)

// FailureCode classifies a verification failure for programmatic handling.
type FailureCode string

const (
	FailureChallengeNotFound    FailureCode = "CHALLENGE_NOT_FOUND"
	FailureChallengeExpired     FailureCode = "CHALLENGE_EXPIRED"
	FailureSettlementNotFound   FailureCode = "SETTLEMENT_NOT_FOUND"
	FailureSettlementFailed     FailureCode = "SETTLEMENT_FAILED"
	FailureRecipientNotCredited FailureCode = "RECIPIENT_NOT_CREDITED"
	FailureTokenTransferMissing FailureCode = "TOKEN_TRANSFER_NOT_FOUND"
)

// VerificationError is the structured outcome of a failed verification. It
// never propagates as a crash; HTTP boundaries translate it to a 402 with the
// Message as the user-visible reason.
type VerificationError struct {
	// Code is the failure classification.
	Code FailureCode

	// Message is the human-readable reason shown to the client.
	Message string

	// Retriable reports whether the same challenge may succeed on a later
	// attempt (e.g. the ledger has not indexed the settlement yet).
	Retriable bool

	// Err is the underlying sentinel or transport error.
	Err error
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError creates a VerificationError with the given code.
func NewVerificationError(code FailureCode, message string, retriable bool, err error) *VerificationError {
	return &VerificationError{
		Code:      code,
		Message:   message,
		Retriable: retriable,
		Err:       err,
	}
}
