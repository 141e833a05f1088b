package x402

import "context"

// TokenBalance is a token sub-account balance snapshot inside a settlement.
type TokenBalance struct {
	// AccountIndex identifies the sub-account within the settlement's
	// account list.
	AccountIndex int

	// Mint is the token type held by the sub-account.
	Mint string

	// Owner is the wallet that owns the sub-account, when reported.
	Owner string

	// Amount is the balance in token base units.
	Amount uint64
}

// Settlement is a finalized transfer fetched from the external ledger,
// referenced by an opaque transaction signature.
type Settlement struct {
	// Reference is the opaque settlement reference (transaction signature).
	Reference string

	// Accounts are the participant account addresses, in settlement order.
	Accounts []string

	// PreBalances and PostBalances are native-coin balances per account,
	// indexed like Accounts, before and after execution.
	PreBalances  []uint64
	PostBalances []uint64

	// PreTokenBalances and PostTokenBalances are token sub-account balance
	// snapshots before and after execution.
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance

	// Failed reports that the ledger marked the settlement as failed.
	Failed bool

	// FailureDetail carries the ledger's failure report, if any.
	FailureDetail string
}

// Ledger is the read-only boundary to the external settlement ledger. The
// production implementation is solana.Client; tests substitute fakes.
type Ledger interface {
	// Settlement fetches the settlement record for the given reference.
	// Returns ErrSettlementNotFound (possibly wrapped) when the ledger has
	// no such record, which covers not-yet-propagated transactions.
	Settlement(ctx context.Context, reference string) (*Settlement, error)

	// DeriveTokenAccount derives the token sub-account address for an
	// owner and token type. Pure function of its inputs.
	DeriveTokenAccount(owner, mint string) (string, error)

	// LatestReference returns the ledger's most recent reference point,
	// used by clients building a new settlement.
	LatestReference(ctx context.Context) (string, error)
}
