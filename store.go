package x402

import "context"

// ChallengeStore is the shared keyed state holding outstanding payment
// challenges. It is the only shared mutable resource in the protocol; all
// mutation goes through Put, Delete and Merge.
//
// Implementations must be safe for concurrent request handlers. Delete must
// be atomic with respect to lookup and report whether it removed the entry:
// the Verifier's single-use guarantee (two concurrent verifications of the
// same challenge yield exactly one success) rests on that.
//
// An in-memory implementation is sufficient for a single-process deployment.
// Multi-instance deployments must use a shared backend with read-after-write
// consistency per key, or verification may spuriously miss a just-created
// challenge.
type ChallengeStore interface {
	// Put stores the challenge under its ChallengeID, replacing any
	// previous record with the same id.
	Put(ctx context.Context, ch *PaymentChallenge) error

	// Get returns the challenge with the given id, or ErrChallengeNotFound.
	Get(ctx context.Context, id string) (*PaymentChallenge, error)

	// Has reports whether a challenge with the given id exists.
	Has(ctx context.Context, id string) (bool, error)

	// Delete removes the challenge and reports whether it was present.
	// Exactly one concurrent caller observes true.
	Delete(ctx context.Context, id string) (bool, error)

	// Keys lists the ids of all stored challenges.
	Keys(ctx context.Context) ([]string, error)

	// Merge atomically applies the mutation to the stored challenge,
	// re-fetching fresh state so concurrent merges are not lost. Returns
	// ErrChallengeNotFound if the id is unknown.
	Merge(ctx context.Context, id string, apply func(*PaymentChallenge)) error
}
