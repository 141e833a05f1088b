package x402

import (
	"context"
	"fmt"
	"sync"
)

// testStore is a minimal in-memory ChallengeStore with the same atomicity
// guarantees as the production stores.
type testStore struct {
	mu   sync.Mutex
	data map[string]*PaymentChallenge

	putErr error
}

func newTestStore() *testStore {
	return &testStore{data: make(map[string]*PaymentChallenge)}
}

func (s *testStore) Put(_ context.Context, ch *PaymentChallenge) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ch.ChallengeID] = ch.Clone()
	return nil
}

func (s *testStore) Get(_ context.Context, id string) (*PaymentChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.data[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	return ch.Clone(), nil
}

func (s *testStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[id]
	return ok, nil
}

func (s *testStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[id]
	if ok {
		delete(s.data, id)
	}
	return ok, nil
}

func (s *testStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for id := range s.data {
		keys = append(keys, id)
	}
	return keys, nil
}

func (s *testStore) Merge(_ context.Context, id string, apply func(*PaymentChallenge)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.data[id]
	if !ok {
		return ErrChallengeNotFound
	}
	apply(ch)
	return nil
}

// fakeLedger serves settlements from a map and derives deterministic token
// accounts.
type fakeLedger struct {
	settlements map[string]*Settlement
	fetchErr    error
	deriveErr   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{settlements: make(map[string]*Settlement)}
}

func (f *fakeLedger) Settlement(_ context.Context, reference string) (*Settlement, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	s, ok := f.settlements[reference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettlementNotFound, reference)
	}
	return s, nil
}

func (f *fakeLedger) DeriveTokenAccount(owner, mint string) (string, error) {
	if f.deriveErr != nil {
		return "", f.deriveErr
	}
	return "ata:" + owner + ":" + mint, nil
}

func (f *fakeLedger) LatestReference(context.Context) (string, error) {
	return "test-blockhash", nil
}
