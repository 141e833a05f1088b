// Package store provides ChallengeStore implementations: an in-memory map
// for single-process deployments and a Postgres-backed store for
// multi-instance deployments.
package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	x402 "github.com/quarrylabs/quarry-pay"
)

// DefaultSweepInterval is how often the memory store prunes expired
// challenges. Abandoned challenges would otherwise accumulate for the life
// of the process.
const DefaultSweepInterval = time.Minute

// Memory is a mutex-guarded in-memory ChallengeStore. A background worker
// sweeps entries past their expiry so abandoned challenges do not grow the
// map without bound. Close stops the worker.
type Memory struct {
	mu   sync.RWMutex
	data map[string]*x402.PaymentChallenge

	logger *zap.Logger
	now    func() time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the logger used by the sweep worker.
func WithMemoryLogger(logger *zap.Logger) MemoryOption {
	return func(m *Memory) { m.logger = logger }
}

// WithMemoryClock overrides the time source used for expiry sweeps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a Memory store and starts its sweep worker with the
// given interval; zero means DefaultSweepInterval.
func NewMemory(sweepInterval time.Duration, opts ...MemoryOption) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	m := &Memory{
		data:   make(map[string]*x402.PaymentChallenge),
		logger: zap.NewNop(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(1)
	go m.sweepLoop(sweepInterval)
	return m
}

// Put implements x402.ChallengeStore.
func (m *Memory) Put(_ context.Context, ch *x402.PaymentChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ch.ChallengeID] = ch.Clone()
	return nil
}

// Get implements x402.ChallengeStore.
func (m *Memory) Get(_ context.Context, id string) (*x402.PaymentChallenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.data[id]
	if !ok {
		return nil, x402.ErrChallengeNotFound
	}
	return ch.Clone(), nil
}

// Has implements x402.ChallengeStore.
func (m *Memory) Has(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[id]
	return ok, nil
}

// Delete implements x402.ChallengeStore. The single write lock makes the
// check-and-delete atomic: of any number of concurrent callers, exactly one
// observes true.
func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[id]
	if ok {
		delete(m.data, id)
	}
	return ok, nil
}

// Keys implements x402.ChallengeStore.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for id := range m.data {
		keys = append(keys, id)
	}
	return keys, nil
}

// Merge implements x402.ChallengeStore. The mutation runs under the write
// lock against the stored record, so concurrent merges are never lost.
func (m *Memory) Merge(_ context.Context, id string, apply func(*x402.PaymentChallenge)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.data[id]
	if !ok {
		return x402.ErrChallengeNotFound
	}
	apply(ch)
	return nil
}

// Sweep removes all challenges past their expiry and returns how many were
// removed.
func (m *Memory) Sweep(_ context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, ch := range m.data {
		if ch.ExpiredAt(now) {
			delete(m.data, id)
			removed++
		}
	}
	return removed, nil
}

// Close stops the sweep worker.
func (m *Memory) Close() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed, _ := m.Sweep(context.Background()); removed > 0 {
				m.logger.Debug("swept expired challenges", zap.Int("removed", removed))
			}
		case <-m.stop:
			return
		}
	}
}
