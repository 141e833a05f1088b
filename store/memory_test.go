package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	x402 "github.com/quarrylabs/quarry-pay"
)

func newChallenge(id string, now time.Time) *x402.PaymentChallenge {
	return &x402.PaymentChallenge{
		ChallengeID:    id,
		Recipient:      "GsbwXfJraMomNxBcjYLcG3mxkBUiyWXAB32fGbSMQRdW",
		Amount:         "0.001",
		AmountLamports: 1_000_000,
		Currency:       x402.CurrencySOL,
		Decimals:       9,
		Timestamp:      now.Unix(),
		ExpiresAt:      now.Add(x402.ChallengeTTL).Unix(),
	}
}

func TestMemoryPutGetDelete(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()
	ch := newChallenge("c1", time.Now())

	if err := m.Put(ctx, ch); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := m.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Amount != ch.Amount || got.ChallengeID != ch.ChallengeID {
		t.Errorf("Get = %+v, want %+v", got, ch)
	}

	ok, err := m.Has(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("Has = %v, %v; want true", ok, err)
	}

	deleted, err := m.Delete(ctx, "c1")
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v; want true", deleted, err)
	}
	if _, err := m.Get(ctx, "c1"); !errors.Is(err, x402.ErrChallengeNotFound) {
		t.Errorf("Get after delete = %v, want ErrChallengeNotFound", err)
	}
	deleted, err = m.Delete(ctx, "c1")
	if err != nil || deleted {
		t.Fatalf("second Delete = %v, %v; want false", deleted, err)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if err := m.Put(ctx, newChallenge("c1", time.Now())); err != nil {
		t.Fatal(err)
	}
	first, _ := m.Get(ctx, "c1")
	first.Amount = "tampered"

	second, _ := m.Get(ctx, "c1")
	if second.Amount != "0.001" {
		t.Error("mutating a Get result leaked into the store")
	}
}

func TestMemoryMerge(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if err := m.Put(ctx, newChallenge("c1", time.Now())); err != nil {
		t.Fatal(err)
	}
	err := m.Merge(ctx, "c1", func(ch *x402.PaymentChallenge) {
		ch.DatasetSlug = "weather-daily"
		ch.SQLQuery = "SELECT * FROM weather"
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got, _ := m.Get(ctx, "c1")
	if got.DatasetSlug != "weather-daily" || got.SQLQuery != "SELECT * FROM weather" {
		t.Errorf("annotations not merged: %+v", got)
	}

	if err := m.Merge(ctx, "missing", func(*x402.PaymentChallenge) {}); !errors.Is(err, x402.ErrChallengeNotFound) {
		t.Errorf("Merge on missing id = %v, want ErrChallengeNotFound", err)
	}
}

func TestMemoryKeys(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := m.Put(ctx, newChallenge(id, time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := m.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("len(Keys) = %d, want 3", len(keys))
	}
}

func TestMemorySweep(t *testing.T) {
	now := time.Now()
	m := NewMemory(time.Hour, WithMemoryClock(func() time.Time {
		return now.Add(x402.ChallengeTTL + time.Minute)
	}))
	defer m.Close()
	ctx := context.Background()

	// One challenge created now (expired from the sweep clock's view), one
	// created later (still live).
	if err := m.Put(ctx, newChallenge("old", now)); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, newChallenge("fresh", now.Add(2*time.Minute))); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if ok, _ := m.Has(ctx, "old"); ok {
		t.Error("expired challenge survived the sweep")
	}
	if ok, _ := m.Has(ctx, "fresh"); !ok {
		t.Error("live challenge removed by the sweep")
	}
}

// Exactly one of many concurrent Delete calls may observe the record.
func TestMemoryDeleteAtomicity(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if err := m.Put(ctx, newChallenge("c1", time.Now())); err != nil {
		t.Fatal(err)
	}

	const workers = 32
	var wg sync.WaitGroup
	wins := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.Delete(ctx, "c1")
			if err != nil {
				t.Errorf("Delete: %v", err)
			}
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	total := 0
	for _, won := range wins {
		if won {
			total++
		}
	}
	if total != 1 {
		t.Fatalf("deletions observed = %d, want exactly 1", total)
	}
}
