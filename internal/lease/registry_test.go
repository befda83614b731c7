package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(testRepo(t))
}

func TestRegistry_TryAcquireAndRelease(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	l, err := reg.TryAcquire(ctx, "alice", "transmitter", DeviceInfo{}, testTTL)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	if err := reg.Release(ctx, "alice", "transmitter", l.Sequence); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if _, err := reg.Get(ctx, "alice", "transmitter"); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("Get() error = %v, want ErrLeaseNotFound", err)
	}
}

func TestRegistry_ConcurrentClaims_OneWinner(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	const claimers = 16

	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted, conflicted int

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.TryAcquire(ctx, "alice", "transmitter", DeviceInfo{}, testTTL)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ErrLeaseHeld):
				conflicted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("granted = %d, want exactly 1", granted)
	}
	if conflicted != claimers-1 {
		t.Errorf("conflicted = %d, want %d", conflicted, claimers-1)
	}
}

func TestRegistry_ConcurrentReplace_SingleSuccessorPerFence(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	first, err := reg.TryAcquire(ctx, "alice", "transmitter", DeviceInfo{}, testTTL)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	// Many actors race to supersede the same prior sequence. Exactly one
	// replace may succeed against that fence; the rest must see
	// ErrStaleSequence instead of silently overwriting.
	const racers = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []int64

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := reg.Replace(ctx, "alice", "transmitter", first.Sequence, DeviceInfo{}, testTTL)
			if err != nil {
				if !errors.Is(err, ErrStaleSequence) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			winners = append(winners, l.Sequence)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(winners))
	}
	if winners[0] <= first.Sequence {
		t.Errorf("winner sequence = %d, want > %d", winners[0], first.Sequence)
	}
}

func TestRegistry_DistinctKeysDoNotBlock(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := reg.TryAcquire(ctx, "alice", "receiver", DeviceInfo{}, testTTL); err != nil {
			t.Errorf("TryAcquire(receiver) error = %v", err)
		}
	}()

	if _, err := reg.TryAcquire(ctx, "alice", "transmitter", DeviceInfo{}, testTTL); err != nil {
		t.Errorf("TryAcquire(transmitter) error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("claim on a distinct key blocked")
	}
}

func TestRegistry_KeyLocksDoNotLeak(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l, err := reg.TryAcquire(ctx, "alice", "transmitter", DeviceInfo{}, testTTL)
		if err != nil {
			t.Fatalf("TryAcquire() error = %v", err)
		}
		if err := reg.Release(ctx, "alice", "transmitter", l.Sequence); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}

	reg.mu.Lock()
	n := len(reg.keys)
	reg.mu.Unlock()
	if n != 0 {
		t.Errorf("idle key locks = %d, want 0", n)
	}
}
