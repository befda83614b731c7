package evict

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peerlink/rolekeeper/internal/broker"
	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
	"github.com/peerlink/rolekeeper/internal/infrastructure/logging"
)

// scriptedQuerier returns each status in sequence, then repeats the last.
type scriptedQuerier struct {
	statuses []broker.Status
	errs     []error
	calls    atomic.Int64
}

func (s *scriptedQuerier) QueryStatus(_ context.Context, _ string) (broker.Status, error) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.statuses[i], err
}

func testVerifier(q statusQuerier) *Verifier {
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"}, "test")
	return NewVerifier(q, config.EvictionConfig{
		InitialBackoffMS: 1,
		MaxBackoffMS:     5,
	}, logger)
}

func TestConfirmEvicted_ImmediateDisconnect(t *testing.T) {
	q := &scriptedQuerier{statuses: []broker.Status{broker.StatusDisconnected}}
	v := testVerifier(q)

	result, err := v.ConfirmEvicted(context.Background(), "alice-transmitter-001", time.Second)
	if err != nil {
		t.Fatalf("ConfirmEvicted() error = %v", err)
	}
	if result != ResultConfirmed {
		t.Errorf("result = %v, want Confirmed", result)
	}
	if q.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no polling after confirmation)", q.calls.Load())
	}
}

func TestConfirmEvicted_ConnectedThenGone(t *testing.T) {
	q := &scriptedQuerier{statuses: []broker.Status{
		broker.StatusConnected,
		broker.StatusConnected,
		broker.StatusDisconnected,
	}}
	v := testVerifier(q)

	result, err := v.ConfirmEvicted(context.Background(), "alice-transmitter-001", time.Second)
	if err != nil {
		t.Fatalf("ConfirmEvicted() error = %v", err)
	}
	if result != ResultConfirmed {
		t.Errorf("result = %v, want Confirmed", result)
	}
	if q.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", q.calls.Load())
	}
}

func TestConfirmEvicted_UnknownNeverConfirms(t *testing.T) {
	// A control plane that only ever answers Unknown must exhaust the
	// budget, not confirm.
	q := &scriptedQuerier{
		statuses: []broker.Status{broker.StatusUnknown},
		errs:     []error{errors.New("502 bad gateway")},
	}
	v := testVerifier(q)

	result, err := v.ConfirmEvicted(context.Background(), "alice-transmitter-001", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("ConfirmEvicted() error = %v", err)
	}
	if result != ResultTimedOut {
		t.Errorf("result = %v, want TimedOut (Unknown is not confirmation)", result)
	}
	if q.calls.Load() < 2 {
		t.Errorf("calls = %d, want at least 2 (Unknown must retry)", q.calls.Load())
	}
}

func TestConfirmEvicted_UnknownThenDisconnected(t *testing.T) {
	q := &scriptedQuerier{statuses: []broker.Status{
		broker.StatusUnknown,
		broker.StatusDisconnected,
	}}
	v := testVerifier(q)

	result, err := v.ConfirmEvicted(context.Background(), "alice-transmitter-001", time.Second)
	if err != nil {
		t.Fatalf("ConfirmEvicted() error = %v", err)
	}
	if result != ResultConfirmed {
		t.Errorf("result = %v, want Confirmed after transient Unknown", result)
	}
}

func TestConfirmEvicted_BudgetExhausted(t *testing.T) {
	q := &scriptedQuerier{statuses: []broker.Status{broker.StatusConnected}}
	v := testVerifier(q)

	start := time.Now()
	result, err := v.ConfirmEvicted(context.Background(), "alice-transmitter-001", 25*time.Millisecond)
	if err != nil {
		t.Fatalf("ConfirmEvicted() error = %v", err)
	}
	if result != ResultTimedOut {
		t.Errorf("result = %v, want TimedOut", result)
	}
	// Wall-clock bounded: well under budget + one max backoff.
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("took %v, should respect the budget", elapsed)
	}
}

func TestConfirmEvicted_ContextCancelled(t *testing.T) {
	q := &scriptedQuerier{statuses: []broker.Status{broker.StatusConnected}}
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"}, "test")
	// Long backoff so cancellation lands inside the wait.
	v := NewVerifier(q, config.EvictionConfig{
		InitialBackoffMS: 5000,
		MaxBackoffMS:     5000,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, err := v.ConfirmEvicted(ctx, "alice-transmitter-001", time.Minute)
	if result != ResultTimedOut {
		t.Errorf("result = %v, want TimedOut on cancellation", result)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestJittered_StaysWithinSpread(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := jittered(base)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered(%v) = %v, outside ±20%%", base, d)
		}
	}
}
