package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peerlink/rolekeeper/internal/credential"
	"github.com/peerlink/rolekeeper/internal/evict"
	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
	"github.com/peerlink/rolekeeper/internal/infrastructure/logging"
	"github.com/peerlink/rolekeeper/internal/lease"
	"github.com/peerlink/rolekeeper/internal/notify"
)

// fakeRegistry implements the registry contract in memory with the same
// fencing semantics as the SQLite-backed one.
type fakeRegistry struct {
	mu     sync.Mutex
	leases map[string]*lease.Lease
	seqs   map[string]int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		leases: make(map[string]*lease.Lease),
		seqs:   make(map[string]int64),
	}
}

func key(accountID, role string) string { return accountID + "/" + role }

func (f *fakeRegistry) newLease(accountID, role string, device lease.DeviceInfo, ttl time.Duration) *lease.Lease {
	k := key(accountID, role)
	f.seqs[k]++
	seq := f.seqs[k]
	now := time.Now().UTC()
	return &lease.Lease{
		AccountID: accountID,
		Role:      role,
		Sequence:  seq,
		ClientID:  lease.FormatClientID(accountID, role, seq),
		Device:    device,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func (f *fakeRegistry) Get(_ context.Context, accountID, role string) (*lease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[key(accountID, role)]
	if !ok {
		return nil, lease.ErrLeaseNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeRegistry) GetByClientID(_ context.Context, clientID string) (*lease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.leases {
		if l.ClientID == clientID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, lease.ErrLeaseNotFound
}

func (f *fakeRegistry) TryAcquire(_ context.Context, accountID, role string, device lease.DeviceInfo, ttl time.Duration) (*lease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.leases[key(accountID, role)]; ok {
		cp := *existing
		return nil, &lease.ConflictError{Existing: &cp}
	}
	l := f.newLease(accountID, role, device, ttl)
	f.leases[key(accountID, role)] = l
	cp := *l
	return &cp, nil
}

func (f *fakeRegistry) Replace(_ context.Context, accountID, role string, oldSequence int64, device lease.DeviceInfo, ttl time.Duration) (*lease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.leases[key(accountID, role)]
	if !ok || existing.Sequence != oldSequence {
		return nil, lease.ErrStaleSequence
	}
	l := f.newLease(accountID, role, device, ttl)
	f.leases[key(accountID, role)] = l
	cp := *l
	return &cp, nil
}

func (f *fakeRegistry) Release(_ context.Context, accountID, role string, sequence int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.leases[key(accountID, role)]
	if !ok {
		return lease.ErrLeaseNotFound
	}
	if existing.Sequence != sequence {
		return lease.ErrStaleSequence
	}
	delete(f.leases, key(accountID, role))
	return nil
}

func (f *fakeRegistry) ReleaseClientID(_ context.Context, clientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, l := range f.leases {
		if l.ClientID == clientID {
			delete(f.leases, k)
			return true, nil
		}
	}
	return false, nil
}

type fakeBroker struct {
	mu          sync.Mutex
	disconnects []string
	err         error
	failures    int // fail this many calls before succeeding
}

func (f *fakeBroker) ForceDisconnect(_ context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, clientID)
	if f.failures > 0 {
		f.failures--
		return errors.New("control plane 502")
	}
	return f.err
}

func (f *fakeBroker) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

type fakeVerifier struct {
	result evict.Result
	err    error

	mu       sync.Mutex
	verified []string
}

func (f *fakeVerifier) ConfirmEvicted(_ context.Context, clientID string, _ time.Duration) (evict.Result, error) {
	f.mu.Lock()
	f.verified = append(f.verified, clientID)
	f.mu.Unlock()
	return f.result, f.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	revoked  []string // client IDs notified
	statuses []notify.LeaseStatus
}

func (f *fakeNotifier) NotifyRevoked(clientID, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, clientID)
}

func (f *fakeNotifier) PublishLeaseStatus(_, _ string, status notify.LeaseStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

type harness struct {
	resolver *Resolver
	registry *fakeRegistry
	broker   *fakeBroker
	verifier *fakeVerifier
	notifier *fakeNotifier
}

func newHarness(t *testing.T, mutate func(*config.EvictionConfig)) *harness {
	t.Helper()

	eviction := config.EvictionConfig{
		Budget:              1,
		InitialBackoffMS:    1,
		MaxBackoffMS:        5,
		ProceedAfterTimeout: false,
		DisconnectRetries:   3,
		StaleRetries:        3,
	}
	if mutate != nil {
		mutate(&eviction)
	}

	h := &harness{
		registry: newFakeRegistry(),
		broker:   &fakeBroker{},
		verifier: &fakeVerifier{result: evict.ResultConfirmed},
		notifier: &fakeNotifier{},
	}

	issuer := credential.NewIssuer(config.CredentialConfig{
		Secret: "test-secret-key-at-least-32-chars!",
		Issuer: "rolekeeper",
	})
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"}, "test")

	h.resolver = New(Deps{
		Registry: h.registry,
		Broker:   h.broker,
		Verifier: h.verifier,
		Notifier: h.notifier,
		Issuer:   issuer,
		Logger:   logger,
	}, eviction, time.Hour, []string{"transmitter", "receiver"})

	return h
}

func TestClaim_FreeRole(t *testing.T) {
	h := newHarness(t, nil)

	outcome, err := h.resolver.Claim(context.Background(), Claim{
		AccountID: "alice",
		Role:      "transmitter",
		Device:    lease.DeviceInfo{Model: "Pixel 9"},
	})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if !outcome.Granted() {
		t.Fatal("outcome not granted")
	}
	if outcome.Lease.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", outcome.Lease.Sequence)
	}
	if outcome.Credential.ClientID != "alice-transmitter-001" {
		t.Errorf("client_id = %q", outcome.Credential.ClientID)
	}
	if outcome.EvictionUncertain {
		t.Error("first claim should never be uncertain")
	}
	if len(h.broker.calls()) != 0 {
		t.Error("no disconnect expected for a free role")
	}
}

func TestClaim_UnknownRole(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.resolver.Claim(context.Background(), Claim{AccountID: "alice", Role: "admin"})
	if !errors.Is(err, ErrUnknownRole) {
		t.Errorf("error = %v, want ErrUnknownRole", err)
	}
}

func TestClaim_ConflictWithoutForce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if outcome.Granted() {
		t.Fatal("second claim must not be granted without force")
	}
	if outcome.Conflict == nil {
		t.Fatal("conflict descriptor missing")
	}
	if !outcome.Conflict.CanForceKick {
		t.Error("can_force_kick = false, want true")
	}
	if outcome.Conflict.Holder.ClientID != first.Lease.ClientID {
		t.Errorf("holder = %q, want %q", outcome.Conflict.Holder.ClientID, first.Lease.ClientID)
	}

	// Rejection has no side effects on the registry or the broker.
	current, err := h.registry.Get(ctx, "alice", "transmitter")
	if err != nil {
		t.Fatal(err)
	}
	if current.Sequence != first.Lease.Sequence {
		t.Error("registry mutated by a rejected claim")
	}
	if len(h.broker.calls()) != 0 {
		t.Error("rejected claim must not touch the broker")
	}
}

func TestClaim_ForcedTakeover(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := h.resolver.Claim(ctx, Claim{
		AccountID: "alice",
		Role:      "transmitter",
		Force:     true,
	})
	if err != nil {
		t.Fatalf("forced Claim() error = %v", err)
	}

	if !outcome.Granted() {
		t.Fatal("forced claim not granted")
	}
	if outcome.Lease.Sequence != first.Lease.Sequence+1 {
		t.Errorf("sequence = %d, want %d", outcome.Lease.Sequence, first.Lease.Sequence+1)
	}
	if outcome.Lease.ClientID == first.Lease.ClientID {
		t.Error("takeover must mint a new client_id")
	}
	if outcome.EvictionUncertain {
		t.Error("confirmed eviction must not be flagged uncertain")
	}

	// Protocol order: notice and disconnect both target the old holder,
	// and verification ran against it.
	if len(h.notifier.revoked) != 1 || h.notifier.revoked[0] != first.Lease.ClientID {
		t.Errorf("revocation notices = %v, want [%s]", h.notifier.revoked, first.Lease.ClientID)
	}
	if calls := h.broker.calls(); len(calls) != 1 || calls[0] != first.Lease.ClientID {
		t.Errorf("disconnects = %v, want [%s]", calls, first.Lease.ClientID)
	}
	if len(h.verifier.verified) != 1 || h.verifier.verified[0] != first.Lease.ClientID {
		t.Errorf("verified = %v, want [%s]", h.verifier.verified, first.Lease.ClientID)
	}
}

func TestClaim_EvictionTimeout_FailClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.result = evict.ResultTimedOut
	ctx := context.Background()

	first, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter", Force: true})
	if !errors.Is(err, ErrEvictionTimeout) {
		t.Fatalf("error = %v, want ErrEvictionTimeout", err)
	}

	// Fail-closed: the old lease stands.
	current, err := h.registry.Get(ctx, "alice", "transmitter")
	if err != nil {
		t.Fatal(err)
	}
	if current.Sequence != first.Lease.Sequence {
		t.Error("lease replaced despite unconfirmed eviction under fail-closed policy")
	}
}

func TestClaim_EvictionTimeout_FailOpen(t *testing.T) {
	h := newHarness(t, func(c *config.EvictionConfig) {
		c.ProceedAfterTimeout = true
	})
	h.verifier.result = evict.ResultTimedOut
	ctx := context.Background()

	if _, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"}); err != nil {
		t.Fatal(err)
	}

	outcome, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter", Force: true})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if !outcome.Granted() {
		t.Fatal("fail-open policy should grant")
	}
	if !outcome.EvictionUncertain {
		t.Error("fail-open grant must be flagged uncertain")
	}
}

func TestClaim_BrokerUnavailable(t *testing.T) {
	h := newHarness(t, func(c *config.EvictionConfig) {
		c.DisconnectRetries = 2
	})
	h.broker.err = errors.New("connection refused")
	ctx := context.Background()

	first, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter", Force: true})
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("error = %v, want ErrBrokerUnavailable", err)
	}
	if len(h.broker.calls()) != 2 {
		t.Errorf("disconnect attempts = %d, want 2 (retry budget)", len(h.broker.calls()))
	}

	// The lease is not mutated: fail-safe, not fail-open.
	current, err := h.registry.Get(ctx, "alice", "transmitter")
	if err != nil {
		t.Fatal(err)
	}
	if current.Sequence != first.Lease.Sequence {
		t.Error("lease mutated despite broker failure")
	}
}

func TestClaim_DisconnectRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.failures = 2 // first two calls fail, third succeeds
	ctx := context.Background()

	if _, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"}); err != nil {
		t.Fatal(err)
	}

	outcome, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter", Force: true})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if !outcome.Granted() {
		t.Fatal("claim should succeed once disconnect goes through")
	}
	if len(h.broker.calls()) != 3 {
		t.Errorf("disconnect attempts = %d, want 3", len(h.broker.calls()))
	}
}

func TestClaim_ConcurrentForcedTakeovers_NeverSameSequence(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"}); err != nil {
		t.Fatal(err)
	}

	const racers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	var sequences []int64

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.resolver.Claim(ctx, Claim{
				AccountID: "alice",
				Role:      "transmitter",
				Force:     true,
			})
			if err != nil {
				if !errors.Is(err, ErrStaleSequenceRetryExhausted) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			sequences = append(sequences, outcome.Lease.Sequence)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(sequences) == 0 {
		t.Fatal("no takeover succeeded")
	}
	seen := make(map[int64]bool)
	for _, seq := range sequences {
		if seq <= 1 {
			t.Errorf("granted sequence %d not greater than prior holder's", seq)
		}
		if seen[seq] {
			t.Fatalf("two takeovers granted the same sequence %d", seq)
		}
		seen[seq] = true
	}
}

func TestCheck(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	conflict, err := h.resolver.Check(ctx, "alice", "transmitter")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if conflict != nil {
		t.Errorf("free role reported held: %+v", conflict)
	}

	granted, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"})
	if err != nil {
		t.Fatal(err)
	}

	conflict, err = h.resolver.Check(ctx, "alice", "transmitter")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if conflict == nil {
		t.Fatal("held role reported free")
	}
	if conflict.Holder.ClientID != granted.Lease.ClientID {
		t.Errorf("holder = %q, want %q", conflict.Holder.ClientID, granted.Lease.ClientID)
	}
	if len(h.broker.calls()) != 0 {
		t.Error("Check must be side-effect free")
	}
}

func TestRelease(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.resolver.Release(ctx, "alice", "transmitter"); !errors.Is(err, lease.ErrLeaseNotFound) {
		t.Errorf("Release() of free role error = %v, want ErrLeaseNotFound", err)
	}

	if _, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"}); err != nil {
		t.Fatal(err)
	}
	if err := h.resolver.Release(ctx, "alice", "transmitter"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := h.registry.Get(ctx, "alice", "transmitter"); !errors.Is(err, lease.ErrLeaseNotFound) {
		t.Error("lease still present after release")
	}
}

func TestHandleBrokerDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	granted, err := h.resolver.Claim(ctx, Claim{AccountID: "alice", Role: "transmitter"})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.resolver.HandleBrokerDisconnect(ctx, granted.Lease.ClientID); err != nil {
		t.Fatalf("HandleBrokerDisconnect() error = %v", err)
	}
	if _, err := h.registry.Get(ctx, "alice", "transmitter"); !errors.Is(err, lease.ErrLeaseNotFound) {
		t.Error("lease still present after broker disconnect")
	}

	// Unknown client is a no-op.
	if err := h.resolver.HandleBrokerDisconnect(ctx, "ghost-receiver-001"); err != nil {
		t.Errorf("HandleBrokerDisconnect() for unknown client error = %v", err)
	}
}
