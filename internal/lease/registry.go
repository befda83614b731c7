package lease

import (
	"context"
	"sync"
	"time"
)

// Registry is the lease store with per-key critical sections.
//
// SQLite transactions already make individual operations atomic; the
// registry additionally serializes mutations per (account_id, role) so
// concurrent claims for the same key observe linearizable ordering
// rather than racing to the database and failing on constraint errors.
// Different keys proceed in parallel.
//
// The registry never calls the broker. Its only side effect is the store.
type Registry struct {
	repo *Repository

	mu   sync.Mutex
	keys map[string]*keyLock
}

// keyLock is a reference-counted mutex for one (account_id, role) key.
// Counting lets idle locks be removed so the map does not grow with
// every key ever seen.
type keyLock struct {
	sync.Mutex
	refs int
}

// NewRegistry creates a registry over the given repository.
func NewRegistry(repo *Repository) *Registry {
	return &Registry{
		repo: repo,
		keys: make(map[string]*keyLock),
	}
}

// lockKey acquires the mutex for one key and returns its unlock function.
func (r *Registry) lockKey(accountID, role string) func() {
	key := accountID + "\x00" + role

	r.mu.Lock()
	kl, ok := r.keys[key]
	if !ok {
		kl = &keyLock{}
		r.keys[key] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.Lock()

	return func() {
		kl.Unlock()

		r.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.keys, key)
		}
		r.mu.Unlock()
	}
}

// Get returns the active lease for (accountID, role), or ErrLeaseNotFound.
func (r *Registry) Get(ctx context.Context, accountID, role string) (*Lease, error) {
	return r.repo.Get(ctx, accountID, role)
}

// GetByClientID returns the active lease bound to a broker client identity.
func (r *Registry) GetByClientID(ctx context.Context, clientID string) (*Lease, error) {
	return r.repo.GetByClientID(ctx, clientID)
}

// ListByAccount returns all active leases held by an account.
func (r *Registry) ListByAccount(ctx context.Context, accountID string) ([]Lease, error) {
	return r.repo.ListByAccount(ctx, accountID)
}

// TryAcquire grants a new lease if the key is free, or returns a
// *ConflictError carrying the existing holder. Rejection has no side
// effects.
func (r *Registry) TryAcquire(ctx context.Context, accountID, role string, device DeviceInfo, ttl time.Duration) (*Lease, error) {
	unlock := r.lockKey(accountID, role)
	defer unlock()
	return r.repo.TryAcquire(ctx, accountID, role, device, ttl)
}

// Replace supersedes the holder's lease, fenced by oldSequence.
// Returns ErrStaleSequence if another actor already superseded it.
func (r *Registry) Replace(ctx context.Context, accountID, role string, oldSequence int64, device DeviceInfo, ttl time.Duration) (*Lease, error) {
	unlock := r.lockKey(accountID, role)
	defer unlock()
	return r.repo.Replace(ctx, accountID, role, oldSequence, device, ttl)
}

// Release removes the lease, fenced by sequence.
func (r *Registry) Release(ctx context.Context, accountID, role string, sequence int64) error {
	unlock := r.lockKey(accountID, role)
	defer unlock()
	return r.repo.Release(ctx, accountID, role, sequence)
}

// ReleaseClientID removes the lease bound to a broker client identity.
// Reports whether a lease was actually removed.
func (r *Registry) ReleaseClientID(ctx context.Context, clientID string) (bool, error) {
	return r.repo.ReleaseClientID(ctx, clientID)
}

// DeleteExpired removes all expired leases. Called by the maintenance sweep.
func (r *Registry) DeleteExpired(ctx context.Context) (int64, error) {
	return r.repo.DeleteExpired(ctx)
}

// CountActive returns the number of unexpired leases.
func (r *Registry) CountActive(ctx context.Context) (int, error) {
	return r.repo.CountActive(ctx)
}
