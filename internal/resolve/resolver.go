package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peerlink/rolekeeper/internal/credential"
	"github.com/peerlink/rolekeeper/internal/evict"
	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
	"github.com/peerlink/rolekeeper/internal/infrastructure/logging"
	"github.com/peerlink/rolekeeper/internal/lease"
	"github.com/peerlink/rolekeeper/internal/notify"
)

// registry is the subset of the lease registry the resolver needs.
type registry interface {
	Get(ctx context.Context, accountID, role string) (*lease.Lease, error)
	GetByClientID(ctx context.Context, clientID string) (*lease.Lease, error)
	TryAcquire(ctx context.Context, accountID, role string, device lease.DeviceInfo, ttl time.Duration) (*lease.Lease, error)
	Replace(ctx context.Context, accountID, role string, oldSequence int64, device lease.DeviceInfo, ttl time.Duration) (*lease.Lease, error)
	Release(ctx context.Context, accountID, role string, sequence int64) error
	ReleaseClientID(ctx context.Context, clientID string) (bool, error)
}

// disconnector is the subset of the broker control client the resolver
// needs; status queries belong to the verifier.
type disconnector interface {
	ForceDisconnect(ctx context.Context, clientID string) error
}

// verifier confirms evictions against the control plane.
type verifier interface {
	ConfirmEvicted(ctx context.Context, clientID string, budget time.Duration) (evict.Result, error)
}

// notifier sends best-effort lease notifications.
type notifier interface {
	NotifyRevoked(clientID, role, reason string)
	PublishLeaseStatus(accountID, role string, status notify.LeaseStatus)
}

// issuer mints credentials for committed leases.
type issuer interface {
	Issue(l *lease.Lease) (*credential.Credential, error)
}

// metrics records claim outcomes. Optional; may be nil.
type metrics interface {
	WriteClaimOutcome(role, outcome string, forced bool)
	WriteEvictionLatency(role string, confirmed bool, elapsed time.Duration)
}

// Resolver runs the role-claim state machine: detect conflicts, evict
// holders on forced takeover, verify against the control plane, and gate
// credential issuance on durably committed leases.
//
// All blocking on external systems happens in the verifier loop and the
// disconnect calls; everything else is local.
type Resolver struct {
	registry registry
	broker   disconnector
	verifier verifier
	notifier notifier
	issuer   issuer
	metrics  metrics
	logger   *logging.Logger

	eviction config.EvictionConfig
	ttl      time.Duration
	allowed  map[string]bool
}

// Deps bundles the resolver's collaborators.
type Deps struct {
	Registry registry
	Broker   disconnector
	Verifier verifier
	Notifier notifier
	Issuer   issuer

	// Metrics may be nil when InfluxDB is disabled.
	Metrics metrics

	Logger *logging.Logger
}

// New creates a conflict resolver.
//
// Parameters:
//   - deps: Collaborators (registry, broker, verifier, notifier, issuer)
//   - eviction: Takeover protocol settings
//   - credentialTTL: Validity window for new leases and their credentials
//   - allowedRoles: The closed role set from configuration
func New(deps Deps, eviction config.EvictionConfig, credentialTTL time.Duration, allowedRoles []string) *Resolver {
	allowed := make(map[string]bool, len(allowedRoles))
	for _, role := range allowedRoles {
		allowed[role] = true
	}

	return &Resolver{
		registry: deps.Registry,
		broker:   deps.Broker,
		verifier: deps.Verifier,
		notifier: deps.Notifier,
		issuer:   deps.Issuer,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "resolve"),
		eviction: eviction,
		ttl:      credentialTTL,
		allowed:  allowed,
	}
}

// Claim resolves one role-claim request to a terminal outcome.
//
// A StaleSequence from the registry means another actor superseded the
// lease mid-flight; resolution restarts from a fresh read, up to the
// configured retry bound, and then surfaces
// ErrStaleSequenceRetryExhausted rather than overwriting.
func (r *Resolver) Claim(ctx context.Context, req Claim) (*Outcome, error) {
	if !r.allowed[req.Role] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, req.Role)
	}

	attempts := r.eviction.StaleRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		outcome, err := r.attemptClaim(ctx, req)
		if errors.Is(err, lease.ErrStaleSequence) {
			r.logger.Info("lease superseded mid-claim, restarting resolution",
				"account_id", req.AccountID,
				"role", req.Role,
				"attempt", attempt,
			)
			continue
		}
		return outcome, err
	}

	r.recordOutcome(req.Role, "stale_exhausted", req.Force)
	return nil, ErrStaleSequenceRetryExhausted
}

// attemptClaim runs one pass of the resolution state machine.
func (r *Resolver) attemptClaim(ctx context.Context, req Claim) (*Outcome, error) {
	l, err := r.registry.TryAcquire(ctx, req.AccountID, req.Role, req.Device, r.ttl)
	if err == nil {
		return r.grant(req, l, false)
	}

	var conflict *lease.ConflictError
	if !errors.As(err, &conflict) {
		return nil, fmt.Errorf("acquiring lease: %w", err)
	}
	existing := conflict.Existing

	if !req.Force {
		// Rejection is side-effect free: the registry is untouched and
		// the caller gets enough detail to decide on a forced retry.
		r.recordOutcome(req.Role, "conflict", false)
		return &Outcome{
			Conflict: &Conflict{
				Holder:       existing.Descriptor(),
				CanForceKick: true,
			},
		}, nil
	}

	return r.evictAndReplace(ctx, req, existing)
}

// evictAndReplace runs the forced-takeover path against one known holder.
func (r *Resolver) evictAndReplace(ctx context.Context, req Claim, existing *lease.Lease) (*Outcome, error) {
	r.logger.Info("forced takeover requested",
		"account_id", req.AccountID,
		"role", req.Role,
		"evicting", existing.ClientID,
	)

	// Notify before the disconnect so a still-connected client has the
	// best chance to see why it is about to drop. Best-effort.
	r.notifier.NotifyRevoked(existing.ClientID, req.Role, notify.ReasonForcedTakeover)

	if err := r.disconnectWithRetry(ctx, existing.ClientID); err != nil {
		r.recordOutcome(req.Role, "error", true)
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	start := time.Now()
	result, err := r.verifier.ConfirmEvicted(ctx, existing.ClientID, r.eviction.EvictionBudget())
	if err != nil {
		return nil, fmt.Errorf("verifying eviction: %w", err)
	}
	if r.metrics != nil {
		r.metrics.WriteEvictionLatency(req.Role, result == evict.ResultConfirmed, time.Since(start))
	}

	uncertain := false
	if result == evict.ResultTimedOut {
		if !r.eviction.ProceedAfterTimeout {
			r.recordOutcome(req.Role, "eviction_timeout", true)
			return nil, ErrEvictionTimeout
		}
		// Fail-open: grant anyway, flagged, per configured policy.
		uncertain = true
		r.logger.Warn("proceeding with unconfirmed eviction",
			"account_id", req.AccountID,
			"role", req.Role,
			"evicted", existing.ClientID,
		)
	}

	newLease, err := r.registry.Replace(ctx, req.AccountID, req.Role, existing.Sequence, req.Device, r.ttl)
	if err != nil {
		if errors.Is(err, lease.ErrStaleSequence) {
			return nil, err // Claim() restarts resolution
		}
		return nil, fmt.Errorf("replacing lease: %w", err)
	}

	outcome, err := r.grant(req, newLease, uncertain)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// grant issues the credential for a committed lease and publishes the
// updated lease status.
func (r *Resolver) grant(req Claim, l *lease.Lease, uncertain bool) (*Outcome, error) {
	cred, err := r.issuer.Issue(l)
	if err != nil {
		return nil, fmt.Errorf("issuing credential: %w", err)
	}

	r.notifier.PublishLeaseStatus(l.AccountID, l.Role, notify.LeaseStatus{
		Held:     true,
		ClientID: l.ClientID,
		Sequence: l.Sequence,
	})

	outcome := "granted"
	if req.Force && l.Sequence > 1 {
		outcome = "evicted_granted"
	}
	r.recordOutcome(req.Role, outcome, req.Force)

	r.logger.Info("role claim granted",
		"account_id", l.AccountID,
		"role", l.Role,
		"client_id", l.ClientID,
		"sequence", l.Sequence,
		"eviction_uncertain", uncertain,
	)

	return &Outcome{
		Credential:        cred,
		Lease:             l,
		EvictionUncertain: uncertain,
	}, nil
}

// disconnectWithRetry calls the control plane's disconnect with a small
// fixed retry budget. Transient failures are absorbed; anything beyond
// the budget surfaces to the caller.
func (r *Resolver) disconnectWithRetry(ctx context.Context, clientID string) error {
	retries := r.eviction.DisconnectRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = r.broker.ForceDisconnect(ctx, clientID)
		if lastErr == nil {
			return nil
		}

		r.logger.Warn("broker disconnect failed",
			"client_id", clientID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return lastErr
}

// Check reports whether a role is currently held, without side effects.
//
// Returns nil when the role is free.
func (r *Resolver) Check(ctx context.Context, accountID, role string) (*Conflict, error) {
	if !r.allowed[role] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	l, err := r.registry.Get(ctx, accountID, role)
	if errors.Is(err, lease.ErrLeaseNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lease: %w", err)
	}

	return &Conflict{
		Holder:       l.Descriptor(),
		CanForceKick: true,
	}, nil
}

// Release gives up the account's lease on a role.
//
// Returns lease.ErrLeaseNotFound if the role is not held.
func (r *Resolver) Release(ctx context.Context, accountID, role string) error {
	if !r.allowed[role] {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	l, err := r.registry.Get(ctx, accountID, role)
	if err != nil {
		return err
	}

	if err := r.registry.Release(ctx, accountID, role, l.Sequence); err != nil {
		return err
	}

	r.notifier.PublishLeaseStatus(accountID, role, notify.LeaseStatus{Held: false})

	r.logger.Info("role released",
		"account_id", accountID,
		"role", role,
		"client_id", l.ClientID,
	)
	return nil
}

// HandleBrokerDisconnect processes a broker-originated disconnect event
// for one client identity, releasing its lease if it still holds one.
//
// Racing a forced takeover is safe: the successor's lease carries a
// different client_id and is never touched.
func (r *Resolver) HandleBrokerDisconnect(ctx context.Context, clientID string) error {
	l, err := r.registry.GetByClientID(ctx, clientID)
	if errors.Is(err, lease.ErrLeaseNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lease for disconnect: %w", err)
	}

	removed, err := r.registry.ReleaseClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if removed {
		r.notifier.PublishLeaseStatus(l.AccountID, l.Role, notify.LeaseStatus{Held: false})
		r.logger.Info("lease released on broker disconnect",
			"account_id", l.AccountID,
			"role", l.Role,
			"client_id", clientID,
		)
	}
	return nil
}

func (r *Resolver) recordOutcome(role, outcome string, forced bool) {
	if r.metrics != nil {
		r.metrics.WriteClaimOutcome(role, outcome, forced)
	}
}
