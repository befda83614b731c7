package evict

import (
	"context"
	"math/rand"
	"time"

	"github.com/peerlink/rolekeeper/internal/broker"
	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
	"github.com/peerlink/rolekeeper/internal/infrastructure/logging"
)

// Result is the outcome of eviction verification.
type Result int

const (
	// ResultTimedOut means the budget elapsed without a definitive
	// Disconnected observation. The caller decides the policy for
	// proceeding under uncertainty.
	ResultTimedOut Result = iota

	// ResultConfirmed means the control plane definitively reported the
	// client gone.
	ResultConfirmed
)

// String returns the result name for logging.
func (r Result) String() string {
	if r == ResultConfirmed {
		return "confirmed"
	}
	return "timed_out"
}

// statusQuerier is the subset of the broker control client the verifier
// needs.
type statusQuerier interface {
	QueryStatus(ctx context.Context, clientID string) (broker.Status, error)
}

// jitterSpread is the fraction by which each poll interval is randomised
// (±20%), so many verifiers kicked off together do not poll in lockstep.
const jitterSpread = 0.2

// Verifier polls the broker control plane until a disconnect is
// definitively observed or a wall-clock budget elapses.
//
// Only StatusDisconnected confirms. StatusUnknown keeps polling: an
// indeterminate answer is neither confirmation nor failure, and
// treating it as "gone" would let two holders coexist.
type Verifier struct {
	broker  statusQuerier
	logger  *logging.Logger
	initial time.Duration
	max     time.Duration
}

// NewVerifier creates a verifier with backoff bounds from configuration.
func NewVerifier(b statusQuerier, cfg config.EvictionConfig, logger *logging.Logger) *Verifier {
	return &Verifier{
		broker:  b,
		logger:  logger.With("component", "evict"),
		initial: cfg.InitialBackoff(),
		max:     cfg.MaxBackoff(),
	}
}

// ConfirmEvicted polls the client's status until Disconnected is observed
// or the budget elapses.
//
// The budget is a wall-clock deadline, not a retry count: backoff
// intervals are adaptive (exponential, capped, jittered) so the number
// of polls inside one budget varies.
//
// Parameters:
//   - ctx: Context; cancellation aborts verification as TimedOut
//   - clientID: Broker client identity to watch
//   - budget: Wall-clock deadline for verification
//
// Returns:
//   - Result: Confirmed or TimedOut
//   - error: Context error if ctx was cancelled, nil otherwise
func (v *Verifier) ConfirmEvicted(ctx context.Context, clientID string, budget time.Duration) (Result, error) {
	deadline := time.Now().Add(budget)
	interval := v.initial

	for attempt := 1; ; attempt++ {
		status, err := v.broker.QueryStatus(ctx, clientID)

		switch status {
		case broker.StatusDisconnected:
			v.logger.Debug("eviction confirmed",
				"client_id", clientID,
				"attempts", attempt,
			)
			return ResultConfirmed, nil

		case broker.StatusConnected:
			v.logger.Debug("evicted client still connected",
				"client_id", clientID,
				"attempt", attempt,
			)

		case broker.StatusUnknown:
			// Indeterminate. Keep polling within the budget.
			v.logger.Warn("client status indeterminate during eviction",
				"client_id", clientID,
				"attempt", attempt,
				"error", err,
			)
		}

		wait := jittered(interval)
		if time.Now().Add(wait).After(deadline) {
			v.logger.Warn("eviction verification budget exhausted",
				"client_id", clientID,
				"attempts", attempt,
				"budget", budget,
			)
			return ResultTimedOut, nil
		}

		select {
		case <-ctx.Done():
			return ResultTimedOut, ctx.Err()
		case <-time.After(wait):
		}

		interval *= 2
		if interval > v.max {
			interval = v.max
		}
	}
}

// jittered randomises an interval by ±jitterSpread.
func jittered(d time.Duration) time.Duration {
	spread := 1 - jitterSpread + 2*jitterSpread*rand.Float64()
	return time.Duration(float64(d) * spread)
}
