package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/peerlink/rolekeeper/internal/infrastructure/database"
)

// Repository persists leases in SQLite.
//
// All mutating operations run in a transaction so the lease row and the
// per-key sequence counter move together. Sequences come from a dedicated
// lease_sequences table bumped on every issuance, which keeps them
// monotone and unique across the full lease history of a key, including
// across passive expiry.
type Repository struct {
	db *database.DB

	// now is replaceable for tests.
	now func() time.Time
}

// NewRepository creates a lease repository backed by the given database.
func NewRepository(db *database.DB) *Repository {
	return &Repository{
		db:  db,
		now: time.Now,
	}
}

// Get returns the active lease for (accountID, role).
//
// An expired lease is treated as an implicit release: it is removed and
// ErrLeaseNotFound returned.
func (r *Repository) Get(ctx context.Context, accountID, role string) (*Lease, error) {
	l, err := r.scanLease(r.db.QueryRowContext(ctx, `
		SELECT account_id, role, sequence, client_id,
		       device_model, device_os, app_version,
		       issued_at, expires_at
		FROM leases WHERE account_id = ? AND role = ?`,
		accountID, role,
	))
	if err != nil {
		return nil, err
	}

	if l.Expired(r.now()) {
		// Lazy cleanup; the periodic sweep handles rows nobody reads.
		_, _ = r.db.ExecContext(ctx, //nolint:errcheck // Sweep catches leftovers
			"DELETE FROM leases WHERE account_id = ? AND role = ? AND sequence = ?",
			accountID, role, l.Sequence,
		)
		return nil, ErrLeaseNotFound
	}

	return l, nil
}

// GetByClientID returns the active lease bound to a broker client identity.
func (r *Repository) GetByClientID(ctx context.Context, clientID string) (*Lease, error) {
	l, err := r.scanLease(r.db.QueryRowContext(ctx, `
		SELECT account_id, role, sequence, client_id,
		       device_model, device_os, app_version,
		       issued_at, expires_at
		FROM leases WHERE client_id = ?`,
		clientID,
	))
	if err != nil {
		return nil, err
	}
	if l.Expired(r.now()) {
		return nil, ErrLeaseNotFound
	}
	return l, nil
}

// ListByAccount returns all active leases held by an account, ordered by role.
func (r *Repository) ListByAccount(ctx context.Context, accountID string) ([]Lease, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
		SELECT account_id, role, sequence, client_id,
		       device_model, device_os, app_version,
		       issued_at, expires_at
		FROM leases WHERE account_id = ? ORDER BY role`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying leases: %w", err)
	}
	defer rows.Close()

	now := r.now()
	var leases []Lease
	for rows.Next() {
		l, err := r.scanLease(rows)
		if err != nil {
			return nil, err
		}
		if l.Expired(now) {
			continue
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

// TryAcquire creates a lease for (accountID, role) if the key is free.
//
// On conflict with a live holder it returns a *ConflictError carrying the
// existing lease; no state changes. An expired holder is discarded and the
// acquisition proceeds.
func (r *Repository) TryAcquire(ctx context.Context, accountID, role string, device DeviceInfo, ttl time.Duration) (*Lease, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	existing, err := r.scanLease(tx.QueryRowContext(ctx, `
		SELECT account_id, role, sequence, client_id,
		       device_model, device_os, app_version,
		       issued_at, expires_at
		FROM leases WHERE account_id = ? AND role = ?`,
		accountID, role,
	))
	if err != nil && !errors.Is(err, ErrLeaseNotFound) {
		return nil, err
	}

	if existing != nil {
		if !existing.Expired(r.now()) {
			return nil, &ConflictError{Existing: existing}
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM leases WHERE account_id = ? AND role = ?",
			accountID, role,
		); err != nil {
			return nil, fmt.Errorf("discarding expired lease: %w", err)
		}
	}

	l, err := r.insertLease(ctx, tx, accountID, role, device, ttl)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing acquire: %w", err)
	}
	return l, nil
}

// Replace supersedes the current lease with a fresh one, fenced by the old
// sequence.
//
// Returns ErrStaleSequence if the stored sequence no longer matches
// oldSequence (another claim or eviction already occurred) or if the lease
// vanished mid-flight. The caller must restart conflict resolution.
func (r *Repository) Replace(ctx context.Context, accountID, role string, oldSequence int64, device DeviceInfo, ttl time.Duration) (*Lease, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	// The fenced delete is the linearization point: only one caller can
	// remove the row holding oldSequence.
	res, err := tx.ExecContext(ctx,
		"DELETE FROM leases WHERE account_id = ? AND role = ? AND sequence = ?",
		accountID, role, oldSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("removing superseded lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking superseded lease: %w", err)
	}
	if affected == 0 {
		return nil, ErrStaleSequence
	}

	l, err := r.insertLease(ctx, tx, accountID, role, device, ttl)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing replace: %w", err)
	}
	return l, nil
}

// Release removes the lease for (accountID, role), fenced by sequence.
//
// Returns ErrStaleSequence if a lease exists with a different sequence and
// ErrLeaseNotFound if no lease exists at all. Releasing with a stale
// sequence must not tear down a successor's lease.
func (r *Repository) Release(ctx context.Context, accountID, role string, sequence int64) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM leases WHERE account_id = ? AND role = ? AND sequence = ?",
		accountID, role, sequence,
	)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking release: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var n int
	err = r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM leases WHERE account_id = ? AND role = ?",
		accountID, role,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("checking release: %w", err)
	}
	if n > 0 {
		return ErrStaleSequence
	}
	return ErrLeaseNotFound
}

// ReleaseClientID removes the lease bound to a broker client identity.
//
// Used by the broker event webhook when a device disconnects. A missing
// row is not an error: the disconnect may race a forced takeover, in
// which case the successor's lease carries a different client_id and is
// untouched.
func (r *Repository) ReleaseClientID(ctx context.Context, clientID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM leases WHERE client_id = ?", clientID,
	)
	if err != nil {
		return false, fmt.Errorf("releasing lease by client: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking release by client: %w", err)
	}
	return affected > 0, nil
}

// DeleteExpired removes all leases whose validity window has elapsed.
// Called by the periodic maintenance sweep.
func (r *Repository) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM leases WHERE expires_at <= ?",
		r.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired leases: %w", err)
	}
	return res.RowsAffected()
}

// CountActive returns the number of unexpired leases.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM leases WHERE expires_at > ?",
		r.now().UTC().Format(time.RFC3339),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting leases: %w", err)
	}
	return n, nil
}

// insertLease allocates the next sequence for the key and inserts the new
// lease row, all within the caller's transaction.
func (r *Repository) insertLease(ctx context.Context, tx *sql.Tx, accountID, role string, device DeviceInfo, ttl time.Duration) (*Lease, error) {
	var sequence int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO lease_sequences (account_id, role, seq) VALUES (?, ?, 1)
		ON CONFLICT(account_id, role) DO UPDATE SET seq = seq + 1
		RETURNING seq`,
		accountID, role,
	).Scan(&sequence)
	if err != nil {
		return nil, fmt.Errorf("allocating sequence: %w", err)
	}

	now := r.now().UTC().Truncate(time.Second)
	l := &Lease{
		AccountID: accountID,
		Role:      role,
		Sequence:  sequence,
		ClientID:  FormatClientID(accountID, role, sequence),
		Device:    device,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO leases (account_id, role, sequence, client_id,
		                    device_model, device_os, app_version,
		                    issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.AccountID, l.Role, l.Sequence, l.ClientID,
		l.Device.Model, l.Device.OS, l.Device.AppVersion,
		l.IssuedAt.Format(time.RFC3339), l.ExpiresAt.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("inserting lease: %w", err)
	}

	return l, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanLease(row rowScanner) (*Lease, error) {
	var l Lease
	var issuedAt, expiresAt string

	err := row.Scan(
		&l.AccountID, &l.Role, &l.Sequence, &l.ClientID,
		&l.Device.Model, &l.Device.OS, &l.Device.AppVersion,
		&issuedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lease: %w", err)
	}

	l.IssuedAt, err = time.Parse(time.RFC3339, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	l.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &l, nil
}
