// Package store is the Persistence component (spec.md §2, §3): the sole
// owner of escrow, wallet-rpc-config and user rows (spec §3 "Ownership").
// Store is an interface so internal/walletcoord, internal/timeout,
// internal/orchestrator and internal/httpapi can be tested against the
// in-memory implementation in
// memory.go without a live Postgres instance, while cmd/escrowd wires the
// pgx-backed implementation in postgres.go.
package store

import (
	"context"
	"time"

	"marketescrow/internal/escrow"
)

// User is the persisted account row (spec §3 "User"). PasswordHash is an
// encoded Argon2id string (internal/cryptoutil.HashPassword); it is never
// included in any Debug/String rendering — see User.String.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         escrow.Role
	WalletHint   string
	CreatedAt    time.Time
}

// String renders a User without its password hash, per spec §3: "the data
// model's Debug representation never renders the hash."
func (u User) String() string {
	return "User{ID:" + u.ID + ", Username:" + u.Username + ", Role:" + string(u.Role) + "}"
}

// WalletRPCConfig is one persisted row per (escrow, role) (spec §3). The
// three sensitive fields are AES-256-GCM sealed blobs, never plaintext —
// spec §8 invariant 6.
type WalletRPCConfig struct {
	EscrowID string
	Role     escrow.Role

	SealedEndpointURL []byte
	SealedAuthUser    []byte
	SealedAuthPass    []byte

	CreatedAt        time.Time
	LastConnectedAt  *time.Time
	ConnectionAttempts int
	LastError        string
}

// TxFunc mutates an escrow inside a per-escrow locked transaction. It
// receives the row as it exists under the lock and returns the row to
// persist. Returning an error aborts the transaction with no write.
type TxFunc func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error)

// Store is the persistence seam every other component depends on.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)

	// Escrows.
	CreateEscrow(ctx context.Context, e escrow.Escrow) error
	GetEscrow(ctx context.Context, id string) (escrow.Escrow, error)

	// WithEscrowLock runs fn with exclusive access to the escrow row (the
	// row-level advisory lock named in spec §4.1/§5), persisting fn's
	// returned value atomically on success. A read of the row that is
	// stale by the time the transaction commits surfaces as
	// errs.ErrStaleRead so the caller can retry (spec §4.1).
	WithEscrowLock(ctx context.Context, id string, fn TxFunc) (escrow.Escrow, error)

	// Scans used by internal/timeout (spec §4.6).
	ListExpired(ctx context.Context, now time.Time) ([]escrow.Escrow, error)
	ListExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]escrow.Escrow, error)
	ListStuckMultisig(ctx context.Context, now time.Time, threshold time.Duration) ([]escrow.Escrow, error)

	// Recovery (spec §4.2).
	ListAutomaticRecoveryEscrows(ctx context.Context) ([]escrow.Escrow, error)

	// Wallet RPC configs.
	UpsertWalletRPCConfig(ctx context.Context, cfg WalletRPCConfig) error
	GetWalletRPCConfig(ctx context.Context, escrowID string, role escrow.Role) (WalletRPCConfig, error)
	RecordWalletConnection(ctx context.Context, escrowID string, role escrow.Role, connectedAt time.Time, lastErr string) error
}
