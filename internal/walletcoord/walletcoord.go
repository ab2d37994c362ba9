// Package walletcoord implements WalletCoordinator (spec.md §4.2): the
// registry that maps (escrow, role) to a validated, sealed wallet RPC
// endpoint, and the recovery sweep that reconnects automatic-mode escrows
// after a restart.
package walletcoord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketescrow/internal/cryptoutil"
	"marketescrow/internal/errs"
	"marketescrow/internal/escrow"
	"marketescrow/internal/store"
	"marketescrow/internal/walletrpc"
)

// liveKey identifies one (escrow, role) handle in the in-memory cache.
type liveKey struct {
	escrowID string
	role     escrow.Role
}

// Coordinator owns the mapping from (escrow, role) to a live wallet
// endpoint and the sealed config backing it (spec §3: "WalletCoordinator
// owns in-memory handles to WalletEndpoints, keyed by (escrow, role);
// handles are discarded on recovery and rebuilt from persisted configs").
// It never reads key material out of a request body and persists only
// after validating the endpoint is loopback-only — spec §8 invariant 4,
// "non-custodial": this process never holds a private key or seed.
type Coordinator struct {
	store   store.Store
	key     cryptoutil.Key
	timeout time.Duration

	recoveryConcurrency int

	mu   sync.RWMutex
	live map[liveKey]*walletrpc.Endpoint
}

// New constructs a Coordinator. key seals/unseals the endpoint URL and
// optional basic-auth credentials at rest (spec §6).
func New(s store.Store, key cryptoutil.Key, rpcTimeout time.Duration) *Coordinator {
	return &Coordinator{
		store:               s,
		key:                 key,
		timeout:             rpcTimeout,
		recoveryConcurrency: 8,
		live:                make(map[liveKey]*walletrpc.Endpoint),
	}
}

// RegisterClientEndpoint validates a wallet RPC endpoint for (escrowID,
// role) and caches a live handle to it in memory (spec §4.2
// "register_client_endpoint"). requestingRole must equal role: a party may
// only register its own endpoint — any other combination is a
// RoleMismatch, and a non-loopback URL is rejected with InvalidEndpoint
// before ever touching the store (spec §8 invariant 4).
//
// The endpoint's sealed credentials are only persisted to the store when
// recovery is RecoveryAutomatic or role is the arbiter: those are the two
// cases spec §4.2 requires to survive a restart (automatic recovery, and
// the arbiter's endpoint being "always present regardless of recovery
// mode"). A manual-mode buyer/vendor registration lives only in c.live for
// the remainder of this process's uptime, so this core never stores
// credentials it has no mandate to hold.
func (c *Coordinator) RegisterClientEndpoint(ctx context.Context, e *escrow.Escrow, requestingRole escrow.Role, role escrow.Role, rawURL, username, password string, recovery escrow.RecoveryMode) error {
	if requestingRole != role {
		return fmt.Errorf("walletcoord: %w: %s tried to register endpoint for %s", errs.ErrRoleMismatch, requestingRole, role)
	}
	if err := walletrpc.ValidateLoopbackURL(rawURL); err != nil {
		return fmt.Errorf("walletcoord: %w", err)
	}
	if role != escrow.RoleBuyer && role != escrow.RoleVendor && role != escrow.RoleArbiter {
		return fmt.Errorf("walletcoord: %w: unknown role %s", errs.ErrRoleMismatch, role)
	}

	ep, err := walletrpc.New(rawURL, username, password, c.timeout)
	if err != nil {
		return fmt.Errorf("walletcoord: build endpoint: %w", err)
	}
	c.mu.Lock()
	c.live[liveKey{escrowID: e.ID, role: role}] = ep
	c.mu.Unlock()

	if recovery != escrow.RecoveryAutomatic && role != escrow.RoleArbiter {
		return nil
	}

	sealedURL, err := cryptoutil.SealString(c.key, rawURL)
	if err != nil {
		return fmt.Errorf("walletcoord: seal endpoint url: %w", err)
	}
	sealedUser, err := cryptoutil.SealString(c.key, username)
	if err != nil {
		return fmt.Errorf("walletcoord: seal auth user: %w", err)
	}
	sealedPass, err := cryptoutil.SealString(c.key, password)
	if err != nil {
		return fmt.Errorf("walletcoord: seal auth pass: %w", err)
	}

	cfg := store.WalletRPCConfig{
		EscrowID:          e.ID,
		Role:              role,
		SealedEndpointURL: sealedURL,
		SealedAuthUser:    sealedUser,
		SealedAuthPass:    sealedPass,
		CreatedAt:         time.Now().UTC(),
	}
	if err := c.store.UpsertWalletRPCConfig(ctx, cfg); err != nil {
		return fmt.Errorf("walletcoord: persist endpoint: %w", err)
	}
	return nil
}

// Lookup resolves (escrowID, role) to a live walletrpc.Endpoint. It checks
// the in-memory cache first — the common case within a single process's
// uptime — and falls back to rebuilding the endpoint from the persisted,
// sealed config for automatic-recovery and arbiter registrations. A
// manual-mode buyer/vendor endpoint that was never registered this
// process run (e.g. after a restart) is simply not found: re-registering
// is the expected recovery path for that case (spec §4.2).
func (c *Coordinator) Lookup(ctx context.Context, escrowID string, role escrow.Role) (*walletrpc.Endpoint, error) {
	c.mu.RLock()
	ep, ok := c.live[liveKey{escrowID: escrowID, role: role}]
	c.mu.RUnlock()
	if ok {
		return ep, nil
	}

	cfg, err := c.store.GetWalletRPCConfig(ctx, escrowID, role)
	if err != nil {
		return nil, fmt.Errorf("walletcoord: lookup: %w", err)
	}
	rawURL, err := cryptoutil.OpenString(c.key, cfg.SealedEndpointURL)
	if err != nil {
		return nil, fmt.Errorf("walletcoord: unseal endpoint url: %w: %w", errs.ErrDecryptionFailed, err)
	}
	username, err := cryptoutil.OpenString(c.key, cfg.SealedAuthUser)
	if err != nil {
		return nil, fmt.Errorf("walletcoord: unseal auth user: %w: %w", errs.ErrDecryptionFailed, err)
	}
	password, err := cryptoutil.OpenString(c.key, cfg.SealedAuthPass)
	if err != nil {
		return nil, fmt.Errorf("walletcoord: unseal auth pass: %w: %w", errs.ErrDecryptionFailed, err)
	}
	rebuilt, err := walletrpc.New(rawURL, username, password, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("walletcoord: rebuild endpoint: %w", err)
	}
	c.mu.Lock()
	c.live[liveKey{escrowID: escrowID, role: role}] = rebuilt
	c.mu.Unlock()
	return rebuilt, nil
}

// RecoveryResult reports the outcome of reconnecting one escrow during
// RecoverActiveEscrows.
type RecoveryResult struct {
	EscrowID string
	Role     escrow.Role
	Err      error
}

// RecoverActiveEscrows reconnects every escrow flagged RecoveryAutomatic
// (spec §4.2 "recover_active_escrows") on process startup. Each escrow is
// probed independently via a bounded worker pool so one unreachable wallet
// daemon cannot stall recovery of the rest; a per-escrow failure is
// reported in the result slice rather than aborting the batch.
func (c *Coordinator) RecoverActiveEscrows(ctx context.Context) ([]RecoveryResult, error) {
	escrows, err := c.store.ListAutomaticRecoveryEscrows(ctx)
	if err != nil {
		return nil, fmt.Errorf("walletcoord: list recovery escrows: %w", err)
	}

	results := make([]RecoveryResult, len(escrows)*3)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.recoveryConcurrency)

	idx := 0
	for _, e := range escrows {
		e := e
		for _, role := range []escrow.Role{escrow.RoleBuyer, escrow.RoleVendor, escrow.RoleArbiter} {
			role := role
			slot := idx
			idx++
			g.Go(func() error {
				results[slot] = c.recoverOne(gctx, e, role)
				return nil
			})
		}
	}
	_ = g.Wait() // per-item errors are captured in results, never propagated as a batch failure
	return results, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, e escrow.Escrow, role escrow.Role) RecoveryResult {
	ep, err := c.Lookup(ctx, e.ID, role)
	if err != nil {
		return RecoveryResult{EscrowID: e.ID, Role: role, Err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err = ep.GetBalance(callCtx)
	now := time.Now().UTC()
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}
	if recErr := c.store.RecordWalletConnection(ctx, e.ID, role, now, lastErr); recErr != nil {
		err = recErr
	}
	return RecoveryResult{EscrowID: e.ID, Role: role, Err: err}
}
