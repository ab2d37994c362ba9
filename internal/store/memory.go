package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketescrow/internal/errs"
	"marketescrow/internal/escrow"
)

// Memory is an in-process Store used by component tests and by cmd/escrowd
// when DATABASE_URL is "memory" (dev mode). It is not a teaching stand-in for Postgres
// semantics beyond what the tests in this package need: per-escrow mutual
// exclusion and the scan queries the timeout monitor relies on.
type Memory struct {
	mu       sync.Mutex
	escrows  map[string]escrow.Escrow
	users    map[string]User
	byName   map[string]string // username -> id
	configs  map[string]WalletRPCConfig // key: escrowID+"/"+role
	locks    map[string]*sync.Mutex
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		escrows: make(map[string]escrow.Escrow),
		users:   make(map[string]User),
		byName:  make(map[string]string),
		configs: make(map[string]WalletRPCConfig),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Memory) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Memory) CreateUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[u.Username]; exists {
		return fmt.Errorf("store: username %q already exists", u.Username)
	}
	m.users[u.ID] = u
	m.byName[u.Username] = u.ID
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("store: user %s: %w", id, errs.ErrNotFound)
	}
	return u, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[username]
	if !ok {
		return User{}, fmt.Errorf("store: user %q: %w", username, errs.ErrNotFound)
	}
	return m.users[id], nil
}

func (m *Memory) CreateEscrow(_ context.Context, e escrow.Escrow) error {
	if !e.ParticipantsDistinct() {
		return fmt.Errorf("store: %w: participants must be pairwise distinct", errs.ErrInvalidAddress)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.escrows[e.ID]; exists {
		return fmt.Errorf("store: escrow %s already exists", e.ID)
	}
	m.escrows[e.ID] = e
	return nil
}

func (m *Memory) GetEscrow(_ context.Context, id string) (escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return escrow.Escrow{}, fmt.Errorf("store: escrow %s: %w", id, errs.ErrNotFound)
	}
	return e, nil
}

func (m *Memory) WithEscrowLock(ctx context.Context, id string, fn TxFunc) (escrow.Escrow, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	cur, ok := m.escrows[id]
	m.mu.Unlock()
	if !ok {
		return escrow.Escrow{}, fmt.Errorf("store: escrow %s: %w", id, errs.ErrNotFound)
	}

	next, err := fn(ctx, cur)
	if err != nil {
		return escrow.Escrow{}, err
	}

	m.mu.Lock()
	m.escrows[id] = next
	m.mu.Unlock()
	return next, nil
}

func (m *Memory) ListExpired(_ context.Context, now time.Time) ([]escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []escrow.Escrow
	for _, e := range m.escrows {
		if e.Status.Terminal() || e.ExpiresAt == nil {
			continue
		}
		if e.ExpiresAt.Before(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListExpiringSoon(_ context.Context, now time.Time, window time.Duration) ([]escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []escrow.Escrow
	deadline := now.Add(window)
	for _, e := range m.escrows {
		if e.Status.Terminal() || e.ExpiresAt == nil {
			continue
		}
		if e.ExpiresAt.After(now) && e.ExpiresAt.Before(deadline) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListStuckMultisig(_ context.Context, now time.Time, threshold time.Duration) ([]escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []escrow.Escrow
	for _, e := range m.escrows {
		if e.Status.Terminal() {
			continue
		}
		if e.Phase == escrow.PhaseReady || e.Phase == escrow.PhaseNotStarted {
			continue
		}
		if e.MultisigUpdatedAt.Before(now.Add(-threshold)) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListAutomaticRecoveryEscrows(_ context.Context) ([]escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []escrow.Escrow
	for _, e := range m.escrows {
		if e.Status.Terminal() {
			continue
		}
		if e.RecoveryMode == escrow.RecoveryAutomatic {
			out = append(out, e)
		}
	}
	return out, nil
}

func configKey(escrowID string, role escrow.Role) string {
	return escrowID + "/" + string(role)
}

func (m *Memory) UpsertWalletRPCConfig(_ context.Context, cfg WalletRPCConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[configKey(cfg.EscrowID, cfg.Role)] = cfg
	return nil
}

func (m *Memory) GetWalletRPCConfig(_ context.Context, escrowID string, role escrow.Role) (WalletRPCConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[configKey(escrowID, role)]
	if !ok {
		return WalletRPCConfig{}, fmt.Errorf("store: wallet config %s/%s: %w", escrowID, role, errs.ErrNotFound)
	}
	return cfg, nil
}

func (m *Memory) RecordWalletConnection(_ context.Context, escrowID string, role escrow.Role, connectedAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := configKey(escrowID, role)
	cfg, ok := m.configs[key]
	if !ok {
		return fmt.Errorf("store: wallet config %s/%s: %w", escrowID, role, errs.ErrNotFound)
	}
	cfg.LastConnectedAt = &connectedAt
	cfg.ConnectionAttempts++
	cfg.LastError = lastErr
	m.configs[key] = cfg
	return nil
}

var _ Store = (*Memory)(nil)
