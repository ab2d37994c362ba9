package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketescrow/internal/errs"
	"marketescrow/internal/escrow"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the production Store, backed by a pgxpool.Pool. Grounded on
// withObsrvr-ttp-processor-demo's postgres-ducklake-flusher (pgxpool setup,
// ping-on-connect) and contract-data-processor/consumer/postgresql (the
// go:embed schema.sql + apply-on-startup pattern).
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies connectivity, and applies the embedded
// schema (idempotent: every DDL statement is "IF NOT EXISTS").
func Open(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) CreateUser(ctx context.Context, u User) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, role, wallet_hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role), u.WalletHint, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (User, error) {
	return p.scanUser(ctx, `SELECT id, username, password_hash, role, wallet_hint, created_at FROM users WHERE id = $1`, id)
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return p.scanUser(ctx, `SELECT id, username, password_hash, role, wallet_hint, created_at FROM users WHERE username = $1`, username)
}

func (p *Postgres) scanUser(ctx context.Context, query string, arg any) (User, error) {
	var u User
	var role string
	err := p.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.WalletHint, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("store: user: %w", errs.ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user: %w", err)
	}
	u.Role = escrow.Role(role)
	return u, nil
}

func (p *Postgres) CreateEscrow(ctx context.Context, e escrow.Escrow) error {
	if !e.ParticipantsDistinct() {
		return fmt.Errorf("store: %w: participants must be pairwise distinct", errs.ErrInvalidAddress)
	}
	snap, err := json.Marshal(e.Snapshot)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO escrows (
			id, buyer_id, vendor_id, arbiter_id, amount, status, phase,
			multisig_address, transaction_hash, snapshot, recovery_mode,
			dispute_nonce, dispute_failure_count, dispute_rate_limited_at,
			created_at, last_activity_at, multisig_updated_at, expires_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		e.ID, e.BuyerID, e.VendorID, e.ArbiterID, int64(e.Amount), string(e.Status), string(e.Phase),
		e.MultisigAddress, e.TransactionHash, snap, string(e.RecoveryMode),
		e.DisputeNonce, e.DisputeFailureCount, e.DisputeRateLimitedAt,
		e.CreatedAt, e.LastActivityAt, e.MultisigUpdatedAt, e.ExpiresAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create escrow: %w", err)
	}
	return nil
}

func (p *Postgres) GetEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	return scanEscrow(ctx, p.pool, id)
}

// rowScanner is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// scanEscrow be shared between the plain getter and the locked transaction
// path below.
type rowScanner interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanEscrow(ctx context.Context, q rowScanner, id string, forUpdate ...bool) (escrow.Escrow, error) {
	query := `SELECT id, buyer_id, vendor_id, arbiter_id, amount, status, phase,
		multisig_address, transaction_hash, snapshot, recovery_mode,
		dispute_nonce, dispute_failure_count, dispute_rate_limited_at,
		created_at, last_activity_at, multisig_updated_at, expires_at, updated_at
		FROM escrows WHERE id = $1`
	if len(forUpdate) > 0 && forUpdate[0] {
		query += " FOR UPDATE"
	}
	var e escrow.Escrow
	var status, phase, recovery string
	var amount int64
	var snap []byte
	err := q.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.BuyerID, &e.VendorID, &e.ArbiterID, &amount, &status, &phase,
		&e.MultisigAddress, &e.TransactionHash, &snap, &recovery,
		&e.DisputeNonce, &e.DisputeFailureCount, &e.DisputeRateLimitedAt,
		&e.CreatedAt, &e.LastActivityAt, &e.MultisigUpdatedAt, &e.ExpiresAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return escrow.Escrow{}, fmt.Errorf("store: escrow %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("store: get escrow: %w", err)
	}
	e.Status = escrow.Status(status)
	e.Phase = escrow.Phase(phase)
	e.RecoveryMode = escrow.RecoveryMode(recovery)
	e.Amount = uint64(amount)
	if len(snap) > 0 {
		if err := json.Unmarshal(snap, &e.Snapshot); err != nil {
			return escrow.Escrow{}, fmt.Errorf("store: unmarshal snapshot: %w", err)
		}
	}
	return e, nil
}

// WithEscrowLock opens a transaction, takes the row lock with SELECT ...
// FOR UPDATE (spec §4.1/§5's "advisory lock or equivalent"), runs fn, and
// writes the result back with an updated_at compare-and-swap as a second,
// belt-and-suspenders guard against a stale write slipping through.
func (p *Postgres) WithEscrowLock(ctx context.Context, id string, fn TxFunc) (escrow.Escrow, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := scanEscrow(ctx, tx, id, true)
	if err != nil {
		return escrow.Escrow{}, err
	}
	observedUpdatedAt := cur.UpdatedAt

	next, err := fn(ctx, cur)
	if err != nil {
		return escrow.Escrow{}, err
	}

	snap, err := json.Marshal(next.Snapshot)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("store: marshal snapshot: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE escrows SET
			status = $1, phase = $2, multisig_address = $3, transaction_hash = $4,
			snapshot = $5, dispute_nonce = $6, dispute_failure_count = $7,
			dispute_rate_limited_at = $8, last_activity_at = $9,
			multisig_updated_at = $10, expires_at = $11, updated_at = $12
		WHERE id = $13 AND updated_at = $14`,
		string(next.Status), string(next.Phase), next.MultisigAddress, next.TransactionHash,
		snap, next.DisputeNonce, next.DisputeFailureCount, next.DisputeRateLimitedAt,
		next.LastActivityAt, next.MultisigUpdatedAt, next.ExpiresAt, next.UpdatedAt,
		id, observedUpdatedAt)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("store: update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.Escrow{}, fmt.Errorf("store: escrow %s: %w", id, errs.ErrStaleRead)
	}
	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("store: commit: %w", err)
	}
	return next, nil
}

func (p *Postgres) ListExpired(ctx context.Context, now time.Time) ([]escrow.Escrow, error) {
	return p.listByCondition(ctx, `expires_at IS NOT NULL AND expires_at < $1`, now)
}

func (p *Postgres) ListExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]escrow.Escrow, error) {
	return p.listByCondition(ctx, `expires_at IS NOT NULL AND expires_at > $1 AND expires_at < $2`, now, now.Add(window))
}

func (p *Postgres) ListStuckMultisig(ctx context.Context, now time.Time, threshold time.Duration) ([]escrow.Escrow, error) {
	return p.listByCondition(ctx, `phase NOT IN ('ready', 'not_started') AND multisig_updated_at < $1`, now.Add(-threshold))
}

func (p *Postgres) ListAutomaticRecoveryEscrows(ctx context.Context) ([]escrow.Escrow, error) {
	return p.listByCondition(ctx, `recovery_mode = 'automatic'`)
}

func (p *Postgres) listByCondition(ctx context.Context, condition string, args ...any) ([]escrow.Escrow, error) {
	query := `SELECT id FROM escrows WHERE status NOT IN ('completed','refunded','cancelled','expired') AND ` + condition
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: scan query: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]escrow.Escrow, 0, len(ids))
	for _, id := range ids {
		e, err := p.GetEscrow(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Postgres) UpsertWalletRPCConfig(ctx context.Context, cfg WalletRPCConfig) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO wallet_rpc_configs (
			escrow_id, role, sealed_endpoint_url, sealed_auth_user, sealed_auth_pass,
			created_at, last_connected_at, connection_attempts, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (escrow_id, role) DO UPDATE SET
			sealed_endpoint_url = EXCLUDED.sealed_endpoint_url,
			sealed_auth_user = EXCLUDED.sealed_auth_user,
			sealed_auth_pass = EXCLUDED.sealed_auth_pass`,
		cfg.EscrowID, string(cfg.Role), cfg.SealedEndpointURL, cfg.SealedAuthUser, cfg.SealedAuthPass,
		cfg.CreatedAt, cfg.LastConnectedAt, cfg.ConnectionAttempts, cfg.LastError)
	if err != nil {
		return fmt.Errorf("store: upsert wallet config: %w", err)
	}
	return nil
}

func (p *Postgres) GetWalletRPCConfig(ctx context.Context, escrowID string, role escrow.Role) (WalletRPCConfig, error) {
	var cfg WalletRPCConfig
	var roleStr string
	err := p.pool.QueryRow(ctx, `
		SELECT escrow_id, role, sealed_endpoint_url, sealed_auth_user, sealed_auth_pass,
			created_at, last_connected_at, connection_attempts, last_error
		FROM wallet_rpc_configs WHERE escrow_id = $1 AND role = $2`,
		escrowID, string(role)).Scan(
		&cfg.EscrowID, &roleStr, &cfg.SealedEndpointURL, &cfg.SealedAuthUser, &cfg.SealedAuthPass,
		&cfg.CreatedAt, &cfg.LastConnectedAt, &cfg.ConnectionAttempts, &cfg.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return WalletRPCConfig{}, fmt.Errorf("store: wallet config %s/%s: %w", escrowID, role, errs.ErrNotFound)
	}
	if err != nil {
		return WalletRPCConfig{}, fmt.Errorf("store: get wallet config: %w", err)
	}
	cfg.Role = escrow.Role(roleStr)
	return cfg, nil
}

func (p *Postgres) RecordWalletConnection(ctx context.Context, escrowID string, role escrow.Role, connectedAt time.Time, lastErr string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE wallet_rpc_configs SET
			last_connected_at = $1, connection_attempts = connection_attempts + 1, last_error = $2
		WHERE escrow_id = $3 AND role = $4`,
		connectedAt, lastErr, escrowID, string(role))
	if err != nil {
		return fmt.Errorf("store: record wallet connection: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
