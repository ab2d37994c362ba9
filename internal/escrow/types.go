// Package escrow implements the authoritative escrow aggregate and its
// state machine (spec.md §3, §4.1, §4.4). It is the analogue of the
// teacher's core/escrow.go, generalized from a single-ledger module
// account into the full multi-party, multi-phase lifecycle the spec
// requires, and backed by internal/store instead of an in-process KV.
package escrow

import "time"

// Status is the escrow's business lifecycle state (spec §3).
type Status string

const (
	StatusCreated        Status = "created"
	StatusFunded         Status = "funded"
	StatusActive         Status = "active"
	StatusReleasing      Status = "releasing"
	StatusRefunding      Status = "refunding"
	StatusDisputed       Status = "disputed"
	StatusResolvedBuyer  Status = "resolved_buyer"
	StatusResolvedVendor Status = "resolved_vendor"
	StatusCompleted      Status = "completed"
	StatusRefunded       Status = "refunded"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
)

// Terminal reports whether status is one of the retained, immutable end
// states (spec §3 invariant 2).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Phase is the multisig setup sub-state, orthogonal to Status (spec §3/§4.1).
type Phase string

const (
	PhaseNotStarted      Phase = "not_started"
	PhasePreparing       Phase = "preparing"
	PhaseMaking          Phase = "making"
	PhaseExchangeRound1  Phase = "exchanging_round_1"
	PhaseExchangeRound2  Phase = "exchanging_round_2"
	PhaseReady           Phase = "ready"
	PhaseSigning         Phase = "signing"
	PhaseSubmitted       Phase = "submitted"
	PhaseFailed          Phase = "failed"
)

// Role identifies one of the three escrow participants.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleVendor  Role = "vendor"
	RoleArbiter Role = "arbiter"
)

// RecoveryMode selects whether the server may persist wallet-endpoint
// credentials for automatic reconnection after a restart (spec §4.2).
type RecoveryMode string

const (
	RecoveryManual    RecoveryMode = "manual"
	RecoveryAutomatic RecoveryMode = "automatic"
)

// Escrow is the primary aggregate (spec §3).
type Escrow struct {
	ID string

	BuyerID   string
	VendorID  string
	ArbiterID string

	Amount uint64

	Status Status
	Phase  Phase

	MultisigAddress string // empty until Phase == PhaseReady; then immutable
	TransactionHash string // empty until a settlement tx is submitted; then immutable

	Snapshot MultisigSnapshot

	RecoveryMode RecoveryMode

	DisputeNonce string // non-empty only while a dispute export is outstanding

	DisputeFailureCount  int        // consecutive signature-verification failures
	DisputeRateLimitedAt *time.Time // set once the failure count trips the limiter

	CreatedAt        time.Time
	LastActivityAt   time.Time
	MultisigUpdatedAt time.Time
	ExpiresAt        *time.Time // nil for terminal statuses and for active, resolved_buyer and resolved_vendor, which carry no deadline
	UpdatedAt        time.Time
}

// ParticipantsDistinct enforces spec §3 invariant: the three participants
// are pairwise distinct.
func (e *Escrow) ParticipantsDistinct() bool {
	return e.BuyerID != e.VendorID && e.BuyerID != e.ArbiterID && e.VendorID != e.ArbiterID
}

// RoleOf returns the participant user id for role, or "" if unknown.
func (e *Escrow) RoleOf(role Role) string {
	switch role {
	case RoleBuyer:
		return e.BuyerID
	case RoleVendor:
		return e.VendorID
	case RoleArbiter:
		return e.ArbiterID
	default:
		return ""
	}
}

// PartyInfo is the opaque per-party blob a wallet endpoint produces during
// multisig setup (prepare_multisig / export_multisig_info output).
type PartyInfo struct {
	Role Role   `json:"role"`
	Data string `json:"data"`
}

// MultisigSnapshot is the embedded, logically-separable setup state (spec
// §3 "MultisigStateSnapshot"): written atomically with every phase
// transition so recovery can resume mid-sequence.
type MultisigSnapshot struct {
	PrepareInfo map[Role]PartyInfo `json:"prepare_info,omitempty"`
	Round1Info  map[Role]PartyInfo `json:"round1_info,omitempty"`
	Round2Info  map[Role]PartyInfo `json:"round2_info,omitempty"`

	Seen map[string]struct{} `json:"seen,omitempty"` // dedup key: "role:round"

	DerivedAddress string `json:"derived_address,omitempty"`

	SignedTxPayload string `json:"signed_tx_payload,omitempty"`

	FailedAtStep string `json:"failed_at_step,omitempty"`

	// Warnings tracks which expiring-soon / stuck-setup windows have
	// already fired, so the timeout monitor does not re-emit within the
	// same window (spec §4.6 / S6).
	ExpiringWarningSentAt *time.Time `json:"expiring_warning_sent_at,omitempty"`
	StuckWarningPhase     Phase      `json:"stuck_warning_phase,omitempty"`
	StuckWarningSentAt    *time.Time `json:"stuck_warning_sent_at,omitempty"`
}

// SeenKey builds the (role, round) dedup key used by the multisig setup
// coordinator (spec §4.4 "Tie-breaks").
func SeenKey(role Role, round string) string {
	return string(role) + ":" + round
}

// MarkSeen records that (role, round) has been processed, returning true
// if this is the first time (caller should act) or false if it is a
// repeat (caller should treat as idempotent no-op).
func (m *MultisigSnapshot) MarkSeen(role Role, round string) bool {
	if m.Seen == nil {
		m.Seen = make(map[string]struct{})
	}
	key := SeenKey(role, round)
	if _, ok := m.Seen[key]; ok {
		return false
	}
	m.Seen[key] = struct{}{}
	return true
}
