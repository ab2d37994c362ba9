package escrow

import (
	"context"
	"fmt"
	"time"

	"marketescrow/internal/errs"
)

// WalletClient is the subset of walletrpc.Endpoint the setup coordinator
// needs. Declared here (rather than imported from internal/walletrpc) so
// this package has no dependency on the transport, matching spec §4.4's
// framing of MultisigSetupCoordinator as orchestration logic independent
// of how a given wallet is reached.
type WalletClient interface {
	PrepareMultisig(ctx context.Context, threshold, participants int) (PrepareResult, error)
	MakeMultisig(ctx context.Context, peerInfo []string, threshold int) (MakeResult, error)
	ExportMultisigInfo(ctx context.Context) (ExportResult, error)
	ImportMultisigInfo(ctx context.Context, info []string) (ImportResult, error)
	IsMultisig(ctx context.Context) (IsMultisigResult, error)
	BuildTransfer(ctx context.Context, destAddress string, amount uint64) (BuildTransferResult, error)
	SignMultisig(ctx context.Context, txDataHex string) (SignMultisigResult, error)
	SubmitMultisig(ctx context.Context, txDataHex string) (SubmitMultisigResult, error)
}

type PrepareResult struct{ MultisigInfo string }
type MakeResult struct {
	Address      string
	MultisigInfo string
}
type ExportResult struct{ Info string }
type ImportResult struct{ NOutputs int }
type IsMultisigResult struct {
	Multisig  bool
	Ready     bool
	Threshold int
}
type BuildTransferResult struct{ TxDataHex string }
type SignMultisigResult struct {
	TxDataHex string
	Complete  bool
}
type SubmitMultisigResult struct{ TxHash string }

// Clients resolves a WalletClient for each of the three roles, mirroring
// WalletCoordinator.Lookup (spec §4.2) without this package depending on
// internal/walletcoord directly.
type Clients map[Role]WalletClient

// PrepareAll runs step 1 of spec §4.4: every party calls prepare_multisig
// and the resulting opaque blobs are recorded in the snapshot. dedupKey
// uses round "prepare" so a retried call after a partial failure is a
// no-op once all three have already responded.
func PrepareAll(ctx context.Context, cur Escrow, clients Clients, now time.Time) (Escrow, error) {
	if cur.Phase != PhaseNotStarted {
		return cur, fmt.Errorf("escrow %s: %w: prepare must start from not_started, got %s", cur.ID, errs.ErrProtocolViolation, cur.Phase)
	}
	out := cur
	if out.Snapshot.PrepareInfo == nil {
		out.Snapshot.PrepareInfo = make(map[Role]PartyInfo)
	}
	for _, role := range []Role{RoleBuyer, RoleVendor, RoleArbiter} {
		if _, done := out.Snapshot.Seen[SeenKey(role, "prepare")]; done {
			continue // already recorded; idempotent retry
		}
		client, ok := clients[role]
		if !ok {
			return cur, fmt.Errorf("escrow %s: %w: no wallet client registered for %s", cur.ID, errs.ErrProtocolViolation, role)
		}
		res, err := client.PrepareMultisig(ctx, 2, 3)
		if err != nil {
			failed, ferr := AdvancePhase(out, PhaseFailed, now)
			if ferr != nil {
				return cur, ferr
			}
			failed.Snapshot.FailedAtStep = string(PhasePreparing)
			return failed, fmt.Errorf("escrow %s: prepare_multisig(%s): %w", cur.ID, role, err)
		}
		out.Snapshot.PrepareInfo[role] = PartyInfo{Role: role, Data: res.MultisigInfo}
		out.Snapshot.MarkSeen(role, "prepare")
	}
	return AdvancePhase(out, PhasePreparing, now)
}

// MakeAll runs step 2: every party exchanges its peers' prepare_info and
// calls make_multisig, producing a derived address that must agree across
// all three (spec §4.4 step 2, MultisigMismatch).
func MakeAll(ctx context.Context, cur Escrow, clients Clients, now time.Time) (Escrow, error) {
	if cur.Phase != PhasePreparing {
		return cur, fmt.Errorf("escrow %s: %w: make must follow preparing, got %s", cur.ID, errs.ErrProtocolViolation, cur.Phase)
	}
	out := cur
	var derived string
	for _, role := range []Role{RoleBuyer, RoleVendor, RoleArbiter} {
		peerInfo := peersOf(out.Snapshot.PrepareInfo, role)
		client, ok := clients[role]
		if !ok {
			return cur, fmt.Errorf("escrow %s: %w: no wallet client registered for %s", cur.ID, errs.ErrProtocolViolation, role)
		}
		res, err := client.MakeMultisig(ctx, peerInfo, 2)
		if err != nil {
			failed, ferr := AdvancePhase(out, PhaseFailed, now)
			if ferr != nil {
				return cur, ferr
			}
			failed.Snapshot.FailedAtStep = string(PhaseMaking)
			return failed, fmt.Errorf("escrow %s: make_multisig(%s): %w", cur.ID, role, err)
		}
		if derived == "" {
			derived = res.Address
		} else if derived != res.Address {
			failed, ferr := AdvancePhase(out, PhaseFailed, now)
			if ferr != nil {
				return cur, ferr
			}
			failed.Snapshot.FailedAtStep = string(PhaseMaking)
			return failed, fmt.Errorf("escrow %s: %w: %s derived %s, expected %s", cur.ID, errs.ErrMultisigMismatch, role, res.Address, derived)
		}
		if out.Snapshot.Round1Info == nil {
			out.Snapshot.Round1Info = make(map[Role]PartyInfo)
		}
		out.Snapshot.Round1Info[role] = PartyInfo{Role: role, Data: res.MultisigInfo}
	}
	out.Snapshot.DerivedAddress = derived
	return AdvancePhase(out, PhaseMaking, now)
}

// ExchangeRound runs one export/import round of synchronization data
// (steps 3-4, "exchanging_round_1"/"exchanging_round_2"). round names the
// dedup key and target phase explicitly so the same function drives both
// rounds.
func ExchangeRound(ctx context.Context, cur Escrow, clients Clients, round string, target Phase, now time.Time) (Escrow, error) {
	out := cur
	exported := make(map[Role]string, 3)
	for _, role := range []Role{RoleBuyer, RoleVendor, RoleArbiter} {
		client, ok := clients[role]
		if !ok {
			return cur, fmt.Errorf("escrow %s: %w: no wallet client registered for %s", cur.ID, errs.ErrProtocolViolation, role)
		}
		res, err := client.ExportMultisigInfo(ctx)
		if err != nil {
			return failStep(out, target, now, fmt.Errorf("escrow %s: export_multisig_info(%s): %w", cur.ID, role, err))
		}
		exported[role] = res.Info
	}
	for _, role := range []Role{RoleBuyer, RoleVendor, RoleArbiter} {
		if !out.Snapshot.MarkSeen(role, round) {
			continue
		}
		client := clients[role]
		peerExports := peerValues(exported, role)
		if _, err := client.ImportMultisigInfo(ctx, peerExports); err != nil {
			return failStep(out, target, now, fmt.Errorf("escrow %s: import_multisig_info(%s): %w", cur.ID, role, err))
		}
	}
	return AdvancePhase(out, target, now)
}

// FinalizeReady runs step 5: every party confirms is_multisig with ready
// and matching threshold before the phase may advance to PhaseReady.
func FinalizeReady(ctx context.Context, cur Escrow, clients Clients, now time.Time) (Escrow, error) {
	if cur.Phase != PhaseExchangeRound2 {
		return cur, fmt.Errorf("escrow %s: %w: finalize must follow exchanging_round_2, got %s", cur.ID, errs.ErrProtocolViolation, cur.Phase)
	}
	for _, role := range []Role{RoleBuyer, RoleVendor, RoleArbiter} {
		client, ok := clients[role]
		if !ok {
			return cur, fmt.Errorf("escrow %s: %w: no wallet client registered for %s", cur.ID, errs.ErrProtocolViolation, role)
		}
		res, err := client.IsMultisig(ctx)
		if err != nil {
			return failStep(cur, PhaseExchangeRound2, now, fmt.Errorf("escrow %s: is_multisig(%s): %w", cur.ID, role, err))
		}
		if !res.Multisig || !res.Ready || res.Threshold != 2 {
			return failStep(cur, PhaseExchangeRound2, now, fmt.Errorf("escrow %s: %w: %s reports not ready (multisig=%v ready=%v threshold=%d)", cur.ID, errs.ErrProtocolViolation, role, res.Multisig, res.Ready, res.Threshold))
		}
	}
	out := cur
	out.MultisigAddress = out.Snapshot.DerivedAddress
	return AdvancePhase(out, PhaseReady, now)
}

func failStep(cur Escrow, step Phase, now time.Time, err error) (Escrow, error) {
	failed, ferr := AdvancePhase(cur, PhaseFailed, now)
	if ferr != nil {
		return cur, ferr
	}
	failed.Snapshot.FailedAtStep = string(step)
	return failed, err
}

// peersOf returns the PrepareInfo data for every role except self, in a
// stable (buyer, vendor, arbiter) order so wallet daemons receive peer
// info deterministically.
func peersOf(info map[Role]PartyInfo, self Role) []string {
	var out []string
	for _, role := range []Role{RoleBuyer, RoleVendor, RoleArbiter} {
		if role == self {
			continue
		}
		if pi, ok := info[role]; ok {
			out = append(out, pi.Data)
		}
	}
	return out
}

func peerValues(exported map[Role]string, self Role) []string {
	var out []string
	for _, role := range []Role{RoleBuyer, RoleVendor, RoleArbiter} {
		if role == self {
			continue
		}
		if v, ok := exported[role]; ok {
			out = append(out, v)
		}
	}
	return out
}
