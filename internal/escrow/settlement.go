package escrow

import (
	"context"
	"fmt"
	"time"

	"marketescrow/internal/errs"
)

// SettlementSigners names the two parties that must counter-sign a
// settlement transaction for recipient (spec §4.1 "signing events move
// ready -> signing -> submitted"; S1 "signing collects 2 signatures
// (buyer + arbiter)"). The recipient never signs its own payout alone:
// the other two parties are always the signer set, so a party cannot
// unilaterally move funds to itself.
func SettlementSigners(recipient Role) [2]Role {
	switch recipient {
	case RoleVendor:
		return [2]Role{RoleBuyer, RoleArbiter}
	case RoleBuyer:
		return [2]Role{RoleVendor, RoleArbiter}
	default:
		return [2]Role{RoleBuyer, RoleVendor}
	}
}

// BuildAndSign runs the build_transfer/sign_multisig leg of settlement
// (spec §4.3, §4.1 "ready -> signing"): one signer builds the unsigned
// transfer, then each of SettlementSigners(recipient) signs in turn. The
// fully- or partially-signed hex blob is kept in the snapshot so a crash
// mid-signing can resume from PhaseSigning without re-building.
func BuildAndSign(ctx context.Context, cur Escrow, clients Clients, recipient Role, destAddress string, amount uint64, now time.Time) (Escrow, error) {
	if cur.Phase != PhaseReady {
		return cur, fmt.Errorf("escrow %s: %w: settlement signing must start from ready, got %s", cur.ID, errs.ErrProtocolViolation, cur.Phase)
	}
	signers := SettlementSigners(recipient)

	builder, ok := clients[signers[0]]
	if !ok {
		return cur, fmt.Errorf("escrow %s: %w: no wallet client registered for %s", cur.ID, errs.ErrProtocolViolation, signers[0])
	}
	built, err := builder.BuildTransfer(ctx, destAddress, amount)
	if err != nil {
		return failStep(cur, PhaseReady, now, fmt.Errorf("escrow %s: build_transfer(%s): %w", cur.ID, signers[0], err))
	}

	txHex := built.TxDataHex
	for _, role := range signers {
		client, ok := clients[role]
		if !ok {
			return cur, fmt.Errorf("escrow %s: %w: no wallet client registered for %s", cur.ID, errs.ErrProtocolViolation, role)
		}
		signed, err := client.SignMultisig(ctx, txHex)
		if err != nil {
			return failStep(cur, PhaseReady, now, fmt.Errorf("escrow %s: sign_multisig(%s): %w", cur.ID, role, err))
		}
		txHex = signed.TxDataHex
		if signed.Complete {
			break
		}
	}

	out := cur
	out.Snapshot.SignedTxPayload = txHex
	return AdvancePhase(out, PhaseSigning, now)
}

// SubmitSettlement runs the submit_multisig leg (spec §4.1 "signing ->
// submitted"), broadcasting the fully-signed transaction and recording
// the resulting hash. transaction_hash is immutable once set (spec §3),
// so a retry against an already-submitted escrow is a no-op.
func SubmitSettlement(ctx context.Context, cur Escrow, clients Clients, submitter Role, now time.Time) (Escrow, error) {
	if cur.TransactionHash != "" {
		return cur, nil
	}
	if cur.Phase != PhaseSigning {
		return cur, fmt.Errorf("escrow %s: %w: submit must follow signing, got %s", cur.ID, errs.ErrProtocolViolation, cur.Phase)
	}
	client, ok := clients[submitter]
	if !ok {
		return cur, fmt.Errorf("escrow %s: %w: no wallet client registered for %s", cur.ID, errs.ErrProtocolViolation, submitter)
	}
	res, err := client.SubmitMultisig(ctx, cur.Snapshot.SignedTxPayload)
	if err != nil {
		return failStep(cur, PhaseSigning, now, fmt.Errorf("escrow %s: submit_multisig(%s): %w", cur.ID, submitter, err))
	}
	out := cur
	out.TransactionHash = res.TxHash
	return AdvancePhase(out, PhaseSubmitted, now)
}
