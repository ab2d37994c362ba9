package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketescrow/internal/errs"
)

type fakeWallet struct {
	role      Role
	address   string
	failOn    string // method name to fail, or "" for always succeed
	readyOK   bool
	threshold int
}

func (f *fakeWallet) PrepareMultisig(ctx context.Context, threshold, participants int) (PrepareResult, error) {
	if f.failOn == "prepare" {
		return PrepareResult{}, errors.New("boom")
	}
	return PrepareResult{MultisigInfo: "prepare:" + string(f.role)}, nil
}

func (f *fakeWallet) MakeMultisig(ctx context.Context, peerInfo []string, threshold int) (MakeResult, error) {
	if f.failOn == "make" {
		return MakeResult{}, errors.New("boom")
	}
	return MakeResult{Address: f.address, MultisigInfo: "make:" + string(f.role)}, nil
}

func (f *fakeWallet) ExportMultisigInfo(ctx context.Context) (ExportResult, error) {
	if f.failOn == "export" {
		return ExportResult{}, errors.New("boom")
	}
	return ExportResult{Info: "export:" + string(f.role)}, nil
}

func (f *fakeWallet) ImportMultisigInfo(ctx context.Context, info []string) (ImportResult, error) {
	if f.failOn == "import" {
		return ImportResult{}, errors.New("boom")
	}
	return ImportResult{NOutputs: len(info)}, nil
}

func (f *fakeWallet) IsMultisig(ctx context.Context) (IsMultisigResult, error) {
	if f.failOn == "is_multisig" {
		return IsMultisigResult{}, errors.New("boom")
	}
	return IsMultisigResult{Multisig: true, Ready: f.readyOK, Threshold: f.threshold}, nil
}

func (f *fakeWallet) BuildTransfer(ctx context.Context, destAddress string, amount uint64) (BuildTransferResult, error) {
	if f.failOn == "build_transfer" {
		return BuildTransferResult{}, errors.New("boom")
	}
	return BuildTransferResult{TxDataHex: "unsigned:" + string(f.role)}, nil
}

func (f *fakeWallet) SignMultisig(ctx context.Context, txDataHex string) (SignMultisigResult, error) {
	if f.failOn == "sign_multisig" {
		return SignMultisigResult{}, errors.New("boom")
	}
	return SignMultisigResult{TxDataHex: txDataHex + "+" + string(f.role), Complete: false}, nil
}

func (f *fakeWallet) SubmitMultisig(ctx context.Context, txDataHex string) (SubmitMultisigResult, error) {
	if f.failOn == "submit_multisig" {
		return SubmitMultisigResult{}, errors.New("boom")
	}
	return SubmitMultisigResult{TxHash: "tx:" + txDataHex}, nil
}

func allClients(address string, failOn string) Clients {
	return Clients{
		RoleBuyer:   &fakeWallet{role: RoleBuyer, address: address, failOn: failOn, readyOK: true, threshold: 2},
		RoleVendor:  &fakeWallet{role: RoleVendor, address: address, failOn: failOn, readyOK: true, threshold: 2},
		RoleArbiter: &fakeWallet{role: RoleArbiter, address: address, failOn: failOn, readyOK: true, threshold: 2},
	}
}

func TestPrepareAllSuccess(t *testing.T) {
	e := baseEscrow()
	out, err := PrepareAll(context.Background(), e, allClients("addr1", ""), time.Now())
	if err != nil {
		t.Fatalf("PrepareAll: %v", err)
	}
	if out.Phase != PhasePreparing {
		t.Fatalf("Phase = %s, want %s", out.Phase, PhasePreparing)
	}
	if len(out.Snapshot.PrepareInfo) != 3 {
		t.Fatalf("expected 3 prepare entries, got %d", len(out.Snapshot.PrepareInfo))
	}
}

func TestPrepareAllRejectsReentryAfterAdvance(t *testing.T) {
	e := baseEscrow()
	clients := allClients("addr1", "")
	out, err := PrepareAll(context.Background(), e, clients, time.Now())
	if err != nil {
		t.Fatalf("PrepareAll: %v", err)
	}
	// Simulate a retry from the caller after a transient failure elsewhere
	// in the request: phase has already advanced past not_started, so a
	// second PrepareAll call must be rejected as a protocol violation
	// rather than silently re-running.
	_, err = PrepareAll(context.Background(), out, clients, time.Now())
	if !errors.Is(err, errs.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation on re-entry, got %v", err)
	}
}

func TestPrepareAllFailureMarksFailed(t *testing.T) {
	e := baseEscrow()
	out, err := PrepareAll(context.Background(), e, allClients("addr1", "prepare"), time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Phase != PhaseFailed {
		t.Fatalf("Phase = %s, want %s", out.Phase, PhaseFailed)
	}
	if out.Snapshot.FailedAtStep != string(PhasePreparing) {
		t.Fatalf("FailedAtStep = %s, want %s", out.Snapshot.FailedAtStep, PhasePreparing)
	}
}

func TestMakeAllDetectsAddressMismatch(t *testing.T) {
	e := baseEscrow()
	prepared, err := PrepareAll(context.Background(), e, allClients("addr1", ""), time.Now())
	if err != nil {
		t.Fatalf("PrepareAll: %v", err)
	}
	mismatched := Clients{
		RoleBuyer:   &fakeWallet{role: RoleBuyer, address: "addrA"},
		RoleVendor:  &fakeWallet{role: RoleVendor, address: "addrA"},
		RoleArbiter: &fakeWallet{role: RoleArbiter, address: "addrB"},
	}
	_, err = MakeAll(context.Background(), prepared, mismatched, time.Now())
	if !errors.Is(err, errs.ErrMultisigMismatch) {
		t.Fatalf("expected ErrMultisigMismatch, got %v", err)
	}
}

func TestMakeAllSuccess(t *testing.T) {
	e := baseEscrow()
	clients := allClients("addrSame", "")
	prepared, err := PrepareAll(context.Background(), e, clients, time.Now())
	if err != nil {
		t.Fatalf("PrepareAll: %v", err)
	}
	made, err := MakeAll(context.Background(), prepared, clients, time.Now())
	if err != nil {
		t.Fatalf("MakeAll: %v", err)
	}
	if made.Snapshot.DerivedAddress != "addrSame" {
		t.Fatalf("DerivedAddress = %s, want addrSame", made.Snapshot.DerivedAddress)
	}
	if made.Phase != PhaseMaking {
		t.Fatalf("Phase = %s, want %s", made.Phase, PhaseMaking)
	}
}

func TestFullSetupSequence(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clients := allClients("addrSame", "")

	e, err := PrepareAll(ctx, baseEscrow(), clients, now)
	if err != nil {
		t.Fatalf("PrepareAll: %v", err)
	}
	e, err = MakeAll(ctx, e, clients, now)
	if err != nil {
		t.Fatalf("MakeAll: %v", err)
	}
	e, err = ExchangeRound(ctx, e, clients, "round1", PhaseExchangeRound1, now)
	if err != nil {
		t.Fatalf("ExchangeRound 1: %v", err)
	}
	e, err = ExchangeRound(ctx, e, clients, "round2", PhaseExchangeRound2, now)
	if err != nil {
		t.Fatalf("ExchangeRound 2: %v", err)
	}
	e, err = FinalizeReady(ctx, e, clients, now)
	if err != nil {
		t.Fatalf("FinalizeReady: %v", err)
	}
	if e.Phase != PhaseReady {
		t.Fatalf("Phase = %s, want %s", e.Phase, PhaseReady)
	}
	if e.MultisigAddress == "" && e.Snapshot.DerivedAddress == "" {
		t.Fatal("expected a derived address to be recorded somewhere in the snapshot")
	}
}

func TestFinalizeReadyRejectsNotReady(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clients := allClients("addrSame", "")
	e, _ := PrepareAll(ctx, baseEscrow(), clients, now)
	e, _ = MakeAll(ctx, e, clients, now)
	e, _ = ExchangeRound(ctx, e, clients, "round1", PhaseExchangeRound1, now)
	e, _ = ExchangeRound(ctx, e, clients, "round2", PhaseExchangeRound2, now)

	notReady := Clients{
		RoleBuyer:   &fakeWallet{role: RoleBuyer, readyOK: false, threshold: 2},
		RoleVendor:  &fakeWallet{role: RoleVendor, readyOK: true, threshold: 2},
		RoleArbiter: &fakeWallet{role: RoleArbiter, readyOK: true, threshold: 2},
	}
	_, err := FinalizeReady(ctx, e, notReady, now)
	if !errors.Is(err, errs.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}
