package orchestrator

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketescrow/internal/config"
	"marketescrow/internal/cryptoutil"
	"marketescrow/internal/dispute"
	"marketescrow/internal/errs"
	"marketescrow/internal/escrow"
	"marketescrow/internal/notify"
	"marketescrow/internal/store"
	"marketescrow/internal/walletcoord"
)

type jsonrpcReq struct {
	Method string `json:"method"`
}

// newFakeWalletServer returns a single httptest.Server that answers every
// multisig RPC method identically regardless of which "party" calls it,
// so all three registered endpoints agree on a derived address the way
// three independently operated-but-cooperating wallet daemons would.
func newFakeWalletServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		var result any
		switch req.Method {
		case "prepare_multisig":
			result = map[string]any{"multisig_info": "prep-blob"}
		case "make_multisig":
			result = map[string]any{"address": "5Addr...Same", "multisig_info": "make-blob"}
		case "export_multisig_info":
			result = map[string]any{"info": "export-blob"}
		case "import_multisig_info":
			result = map[string]any{"n_outputs": 2}
		case "is_multisig":
			result = map[string]any{"multisig": true, "ready": true, "threshold": 2}
		case "get_balance":
			result = map[string]any{"balance": 1000, "unlocked_balance": 1000, "confirmations": 10}
		case "build_transfer":
			result = map[string]any{"tx_data_hex": "unsigned-hex"}
		case "sign_multisig":
			// complete stays false so BuildAndSign collects a signature from
			// every signer in SettlementSigners rather than stopping early.
			result = map[string]any{"tx_data_hex": "signed-hex", "complete": false}
		case "submit_multisig":
			result = map[string]any{"tx_hash": "tx-hash-abc123"}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": 1, "result": result}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := cryptoutil.NewKey([]byte("01234567890123456789012345678901"))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &config.Config{
		EncryptionKey: key,
		ArbiterPubKey: pub,
		Timeouts: config.Timeouts{
			MultisigSetup:     time.Hour,
			Funding:           24 * time.Hour,
			TxConfirmation:    6 * time.Hour,
			DisputeResolution: 7 * 24 * time.Hour,
			PollInterval:      time.Minute,
			WarningThreshold:  time.Hour,
			StuckThreshold:    15 * time.Minute,
			WalletRPC:         5 * time.Second,
		},
		AutoBroadcastSettlement: true,
		FundingConfirmations:    1,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Memory, *notify.Bus) {
	t.Helper()
	mem := store.NewMemory()
	cfg := testConfig(t)
	bus := notify.NewBus()
	wallets := walletcoord.New(mem, cfg.EncryptionKey, cfg.Timeouts.WalletRPC)
	return New(mem, wallets, bus, cfg), mem, bus
}

func TestCreateEscrowRejectsDuplicateParticipant(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	_, err := orch.CreateEscrow(context.Background(), "u1", "u1", "u3", 100, escrow.RecoveryManual)
	if !errors.Is(err, errs.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestFullEscrowLifecycleHappyPath(t *testing.T) {
	orch, _, bus := newTestOrchestrator(t)
	ctx := context.Background()
	srv := newFakeWalletServer(t)
	defer srv.Close()

	e, err := orch.CreateEscrow(ctx, "buyer-1", "vendor-1", "arbiter-1", 5000, escrow.RecoveryManual)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}

	ch, unsub := bus.Subscribe("buyer-1")
	defer unsub()

	for _, role := range []escrow.Role{escrow.RoleBuyer, escrow.RoleVendor, escrow.RoleArbiter} {
		if err := orch.RegisterWalletEndpoint(ctx, e.ID, role, role, srv.URL, "", "", escrow.RecoveryManual); err != nil {
			t.Fatalf("RegisterWalletEndpoint(%s): %v", role, err)
		}
	}

	var cur escrow.Escrow = e
	for cur.Phase != escrow.PhaseReady {
		cur, err = orch.AdvanceMultisigSetup(ctx, e.ID)
		if err != nil {
			t.Fatalf("AdvanceMultisigSetup at phase %s: %v", cur.Phase, err)
		}
	}
	if cur.MultisigAddress == "" {
		t.Fatal("expected multisig address to be set once ready")
	}

	cur, err = orch.FundEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	if cur.Status != escrow.StatusFunded {
		t.Fatalf("Status = %s, want %s", cur.Status, escrow.StatusFunded)
	}

	cur, err = orch.ActivateEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("ActivateEscrow: %v", err)
	}
	if cur.Status != escrow.StatusActive {
		t.Fatalf("Status = %s, want %s", cur.Status, escrow.StatusActive)
	}

	cur, err = orch.RequestRelease(ctx, e.ID, "vendor-withdrawal-address")
	if err != nil {
		t.Fatalf("RequestRelease: %v", err)
	}
	if cur.Status != escrow.StatusReleasing {
		t.Fatalf("Status = %s, want %s", cur.Status, escrow.StatusReleasing)
	}
	if cur.TransactionHash == "" {
		t.Fatal("expected a transaction hash once signing auto-broadcasts")
	}
	if cur.Phase != escrow.PhaseSubmitted {
		t.Fatalf("Phase = %s, want %s", cur.Phase, escrow.PhaseSubmitted)
	}

	cur, err = orch.CompleteSettlement(ctx, e.ID)
	if err != nil {
		t.Fatalf("CompleteSettlement: %v", err)
	}
	if cur.Status != escrow.StatusCompleted {
		t.Fatalf("Status = %s, want %s", cur.Status, escrow.StatusCompleted)
	}

	// At least one notification must have been delivered along the way.
	select {
	case <-ch:
	default:
		t.Fatal("expected at least one notification to be queued for buyer-1")
	}
}

func TestOpenDisputeAndImportArbiterDecision(t *testing.T) {
	mem := store.NewMemory()
	key, _ := cryptoutil.NewKey([]byte("01234567890123456789012345678901"))
	pub, priv, _ := ed25519.GenerateKey(nil)
	cfg := &config.Config{
		EncryptionKey: key,
		ArbiterPubKey: pub,
		Timeouts: config.Timeouts{
			MultisigSetup: time.Hour, Funding: 24 * time.Hour, TxConfirmation: 6 * time.Hour,
			DisputeResolution: 7 * 24 * time.Hour, PollInterval: time.Minute,
			WarningThreshold: time.Hour, WalletRPC: 5 * time.Second,
		},
	}
	bus := notify.NewBus()
	wallets := walletcoord.New(mem, key, cfg.Timeouts.WalletRPC)
	orch := New(mem, wallets, bus, cfg)
	ctx := context.Background()

	e, err := orch.CreateEscrow(ctx, "buyer-1", "vendor-1", "arbiter-1", 100, escrow.RecoveryManual)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	// Move to active via fund+activate so open_dispute is a legal edge.
	if _, err := mem.WithEscrowLock(ctx, e.ID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		return escrow.Transition(cur, escrow.EventFund, cfg.Timeouts, time.Now())
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := mem.WithEscrowLock(ctx, e.ID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		return escrow.Transition(cur, escrow.EventActivate, cfg.Timeouts, time.Now())
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	disputed, exp, err := orch.OpenDispute(ctx, e.ID, "item not as described", "", nil)
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	if disputed.Status != escrow.StatusDisputed {
		t.Fatalf("Status = %s, want %s", disputed.Status, escrow.StatusDisputed)
	}
	if exp.Nonce == "" {
		t.Fatal("expected a nonce in the export")
	}

	now := time.Now()
	dec := dispute.SignDecision(priv, e.ID, exp.Nonce, dispute.DecisionBuyer, "evidence supports buyer", "", now)
	resolved, err := orch.ImportArbiterDecision(ctx, dec)
	if err != nil {
		t.Fatalf("ImportArbiterDecision: %v", err)
	}
	if resolved.Status != escrow.StatusResolvedBuyer {
		t.Fatalf("Status = %s, want %s", resolved.Status, escrow.StatusResolvedBuyer)
	}
	if resolved.DisputeNonce != "" {
		t.Fatal("expected nonce to be burned after a successful import")
	}

	// A second import with the same (now-burned) nonce must be rejected.
	_, err = orch.ImportArbiterDecision(ctx, dec)
	if !errors.Is(err, errs.ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected on replay, got %v", err)
	}
}

func TestOpenDisputeSecondConcurrentCallerSeesAlreadyInState(t *testing.T) {
	orch, mem, _ := newTestOrchestrator(t)
	ctx := context.Background()
	e, err := orch.CreateEscrow(ctx, "buyer-1", "vendor-1", "arbiter-1", 100, escrow.RecoveryManual)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	cfg := testConfig(t)
	if _, err := mem.WithEscrowLock(ctx, e.ID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		return escrow.Transition(cur, escrow.EventFund, cfg.Timeouts, time.Now())
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := mem.WithEscrowLock(ctx, e.ID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		return escrow.Transition(cur, escrow.EventActivate, cfg.Timeouts, time.Now())
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, _, err := orch.OpenDispute(ctx, e.ID, "first opener", "", nil); err != nil {
		t.Fatalf("first OpenDispute: %v", err)
	}
	_, _, err = orch.OpenDispute(ctx, e.ID, "second opener", "", nil)
	if !errors.Is(err, errs.ErrAlreadyInState) {
		t.Fatalf("expected ErrAlreadyInState for the second opener, got %v", err)
	}
}
