// Package orchestrator implements EscrowOrchestrator (spec.md §2, §4.4):
// the public API surface external handlers call into. It composes every
// other component in the control-flow order spec §2 names: "external
// handler → Orchestrator → StateMachine (validates transition) →
// WalletCoordinator (gets endpoints) → WalletEndpoint (executes multisig
// step) → Persistence (commits new phase + snapshot) → NotificationBus
// (broadcasts)."
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketescrow/internal/config"
	"marketescrow/internal/dispute"
	"marketescrow/internal/errs"
	"marketescrow/internal/escrow"
	"marketescrow/internal/notify"
	"marketescrow/internal/store"
	"marketescrow/internal/walletcoord"
	"marketescrow/internal/walletrpc"
)

// Orchestrator is the single entry point internal/httpapi's HTTP handlers
// call into. It holds no escrow state of its own — every mutation goes through
// store.Store.WithEscrowLock so it is safe to construct one Orchestrator
// per process and share it across request goroutines.
type Orchestrator struct {
	store    store.Store
	wallets  *walletcoord.Coordinator
	bus      *notify.Bus
	timeouts config.Timeouts
	cfg      *config.Config
}

// New constructs an Orchestrator. cfg carries the process-wide settings
// (encryption key, arbiter public key, broadcast toggle) that must never
// become ambient globals — spec §9.
func New(s store.Store, wallets *walletcoord.Coordinator, bus *notify.Bus, cfg *config.Config) *Orchestrator {
	return &Orchestrator{store: s, wallets: wallets, bus: bus, timeouts: cfg.Timeouts, cfg: cfg}
}

// CreateEscrow places a new order (spec §3 "Lifecycle: Created by the
// orchestrator on order placement with status=created, phase=not_started,
// expires_at = now + T_setup").
func (o *Orchestrator) CreateEscrow(ctx context.Context, buyerID, vendorID, arbiterID string, amount uint64, recovery escrow.RecoveryMode) (escrow.Escrow, error) {
	now := time.Now().UTC()
	expiry := now.Add(o.timeouts.MultisigSetup)
	e := escrow.Escrow{
		ID:                uuid.NewString(),
		BuyerID:           buyerID,
		VendorID:          vendorID,
		ArbiterID:         arbiterID,
		Amount:            amount,
		Status:            escrow.StatusCreated,
		Phase:             escrow.PhaseNotStarted,
		RecoveryMode:      recovery,
		CreatedAt:         now,
		LastActivityAt:    now,
		MultisigUpdatedAt: now,
		ExpiresAt:         &expiry,
		UpdatedAt:         now,
	}
	if !e.ParticipantsDistinct() {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: %w", errs.ErrInvalidAddress)
	}
	if amount == 0 {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: %w: amount must be positive", errs.ErrInvalidAmount)
	}
	if err := o.store.CreateEscrow(ctx, e); err != nil {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: create escrow: %w", err)
	}
	return e, nil
}

// applyTransition runs a state-machine event under the row lock and
// broadcasts the resulting status on success — the StateMachine ->
// Persistence -> NotificationBus leg of the control flow for every
// status-only operation.
func (o *Orchestrator) applyTransition(ctx context.Context, escrowID string, event escrow.Event, evType notify.EventType) (escrow.Escrow, error) {
	next, err := o.store.WithEscrowLock(ctx, escrowID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		return escrow.Transition(cur, event, o.timeouts, time.Now().UTC())
	})
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: %s: %w", event, err)
	}
	o.bus.Publish(notify.Event{
		Type:     evType,
		EscrowID: next.ID,
		UserIDs:  []string{next.BuyerID, next.VendorID, next.ArbiterID},
		At:       time.Now().UTC(),
	})
	return next, nil
}

// FundEscrow records that funding has been observed (called by a handler
// watching the wallet endpoint's balance reports, spec §4.4 step 6).
func (o *Orchestrator) FundEscrow(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	return o.applyTransition(ctx, escrowID, escrow.EventFund, notify.EventEscrowFunded)
}

// ActivateEscrow moves funded -> active once the joint wallet holds at
// least FUNDING_CONFIRMATIONS confirmations (spec §4.4 step 6, Open
// Question 4). The arbiter's endpoint is always present regardless of
// recovery mode (spec §4.2), so it is the one balance check every escrow
// can make without depending on a buyer/vendor endpoint being connected.
func (o *Orchestrator) ActivateEscrow(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	ep, err := o.wallets.Lookup(ctx, escrowID, escrow.RoleArbiter)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: activate: %w", err)
	}
	bal, err := ep.GetBalance(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: activate: %w", err)
	}
	if bal.Confirmations < o.cfg.FundingConfirmations {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: activate: %w: %d/%d confirmations", errs.ErrInsufficientFunds, bal.Confirmations, o.cfg.FundingConfirmations)
	}
	return o.applyTransition(ctx, escrowID, escrow.EventActivate, notify.EventEscrowActivated)
}

// CancelEscrow cancels an escrow still in created/funded.
func (o *Orchestrator) CancelEscrow(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	return o.applyTransition(ctx, escrowID, escrow.EventCancel, notify.EventEscrowCancelled)
}

// RequestRelease starts the release-to-vendor settlement path (spec §4.1
// "active/resolved_vendor -> releasing"; S1 "signing collects 2
// signatures (buyer + arbiter) -> transaction submitted with hash").
// destinationAddress is the vendor's own receiving address, supplied by
// the caller out of band the way a withdrawal address is in any
// non-custodial wallet flow.
func (o *Orchestrator) RequestRelease(ctx context.Context, escrowID, destinationAddress string) (escrow.Escrow, error) {
	return o.requestSettlement(ctx, escrowID, escrow.EventRelease, escrow.RoleVendor, destinationAddress, notify.EventEscrowCompleted)
}

// CompleteSettlement records that a release/refund transaction has
// confirmed on-chain (spec §4.1 "releasing -> completed").
func (o *Orchestrator) CompleteSettlement(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	return o.applyTransition(ctx, escrowID, escrow.EventComplete, notify.EventEscrowCompleted)
}

// RefundNow starts or finishes the refund-to-buyer settlement path,
// depending on current status (resolved_buyer -> refunding, which
// requires signing, or refunding -> refunded, which does not).
// destinationAddress is the buyer's own receiving address.
func (o *Orchestrator) RefundNow(ctx context.Context, escrowID, destinationAddress string) (escrow.Escrow, error) {
	return o.requestSettlement(ctx, escrowID, escrow.EventRefund, escrow.RoleBuyer, destinationAddress, notify.EventEscrowRefunded)
}

// requestSettlement is the StateMachine -> WalletCoordinator ->
// WalletEndpoint -> Persistence -> NotificationBus leg for any event that
// may need to drive ready -> signing -> submitted first (spec §2's
// control-flow order). Signing only runs once, the first time an escrow
// reaches this call while still at PhaseReady; a later call against the
// same escrow (e.g. RefundNow's refunding -> refunded edge) finds the
// phase already past ready and only applies the status transition.
func (o *Orchestrator) requestSettlement(ctx context.Context, escrowID string, event escrow.Event, recipient escrow.Role, destinationAddress string, evType notify.EventType) (escrow.Escrow, error) {
	clients, err := o.clientsFor(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	signers := escrow.SettlementSigners(recipient)

	next, err := o.store.WithEscrowLock(ctx, escrowID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		now := time.Now().UTC()
		out := cur
		if out.Phase == escrow.PhaseReady {
			signed, serr := escrow.BuildAndSign(ctx, out, clients, recipient, destinationAddress, out.Amount, now)
			if serr != nil {
				return signed, serr
			}
			out = signed
			if o.cfg.AutoBroadcastSettlement {
				submitted, serr := escrow.SubmitSettlement(ctx, out, clients, signers[0], now)
				if serr != nil {
					return submitted, serr
				}
				out = submitted
			}
		}
		return escrow.Transition(out, event, o.timeouts, now)
	})
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: %s: %w", event, err)
	}
	o.bus.Publish(notify.Event{
		Type:     evType,
		EscrowID: next.ID,
		UserIDs:  participantsOf(next),
		At:       time.Now().UTC(),
	})
	return next, nil
}

// BroadcastSettlement submits an already-signed settlement transaction
// that was deliberately not auto-broadcast (§9 Open Question 1: the alpha
// profile does not broadcast chain transactions itself by default, only
// emitting a signed payload for out-of-band relay). It is the explicit
// path an operator uses once AUTO_BROADCAST_SETTLEMENT is false and a
// human has verified the signed payload out of band.
func (o *Orchestrator) BroadcastSettlement(ctx context.Context, escrowID string, submitter escrow.Role) (escrow.Escrow, error) {
	clients, err := o.clientsFor(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	next, err := o.store.WithEscrowLock(ctx, escrowID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		return escrow.SubmitSettlement(ctx, cur, clients, submitter, time.Now().UTC())
	})
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: broadcast settlement: %w", err)
	}
	o.bus.Publish(notify.Event{Type: notify.EventMultisigPhaseChanged, EscrowID: next.ID, UserIDs: participantsOf(next), At: time.Now().UTC(), TxHash: next.TransactionHash})
	return next, nil
}

// RegisterWalletEndpoint is the orchestrator-level wrapper around
// WalletCoordinator.RegisterClientEndpoint, resolving the target escrow
// first so callers only ever deal in escrow ids.
func (o *Orchestrator) RegisterWalletEndpoint(ctx context.Context, escrowID string, requestingRole, role escrow.Role, rawURL, username, password string, recovery escrow.RecoveryMode) error {
	e, err := o.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("orchestrator: register wallet endpoint: %w", err)
	}
	if role == escrow.RoleArbiter && requestingRole != escrow.RoleArbiter {
		return fmt.Errorf("orchestrator: %w: only the arbiter bootstrap path may register the arbiter endpoint", errs.ErrNonCustodialViolation)
	}
	return o.wallets.RegisterClientEndpoint(ctx, &e, requestingRole, role, rawURL, username, password, recovery)
}

// clientsFor resolves live wallet clients for all three roles of escrowID,
// adapting walletrpc.Endpoint to the escrow package's narrow WalletClient
// interface.
func (o *Orchestrator) clientsFor(ctx context.Context, escrowID string) (escrow.Clients, error) {
	clients := make(escrow.Clients, 3)
	for _, role := range []escrow.Role{escrow.RoleBuyer, escrow.RoleVendor, escrow.RoleArbiter} {
		ep, err := o.wallets.Lookup(ctx, escrowID, role)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: resolve wallet client for %s: %w", role, err)
		}
		clients[role] = walletClientAdapter{ep}
	}
	return clients, nil
}

type walletClientAdapter struct{ ep *walletrpc.Endpoint }

func (w walletClientAdapter) PrepareMultisig(ctx context.Context, threshold, participants int) (escrow.PrepareResult, error) {
	res, err := w.ep.PrepareMultisig(ctx, threshold, participants)
	return escrow.PrepareResult{MultisigInfo: res.MultisigInfo}, err
}

func (w walletClientAdapter) MakeMultisig(ctx context.Context, peerInfo []string, threshold int) (escrow.MakeResult, error) {
	res, err := w.ep.MakeMultisig(ctx, peerInfo, threshold)
	return escrow.MakeResult{Address: res.Address, MultisigInfo: res.MultisigInfo}, err
}

func (w walletClientAdapter) ExportMultisigInfo(ctx context.Context) (escrow.ExportResult, error) {
	res, err := w.ep.ExportMultisigInfo(ctx)
	return escrow.ExportResult{Info: res.Info}, err
}

func (w walletClientAdapter) ImportMultisigInfo(ctx context.Context, info []string) (escrow.ImportResult, error) {
	res, err := w.ep.ImportMultisigInfo(ctx, info)
	return escrow.ImportResult{NOutputs: res.NOutputs}, err
}

func (w walletClientAdapter) IsMultisig(ctx context.Context) (escrow.IsMultisigResult, error) {
	res, err := w.ep.IsMultisig(ctx)
	return escrow.IsMultisigResult{Multisig: res.Multisig, Ready: res.Ready, Threshold: res.Threshold}, err
}

func (w walletClientAdapter) BuildTransfer(ctx context.Context, destAddress string, amount uint64) (escrow.BuildTransferResult, error) {
	res, err := w.ep.BuildTransfer(ctx, destAddress, amount)
	return escrow.BuildTransferResult{TxDataHex: res.TxDataHex}, err
}

func (w walletClientAdapter) SignMultisig(ctx context.Context, txDataHex string) (escrow.SignMultisigResult, error) {
	res, err := w.ep.SignMultisig(ctx, txDataHex)
	return escrow.SignMultisigResult{TxDataHex: res.TxDataHex, Complete: res.Complete}, err
}

func (w walletClientAdapter) SubmitMultisig(ctx context.Context, txDataHex string) (escrow.SubmitMultisigResult, error) {
	res, err := w.ep.SubmitMultisig(ctx, txDataHex)
	return escrow.SubmitMultisigResult{TxHash: res.TxHash}, err
}

// AdvanceMultisigSetup drives one step of the setup sequence (spec
// §4.4). Which of PrepareAll/MakeAll/ExchangeRound(x2)/FinalizeReady runs
// is chosen from the escrow's current phase; callers (an HTTP handler
// receiving a participant's async callback) only name the escrow.
func (o *Orchestrator) AdvanceMultisigSetup(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	clients, err := o.clientsFor(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	next, err := o.store.WithEscrowLock(ctx, escrowID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		now := time.Now().UTC()
		switch cur.Phase {
		case escrow.PhaseNotStarted:
			return escrow.PrepareAll(ctx, cur, clients, now)
		case escrow.PhasePreparing:
			return escrow.MakeAll(ctx, cur, clients, now)
		case escrow.PhaseMaking:
			return escrow.ExchangeRound(ctx, cur, clients, "round1", escrow.PhaseExchangeRound1, now)
		case escrow.PhaseExchangeRound1:
			return escrow.ExchangeRound(ctx, cur, clients, "round2", escrow.PhaseExchangeRound2, now)
		case escrow.PhaseExchangeRound2:
			return escrow.FinalizeReady(ctx, cur, clients, now)
		case escrow.PhaseFailed:
			return cur, fmt.Errorf("escrow %s: %w: setup failed at %s, recovery required", cur.ID, errs.ErrProtocolViolation, cur.Snapshot.FailedAtStep)
		default:
			return cur, fmt.Errorf("escrow %s: %w: no setup step defined for phase %s", cur.ID, errs.ErrIllegalTransition, cur.Phase)
		}
	})
	if err != nil {
		o.bus.Publish(notify.Event{Type: notify.EventMultisigSetupFailed, EscrowID: escrowID, UserIDs: participantsOf(next), At: time.Now().UTC(), Detail: err.Error()})
		return next, err
	}
	evType := notify.EventMultisigPhaseChanged
	if next.Phase == escrow.PhaseReady {
		evType = notify.EventMultisigReady
	}
	o.bus.Publish(notify.Event{Type: evType, EscrowID: next.ID, UserIDs: participantsOf(next), At: time.Now().UTC()})
	return next, nil
}

func participantsOf(e escrow.Escrow) []string {
	return []string{e.BuyerID, e.VendorID, e.ArbiterID}
}

// OpenDispute transitions active -> disputed and builds the air-gap
// export payload (spec §4.5 export flow). The second concurrent opener
// for the same escrow sees AlreadyInState, per Open Question 3.
func (o *Orchestrator) OpenDispute(ctx context.Context, escrowID, buyerClaim, vendorResponse string, evidenceDigests []string) (escrow.Escrow, dispute.DisputeExport, error) {
	var exp dispute.DisputeExport
	next, err := o.store.WithEscrowLock(ctx, escrowID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		if cur.Status == escrow.StatusDisputed {
			return cur, fmt.Errorf("escrow %s: %w: dispute already open", cur.ID, errs.ErrAlreadyInState)
		}
		transitioned, err := escrow.Transition(cur, escrow.EventOpenDispute, o.timeouts, time.Now().UTC())
		if err != nil {
			return cur, err
		}
		var nonce string
		var buildErr error
		exp, nonce, buildErr = dispute.BuildExport(cur.ID, cur.Amount, buyerClaim, vendorResponse, evidenceDigests)
		if buildErr != nil {
			return cur, buildErr
		}
		transitioned.DisputeNonce = nonce
		return transitioned, nil
	})
	if err != nil {
		return escrow.Escrow{}, dispute.DisputeExport{}, fmt.Errorf("orchestrator: open dispute: %w", err)
	}
	o.bus.Publish(notify.Event{Type: notify.EventDisputeOpened, EscrowID: next.ID, UserIDs: participantsOf(next), At: time.Now().UTC()})
	return next, exp, nil
}

// ImportArbiterDecision is the DisputeAirGap import flow (spec §4.5 steps
// 2-5): verify the signed decision, burn the nonce, and move the escrow
// into resolved_buyer or resolved_vendor.
func (o *Orchestrator) ImportArbiterDecision(ctx context.Context, dec dispute.ArbiterDecision) (escrow.Escrow, error) {
	// VerifyAndImport's failure-count and rate-limit bookkeeping must
	// persist even when the decision itself is rejected, but TxFunc
	// aborts with no write whenever it returns an error. So a rejected
	// decision is reported here, not returned from the closure, and the
	// updated counters are committed as an ordinary successful write.
	var verifyErr error
	next, err := o.store.WithEscrowLock(ctx, dec.EscrowID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
		state := dispute.ImportState{
			ExpectedNonce: cur.DisputeNonce,
			FailureCount:  cur.DisputeFailureCount,
			RateLimitedAt: cur.DisputeRateLimitedAt,
		}
		outcome, verr := dispute.VerifyAndImport(o.cfg.ArbiterPubKey, dec, state, time.Now().UTC())
		out := cur
		out.DisputeFailureCount = outcome.FailureCount
		out.DisputeRateLimitedAt = outcome.RateLimitedAt
		if verr != nil {
			verifyErr = verr
			out.UpdatedAt = time.Now().UTC()
			return out, nil
		}

		out.Snapshot.SignedTxPayload = dec.SignedTxHex
		out.DisputeNonce = ""

		var event escrow.Event
		switch dec.Decision {
		case dispute.DecisionBuyer:
			event = escrow.EventResolveBuyer
		case dispute.DecisionVendor:
			event = escrow.EventResolveVendor
		default:
			return cur, fmt.Errorf("orchestrator: %w: unknown decision %q", errs.ErrProtocolViolation, dec.Decision)
		}
		return escrow.Transition(out, event, o.timeouts, time.Now().UTC())
	})
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("orchestrator: import arbiter decision: %w", err)
	}
	if verifyErr != nil {
		return next, fmt.Errorf("orchestrator: import arbiter decision: %w", verifyErr)
	}
	o.bus.Publish(notify.Event{Type: notify.EventDisputeResolved, EscrowID: next.ID, UserIDs: participantsOf(next), At: time.Now().UTC(), Decision: dec.Decision})
	return next, nil
}

// RecoverOnStartup runs WalletCoordinator.RecoverActiveEscrows and
// publishes the corresponding notifications (spec §4.2 "MultisigRecovered
// or MultisigSetupFailed notifications are emitted accordingly").
func (o *Orchestrator) RecoverOnStartup(ctx context.Context) ([]walletcoord.RecoveryResult, error) {
	results, err := o.wallets.RecoverActiveEscrows(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: recover on startup: %w", err)
	}
	recoveredAt := time.Now().UTC()
	recoveredWallets := make(map[string]int, len(results))
	for _, r := range results {
		if r.Err == nil {
			recoveredWallets[r.EscrowID]++
		}
	}
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if seen[r.EscrowID] {
			continue
		}
		seen[r.EscrowID] = true
		evType := notify.EventMultisigPhaseChanged
		if r.Err != nil {
			evType = notify.EventMultisigSetupFailed
		}
		ev := notify.Event{
			Type:             evType,
			EscrowID:         r.EscrowID,
			At:               recoveredAt,
			RecoveredWallets: recoveredWallets[r.EscrowID],
			RecoveredAt:      recoveredAt,
		}
		if e, gerr := o.store.GetEscrow(ctx, r.EscrowID); gerr == nil {
			ev.UserIDs = participantsOf(e)
		}
		o.bus.Publish(ev)
	}
	return results, nil
}
